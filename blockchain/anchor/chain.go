// Package anchor is a signed, hash-chained local ledger for receipt hashes.
// It stands in for an external chain: the transaction reference it returns is
// the 0x-hex hash of the block holding the receipt.
package anchor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/rs/zerolog"

	"ballot-core/encryption"
	"ballot-core/models"
	"ballot-core/storage"
)

// LocalChain implements service.Anchorer.
type LocalChain struct {
	mu         sync.Mutex
	blocks     []*models.AnchorBlock
	byReceipt  map[string]int
	signer     *encryption.AnchorSigner
	storage    *storage.ChainStorage
	difficulty uint8
	log        zerolog.Logger
}

// New restores the newest snapshot from chainStorage, or starts a new chain
// with a signed genesis block. chainStorage may be nil for an in-memory chain.
func New(signer *encryption.AnchorSigner, chainStorage *storage.ChainStorage, difficulty uint8, log zerolog.Logger) (*LocalChain, error) {
	c := &LocalChain{
		byReceipt:  make(map[string]int),
		signer:     signer,
		storage:    chainStorage,
		difficulty: difficulty,
		log:        log.With().Str("component", "anchor_chain").Logger(),
	}

	if chainStorage != nil {
		blocks, err := chainStorage.LoadLatest()
		if err != nil {
			return nil, err
		}
		if len(blocks) > 0 {
			if err := verifyBlocks(blocks, signer.Address()); err != nil {
				return nil, fmt.Errorf("stored anchor chain is invalid: %w", err)
			}
			c.blocks = blocks
			for i, b := range blocks {
				if b.ReceiptHash != "" {
					c.byReceipt[b.ReceiptHash] = i
				}
			}
			return c, nil
		}
	}

	genesis := models.NewAnchorBlock(0, "", nil, difficulty, time.Now())
	if err := c.sign(genesis); err != nil {
		return nil, err
	}
	c.blocks = []*models.AnchorBlock{genesis}
	if err := c.save(); err != nil {
		return nil, err
	}
	return c, nil
}

// Anchor appends a block for the receipt and returns its hash. Anchoring the
// same receipt again returns the existing reference.
func (c *LocalChain) Anchor(ctx context.Context, receipt models.VoteReceipt) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if receipt.ReceiptHash == "" {
		return "", fmt.Errorf("receipt for vote %s has no hash", receipt.VoteID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if i, ok := c.byReceipt[receipt.ReceiptHash]; ok {
		return hexutil.Encode(c.blocks[i].Hash), nil
	}

	last := c.blocks[len(c.blocks)-1]
	now := time.Now()
	if now.UnixNano() < last.Timestamp {
		now = time.Unix(0, last.Timestamp)
	}

	block, err := models.NewAnchorBlockContext(ctx, last.Index+1, receipt.ReceiptHash, last.Hash, c.difficulty, now)
	if err != nil {
		return "", err
	}
	if err := c.sign(block); err != nil {
		return "", err
	}

	c.blocks = append(c.blocks, block)
	if err := c.save(); err != nil {
		c.blocks = c.blocks[:len(c.blocks)-1]
		return "", err
	}
	c.byReceipt[receipt.ReceiptHash] = len(c.blocks) - 1

	txRef := hexutil.Encode(block.Hash)
	c.log.Debug().Uint64("index", block.Index).Str("tx_ref", txRef).Msg("receipt anchored")
	return txRef, nil
}

// Lookup returns the block holding receiptHash.
func (c *LocalChain) Lookup(receiptHash string) (*models.AnchorBlock, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	i, ok := c.byReceipt[receiptHash]
	if !ok {
		return nil, false
	}
	return c.blocks[i], true
}

// Len returns the number of blocks including genesis.
func (c *LocalChain) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.blocks)
}

// Verify re-checks hashes, links and signatures of the whole chain.
func (c *LocalChain) Verify() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return verifyBlocks(c.blocks, c.signer.Address())
}

func (c *LocalChain) sign(block *models.AnchorBlock) error {
	sig, err := c.signer.Sign(block.Hash)
	if err != nil {
		return fmt.Errorf("failed to sign anchor block: %w", err)
	}
	block.Signature = sig
	return nil
}

func (c *LocalChain) save() error {
	if c.storage == nil {
		return nil
	}
	return c.storage.Save(c.blocks)
}

func verifyBlocks(blocks []*models.AnchorBlock, signer common.Address) error {
	if err := models.ValidateAnchorChain(blocks); err != nil {
		return err
	}
	for i, b := range blocks {
		if !encryption.VerifyAnchorSignature(b.Hash, b.Signature, signer) {
			return fmt.Errorf("block %d has invalid signature", i)
		}
	}
	return nil
}

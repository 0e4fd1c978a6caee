package models

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// AnchorBlock records one receipt hash in the local anchoring chain.
type AnchorBlock struct {
	Index       uint64 `json:"index"`
	Timestamp   int64  `json:"timestamp"`
	ReceiptHash string `json:"receipt_hash"`
	PrevHash    []byte `json:"prev_hash"`
	Hash        []byte `json:"hash"`
	Nonce       uint64 `json:"nonce"`
	Difficulty  uint8  `json:"difficulty"` // Number of leading zero bytes required
	Signature   []byte `json:"signature,omitempty"`
}

func NewAnchorBlock(index uint64, receiptHash string, prevHash []byte, difficulty uint8, now time.Time) *AnchorBlock {
	block, _ := NewAnchorBlockContext(context.Background(), index, receiptHash, prevHash, difficulty, now)
	return block
}

// NewAnchorBlockContext mines the block and gives up when ctx is done.
func NewAnchorBlockContext(ctx context.Context, index uint64, receiptHash string, prevHash []byte, difficulty uint8, now time.Time) (*AnchorBlock, error) {
	block := &AnchorBlock{
		Index:       index,
		Timestamp:   now.UnixNano(),
		ReceiptHash: receiptHash,
		PrevHash:    prevHash,
		Difficulty:  difficulty,
	}

	if err := block.MineContext(ctx); err != nil {
		return nil, err
	}
	return block, nil
}

func (b *AnchorBlock) Mine() {
	_ = b.MineContext(context.Background())
}

// MineContext searches for a nonce meeting the difficulty target. ctx is
// checked every 1000 attempts.
func (b *AnchorBlock) MineContext(ctx context.Context) error {
	target := make([]byte, b.Difficulty)
	var nonce uint64
	for {
		b.Nonce = nonce
		b.Hash = b.calculateHash()

		if bytes.HasPrefix(b.Hash, target) {
			return nil
		}

		nonce++
		if nonce%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			time.Sleep(time.Microsecond) // Prevent CPU hogging
		}
	}
}

func (b *AnchorBlock) calculateHash() []byte {
	buffer := new(bytes.Buffer)
	binary.Write(buffer, binary.BigEndian, b.Index)
	binary.Write(buffer, binary.BigEndian, b.Timestamp)
	binary.Write(buffer, binary.BigEndian, uint32(len(b.ReceiptHash)))
	buffer.WriteString(b.ReceiptHash)
	buffer.Write(b.PrevHash)
	binary.Write(buffer, binary.BigEndian, b.Nonce)

	hash := sha256.Sum256(buffer.Bytes())
	return hash[:]
}

// Validate checks the stored hash and the difficulty target. It does not
// check the signature; that needs the signer's address.
func (b *AnchorBlock) Validate() bool {
	calculatedHash := b.calculateHash()
	if !bytes.Equal(calculatedHash, b.Hash) {
		return false
	}

	target := make([]byte, b.Difficulty)
	return bytes.HasPrefix(calculatedHash, target)
}

// ValidateAnchorChain validates hashes, links, indices and timestamp order.
func ValidateAnchorChain(blocks []*AnchorBlock) error {
	for i, current := range blocks {
		if !current.Validate() {
			return fmt.Errorf("block %d has invalid hash", i)
		}
		if i == 0 {
			continue
		}

		previous := blocks[i-1]
		if !bytes.Equal(current.PrevHash, previous.Hash) {
			return fmt.Errorf("block %d has invalid previous hash link", i)
		}
		if current.Index != previous.Index+1 {
			return fmt.Errorf("block %d has invalid index", i)
		}
		if current.Timestamp < previous.Timestamp {
			return fmt.Errorf("block %d has invalid timestamp", i)
		}
	}

	return nil
}

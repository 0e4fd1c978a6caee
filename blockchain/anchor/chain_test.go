package anchor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/rs/zerolog"

	"ballot-core/encryption"
	"ballot-core/models"
	"ballot-core/storage"
)

func receipt(i int) models.VoteReceipt {
	return models.VoteReceipt{
		VoteID:      fmt.Sprintf("vote-%d", i),
		ReceiptHash: strings.Repeat(fmt.Sprintf("%x", i%16), 64),
	}
}

func newSigner(t *testing.T) *encryption.AnchorSigner {
	t.Helper()
	s, err := encryption.NewAnchorSigner()
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestLocalChain_Anchor(t *testing.T) {
	chain, err := New(newSigner(t), nil, 1, zerolog.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx := context.Background()

	var refs []string
	for i := 1; i <= 3; i++ {
		ref, err := chain.Anchor(ctx, receipt(i))
		if err != nil {
			t.Fatalf("Anchor(%d) error = %v", i, err)
		}
		refs = append(refs, ref)
	}

	if chain.Len() != 4 {
		t.Fatalf("Len() = %d, want 4", chain.Len())
	}
	for i, ref := range refs {
		block, ok := chain.Lookup(receipt(i + 1).ReceiptHash)
		if !ok {
			t.Fatalf("Lookup(%d) not found", i+1)
		}
		if ref != hexutil.Encode(block.Hash) {
			t.Errorf("ref = %s, want block hash %s", ref, hexutil.Encode(block.Hash))
		}
		if block.Hash[0] != 0 {
			t.Errorf("block %d does not meet difficulty", block.Index)
		}
	}
	if err := chain.Verify(); err != nil {
		t.Errorf("Verify() error = %v", err)
	}

	again, err := chain.Anchor(ctx, receipt(2))
	if err != nil || again != refs[1] {
		t.Errorf("re-anchor = %s, %v; want %s", again, err, refs[1])
	}
	if chain.Len() != 4 {
		t.Errorf("re-anchor appended a block")
	}
}

func TestLocalChain_Rejects(t *testing.T) {
	chain, err := New(newSigner(t), nil, 0, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}

	if _, err := chain.Anchor(context.Background(), models.VoteReceipt{VoteID: "x"}); err == nil {
		t.Error("Anchor() accepted an empty receipt hash")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := chain.Anchor(ctx, receipt(1)); err == nil {
		t.Error("Anchor() ignored a cancelled context")
	}
	if chain.Len() != 1 {
		t.Errorf("Len() = %d, want 1", chain.Len())
	}
}

func TestLocalChain_MiningStopsAtDeadline(t *testing.T) {
	chain, err := New(newSigner(t), nil, 0, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	// No hash has 32 leading zero bytes, so only the deadline ends mining.
	chain.difficulty = 32

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := chain.Anchor(ctx, receipt(1)); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Anchor() error = %v, want context.DeadlineExceeded", err)
	}
	if chain.Len() != 1 {
		t.Errorf("Len() = %d, want 1", chain.Len())
	}

	chain.difficulty = 0
	if _, err := chain.Anchor(context.Background(), receipt(2)); err != nil {
		t.Errorf("Anchor() after a timed out attempt: %v", err)
	}
}

func TestLocalChain_PersistsAndRestores(t *testing.T) {
	dir := t.TempDir()
	signer := newSigner(t)
	cs, err := storage.NewChainStorage(dir, 3, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}

	chain, err := New(signer, cs, 1, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	ref, err := chain.Anchor(context.Background(), receipt(7))
	if err != nil {
		t.Fatal(err)
	}

	restored, err := New(signer, cs, 1, zerolog.Nop())
	if err != nil {
		t.Fatalf("restore error = %v", err)
	}
	if restored.Len() != 2 {
		t.Fatalf("restored Len() = %d, want 2", restored.Len())
	}
	again, err := restored.Anchor(context.Background(), receipt(7))
	if err != nil || again != ref {
		t.Errorf("restored chain re-anchor = %s, %v; want %s", again, err, ref)
	}

	if _, err := New(newSigner(t), cs, 1, zerolog.Nop()); err == nil {
		t.Error("chain signed by another key was accepted")
	}
}

func TestLocalChain_DetectsTamperedSnapshot(t *testing.T) {
	dir := t.TempDir()
	signer := newSigner(t)
	cs, err := storage.NewChainStorage(dir, 3, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}

	chain, err := New(signer, cs, 0, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := chain.Anchor(context.Background(), receipt(1)); err != nil {
		t.Fatal(err)
	}

	blocks, err := cs.LoadLatest()
	if err != nil {
		t.Fatal(err)
	}
	blocks[1].ReceiptHash = strings.Repeat("f", 64)
	if err := cs.Save(blocks); err != nil {
		t.Fatal(err)
	}

	if _, err := New(signer, cs, 0, zerolog.Nop()); err == nil {
		t.Error("tampered chain was accepted")
	}
}

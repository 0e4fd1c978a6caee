package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/rs/zerolog"

	"ballot-core/models"
	"ballot-core/service/mocks"
)

func castVotes(t *testing.T, env *testEnv, voters ...string) []*CastResult {
	t.Helper()
	var results []*CastResult
	for _, v := range voters {
		r, err := env.ledger.Cast(context.Background(), CastRequest{
			ElectionID:      "E1",
			CandidateID:     "C1",
			VoterRef:        v,
			EncryptedBallot: []byte("ballot-" + v),
		})
		if err != nil {
			t.Fatalf("Cast(%s) error = %v", v, err)
		}
		results = append(results, r)
	}
	return results
}

func TestAnchorDispatcher_Backfill(t *testing.T) {
	ctrl := gomock.NewController(t)
	anchorer := mocks.NewMockAnchorer(ctrl)

	env := newTestEnv(t)
	env.seedElection(t, "E1", true)
	cast := castVotes(t, env, "V1", "V2")

	anchorer.EXPECT().
		Anchor(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, r models.VoteReceipt) (string, error) {
			return "0xtx-" + r.VoteID, nil
		}).
		Times(2)

	d := NewAnchorDispatcher(anchorer, env.store, 4, time.Second, env.metrics, zerolog.Nop())
	n, err := d.Backfill(context.Background(), 10)
	if err != nil {
		t.Fatalf("Backfill() error = %v", err)
	}
	if n != 2 {
		t.Fatalf("Backfill() = %d, want 2", n)
	}

	for _, c := range cast {
		v, err := env.receipts.Verify(context.Background(), c.ReceiptHash)
		if err != nil {
			t.Fatal(err)
		}
		if v.ChainTxRef == nil || *v.ChainTxRef != "0xtx-"+c.VoteID {
			t.Errorf("ChainTxRef = %v, want 0xtx-%s", v.ChainTxRef, c.VoteID)
		}
	}

	// Anchored receipts are not picked up again.
	if n, err := d.Backfill(context.Background(), 10); err != nil || n != 0 {
		t.Errorf("second Backfill() = %d, %v", n, err)
	}
	if env.metrics.Snapshot().AnchorSuccesses != 2 {
		t.Errorf("AnchorSuccesses = %d", env.metrics.Snapshot().AnchorSuccesses)
	}
}

func TestAnchorDispatcher_BackfillFailureLeavesReceiptUnanchored(t *testing.T) {
	ctrl := gomock.NewController(t)
	anchorer := mocks.NewMockAnchorer(ctrl)

	env := newTestEnv(t)
	env.seedElection(t, "E1", true)
	cast := castVotes(t, env, "V1")

	anchorer.EXPECT().Anchor(gomock.Any(), gomock.Any()).Return("", errors.New("ledger unavailable"))

	d := NewAnchorDispatcher(anchorer, env.store, 4, time.Second, env.metrics, zerolog.Nop())
	n, err := d.Backfill(context.Background(), 10)
	if err == nil || n != 0 {
		t.Fatalf("Backfill() = %d, %v; want failure", n, err)
	}

	receipt, err := env.store.GetReceiptByVoteID(context.Background(), cast[0].VoteID)
	if err != nil {
		t.Fatal(err)
	}
	if receipt.Anchored() {
		t.Error("receipt anchored after failure")
	}
	if env.metrics.Snapshot().AnchorFailures != 1 {
		t.Errorf("AnchorFailures = %d", env.metrics.Snapshot().AnchorFailures)
	}
}

func TestAnchorDispatcher_AsyncAfterCast(t *testing.T) {
	ctrl := gomock.NewController(t)
	anchorer := mocks.NewMockAnchorer(ctrl)

	env := newTestEnv(t)
	env.seedElection(t, "E1", true)

	anchorer.EXPECT().Anchor(gomock.Any(), gomock.Any()).Return("0xabc", nil)

	d := NewAnchorDispatcher(anchorer, env.store, 4, time.Second, env.metrics, zerolog.Nop())
	d.Start()
	defer d.Stop()
	env.ledger.SetAnchoring(d)

	cast := castVotes(t, env, "V1")

	deadline := time.Now().Add(5 * time.Second)
	for {
		receipt, err := env.store.GetReceiptByVoteID(context.Background(), cast[0].VoteID)
		if err != nil {
			t.Fatal(err)
		}
		if receipt.Anchored() {
			if *receipt.ChainTxRef != "0xabc" {
				t.Errorf("ChainTxRef = %s", *receipt.ChainTxRef)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("receipt was not anchored")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestAnchorDispatcher_FailureNeverBlocksCast(t *testing.T) {
	ctrl := gomock.NewController(t)
	anchorer := mocks.NewMockAnchorer(ctrl)

	env := newTestEnv(t)
	env.seedElection(t, "E1", true)

	release := make(chan struct{})
	anchorer.EXPECT().
		Anchor(gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, _ models.VoteReceipt) (string, error) {
			select {
			case <-release:
			case <-ctx.Done():
			}
			return "", errors.New("timed out")
		}).
		AnyTimes()

	d := NewAnchorDispatcher(anchorer, env.store, 1, 50*time.Millisecond, env.metrics, zerolog.Nop())
	d.Start()
	defer d.Stop()
	defer close(release)
	env.ledger.SetAnchoring(d)

	start := time.Now()
	cast := castVotes(t, env, "V1", "V2", "V3", "V4")
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("casting took %v with a stuck anchorer", elapsed)
	}

	for _, c := range cast {
		v, err := env.receipts.Verify(context.Background(), c.ReceiptHash)
		if err != nil || !v.Found {
			t.Fatalf("Verify() = %+v, %v", v, err)
		}
	}
}

func TestAnchorDispatcher_SubmitWhenFull(t *testing.T) {
	ctrl := gomock.NewController(t)
	anchorer := mocks.NewMockAnchorer(ctrl)
	metrics := NewMetrics()

	d := NewAnchorDispatcher(anchorer, nil, 1, time.Second, metrics, zerolog.Nop())
	if !d.Submit(models.VoteReceipt{VoteID: "a"}) {
		t.Fatal("first Submit() = false")
	}
	if d.Submit(models.VoteReceipt{VoteID: "b"}) {
		t.Fatal("Submit() on full queue = true")
	}
	d.Stop()
	if d.Submit(models.VoteReceipt{VoteID: "c"}) {
		t.Fatal("Submit() after Stop = true")
	}
	if got := metrics.Snapshot().AnchorDropped; got != 2 {
		t.Errorf("AnchorDropped = %d, want 2", got)
	}
}

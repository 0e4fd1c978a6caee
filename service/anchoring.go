package service

//go:generate mockgen -destination=mocks/mock_anchorer.go -package=mocks ballot-core/service Anchorer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ballot-core/models"
	"ballot-core/storage"
)

// Anchorer records a receipt hash on an external ledger and returns an opaque
// transaction reference.
type Anchorer interface {
	Anchor(ctx context.Context, receipt models.VoteReceipt) (string, error)
}

// AnchorDispatcher anchors committed receipts in the background. Casting never
// waits on it: a full queue or a failed anchor leaves chain_tx_ref empty for
// Backfill to pick up later.
type AnchorDispatcher struct {
	anchorer     Anchorer
	store        storage.Store
	queue        chan models.VoteReceipt
	timeout      time.Duration
	metrics      *Metrics
	processingWg sync.WaitGroup
	shutdownCh   chan struct{}
	stopOnce     sync.Once
	log          zerolog.Logger
}

func NewAnchorDispatcher(anchorer Anchorer, store storage.Store, queueSize int, timeout time.Duration, metrics *Metrics, log zerolog.Logger) *AnchorDispatcher {
	if queueSize <= 0 {
		queueSize = 256
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &AnchorDispatcher{
		anchorer:   anchorer,
		store:      store,
		queue:      make(chan models.VoteReceipt, queueSize),
		timeout:    timeout,
		metrics:    metrics,
		shutdownCh: make(chan struct{}),
		log:        log.With().Str("component", "anchoring").Logger(),
	}
}

func (d *AnchorDispatcher) Start() {
	d.processingWg.Add(1)
	go d.worker()
}

// Submit queues a receipt without blocking. It returns false when dropped.
func (d *AnchorDispatcher) Submit(receipt models.VoteReceipt) bool {
	select {
	case <-d.shutdownCh:
		d.metrics.RecordAnchorDropped()
		return false
	default:
	}

	select {
	case d.queue <- receipt:
		return true
	default:
		d.metrics.RecordAnchorDropped()
		d.log.Warn().Str("vote_id", receipt.VoteID).Msg("anchor queue is full, receipt left unanchored")
		return false
	}
}

// Stop ends the worker. Receipts still queued stay unanchored until Backfill.
func (d *AnchorDispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.shutdownCh)
		d.processingWg.Wait()
		if pending := len(d.queue); pending > 0 {
			d.log.Info().Int("pending", pending).Msg("anchoring stopped with receipts pending")
		}
	})
}

func (d *AnchorDispatcher) worker() {
	defer d.processingWg.Done()

	for {
		select {
		case <-d.shutdownCh:
			return
		case receipt := <-d.queue:
			if err := d.anchor(context.Background(), receipt); err != nil {
				d.log.Warn().Err(err).Str("vote_id", receipt.VoteID).Msg("anchoring failed")
			}
		}
	}
}

func (d *AnchorDispatcher) anchor(ctx context.Context, receipt models.VoteReceipt) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	txRef, err := d.anchorer.Anchor(ctx, receipt)
	if err == nil && txRef == "" {
		err = errors.New("anchorer returned an empty transaction reference")
	}
	d.metrics.RecordAnchor(err)
	if err != nil {
		return err
	}

	if err := d.store.SetChainTxRef(ctx, receipt.VoteID, txRef); err != nil {
		if errors.Is(err, storage.ErrAlreadyAnchored) {
			d.log.Debug().Str("vote_id", receipt.VoteID).Msg("receipt already anchored")
			return nil
		}
		return fmt.Errorf("failed to record chain tx ref: %w", err)
	}

	d.log.Debug().Str("vote_id", receipt.VoteID).Str("chain_tx_ref", txRef).Msg("receipt anchored")
	return nil
}

// Backfill anchors up to limit receipts that have no chain_tx_ref yet,
// synchronously. It returns how many were anchored and every failure joined.
func (d *AnchorDispatcher) Backfill(ctx context.Context, limit int) (int, error) {
	receipts, err := d.store.ListUnanchoredReceipts(ctx, limit)
	if err != nil {
		return 0, err
	}

	var (
		anchored int
		errs     []error
	)
	for _, receipt := range receipts {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := d.anchor(ctx, receipt); err != nil {
			errs = append(errs, fmt.Errorf("vote %s: %w", receipt.VoteID, err))
			continue
		}
		anchored++
	}

	d.log.Info().Int("anchored", anchored).Int("failed", len(errs)).Msg("anchor backfill finished")
	return anchored, errors.Join(errs...)
}

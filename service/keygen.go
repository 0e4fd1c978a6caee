package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ballot-core/encryption"
	"ballot-core/models"
)

// KeyGenerator creates and stores a server-held key pair for an election.
type KeyGenerator struct {
	keys     *encryption.KeyPairManager
	keyStore *ElectionKeyStore
	keySize  int
	metrics  *Metrics
	log      zerolog.Logger
}

func NewKeyGenerator(keys *encryption.KeyPairManager, keyStore *ElectionKeyStore, keySize int, metrics *Metrics, log zerolog.Logger) *KeyGenerator {
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &KeyGenerator{
		keys:     keys,
		keyStore: keyStore,
		keySize:  keySize,
		metrics:  metrics,
		log:      log.With().Str("component", "keygen").Logger(),
	}
}

// Generate creates a pair and stores it. Without private key persistence the
// private half would be unrecoverable, so server-side generation is refused
// and keys must come from the offline flow instead. When two callers race, one
// insert wins and the other gets ErrDuplicateKey and discards its pair.
func (g *KeyGenerator) Generate(ctx context.Context, electionID string) (*models.ElectionKeyPair, error) {
	if err := g.keyStore.requireElection(ctx, electionID); err != nil {
		return nil, err
	}
	if !g.keyStore.PersistsPrivateKeys() {
		return nil, &encryption.ConfigurationError{
			Field:   "keys.persist_private_key",
			Message: "server-side key generation needs private key persistence; register an offline key instead",
		}
	}

	start := time.Now()
	pair, err := g.keys.Generate(g.keySize)
	if err != nil {
		g.metrics.RecordKeyGen(0, err)
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}

	record, err := g.keyStore.CreateForElection(ctx, electionID, pair.PublicKeyPEM, pair.Fingerprint, []byte(pair.PrivateKeyPEM))
	if err != nil {
		g.metrics.RecordKeyGen(0, err)
		if errors.Is(err, ErrDuplicateKey) {
			g.log.Info().Str("election_id", electionID).Msg("key pair already exists, discarding generated pair")
		}
		return nil, err
	}

	g.metrics.RecordKeyGen(time.Since(start), nil)
	return record, nil
}

type keyGenerator interface {
	Generate(ctx context.Context, electionID string) (*models.ElectionKeyPair, error)
}

// KeyGenResult is published for every processed request.
type KeyGenResult struct {
	ElectionID  string
	Fingerprint string
	Err         error
	Timestamp   time.Time
}

// KeyGenQueue runs key generation off the request path. Election creation
// enqueues and returns; outcomes go to the log and the Results channel.
type KeyGenQueue struct {
	generator    keyGenerator
	requestCh    chan string
	resultCh     chan *KeyGenResult
	workers      int
	timeout      time.Duration
	processingWg sync.WaitGroup
	shutdownCh   chan struct{}
	stopOnce     sync.Once
	log          zerolog.Logger
}

func NewKeyGenQueue(generator keyGenerator, workers, queueSize int, timeout time.Duration, log zerolog.Logger) *KeyGenQueue {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 16
	}
	return &KeyGenQueue{
		generator:  generator,
		requestCh:  make(chan string, queueSize),
		resultCh:   make(chan *KeyGenResult, queueSize*2),
		workers:    workers,
		timeout:    timeout,
		shutdownCh: make(chan struct{}),
		log:        log.With().Str("component", "keygen_queue").Logger(),
	}
}

func (q *KeyGenQueue) Start() {
	for i := 0; i < q.workers; i++ {
		q.processingWg.Add(1)
		go q.worker()
	}
}

// Enqueue hands off a generation request without blocking. It returns false
// when the queue is full.
func (q *KeyGenQueue) Enqueue(electionID string) bool {
	select {
	case q.requestCh <- electionID:
		return true
	default:
		q.log.Warn().Str("election_id", electionID).Msg("key generation queue is full, request dropped")
		return false
	}
}

// Results returns the channel where outcomes are published. Results are
// dropped when nobody drains it.
func (q *KeyGenQueue) Results() <-chan *KeyGenResult {
	return q.resultCh
}

// Stop waits for in-flight work and closes Results.
func (q *KeyGenQueue) Stop() {
	q.stopOnce.Do(func() {
		close(q.shutdownCh)
		q.processingWg.Wait()
		close(q.resultCh)
	})
}

func (q *KeyGenQueue) worker() {
	defer q.processingWg.Done()

	for {
		select {
		case <-q.shutdownCh:
			return
		case electionID := <-q.requestCh:
			q.process(electionID)
		}
	}
}

func (q *KeyGenQueue) process(electionID string) {
	ctx := context.Background()
	if q.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.timeout)
		defer cancel()
	}

	result := &KeyGenResult{ElectionID: electionID, Timestamp: time.Now()}
	record, err := q.generator.Generate(ctx, electionID)
	switch {
	case err == nil:
		result.Fingerprint = record.Fingerprint
		q.log.Info().Str("election_id", electionID).Str("fingerprint", record.Fingerprint).Msg("key generation completed")
	case errors.Is(err, ErrDuplicateKey):
		result.Err = err
	default:
		result.Err = err
		q.log.Error().Err(err).Str("election_id", electionID).Msg("key generation failed")
	}

	select {
	case q.resultCh <- result:
	default:
	}
}

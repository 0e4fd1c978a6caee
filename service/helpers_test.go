package service

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"ballot-core/encryption"
	"ballot-core/models"
	"ballot-core/storage"
)

var (
	windowStart = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	windowEnd   = time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	midWindow   = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	testSecret = []byte("at-rest-secret-for-tests")

	sharedPairOnce sync.Once
	sharedPair     *encryption.KeyPair
	sharedPairErr  error
)

func testKeyPair(t *testing.T) *encryption.KeyPair {
	t.Helper()
	sharedPairOnce.Do(func() {
		sharedPair, sharedPairErr = encryption.NewKeyPairManager(nil).Generate(encryption.KeySize2048)
	})
	if sharedPairErr != nil {
		t.Fatalf("Generate() error = %v", sharedPairErr)
	}
	return sharedPair
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type testEnv struct {
	store    storage.Store
	hasher   *encryption.HashingService
	keys     *encryption.KeyPairManager
	keyStore *ElectionKeyStore
	receipts *ReceiptService
	ledger   *VoteLedger
	metrics  *Metrics
	clock    *testClock
}

type envOption func(*envConfig)

type envConfig struct {
	store  storage.Store
	policy PrivateKeyPolicy
}

func withStore(s storage.Store) envOption {
	return func(c *envConfig) { c.store = s }
}

func withPersistedKeys() envOption {
	return func(c *envConfig) {
		c.policy = PrivateKeyPolicy{Persist: true, AtRestSecret: testSecret}
	}
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()

	cfg := &envConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.store == nil {
		s, err := storage.NewJSONStore("")
		if err != nil {
			t.Fatal(err)
		}
		cfg.store = s
	}

	log := zerolog.Nop()
	env := &testEnv{
		store:   cfg.store,
		hasher:  encryption.NewHashingServiceWithIterations(1000),
		metrics: NewMetrics(),
		clock:   &testClock{now: midWindow},
	}
	env.keys = encryption.NewKeyPairManager(env.hasher)

	keyStore, err := NewElectionKeyStore(env.store, env.keys, env.hasher, cfg.policy, env.clock.Now, log)
	if err != nil {
		t.Fatalf("NewElectionKeyStore() error = %v", err)
	}
	env.keyStore = keyStore
	env.receipts = NewReceiptService(env.store, env.hasher, log)
	env.ledger = NewVoteLedger(env.store, env.keyStore, env.receipts, env.metrics, env.clock.Now, log)
	return env
}

// seedElection creates an election over the default window and, when withKey
// is set, registers the shared public key for it.
func (env *testEnv) seedElection(t *testing.T, id string, withKey bool) {
	t.Helper()
	ctx := context.Background()

	err := env.store.CreateElection(ctx, &models.Election{
		ID:        id,
		Title:     "Election " + id,
		StartTime: windowStart,
		EndTime:   windowEnd,
	})
	if err != nil {
		t.Fatalf("CreateElection() error = %v", err)
	}
	if !withKey {
		return
	}

	pair := testKeyPair(t)
	if _, err := env.keyStore.CreateForElection(ctx, id, pair.PublicKeyPEM, pair.Fingerprint, nil); err != nil {
		t.Fatalf("CreateForElection() error = %v", err)
	}
}

type storeFactory struct {
	name string
	open func(t *testing.T) storage.Store
}

func storeFactories() []storeFactory {
	return []storeFactory{
		{"json", func(t *testing.T) storage.Store {
			s, err := storage.NewJSONStore("")
			if err != nil {
				t.Fatal(err)
			}
			return s
		}},
		{"sqlite", func(t *testing.T) storage.Store {
			dsn := "file:" + filepath.Join(t.TempDir(), "ledger.db") + "?_pragma=busy_timeout(5000)"
			s, err := storage.OpenSQL(storage.DriverSQLite, dsn, zerolog.Nop())
			if err != nil {
				t.Fatalf("OpenSQL() error = %v", err)
			}
			t.Cleanup(func() { s.Close() })
			return s
		}},
	}
}

type submitRecorder struct {
	mu       sync.Mutex
	receipts []models.VoteReceipt
}

func (r *submitRecorder) Submit(receipt models.VoteReceipt) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.receipts = append(r.receipts, receipt)
	return true
}

package service

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"ballot-core/encryption"
	"ballot-core/models"
	"ballot-core/storage"
)

// Clock returns the current time. The ledger reads it once per cast.
type Clock func() time.Time

// PrivateKeyPolicy controls whether a private key may be stored next to the
// public key. Persisting is off by default; when on, the key is only ever
// stored as an AEAD bundle sealed with AtRestSecret.
type PrivateKeyPolicy struct {
	Persist      bool
	AtRestSecret []byte
}

// Validate fails when persistence is requested without a secret.
func (p PrivateKeyPolicy) Validate() error {
	if p.Persist && len(p.AtRestSecret) == 0 {
		return &encryption.ConfigurationError{
			Field:   "keys.at_rest_secret",
			Message: "required when private key persistence is enabled",
		}
	}
	return nil
}

// PublicKeyRecord is what callers need to seal a ballot and check the key out
// of band.
type PublicKeyRecord struct {
	ElectionID  string    `json:"electionId"`
	PublicKey   string    `json:"publicKey"`
	Fingerprint string    `json:"fingerprint"`
	CreatedAt   time.Time `json:"createdAt"`
}

// ElectionKeyStore persists one key pair per election. It has no update
// operation; a new pair requires Delete first.
type ElectionKeyStore struct {
	store  storage.Store
	keys   *encryption.KeyPairManager
	hasher *encryption.HashingService
	policy PrivateKeyPolicy
	clock  Clock
	log    zerolog.Logger
}

func NewElectionKeyStore(store storage.Store, keys *encryption.KeyPairManager, hasher *encryption.HashingService, policy PrivateKeyPolicy, clock Clock, log zerolog.Logger) (*ElectionKeyStore, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = time.Now
	}
	return &ElectionKeyStore{
		store:  store,
		keys:   keys,
		hasher: hasher,
		policy: policy,
		clock:  clock,
		log:    log.With().Str("component", "keystore").Logger(),
	}, nil
}

// PersistsPrivateKeys reports whether the policy allows server-held keys.
func (ks *ElectionKeyStore) PersistsPrivateKeys() bool {
	return ks.policy.Persist
}

// CreateForElection stores the public key and fingerprint for electionID. The
// fingerprint is recomputed and must match when one is supplied. privateKeyPEM
// is only accepted when the policy allows persistence. A second call for the
// same election fails with ErrDuplicateKey from the storage insert itself.
func (ks *ElectionKeyStore) CreateForElection(ctx context.Context, electionID, publicKeyPEM, fingerprint string, privateKeyPEM []byte) (*models.ElectionKeyPair, error) {
	if err := ks.requireElection(ctx, electionID); err != nil {
		return nil, err
	}

	if !ks.keys.VerifyPublicKey(publicKeyPEM) {
		return nil, invalidInput("public key cannot be parsed")
	}
	computed, err := ks.keys.FingerprintPEM(publicKeyPEM)
	if err != nil {
		return nil, err
	}
	if fingerprint != "" && !strings.EqualFold(fingerprint, computed) {
		return nil, invalidInput("fingerprint does not match public key")
	}

	pair := &models.ElectionKeyPair{
		ElectionID:  electionID,
		PublicKey:   publicKeyPEM,
		Fingerprint: computed,
		CreatedAt:   ks.clock().UTC(),
	}

	if len(privateKeyPEM) > 0 {
		if !ks.policy.Persist {
			return nil, ErrPrivateKeyNotPersisted
		}
		sealed, err := ks.sealPrivateKey(privateKeyPEM, publicKeyPEM)
		if err != nil {
			return nil, err
		}
		pair.SealedPrivateKey = sealed
	}

	if err := ks.store.InsertKeyPair(ctx, pair); err != nil {
		if errors.Is(err, storage.ErrDuplicateKey) {
			return nil, ErrDuplicateKey
		}
		return nil, fmt.Errorf("failed to store key pair: %w", err)
	}

	ks.log.Info().
		Str("election_id", electionID).
		Str("fingerprint", computed).
		Bool("private_key_stored", pair.HasPrivateKey()).
		Msg("election key pair stored")
	return pair, nil
}

func (ks *ElectionKeyStore) requireElection(ctx context.Context, electionID string) error {
	if electionID == "" {
		return invalidInput("election id is required")
	}
	if _, err := ks.store.GetElection(ctx, electionID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return &NotFoundError{Resource: ResourceElection}
		}
		return err
	}
	return nil
}

func (ks *ElectionKeyStore) sealPrivateKey(privateKeyPEM []byte, publicKeyPEM string) ([]byte, error) {
	priv, err := encryption.ParsePrivateKeyPEM(string(privateKeyPEM))
	if err != nil {
		return nil, err
	}
	pub, err := encryption.ParsePublicKeyPEM(publicKeyPEM)
	if err != nil {
		return nil, err
	}
	if !priv.PublicKey.Equal(pub) {
		return nil, invalidInput("private key does not belong to public key")
	}

	bundle, err := ks.hasher.EncryptAEAD(privateKeyPEM, ks.policy.AtRestSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to seal private key: %w", err)
	}
	return json.Marshal(bundle)
}

// GetPublicKey returns the stored public key, or a NotFoundError matching
// ErrNoKey when the election has none.
func (ks *ElectionKeyStore) GetPublicKey(ctx context.Context, electionID string) (*PublicKeyRecord, error) {
	pair, err := ks.store.GetKeyPair(ctx, electionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, &NotFoundError{Resource: ResourceKey}
		}
		return nil, err
	}
	return &PublicKeyRecord{
		ElectionID:  pair.ElectionID,
		PublicKey:   pair.PublicKey,
		Fingerprint: pair.Fingerprint,
		CreatedAt:   pair.CreatedAt,
	}, nil
}

func (ks *ElectionKeyStore) HasKey(ctx context.Context, electionID string) (bool, error) {
	_, err := ks.store.GetKeyPair(ctx, electionID)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	return false, err
}

// Delete removes the key pair. Callers must have checked the operator holds
// elevated privilege.
func (ks *ElectionKeyStore) Delete(ctx context.Context, electionID string) error {
	if err := ks.store.DeleteKeyPair(ctx, electionID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return &NotFoundError{Resource: ResourceKey}
		}
		return err
	}
	ks.log.Warn().Str("election_id", electionID).Msg("election key pair deleted")
	return nil
}

// PrivateKey opens a server-held private key. Tampered bundles fail with
// ErrIntegrity.
func (ks *ElectionKeyStore) PrivateKey(ctx context.Context, electionID string) (*rsa.PrivateKey, error) {
	if !ks.policy.Persist {
		return nil, ErrPrivateKeyNotPersisted
	}
	pair, err := ks.store.GetKeyPair(ctx, electionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, &NotFoundError{Resource: ResourceKey}
		}
		return nil, err
	}
	if !pair.HasPrivateKey() {
		return nil, ErrPrivateKeyNotPersisted
	}

	var bundle encryption.AEADBundle
	if err := json.Unmarshal(pair.SealedPrivateKey, &bundle); err != nil {
		return nil, fmt.Errorf("%w: %v", encryption.ErrMalformedBundle, err)
	}
	plaintext, err := ks.hasher.DecryptAEAD(&bundle, ks.policy.AtRestSecret)
	if err != nil {
		ks.log.Error().Err(err).Str("election_id", electionID).Msg("sealed private key failed to open")
		return nil, err
	}
	return encryption.ParsePrivateKeyPEM(string(plaintext))
}

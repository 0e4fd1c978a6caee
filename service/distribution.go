package service

import (
	"context"
	"errors"
	"fmt"

	"ballot-core/encryption"
	"ballot-core/models"
)

// KeyDistributionAPI is the read-only surface voters use to fetch the key
// they seal ballots with, and the admin-facing registration of offline keys.
type KeyDistributionAPI struct {
	keyStore  *ElectionKeyStore
	generator *KeyGenerator
}

func NewKeyDistributionAPI(keyStore *ElectionKeyStore, generator *KeyGenerator) *KeyDistributionAPI {
	return &KeyDistributionAPI{keyStore: keyStore, generator: generator}
}

// PublicKey returns the election's public key, or an error matching ErrNoKey.
func (d *KeyDistributionAPI) PublicKey(ctx context.Context, electionID string) (*PublicKeyRecord, error) {
	return d.keyStore.GetPublicKey(ctx, electionID)
}

// RegisterPublicKey stores a key generated offline. The private half never
// reaches the server.
func (d *KeyDistributionAPI) RegisterPublicKey(ctx context.Context, electionID, publicKeyPEM, fingerprint string) (*PublicKeyRecord, error) {
	pair, err := d.keyStore.CreateForElection(ctx, electionID, publicKeyPEM, fingerprint, nil)
	if err != nil {
		return nil, err
	}
	return toRecord(pair), nil
}

// GenerateKey synchronously creates a server-held key pair.
func (d *KeyDistributionAPI) GenerateKey(ctx context.Context, electionID string) (*PublicKeyRecord, error) {
	if err := d.keyStore.requireElection(ctx, electionID); err != nil {
		return nil, err
	}
	if d.generator == nil {
		return nil, fmt.Errorf("%w: key generator not configured", encryption.ErrConfiguration)
	}
	pair, err := d.generator.Generate(ctx, electionID)
	if err != nil {
		return nil, err
	}
	return toRecord(pair), nil
}

// Delete removes the election key pair. Callers must hold SUPER_ADMIN.
func (d *KeyDistributionAPI) Delete(ctx context.Context, electionID string) error {
	return d.keyStore.Delete(ctx, electionID)
}

// VerifyFingerprint reports whether the stored key has the given fingerprint.
func (d *KeyDistributionAPI) VerifyFingerprint(ctx context.Context, electionID, fingerprint string) (bool, error) {
	record, err := d.keyStore.GetPublicKey(ctx, electionID)
	if err != nil {
		if errors.Is(err, ErrNoKey) {
			return false, nil
		}
		return false, err
	}
	return record.Fingerprint == fingerprint, nil
}

func toRecord(pair *models.ElectionKeyPair) *PublicKeyRecord {
	return &PublicKeyRecord{
		ElectionID:  pair.ElectionID,
		PublicKey:   pair.PublicKey,
		Fingerprint: pair.Fingerprint,
		CreatedAt:   pair.CreatedAt,
	}
}

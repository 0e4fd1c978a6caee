package models

import "time"

// ElectionKeyPair holds the key material for one election. ElectionID is the
// primary key, so a second row for the same election cannot be inserted.
type ElectionKeyPair struct {
	ElectionID  string    `gorm:"primaryKey;size:64" json:"election_id"`
	PublicKey   string    `gorm:"type:text;not null" json:"public_key"`
	Fingerprint string    `gorm:"size:64;not null" json:"fingerprint"`
	CreatedAt   time.Time `gorm:"not null" json:"created_at"`

	// SealedPrivateKey is only set when private key persistence is enabled.
	// It is an AEAD bundle, never the PEM itself.
	SealedPrivateKey []byte `gorm:"type:blob" json:"sealed_private_key,omitempty"`
}

func (ElectionKeyPair) TableName() string {
	return "election_key_pairs"
}

// HasPrivateKey reports whether the system-managed flow stored a private key.
func (k *ElectionKeyPair) HasPrivateKey() bool {
	return len(k.SealedPrivateKey) > 0
}

package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

const envelopeVersion = 1

// BallotEnvelope is the hybrid ciphertext a client submits as its ballot: a
// one-time AES-256 key wrapped with RSA-OAEP plus the GCM-sealed payload.
type BallotEnvelope struct {
	Version    int    `json:"v"`
	WrappedKey []byte `json:"k"`
	Nonce      []byte `json:"n"`
	Ciphertext []byte `json:"c"`
}

// SealBallot encrypts payload to the election public key and returns the
// envelope as base64 text.
func (m *KeyPairManager) SealBallot(payload []byte, publicKeyPEM string) (string, error) {
	pub, err := ParsePublicKeyPEM(publicKeyPEM)
	if err != nil {
		return "", err
	}

	sessionKey, err := RandomBytes(AEADKeySize)
	if err != nil {
		return "", err
	}
	nonce, err := RandomBytes(BallotNonceSize)
	if err != nil {
		return "", err
	}

	wrapped, err := m.EncryptSmallPayloadWithKey(sessionKey, pub)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(sessionKey)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	envelope := BallotEnvelope{
		Version:    envelopeVersion,
		WrappedKey: wrapped,
		Nonce:      nonce,
		Ciphertext: gcm.Seal(nil, nonce, payload, nil),
	}

	raw, err := json.Marshal(envelope)
	if err != nil {
		return "", fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// OpenBallot reverses SealBallot. It is only used by the offline key holder.
func (m *KeyPairManager) OpenBallot(encoded []byte, priv *rsa.PrivateKey) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(string(encoded))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}

	var envelope BallotEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if envelope.Version != envelopeVersion {
		return nil, fmt.Errorf("%w: version %d", ErrInvalidEnvelope, envelope.Version)
	}
	if len(envelope.Nonce) != BallotNonceSize {
		return nil, fmt.Errorf("%w: nonce is %d bytes", ErrInvalidEnvelope, len(envelope.Nonce))
	}

	sessionKey, err := m.DecryptSmallPayloadWithKey(envelope.WrappedKey, priv)
	if err != nil {
		return nil, err
	}
	if len(sessionKey) != AEADKeySize {
		return nil, fmt.Errorf("%w: session key is %d bytes", ErrInvalidEnvelope, len(sessionKey))
	}

	block, err := aes.NewCipher(sessionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	plaintext, err := gcm.Open(nil, envelope.Nonce, envelope.Ciphertext, nil)
	if err != nil {
		return nil, &IntegrityError{Err: err}
	}
	return plaintext, nil
}

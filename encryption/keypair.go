package encryption

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
)

// KeyPair is a freshly generated election key pair.
type KeyPair struct {
	PublicKey     *rsa.PublicKey
	PrivateKey    *rsa.PrivateKey
	PublicKeyPEM  string
	PrivateKeyPEM string
	Fingerprint   string
}

// KeyPairManager generates RSA key pairs and performs RSA-OAEP (SHA-256 for
// both the hash and MGF1) on small payloads.
type KeyPairManager struct {
	hasher *HashingService
}

func NewKeyPairManager(hasher *HashingService) *KeyPairManager {
	if hasher == nil {
		hasher = NewHashingService()
	}
	return &KeyPairManager{hasher: hasher}
}

// Generate creates a new pair. keySize must be 2048 or 4096.
func (m *KeyPairManager) Generate(keySize int) (*KeyPair, error) {
	if keySize != KeySize2048 && keySize != KeySize4096 {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedKeySize, keySize)
	}

	privateKey, err := rsa.GenerateKey(randReader, keySize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEntropy, err)
	}

	publicPEM, err := EncodePublicKeyPEM(&privateKey.PublicKey)
	if err != nil {
		return nil, err
	}

	privateDER, err := x509.MarshalPKCS8PrivateKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	privatePEM := pem.EncodeToMemory(&pem.Block{Type: privateKeyPEMType, Bytes: privateDER})

	fingerprint, err := m.Fingerprint(&privateKey.PublicKey)
	if err != nil {
		return nil, err
	}

	return &KeyPair{
		PublicKey:     &privateKey.PublicKey,
		PrivateKey:    privateKey,
		PublicKeyPEM:  publicPEM,
		PrivateKeyPEM: string(privatePEM),
		Fingerprint:   fingerprint,
	}, nil
}

// Fingerprint is the hex SHA-256 of the key's PKIX DER encoding.
func (m *KeyPairManager) Fingerprint(publicKey *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(publicKey)
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %w", err)
	}
	return m.hasher.Hash(der), nil
}

// FingerprintPEM parses a PEM public key and returns its fingerprint.
func (m *KeyPairManager) FingerprintPEM(publicKeyPEM string) (string, error) {
	pub, err := ParsePublicKeyPEM(publicKeyPEM)
	if err != nil {
		return "", err
	}
	return m.Fingerprint(pub)
}

// EncryptSmallPayload encrypts data with RSA-OAEP. Callers are expected to
// check MaxOAEPPayload first; oversized input is rejected with
// ErrPayloadTooLarge rather than passed to the RSA primitive.
func (m *KeyPairManager) EncryptSmallPayload(data []byte, publicKeyPEM string) ([]byte, error) {
	pub, err := ParsePublicKeyPEM(publicKeyPEM)
	if err != nil {
		return nil, err
	}
	return m.EncryptSmallPayloadWithKey(data, pub)
}

func (m *KeyPairManager) EncryptSmallPayloadWithKey(data []byte, pub *rsa.PublicKey) ([]byte, error) {
	if limit := MaxOAEPPayload(pub); len(data) > limit {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrPayloadTooLarge, len(data), limit)
	}

	ciphertext, err := rsa.EncryptOAEP(sha256.New(), randReader, pub, data, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt payload: %w", err)
	}
	return ciphertext, nil
}

// DecryptSmallPayload is the inverse of EncryptSmallPayload.
func (m *KeyPairManager) DecryptSmallPayload(ciphertext []byte, privateKeyPEM string) ([]byte, error) {
	priv, err := ParsePrivateKeyPEM(privateKeyPEM)
	if err != nil {
		return nil, err
	}
	return m.DecryptSmallPayloadWithKey(ciphertext, priv)
}

func (m *KeyPairManager) DecryptSmallPayloadWithKey(ciphertext []byte, priv *rsa.PrivateKey) ([]byte, error) {
	plaintext, err := rsa.DecryptOAEP(sha256.New(), nil, priv, ciphertext, nil)
	if err != nil {
		return nil, &DecryptionError{Err: err}
	}
	if plaintext == nil {
		plaintext = []byte{}
	}
	return plaintext, nil
}

// VerifyPublicKey reports whether publicKeyPEM is a usable RSA public key.
func (m *KeyPairManager) VerifyPublicKey(publicKeyPEM string) bool {
	_, err := ParsePublicKeyPEM(publicKeyPEM)
	return err == nil
}

// MaxOAEPPayload returns keySizeBytes - 2*hashLen - 2 for SHA-256.
func MaxOAEPPayload(pub *rsa.PublicKey) int {
	return pub.Size() - 2*sha256.Size - 2
}

// EncodePublicKeyPEM serializes an RSA public key as a PKIX "PUBLIC KEY" block.
func EncodePublicKeyPEM(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: publicKeyPEMType, Bytes: der})), nil
}

// ParsePublicKeyPEM decodes a PKIX "PUBLIC KEY" block holding an RSA key.
func ParsePublicKeyPEM(publicKeyPEM string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(publicKeyPEM))
	if block == nil || block.Type != publicKeyPEMType {
		return nil, fmt.Errorf("%w: no %s block", ErrInvalidPublicKey, publicKeyPEMType)
	}

	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}

	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an RSA key", ErrInvalidPublicKey)
	}
	if bits := pub.N.BitLen(); bits != KeySize2048 && bits != KeySize4096 {
		return nil, fmt.Errorf("%w: %d-bit modulus", ErrInvalidPublicKey, bits)
	}
	return pub, nil
}

// ParsePrivateKeyPEM decodes a PKCS#8 "PRIVATE KEY" block holding an RSA key.
func ParsePrivateKeyPEM(privateKeyPEM string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(privateKeyPEM))
	if block == nil || block.Type != privateKeyPEMType {
		return nil, fmt.Errorf("%w: no %s block", ErrInvalidPrivateKey, privateKeyPEMType)
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}

	priv, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an RSA key", ErrInvalidPrivateKey)
	}
	return priv, nil
}

package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

// AEADBundle is the at-rest form of a secret sealed by EncryptAEAD.
// Iterations is the PBKDF2 count the key was derived with; zero means the
// opening service's own count.
type AEADBundle struct {
	Ciphertext []byte `json:"ciphertext"`
	Salt       []byte `json:"salt"`
	IV         []byte `json:"iv"`
	Tag        []byte `json:"tag"`
	Iterations int    `json:"iterations,omitempty"`
}

// HashingService provides the deterministic digests used for receipts and
// fingerprints, and AES-256-GCM protection for non-ballot secrets.
type HashingService struct {
	iterations int
}

func NewHashingService() *HashingService {
	return &HashingService{iterations: DefaultPBKDF2Iterations}
}

// NewHashingServiceWithIterations lowers or raises the PBKDF2 cost used by
// EncryptAEAD. Bundles record their count, so DecryptAEAD opens bundles
// sealed under any other setting.
func NewHashingServiceWithIterations(iterations int) *HashingService {
	if iterations <= 0 {
		iterations = DefaultPBKDF2Iterations
	}
	return &HashingService{iterations: iterations}
}

// Hash returns the hex SHA-256 of data.
func (hs *HashingService) Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HMAC returns the hex HMAC-SHA-256 of data under secret.
func (hs *HashingService) HMAC(data, secret []byte) (string, error) {
	if len(secret) == 0 {
		return "", &ConfigurationError{Field: "hmac secret", Message: "must not be empty"}
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// DeriveKey runs PBKDF2-HMAC-SHA-256. Non-positive iterations or keyLen fall
// back to 100000 and 32.
func (hs *HashingService) DeriveKey(secret, salt []byte, iterations, keyLen int) []byte {
	if iterations <= 0 {
		iterations = DefaultPBKDF2Iterations
	}
	if keyLen <= 0 {
		keyLen = AEADKeySize
	}
	return pbkdf2.Key(secret, salt, iterations, keyLen, sha256.New)
}

// EncryptAEAD seals plaintext with a key derived from secret. Each call uses a
// fresh 64-byte salt and 16-byte IV.
func (hs *HashingService) EncryptAEAD(plaintext, secret []byte) (*AEADBundle, error) {
	if len(secret) == 0 {
		return nil, &ConfigurationError{Field: "aead secret", Message: "must not be empty"}
	}

	salt, err := RandomBytes(AEADSaltSize)
	if err != nil {
		return nil, err
	}
	iv, err := RandomBytes(AEADIVSize)
	if err != nil {
		return nil, err
	}

	gcm, err := hs.newGCM(secret, salt, hs.iterations)
	if err != nil {
		return nil, err
	}

	sealed := gcm.Seal(nil, iv, plaintext, nil)
	split := len(sealed) - AEADTagSize

	return &AEADBundle{
		Ciphertext: sealed[:split],
		Salt:       salt,
		IV:         iv,
		Tag:        sealed[split:],
		Iterations: hs.iterations,
	}, nil
}

// DecryptAEAD opens a bundle. A bundle with wrong field sizes yields
// ErrMalformedBundle; a tag that does not verify yields an IntegrityError.
func (hs *HashingService) DecryptAEAD(bundle *AEADBundle, secret []byte) ([]byte, error) {
	if len(secret) == 0 {
		return nil, &ConfigurationError{Field: "aead secret", Message: "must not be empty"}
	}
	if bundle == nil {
		return nil, fmt.Errorf("%w: nil bundle", ErrMalformedBundle)
	}
	if len(bundle.Salt) != AEADSaltSize {
		return nil, fmt.Errorf("%w: salt is %d bytes, want %d", ErrMalformedBundle, len(bundle.Salt), AEADSaltSize)
	}
	if len(bundle.IV) != AEADIVSize {
		return nil, fmt.Errorf("%w: iv is %d bytes, want %d", ErrMalformedBundle, len(bundle.IV), AEADIVSize)
	}
	if len(bundle.Tag) != AEADTagSize {
		return nil, fmt.Errorf("%w: tag is %d bytes, want %d", ErrMalformedBundle, len(bundle.Tag), AEADTagSize)
	}

	iterations := bundle.Iterations
	if iterations == 0 {
		iterations = hs.iterations
	}
	if iterations < 0 || iterations > MaxPBKDF2Iterations {
		return nil, fmt.Errorf("%w: iteration count %d out of range", ErrMalformedBundle, bundle.Iterations)
	}

	gcm, err := hs.newGCM(secret, bundle.Salt, iterations)
	if err != nil {
		return nil, err
	}

	sealed := make([]byte, 0, len(bundle.Ciphertext)+AEADTagSize)
	sealed = append(sealed, bundle.Ciphertext...)
	sealed = append(sealed, bundle.Tag...)

	plaintext, err := gcm.Open(nil, bundle.IV, sealed, nil)
	if err != nil {
		return nil, &IntegrityError{Err: err}
	}
	if plaintext == nil {
		plaintext = []byte{}
	}
	return plaintext, nil
}

func (hs *HashingService) newGCM(secret, salt []byte, iterations int) (cipher.AEAD, error) {
	key := hs.DeriveKey(secret, salt, iterations, AEADKeySize)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCMWithNonceSize(block, AEADIVSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

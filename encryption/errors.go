package encryption

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration is returned when required secret material is missing.
	ErrConfiguration = errors.New("configuration error")

	// ErrIntegrity is returned when an AEAD tag does not verify.
	ErrIntegrity = errors.New("integrity check failed")

	// ErrDecryption is returned when RSA-OAEP decryption fails.
	ErrDecryption = errors.New("decryption failed")

	// ErrMalformedBundle is returned when an AEAD bundle has wrong field sizes.
	// It is deliberately distinct from ErrIntegrity.
	ErrMalformedBundle = errors.New("malformed encrypted bundle")

	// ErrUnsupportedKeySize is returned for RSA sizes other than 2048 and 4096.
	ErrUnsupportedKeySize = errors.New("unsupported key size")

	// ErrPayloadTooLarge is returned when a payload exceeds the OAEP capacity.
	ErrPayloadTooLarge = errors.New("payload exceeds OAEP capacity")

	// ErrInvalidPublicKey is returned when public key material cannot be parsed.
	ErrInvalidPublicKey = errors.New("invalid public key")

	// ErrInvalidPrivateKey is returned when private key material cannot be parsed.
	ErrInvalidPrivateKey = errors.New("invalid private key")

	// ErrEntropy is returned when the random source cannot supply enough bytes.
	ErrEntropy = errors.New("insufficient entropy")

	// ErrInvalidEnvelope is returned when a ballot envelope cannot be decoded.
	ErrInvalidEnvelope = errors.New("invalid ballot envelope")
)

// ConfigurationError reports missing or unusable secret material.
type ConfigurationError struct {
	Field   string
	Message string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Message)
}

// Is implements errors.Is for sentinel error matching.
func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}

// IntegrityError means authenticated data was tampered with or the wrong
// secret was supplied. It is never retried.
type IntegrityError struct {
	Err error
}

func (e *IntegrityError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("integrity check failed: %v", e.Err)
	}
	return "integrity check failed"
}

// Unwrap returns the underlying error.
func (e *IntegrityError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is for sentinel error matching.
func (e *IntegrityError) Is(target error) bool {
	return target == ErrIntegrity
}

// DecryptionError represents a padding or label mismatch in RSA-OAEP.
type DecryptionError struct {
	Err error
}

func (e *DecryptionError) Error() string {
	return fmt.Sprintf("decryption failed: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *DecryptionError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is for sentinel error matching.
func (e *DecryptionError) Is(target error) bool {
	return target == ErrDecryption
}

package encryption

import (
	"crypto/ecdsa"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/sha3"
)

// AnchorSigner signs anchoring blocks with a secp256k1 key.
type AnchorSigner struct {
	key *ecdsa.PrivateKey
}

// NewAnchorSigner generates an ephemeral signing key.
func NewAnchorSigner() (*AnchorSigner, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}
	return &AnchorSigner{key: key}, nil
}

// LoadOrCreateAnchorSigner reads a hex private key from path, creating one
// with 0600 permissions if the file does not exist.
func LoadOrCreateAnchorSigner(path string) (*AnchorSigner, error) {
	if data, err := os.ReadFile(path); err == nil {
		keyHex := strings.TrimPrefix(strings.TrimSpace(string(data)), "0x")
		key, err := crypto.HexToECDSA(keyHex)
		if err != nil {
			return nil, fmt.Errorf("failed to restore signing key: %w", err)
		}
		return &AnchorSigner{key: key}, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read signing key: %w", err)
	}

	signer, err := NewAnchorSigner()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(hexutil.Encode(crypto.FromECDSA(signer.key))), 0600); err != nil {
		return nil, fmt.Errorf("failed to save signing key: %w", err)
	}
	return signer, nil
}

// Address identifies the signer.
func (s *AnchorSigner) Address() common.Address {
	return crypto.PubkeyToAddress(s.key.PublicKey)
}

// Sign signs the Keccak-256 digest of data.
func (s *AnchorSigner) Sign(data []byte) ([]byte, error) {
	return crypto.Sign(Keccak256(data), s.key)
}

// VerifyAnchorSignature checks that signature over data was produced by address.
func VerifyAnchorSignature(data, signature []byte, address common.Address) bool {
	pub, err := crypto.SigToPub(Keccak256(data), signature)
	if err != nil {
		return false
	}
	return crypto.PubkeyToAddress(*pub) == address
}

// Keccak256 computes the legacy Keccak-256 digest.
func Keccak256(data ...[]byte) []byte {
	d := sha3.NewLegacyKeccak256()
	for _, b := range data {
		d.Write(b)
	}
	return d.Sum(nil)
}

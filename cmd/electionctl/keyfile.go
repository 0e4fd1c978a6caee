package main

import (
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"ballot-core/encryption"
)

var errEmptyPassphrase = errors.New("a passphrase is required to protect the private key")

// writeSealedKey stores privateKeyPEM encrypted under passphrase as the JSON
// form of an AEAD bundle. Existing files are never overwritten.
func writeSealedKey(hasher *encryption.HashingService, path string, privateKeyPEM, passphrase string) error {
	if passphrase == "" {
		return errEmptyPassphrase
	}
	bundle, err := hasher.EncryptAEAD([]byte(privateKeyPEM), []byte(passphrase))
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create key file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return f.Close()
}

// readSealedKey reverses writeSealedKey. A wrong passphrase surfaces as
// encryption.ErrIntegrity.
func readSealedKey(hasher *encryption.HashingService, path, passphrase string) (*rsa.PrivateKey, error) {
	if passphrase == "" {
		return nil, errEmptyPassphrase
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	var bundle encryption.AEADBundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return nil, fmt.Errorf("%w: %v", encryption.ErrMalformedBundle, err)
	}
	privateKeyPEM, err := hasher.DecryptAEAD(&bundle, []byte(passphrase))
	if err != nil {
		return nil, err
	}
	return encryption.ParsePrivateKeyPEM(string(privateKeyPEM))
}

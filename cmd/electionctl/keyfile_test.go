package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"ballot-core/encryption"
)

func TestSealedKeyFile(t *testing.T) {
	hasher := encryption.NewHashingServiceWithIterations(1000)
	pair, err := encryption.NewKeyPairManager(hasher).Generate(encryption.KeySize2048)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "E1.key.json")

	if err := writeSealedKey(hasher, path, pair.PrivateKeyPEM, "correct horse"); err != nil {
		t.Fatalf("writeSealedKey: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("key file mode = %o, want 600", perm)
	}

	t.Run("round trip", func(t *testing.T) {
		priv, err := readSealedKey(hasher, path, "correct horse")
		if err != nil {
			t.Fatalf("readSealedKey: %v", err)
		}
		if !priv.PublicKey.Equal(pair.PublicKey) {
			t.Error("restored key does not match the generated pair")
		}
	})

	t.Run("different configured iteration count", func(t *testing.T) {
		other := encryption.NewHashingServiceWithIterations(5000)
		priv, err := readSealedKey(other, path, "correct horse")
		if err != nil {
			t.Fatalf("readSealedKey: %v", err)
		}
		if !priv.PublicKey.Equal(pair.PublicKey) {
			t.Error("restored key does not match the generated pair")
		}
	})

	t.Run("wrong passphrase", func(t *testing.T) {
		if _, err := readSealedKey(hasher, path, "battery staple"); !errors.Is(err, encryption.ErrIntegrity) {
			t.Errorf("err = %v, want ErrIntegrity", err)
		}
	})

	t.Run("empty passphrase", func(t *testing.T) {
		if _, err := readSealedKey(hasher, path, ""); !errors.Is(err, errEmptyPassphrase) {
			t.Errorf("err = %v, want errEmptyPassphrase", err)
		}
		other := filepath.Join(t.TempDir(), "other.json")
		if err := writeSealedKey(hasher, other, pair.PrivateKeyPEM, ""); !errors.Is(err, errEmptyPassphrase) {
			t.Errorf("err = %v, want errEmptyPassphrase", err)
		}
	})

	t.Run("existing file is kept", func(t *testing.T) {
		before, _ := os.ReadFile(path)
		if err := writeSealedKey(hasher, path, pair.PrivateKeyPEM, "another"); err == nil {
			t.Fatal("expected an error when the key file exists")
		}
		after, _ := os.ReadFile(path)
		if string(before) != string(after) {
			t.Error("existing key file was modified")
		}
	})

	t.Run("not a bundle", func(t *testing.T) {
		junk := filepath.Join(t.TempDir(), "junk.json")
		if err := os.WriteFile(junk, []byte("not json"), 0o600); err != nil {
			t.Fatal(err)
		}
		if _, err := readSealedKey(hasher, junk, "correct horse"); !errors.Is(err, encryption.ErrMalformedBundle) {
			t.Errorf("err = %v, want ErrMalformedBundle", err)
		}
	})
}

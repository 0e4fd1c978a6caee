package service

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"ballot-core/models"
	"ballot-core/storage"
)

func TestComputeHash_Deterministic(t *testing.T) {
	env := newTestEnv(t)
	ballot := []byte("CIPHERTEXT_A")
	salt := bytes.Repeat([]byte{0x5a}, SaltSize)

	h1 := env.receipts.ComputeHash(ballot, "V1", "E1", salt)
	h2 := env.receipts.ComputeHash(ballot, "V1", "E1", salt)
	if h1 != h2 {
		t.Fatalf("hash not deterministic: %s vs %s", h1, h2)
	}
	if len(h1) != 64 {
		t.Fatalf("hash length = %d, want 64", len(h1))
	}
	want := env.hasher.Hash([]byte("CIPHERTEXT_A|V1|E1|" + string(salt)))
	if h1 != want {
		t.Errorf("ComputeHash() = %s, want %s", h1, want)
	}
}

func TestComputeHash_SingleByteChanges(t *testing.T) {
	env := newTestEnv(t)
	ballot := []byte("CIPHERTEXT_A")
	salt := bytes.Repeat([]byte{0x01}, SaltSize)
	base := env.receipts.ComputeHash(ballot, "V1", "E1", salt)

	flip := func(b []byte, i int) []byte {
		out := append([]byte(nil), b...)
		out[i] ^= 0x01
		return out
	}

	variants := map[string]string{
		"ballot first byte": env.receipts.ComputeHash(flip(ballot, 0), "V1", "E1", salt),
		"ballot last byte":  env.receipts.ComputeHash(flip(ballot, len(ballot)-1), "V1", "E1", salt),
		"voter":             env.receipts.ComputeHash(ballot, "V2", "E1", salt),
		"election":          env.receipts.ComputeHash(ballot, "V1", "E2", salt),
		"salt":              env.receipts.ComputeHash(ballot, "V1", "E1", flip(salt, SaltSize-1)),
	}
	for name, h := range variants {
		if h == base {
			t.Errorf("%s: hash unchanged", name)
			continue
		}
		differing := 0
		for i := range h {
			if h[i] != base[i] {
				differing++
			}
		}
		if differing < 32 {
			t.Errorf("%s: only %d of 64 hex digits changed", name, differing)
		}
	}
}

func TestVerify_NotFound(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for _, hash := range []string{
		strings.Repeat("ab", 32),
		"not-a-hash",
		"",
		strings.Repeat("zz", 32),
	} {
		v, err := env.receipts.Verify(ctx, hash)
		if err != nil {
			t.Fatalf("Verify(%q) error = %v", hash, err)
		}
		if v.Found || v.ElectionID != "" || v.VotedAt != nil {
			t.Errorf("Verify(%q) = %+v, want not found", hash, v)
		}
	}
}

func TestVerify_AcceptsUppercaseHash(t *testing.T) {
	env := newTestEnv(t)
	env.seedElection(t, "E1", true)
	ctx := context.Background()

	result, err := env.ledger.Cast(ctx, CastRequest{ElectionID: "E1", CandidateID: "C1", VoterRef: "V1", EncryptedBallot: []byte("b")})
	if err != nil {
		t.Fatal(err)
	}
	v, err := env.receipts.Verify(ctx, strings.ToUpper(result.ReceiptHash))
	if err != nil || !v.Found {
		t.Fatalf("Verify() = %+v, %v", v, err)
	}
}

// tamperStore alters what FindReceiptByHash returns.
type tamperStore struct {
	storage.Store
	mutate func(r *models.VoteReceipt, v *models.Vote) (*models.VoteReceipt, *models.Vote, error)
}

func (s *tamperStore) FindReceiptByHash(ctx context.Context, hash string) (*models.VoteReceipt, *models.Vote, error) {
	r, v, err := s.Store.FindReceiptByHash(ctx, hash)
	if err != nil {
		return r, v, err
	}
	return s.mutate(r, v)
}

func TestVerify_DetectsCorruption(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *models.VoteReceipt, v *models.Vote) (*models.VoteReceipt, *models.Vote, error)
	}{
		{"ballot changed", func(r *models.VoteReceipt, v *models.Vote) (*models.VoteReceipt, *models.Vote, error) {
			v.EncryptedBallot = []byte("CIPHERTEXT_X")
			return r, v, nil
		}},
		{"salt changed", func(r *models.VoteReceipt, v *models.Vote) (*models.VoteReceipt, *models.Vote, error) {
			v.Salt = append([]byte(nil), v.Salt...)
			v.Salt[0] ^= 0xff
			return r, v, nil
		}},
		{"voter ref changed on both", func(r *models.VoteReceipt, v *models.Vote) (*models.VoteReceipt, *models.Vote, error) {
			v.VoterRef = "V2"
			r.VoterRef = "V2"
			return r, v, nil
		}},
		{"receipt election differs", func(r *models.VoteReceipt, v *models.Vote) (*models.VoteReceipt, *models.Vote, error) {
			r.ElectionID = "E2"
			return r, v, nil
		}},
		{"orphan receipt", func(r *models.VoteReceipt, v *models.Vote) (*models.VoteReceipt, *models.Vote, error) {
			return r, nil, storage.ErrNotFound
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base, _ := storage.NewJSONStore("")
			env := newTestEnv(t, withStore(&tamperStore{Store: base, mutate: tt.mutate}))
			env.seedElection(t, "E1", true)
			ctx := context.Background()

			result, err := env.ledger.Cast(ctx, CastRequest{ElectionID: "E1", CandidateID: "C1", VoterRef: "V1", EncryptedBallot: []byte("CIPHERTEXT_A")})
			if err != nil {
				t.Fatal(err)
			}

			v, err := env.receipts.Verify(ctx, result.ReceiptHash)
			if !errors.Is(err, ErrCorruption) {
				t.Fatalf("Verify() = %+v, %v; want ErrCorruption", v, err)
			}
			var corruption *CorruptionError
			if !errors.As(err, &corruption) || corruption.VoteID != result.VoteID {
				t.Errorf("CorruptionError = %+v, want vote %s", corruption, result.VoteID)
			}
		})
	}
}

package service

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"ballot-core/encryption"
	"ballot-core/models"
	"ballot-core/storage"
)

// receiptSeparator joins the hashed fields. Voter refs and election ids may
// not contain it and the salt has a fixed length, so the encoding is
// unambiguous even though the ballot is opaque.
const receiptSeparator = '|'

// SaltSize is the per-vote salt length.
const SaltSize = 32

// Verification is the public answer to a receipt lookup.
type Verification struct {
	Found      bool       `json:"found"`
	ElectionID string     `json:"electionId,omitempty"`
	VotedAt    *time.Time `json:"votedAt,omitempty"`
	ChainTxRef *string    `json:"chainTxRef,omitempty"`
}

// ReceiptService computes receipt hashes and answers verification queries.
type ReceiptService struct {
	store  storage.Store
	hasher *encryption.HashingService
	log    zerolog.Logger
}

func NewReceiptService(store storage.Store, hasher *encryption.HashingService, log zerolog.Logger) *ReceiptService {
	return &ReceiptService{
		store:  store,
		hasher: hasher,
		log:    log.With().Str("component", "receipts").Logger(),
	}
}

// ComputeHash returns hex SHA-256 of ballot|voterRef|electionID|salt.
func (rs *ReceiptService) ComputeHash(encryptedBallot []byte, voterRef, electionID string, salt []byte) string {
	var buf bytes.Buffer
	buf.Grow(len(encryptedBallot) + len(voterRef) + len(electionID) + len(salt) + 3)
	buf.Write(encryptedBallot)
	buf.WriteByte(receiptSeparator)
	buf.WriteString(voterRef)
	buf.WriteByte(receiptSeparator)
	buf.WriteString(electionID)
	buf.WriteByte(receiptSeparator)
	buf.Write(salt)
	return rs.hasher.Hash(buf.Bytes())
}

// Verify looks up a receipt. The stored hash is recomputed from the stored
// vote and a mismatch is reported as a CorruptionError.
func (rs *ReceiptService) Verify(ctx context.Context, receiptHash string) (*Verification, error) {
	receiptHash = strings.ToLower(strings.TrimSpace(receiptHash))
	if !isHexDigest(receiptHash) {
		return &Verification{Found: false}, nil
	}

	receipt, vote, err := rs.store.FindReceiptByHash(ctx, receiptHash)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			if receipt == nil {
				return &Verification{Found: false}, nil
			}
			return nil, rs.corrupt(receipt.VoteID, "receipt has no vote")
		}
		return nil, err
	}

	if err := rs.checkConsistency(receipt, vote); err != nil {
		return nil, err
	}

	votedAt := vote.CreatedAt.UTC()
	return &Verification{
		Found:      true,
		ElectionID: receipt.ElectionID,
		VotedAt:    &votedAt,
		ChainTxRef: receipt.ChainTxRef,
	}, nil
}

func (rs *ReceiptService) checkConsistency(receipt *models.VoteReceipt, vote *models.Vote) error {
	if receipt.VoterRef != vote.VoterRef || receipt.ElectionID != vote.ElectionID {
		return rs.corrupt(receipt.VoteID, "receipt fields differ from vote")
	}
	recomputed := rs.ComputeHash(vote.EncryptedBallot, vote.VoterRef, vote.ElectionID, vote.Salt)
	if recomputed != receipt.ReceiptHash {
		return rs.corrupt(receipt.VoteID, "receipt hash does not match stored vote")
	}
	return nil
}

func (rs *ReceiptService) corrupt(voteID, reason string) error {
	rs.log.Error().Str("vote_id", voteID).Str("reason", reason).Msg("receipt corruption detected")
	return &CorruptionError{VoteID: voteID, Reason: reason}
}

func isHexDigest(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

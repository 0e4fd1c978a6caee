package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"ballot-core/encryption"
	"ballot-core/models"
	"ballot-core/storage"
)

// CastRequest carries one ballot. VoterRef is the internal account reference
// resolved by the caller, never the public voter id.
type CastRequest struct {
	ElectionID      string
	CandidateID     string
	VoterRef        string
	EncryptedBallot []byte
}

// CastResult is returned to the voter.
type CastResult struct {
	VoteID      string    `json:"voteId"`
	ReceiptHash string    `json:"receiptHash"`
	CastAt      time.Time `json:"castAt"`
}

// ReceiptSubmitter takes committed receipts for best-effort anchoring.
type ReceiptSubmitter interface {
	Submit(receipt models.VoteReceipt) bool
}

// VoteLedger is the only write path for ballots. Per (election, voter) the
// state moves NotVoted -> Voted once and never back.
type VoteLedger struct {
	store    storage.Store
	keyStore *ElectionKeyStore
	receipts *ReceiptService
	anchors  ReceiptSubmitter
	metrics  *Metrics
	clock    Clock
	log      zerolog.Logger
}

func NewVoteLedger(store storage.Store, keyStore *ElectionKeyStore, receipts *ReceiptService, metrics *Metrics, clock Clock, log zerolog.Logger) *VoteLedger {
	if clock == nil {
		clock = time.Now
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &VoteLedger{
		store:    store,
		keyStore: keyStore,
		receipts: receipts,
		metrics:  metrics,
		clock:    clock,
		log:      log.With().Str("component", "ledger").Logger(),
	}
}

// SetAnchoring attaches the anchoring queue. Nil disables anchoring.
func (l *VoteLedger) SetAnchoring(anchors ReceiptSubmitter) {
	l.anchors = anchors
}

// Cast validates and stores a ballot with its receipt as one unit of work.
// Checks run in order: input, election exists, window, key exists, not yet
// voted. The not-yet-voted check is a fast path only; the storage uniqueness
// constraint decides concurrent casts.
func (l *VoteLedger) Cast(ctx context.Context, req CastRequest) (*CastResult, error) {
	start := time.Now()
	now := l.clock().UTC()

	if err := validateCast(req); err != nil {
		l.metrics.RecordRejected()
		return nil, err
	}

	election, err := l.store.GetElection(ctx, req.ElectionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			l.metrics.RecordRejected()
			return nil, &NotFoundError{Resource: ResourceElection}
		}
		return nil, err
	}

	if phase := election.PhaseAt(now); phase != models.PhaseActive {
		l.metrics.RecordRejected()
		return nil, &ElectionNotActiveError{Phase: phase}
	}

	hasKey, err := l.keyStore.HasKey(ctx, req.ElectionID)
	if err != nil {
		return nil, err
	}
	if !hasKey {
		l.metrics.RecordRejected()
		return nil, &NotFoundError{Resource: ResourceKey}
	}

	voted, err := l.store.HasVoted(ctx, req.ElectionID, req.VoterRef)
	if err != nil {
		return nil, err
	}
	if voted {
		l.metrics.RecordDuplicate()
		return nil, ErrDuplicateVote
	}

	salt, err := encryption.RandomBytes(SaltSize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	vote := &models.Vote{
		ID:              uuid.New().String(),
		ElectionID:      req.ElectionID,
		CandidateID:     req.CandidateID,
		VoterRef:        req.VoterRef,
		EncryptedBallot: req.EncryptedBallot,
		Salt:            salt,
		CreatedAt:       now,
	}
	receipt := &models.VoteReceipt{
		VoteID:      vote.ID,
		VoterRef:    vote.VoterRef,
		ElectionID:  vote.ElectionID,
		ReceiptHash: l.receipts.ComputeHash(vote.EncryptedBallot, vote.VoterRef, vote.ElectionID, salt),
		CreatedAt:   now,
	}

	err = l.store.WithinTx(ctx, func(w storage.VoteWriter) error {
		if err := w.InsertVote(ctx, vote); err != nil {
			return err
		}
		return w.InsertReceipt(ctx, receipt)
	})
	if err != nil {
		if errors.Is(err, storage.ErrDuplicateVote) {
			l.metrics.RecordDuplicate()
			return nil, ErrDuplicateVote
		}
		l.log.Error().Err(err).Str("election_id", req.ElectionID).Msg("failed to persist vote")
		return nil, fmt.Errorf("failed to persist vote: %w", err)
	}

	l.metrics.RecordCast(time.Since(start))
	l.log.Info().Str("election_id", req.ElectionID).Str("vote_id", vote.ID).Msg("vote cast")

	if l.anchors != nil {
		l.anchors.Submit(*receipt)
	}

	return &CastResult{
		VoteID:      vote.ID,
		ReceiptHash: receipt.ReceiptHash,
		CastAt:      now,
	}, nil
}

func validateCast(req CastRequest) error {
	switch {
	case req.ElectionID == "":
		return invalidInput("election id is required")
	case req.VoterRef == "":
		return invalidInput("voter ref is required")
	case req.CandidateID == "":
		return invalidInput("candidate ref is required")
	case len(req.EncryptedBallot) == 0:
		return invalidInput("encrypted ballot is required")
	case len(req.ElectionID) > models.MaxElectionIDLen:
		return invalidInput("election id is too long")
	case len(req.VoterRef) > models.MaxVoterRefLen:
		return invalidInput("voter ref is too long")
	case len(req.CandidateID) > models.MaxCandidateIDLen:
		return invalidInput("candidate ref is too long")
	case strings.ContainsRune(req.ElectionID, receiptSeparator):
		return invalidInput("election id contains a reserved character")
	case strings.ContainsRune(req.VoterRef, receiptSeparator):
		return invalidInput("voter ref contains a reserved character")
	}
	return nil
}

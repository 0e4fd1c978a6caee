package storage

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"ballot-core/models"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicateKey is returned when an election already has a key pair.
	ErrDuplicateKey = errors.New("key pair already exists for election")

	// ErrDuplicateVote is returned when (election, voter) already has a vote.
	ErrDuplicateVote = errors.New("voter has already voted in this election")

	// ErrDuplicateElection is returned when an election id is reused.
	ErrDuplicateElection = errors.New("election already exists")

	// ErrDuplicateReceipt is returned when a receipt hash or vote id is reused.
	ErrDuplicateReceipt = errors.New("receipt already exists")

	// ErrAlreadyAnchored is returned when a receipt already has a chain tx ref.
	ErrAlreadyAnchored = errors.New("receipt already anchored")
)

// VoteWriter is the write surface available inside a vote transaction.
type VoteWriter interface {
	InsertVote(ctx context.Context, vote *models.Vote) error
	InsertReceipt(ctx context.Context, receipt *models.VoteReceipt) error
}

// Store is the persistence contract. Every engine must enforce uniqueness of
// key pairs per election and of votes per (election, voter) at insert time.
type Store interface {
	CreateElection(ctx context.Context, election *models.Election) error
	GetElection(ctx context.Context, id string) (*models.Election, error)

	// InsertKeyPair inserts only if no row exists for the election.
	InsertKeyPair(ctx context.Context, pair *models.ElectionKeyPair) error
	GetKeyPair(ctx context.Context, electionID string) (*models.ElectionKeyPair, error)
	DeleteKeyPair(ctx context.Context, electionID string) error

	HasVoted(ctx context.Context, electionID, voterRef string) (bool, error)

	// WithinTx runs fn as one unit of work. If fn returns an error nothing it
	// wrote is visible.
	WithinTx(ctx context.Context, fn func(w VoteWriter) error) error

	FindReceiptByHash(ctx context.Context, receiptHash string) (*models.VoteReceipt, *models.Vote, error)
	GetReceiptByVoteID(ctx context.Context, voteID string) (*models.VoteReceipt, error)
	ListUnanchoredReceipts(ctx context.Context, limit int) ([]models.VoteReceipt, error)

	// SetChainTxRef backfills the reference on both the vote and its receipt.
	SetChainTxRef(ctx context.Context, voteID, txRef string) error

	ListVotes(ctx context.Context, electionID string) ([]models.Vote, error)
	CountVotes(ctx context.Context, electionID string) (int64, error)

	Close() error
}

// Open returns the engine named by driver. The JSON engine keeps its files
// under dir; the SQL engines use dsn.
func Open(driver, dsn, dir string, log zerolog.Logger) (Store, error) {
	if driver == DriverJSON {
		return NewJSONStore(dir)
	}
	return OpenSQL(driver, dsn, log)
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/rs/zerolog"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"ballot-core/models"
)

const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
	DriverJSON   = "json"
)

// SQLStore is the gorm-backed engine. Uniqueness is enforced by the schema:
// the primary key on election_key_pairs.election_id and the unique index on
// votes(election_id, voter_ref).
type SQLStore struct {
	db *gorm.DB
}

// OpenSQL opens a database with the given driver and migrates the schema.
func OpenSQL(driver, dsn string, log zerolog.Logger) (*SQLStore, error) {
	var dialector gorm.Dialector
	switch driver {
	case DriverSQLite:
		dialector = sqlite.Open(dsn)
	case DriverMySQL:
		dialector = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported sql driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger: logger.New(gormLogWriter{log: log.With().Str("component", "gorm").Logger()}, logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}

	if driver == DriverSQLite {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to access sql handle: %w", err)
		}
		// SQLite allows one writer; a single connection serializes
		// transactions instead of surfacing SQLITE_BUSY.
		sqlDB.SetMaxOpenConns(1)
	}

	if err := db.AutoMigrate(&models.Election{}, &models.ElectionKeyPair{}, &models.Vote{}, &models.VoteReceipt{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return &SQLStore{db: db}, nil
}

func (s *SQLStore) CreateElection(ctx context.Context, election *models.Election) error {
	if err := s.db.WithContext(ctx).Create(election).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateElection
		}
		return fmt.Errorf("failed to create election: %w", err)
	}
	return nil
}

func (s *SQLStore) GetElection(ctx context.Context, id string) (*models.Election, error) {
	var election models.Election
	if err := s.db.WithContext(ctx).First(&election, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load election: %w", err)
	}
	return &election, nil
}

func (s *SQLStore) InsertKeyPair(ctx context.Context, pair *models.ElectionKeyPair) error {
	if err := s.db.WithContext(ctx).Create(pair).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("failed to insert key pair: %w", err)
	}
	return nil
}

func (s *SQLStore) GetKeyPair(ctx context.Context, electionID string) (*models.ElectionKeyPair, error) {
	var pair models.ElectionKeyPair
	if err := s.db.WithContext(ctx).First(&pair, "election_id = ?", electionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load key pair: %w", err)
	}
	return &pair, nil
}

func (s *SQLStore) DeleteKeyPair(ctx context.Context, electionID string) error {
	result := s.db.WithContext(ctx).Delete(&models.ElectionKeyPair{}, "election_id = ?", electionID)
	if result.Error != nil {
		return fmt.Errorf("failed to delete key pair: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) HasVoted(ctx context.Context, electionID, voterRef string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.Vote{}).
		Where("election_id = ? AND voter_ref = ?", electionID, voterRef).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check vote: %w", err)
	}
	return count > 0, nil
}

func (s *SQLStore) WithinTx(ctx context.Context, fn func(w VoteWriter) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(sqlVoteWriter{tx: tx})
	})
}

type sqlVoteWriter struct {
	tx *gorm.DB
}

func (w sqlVoteWriter) InsertVote(ctx context.Context, vote *models.Vote) error {
	if err := w.tx.WithContext(ctx).Create(vote).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateVote
		}
		return fmt.Errorf("failed to insert vote: %w", err)
	}
	return nil
}

func (w sqlVoteWriter) InsertReceipt(ctx context.Context, receipt *models.VoteReceipt) error {
	if err := w.tx.WithContext(ctx).Create(receipt).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateReceipt
		}
		return fmt.Errorf("failed to insert receipt: %w", err)
	}
	return nil
}

func (s *SQLStore) FindReceiptByHash(ctx context.Context, receiptHash string) (*models.VoteReceipt, *models.Vote, error) {
	db := s.db.WithContext(ctx)

	var receipt models.VoteReceipt
	if err := db.First(&receipt, "receipt_hash = ?", receiptHash).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("failed to load receipt: %w", err)
	}

	var vote models.Vote
	if err := db.First(&vote, "id = ?", receipt.VoteID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &receipt, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("failed to load vote: %w", err)
	}
	return &receipt, &vote, nil
}

func (s *SQLStore) GetReceiptByVoteID(ctx context.Context, voteID string) (*models.VoteReceipt, error) {
	var receipt models.VoteReceipt
	if err := s.db.WithContext(ctx).First(&receipt, "vote_id = ?", voteID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load receipt: %w", err)
	}
	return &receipt, nil
}

func (s *SQLStore) ListUnanchoredReceipts(ctx context.Context, limit int) ([]models.VoteReceipt, error) {
	var receipts []models.VoteReceipt
	q := s.db.WithContext(ctx).Where("chain_tx_ref IS NULL").Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&receipts).Error; err != nil {
		return nil, fmt.Errorf("failed to list unanchored receipts: %w", err)
	}
	return receipts, nil
}

func (s *SQLStore) SetChainTxRef(ctx context.Context, voteID, txRef string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.VoteReceipt{}).
			Where("vote_id = ? AND chain_tx_ref IS NULL", voteID).
			Update("chain_tx_ref", txRef)
		if result.Error != nil {
			return fmt.Errorf("failed to update receipt: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			var count int64
			if err := tx.Model(&models.VoteReceipt{}).Where("vote_id = ?", voteID).Count(&count).Error; err != nil {
				return fmt.Errorf("failed to check receipt: %w", err)
			}
			if count == 0 {
				return ErrNotFound
			}
			return ErrAlreadyAnchored
		}

		if err := tx.Model(&models.Vote{}).Where("id = ?", voteID).Update("chain_tx_ref", txRef).Error; err != nil {
			return fmt.Errorf("failed to update vote: %w", err)
		}
		return nil
	})
}

func (s *SQLStore) ListVotes(ctx context.Context, electionID string) ([]models.Vote, error) {
	var votes []models.Vote
	if err := s.db.WithContext(ctx).Where("election_id = ?", electionID).Order("created_at ASC").Find(&votes).Error; err != nil {
		return nil, fmt.Errorf("failed to list votes: %w", err)
	}
	return votes, nil
}

func (s *SQLStore) CountVotes(ctx context.Context, electionID string) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.Vote{}).Where("election_id = ?", electionID).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count votes: %w", err)
	}
	return count, nil
}

func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// isUniqueViolation recognizes duplicate-key failures. Dialects that do not
// translate errors still carry their native message.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "Duplicate entry") ||
		strings.Contains(msg, "PRIMARY KEY constraint failed")
}

type gormLogWriter struct {
	log zerolog.Logger
}

func (w gormLogWriter) Printf(format string, args ...interface{}) {
	w.log.Debug().Msgf(format, args...)
}

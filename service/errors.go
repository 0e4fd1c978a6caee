package service

import (
	"errors"
	"fmt"

	"ballot-core/encryption"
	"ballot-core/models"
	"ballot-core/storage"
)

var (
	// ErrNotFound is matched by every NotFoundError.
	ErrNotFound = errors.New("not found")

	// ErrNoKey is matched by a NotFoundError for a missing election key pair.
	ErrNoKey = errors.New("no key pair for election")

	// ErrElectionNotActive is matched by every ElectionNotActiveError.
	ErrElectionNotActive = errors.New("election is not active")

	// ErrNotStarted and ErrEnded distinguish the two inactive phases.
	ErrNotStarted = errors.New("election has not started")
	ErrEnded      = errors.New("election has ended")

	// ErrDuplicateVote and ErrDuplicateKey are the storage sentinels. Callers
	// treat them as "already done".
	ErrDuplicateVote = storage.ErrDuplicateVote
	ErrDuplicateKey  = storage.ErrDuplicateKey

	// ErrCorruption is matched by every CorruptionError.
	ErrCorruption = errors.New("stored record is corrupt")

	// ErrInvalidInput is returned for malformed requests.
	ErrInvalidInput = errors.New("invalid input")

	// ErrPrivateKeyNotPersisted is returned when a private key is handed to the
	// key store while persistence is disabled, or requested when none is stored.
	ErrPrivateKeyNotPersisted = errors.New("private key persistence is disabled")

	// ErrIntegrity and ErrConfiguration are the encryption sentinels.
	ErrIntegrity     = encryption.ErrIntegrity
	ErrConfiguration = encryption.ErrConfiguration
)

const (
	ResourceElection = "election"
	ResourceKey      = "key"
)

// NotFoundError reports a missing election or key pair.
type NotFoundError struct {
	Resource string
}

func (e *NotFoundError) Error() string {
	if e.Resource == ResourceKey {
		return ErrNoKey.Error()
	}
	return fmt.Sprintf("%s not found", e.Resource)
}

func (e *NotFoundError) Is(target error) bool {
	if target == ErrNotFound {
		return true
	}
	return target == ErrNoKey && e.Resource == ResourceKey
}

// ElectionNotActiveError reports a cast outside [start, end).
type ElectionNotActiveError struct {
	Phase models.Phase
}

func (e *ElectionNotActiveError) Error() string {
	if e.Phase == models.PhaseEnded {
		return ErrEnded.Error()
	}
	return ErrNotStarted.Error()
}

func (e *ElectionNotActiveError) Is(target error) bool {
	switch target {
	case ErrElectionNotActive:
		return true
	case ErrNotStarted:
		return e.Phase == models.PhaseNotStarted
	case ErrEnded:
		return e.Phase == models.PhaseEnded
	}
	return false
}

// CorruptionError reports a stored receipt that no longer matches the vote it
// was computed from.
type CorruptionError struct {
	VoteID string
	Reason string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("receipt for vote %s is corrupt: %s", e.VoteID, e.Reason)
}

func (e *CorruptionError) Is(target error) bool {
	return target == ErrCorruption
}

func invalidInput(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, msg)
}

var (
	errWrongElection = errors.New("ballot sealed for another election")
	errEmptyChoice   = errors.New("ballot has no choice")
)

package service

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"sort"

	"github.com/rs/zerolog"

	"ballot-core/anonymizer"
	"ballot-core/encryption"
	"ballot-core/models"
	"ballot-core/storage"
)

// TallyResult is the offline count for one election.
type TallyResult struct {
	ElectionID     string         `json:"election_id"`
	TotalVotes     int            `json:"total_votes"`
	Results        map[string]int `json:"results"`
	Rejected       int            `json:"rejected"`
	RejectedVotes  []string       `json:"rejected_votes,omitempty"`
	ProcessedVotes int            `json:"processed_votes"`
}

// Tally opens stored ballots with the election private key. It runs only in
// the offline key holder's tooling after the election, never on the request
// path.
type Tally struct {
	store   storage.Store
	keys    *encryption.KeyPairManager
	metrics *Metrics
	log     zerolog.Logger
}

func NewTally(store storage.Store, keys *encryption.KeyPairManager, metrics *Metrics, log zerolog.Logger) *Tally {
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Tally{
		store:   store,
		keys:    keys,
		metrics: metrics,
		log:     log.With().Str("component", "tally").Logger(),
	}
}

// Count opens every ballot of electionID in shuffled order with voter refs
// removed. Ballots that fail to open, or that were sealed for another
// election, are counted as rejected by vote id.
func (t *Tally) Count(ctx context.Context, electionID string, privateKey *rsa.PrivateKey) (*TallyResult, error) {
	t.metrics.RecordTallyStart()
	defer t.metrics.RecordTallyEnd()

	stored, err := t.store.ListVotes(ctx, electionID)
	if err != nil {
		return nil, err
	}
	votes, err := anonymizer.Shuffle(anonymizer.StripIdentity(stored))
	if err != nil {
		return nil, err
	}

	result := &TallyResult{
		ElectionID:     electionID,
		Results:        make(map[string]int),
		ProcessedVotes: len(votes),
	}
	counted := make(map[string]bool, len(votes))

	for _, vote := range votes {
		if counted[vote.ID] {
			continue
		}
		counted[vote.ID] = true

		payload, err := t.openBallot(vote, privateKey)
		if err != nil {
			t.log.Warn().Err(err).Str("vote_id", vote.ID).Msg("ballot rejected")
			result.Rejected++
			result.RejectedVotes = append(result.RejectedVotes, vote.ID)
			continue
		}
		result.Results[payload.Choice]++
		result.TotalVotes++
	}

	sort.Strings(result.RejectedVotes)
	t.log.Info().
		Str("election_id", electionID).
		Int("counted", result.TotalVotes).
		Int("rejected", result.Rejected).
		Msg("tally finished")
	return result, nil
}

func (t *Tally) openBallot(vote models.Vote, privateKey *rsa.PrivateKey) (*models.BallotPayload, error) {
	plaintext, err := t.keys.OpenBallot(vote.EncryptedBallot, privateKey)
	if err != nil {
		return nil, err
	}

	var payload models.BallotPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, err
	}
	if payload.ElectionID != vote.ElectionID {
		return nil, errWrongElection
	}
	if payload.Choice == "" {
		return nil, errEmptyChoice
	}
	return &payload, nil
}

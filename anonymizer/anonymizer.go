// Package anonymizer breaks the link between cast order and the order in which
// ballots are opened.
package anonymizer

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"ballot-core/models"
)

// Shuffle returns a copy of votes in a uniformly random order (Fisher-Yates
// driven by crypto/rand). The input slice is left untouched.
func Shuffle(votes []models.Vote) ([]models.Vote, error) {
	shuffled := make([]models.Vote, len(votes))
	copy(shuffled, votes)

	for i := len(shuffled) - 1; i > 0; i-- {
		j, err := rand.Int(rand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			return nil, fmt.Errorf("failed to shuffle votes: %w", err)
		}
		k := j.Int64()
		shuffled[i], shuffled[k] = shuffled[k], shuffled[i]
	}
	return shuffled, nil
}

// StripIdentity clears the fields that tie a vote to a voter so the opened
// batch can be handed to counters.
func StripIdentity(votes []models.Vote) []models.Vote {
	out := make([]models.Vote, len(votes))
	for i, v := range votes {
		v.VoterRef = ""
		v.Salt = nil
		out[i] = v
	}
	return out
}

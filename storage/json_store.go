package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"ballot-core/models"
)

const stateFile = "ballot_state.json"

// snapshot is the on-disk form of the store
type snapshot struct {
	Elections []models.Election        `json:"elections"`
	KeyPairs  []models.ElectionKeyPair `json:"key_pairs"`
	Votes     []models.Vote            `json:"votes"`
	Receipts  []models.VoteReceipt     `json:"receipts"`
}

// JSONStore keeps all rows in memory behind one mutex and writes a full
// snapshot after every mutation. Holding the write lock across check and
// insert makes each insert-if-absent atomic. An empty basePath keeps the store
// in memory only.
type JSONStore struct {
	basePath string
	mu       sync.RWMutex

	elections map[string]models.Election
	keyPairs  map[string]models.ElectionKeyPair

	// votes and receipts are keyed by vote id; the indexes map
	// election/voter and receipt hash back to it.
	votes        map[string]models.Vote
	voteIndex    map[voterKey]string
	receipts     map[string]models.VoteReceipt
	receiptIndex map[string]string
}

func NewJSONStore(basePath string) (*JSONStore, error) {
	store := &JSONStore{
		basePath:     basePath,
		elections:    make(map[string]models.Election),
		keyPairs:     make(map[string]models.ElectionKeyPair),
		votes:        make(map[string]models.Vote),
		voteIndex:    make(map[voterKey]string),
		receipts:     make(map[string]models.VoteReceipt),
		receiptIndex: make(map[string]string),
	}

	if basePath == "" {
		return store, nil
	}

	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

// voterKey is the (election, voter) uniqueness key. A struct key compares both
// fields exactly, whatever bytes they contain.
type voterKey struct {
	electionID string
	voterRef   string
}

func voterKeyOf(v models.Vote) voterKey {
	return voterKey{electionID: v.ElectionID, voterRef: v.VoterRef}
}

func (s *JSONStore) load() error {
	data, err := os.ReadFile(filepath.Join(s.basePath, stateFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read state file: %w", err)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("failed to unmarshal state: %w", err)
	}

	for _, e := range snap.Elections {
		s.elections[e.ID] = e
	}
	for _, k := range snap.KeyPairs {
		s.keyPairs[k.ElectionID] = k
	}
	for _, v := range snap.Votes {
		s.votes[v.ID] = v
		s.voteIndex[voterKeyOf(v)] = v.ID
	}
	for _, r := range snap.Receipts {
		s.receipts[r.VoteID] = r
		s.receiptIndex[r.ReceiptHash] = r.VoteID
	}
	return nil
}

// persist must be called with the write lock held.
func (s *JSONStore) persist() error {
	if s.basePath == "" {
		return nil
	}

	snap := snapshot{
		Elections: make([]models.Election, 0, len(s.elections)),
		KeyPairs:  make([]models.ElectionKeyPair, 0, len(s.keyPairs)),
		Votes:     make([]models.Vote, 0, len(s.votes)),
		Receipts:  make([]models.VoteReceipt, 0, len(s.receipts)),
	}
	for _, e := range s.elections {
		snap.Elections = append(snap.Elections, e)
	}
	for _, k := range s.keyPairs {
		snap.KeyPairs = append(snap.KeyPairs, k)
	}
	for _, v := range s.votes {
		snap.Votes = append(snap.Votes, v)
	}
	for _, r := range s.receipts {
		snap.Receipts = append(snap.Receipts, r)
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	path := filepath.Join(s.basePath, stateFile)
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}

	// Atomic rename to ensure consistency
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to save state file: %w", err)
	}
	return nil
}

func (s *JSONStore) CreateElection(_ context.Context, election *models.Election) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.elections[election.ID]; exists {
		return ErrDuplicateElection
	}
	s.elections[election.ID] = *election
	if err := s.persist(); err != nil {
		delete(s.elections, election.ID)
		return err
	}
	return nil
}

func (s *JSONStore) GetElection(_ context.Context, id string) (*models.Election, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	election, ok := s.elections[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &election, nil
}

func (s *JSONStore) InsertKeyPair(_ context.Context, pair *models.ElectionKeyPair) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.keyPairs[pair.ElectionID]; exists {
		return ErrDuplicateKey
	}
	s.keyPairs[pair.ElectionID] = *pair
	if err := s.persist(); err != nil {
		delete(s.keyPairs, pair.ElectionID)
		return err
	}
	return nil
}

func (s *JSONStore) GetKeyPair(_ context.Context, electionID string) (*models.ElectionKeyPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pair, ok := s.keyPairs[electionID]
	if !ok {
		return nil, ErrNotFound
	}
	return &pair, nil
}

func (s *JSONStore) DeleteKeyPair(_ context.Context, electionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pair, ok := s.keyPairs[electionID]
	if !ok {
		return ErrNotFound
	}
	delete(s.keyPairs, electionID)
	if err := s.persist(); err != nil {
		s.keyPairs[electionID] = pair
		return err
	}
	return nil
}

func (s *JSONStore) HasVoted(_ context.Context, electionID, voterRef string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.voteIndex[voterKey{electionID: electionID, voterRef: voterRef}]
	return ok, nil
}

// jsonTx stages writes until the transaction function returns successfully.
type jsonTx struct {
	store    *JSONStore
	votes    []models.Vote
	receipts []models.VoteReceipt
}

func (tx *jsonTx) InsertVote(_ context.Context, vote *models.Vote) error {
	key := voterKeyOf(*vote)
	if _, exists := tx.store.voteIndex[key]; exists {
		return ErrDuplicateVote
	}
	if _, exists := tx.store.votes[vote.ID]; exists {
		return fmt.Errorf("vote id %s already used", vote.ID)
	}
	for _, staged := range tx.votes {
		if voterKeyOf(staged) == key {
			return ErrDuplicateVote
		}
	}
	tx.votes = append(tx.votes, *vote)
	return nil
}

func (tx *jsonTx) InsertReceipt(_ context.Context, receipt *models.VoteReceipt) error {
	if _, exists := tx.store.receipts[receipt.VoteID]; exists {
		return ErrDuplicateReceipt
	}
	if _, exists := tx.store.receiptIndex[receipt.ReceiptHash]; exists {
		return ErrDuplicateReceipt
	}
	for _, staged := range tx.receipts {
		if staged.VoteID == receipt.VoteID || staged.ReceiptHash == receipt.ReceiptHash {
			return ErrDuplicateReceipt
		}
	}
	tx.receipts = append(tx.receipts, *receipt)
	return nil
}

func (s *JSONStore) WithinTx(ctx context.Context, fn func(w VoteWriter) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &jsonTx{store: s}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	for _, v := range tx.votes {
		s.votes[v.ID] = v
		s.voteIndex[voterKeyOf(v)] = v.ID
	}
	for _, r := range tx.receipts {
		s.receipts[r.VoteID] = r
		s.receiptIndex[r.ReceiptHash] = r.VoteID
	}

	if err := s.persist(); err != nil {
		for _, v := range tx.votes {
			delete(s.votes, v.ID)
			delete(s.voteIndex, voterKeyOf(v))
		}
		for _, r := range tx.receipts {
			delete(s.receipts, r.VoteID)
			delete(s.receiptIndex, r.ReceiptHash)
		}
		return err
	}
	return nil
}

func (s *JSONStore) FindReceiptByHash(_ context.Context, receiptHash string) (*models.VoteReceipt, *models.Vote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	voteID, ok := s.receiptIndex[receiptHash]
	if !ok {
		return nil, nil, ErrNotFound
	}
	receipt := s.receipts[voteID]

	vote, ok := s.votes[voteID]
	if !ok {
		return &receipt, nil, ErrNotFound
	}
	return &receipt, &vote, nil
}

func (s *JSONStore) GetReceiptByVoteID(_ context.Context, voteID string) (*models.VoteReceipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	receipt, ok := s.receipts[voteID]
	if !ok {
		return nil, ErrNotFound
	}
	return &receipt, nil
}

func (s *JSONStore) ListUnanchoredReceipts(_ context.Context, limit int) ([]models.VoteReceipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.VoteReceipt
	for _, r := range s.receipts {
		if r.ChainTxRef == nil {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *JSONStore) SetChainTxRef(_ context.Context, voteID, txRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	receipt, ok := s.receipts[voteID]
	if !ok {
		return ErrNotFound
	}
	if receipt.ChainTxRef != nil {
		return ErrAlreadyAnchored
	}
	previousVote, ok := s.votes[voteID]
	if !ok {
		return fmt.Errorf("%w: receipt %s has no vote", ErrNotFound, voteID)
	}
	previousReceipt := receipt

	ref := txRef
	vote := previousVote
	receipt.ChainTxRef = &ref
	vote.ChainTxRef = &ref
	s.receipts[voteID] = receipt
	s.votes[voteID] = vote

	if err := s.persist(); err != nil {
		s.receipts[voteID] = previousReceipt
		s.votes[voteID] = previousVote
		return err
	}
	return nil
}

func (s *JSONStore) ListVotes(_ context.Context, electionID string) ([]models.Vote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Vote
	for _, v := range s.votes {
		if v.ElectionID == electionID {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *JSONStore) CountVotes(ctx context.Context, electionID string) (int64, error) {
	votes, err := s.ListVotes(ctx, electionID)
	if err != nil {
		return 0, err
	}
	return int64(len(votes)), nil
}

func (s *JSONStore) Close() error {
	return nil
}

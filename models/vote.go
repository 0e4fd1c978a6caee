package models

import "time"

// Vote is a cast ballot. VoterRef is the internal account reference, never
// the public voter id. The (ElectionID, VoterRef) pair is unique.
type Vote struct {
	ID              string    `gorm:"primaryKey;size:36" json:"id"`
	ElectionID      string    `gorm:"size:64;not null;uniqueIndex:idx_votes_election_voter" json:"election_id"`
	CandidateID     string    `gorm:"size:64;not null" json:"candidate_id"`
	VoterRef        string    `gorm:"size:128;not null;uniqueIndex:idx_votes_election_voter" json:"voter_ref"`
	EncryptedBallot []byte    `gorm:"type:blob;not null" json:"encrypted_ballot"`
	Salt            []byte    `gorm:"type:blob;not null" json:"salt"`
	CreatedAt       time.Time `gorm:"not null" json:"created_at"`
	ChainTxRef      *string   `gorm:"size:128" json:"chain_tx_ref,omitempty"`
}

func (Vote) TableName() string {
	return "votes"
}

// VoteReceipt binds a vote to its voter and election by hash.
type VoteReceipt struct {
	VoteID      string    `gorm:"primaryKey;size:36" json:"vote_id"`
	VoterRef    string    `gorm:"size:128;not null" json:"voter_ref"`
	ElectionID  string    `gorm:"size:64;not null;index" json:"election_id"`
	ReceiptHash string    `gorm:"size:64;not null;uniqueIndex" json:"receipt_hash"`
	CreatedAt   time.Time `gorm:"not null;index" json:"created_at"`
	ChainTxRef  *string   `gorm:"size:128" json:"chain_tx_ref,omitempty"`
}

func (VoteReceipt) TableName() string {
	return "vote_receipts"
}

// Anchored reports whether the external anchoring step has completed.
func (r *VoteReceipt) Anchored() bool {
	return r.ChainTxRef != nil && *r.ChainTxRef != ""
}

// BallotPayload is the plaintext a voter seals client-side. Only the offline
// key holder ever sees it.
type BallotPayload struct {
	ElectionID string `json:"election_id"`
	Choice     string `json:"choice"`
	Nonce      []byte `json:"nonce,omitempty"`
}

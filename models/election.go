package models

import "time"

// Phase describes where an instant falls relative to an election window.
type Phase int

const (
	PhaseNotStarted Phase = iota
	PhaseActive
	PhaseEnded
)

func (p Phase) String() string {
	switch p {
	case PhaseNotStarted:
		return "not_started"
	case PhaseActive:
		return "active"
	case PhaseEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Length limits matching the column sizes below and in vote.go.
const (
	MaxElectionIDLen  = 64
	MaxTitleLen       = 255
	MaxCandidateIDLen = 64
	MaxVoterRefLen    = 128
)

// Election is owned by the administrative collaborator. The core only reads it.
type Election struct {
	ID        string    `gorm:"primaryKey;size:64" json:"id"`
	Title     string    `gorm:"size:255;not null" json:"title"`
	StartTime time.Time `gorm:"not null" json:"start_time"`
	EndTime   time.Time `gorm:"not null" json:"end_time"`
	CreatedAt time.Time `json:"created_at"`
}

func (Election) TableName() string {
	return "elections"
}

// PhaseAt evaluates the half-open window [StartTime, EndTime).
func (e *Election) PhaseAt(now time.Time) Phase {
	if now.Before(e.StartTime) {
		return PhaseNotStarted
	}
	if !now.Before(e.EndTime) {
		return PhaseEnded
	}
	return PhaseActive
}

// IsActiveAt reports whether now lies inside [StartTime, EndTime).
func (e *Election) IsActiveAt(now time.Time) bool {
	return e.PhaseAt(now) == PhaseActive
}

package store

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// RunRecord is the metadata of one simulation run.
type RunRecord struct {
	ID         uuid.UUID
	Scheduler  string
	Seed       int64
	Steps      int
	StartedAt  time.Time
	FinishedAt time.Time
	FinalClock uint64
}

// TransferRecord is one completed in-channel payment of a run.
type TransferRecord struct {
	Seq       int
	Recipient string
	Amount    uint64
	At        uint64
}

// AccountRecord is one on-chain account in a run's final snapshot.
type AccountRecord struct {
	ID     uint64
	Owner  string
	Amount uint64
}

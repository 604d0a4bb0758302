package scheduler

import (
	"context"
	"hash/fnv"
)

// Scheduler runs a periodic scan until stopped.
type Scheduler interface {
	// Start begins the scheduling loop. Blocks until ctx is cancelled or Stop is called.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the scheduler, waiting for an in-flight tick.
	Stop() error

	// Tick runs a single scheduling iteration. Used for testing and one-shot runs.
	Tick(ctx context.Context) error
}

// Processor handles one account per call. Broadcast, expiry, liveness and
// fail-fast scanners all implement it.
type Processor interface {
	Name() string
	ProcessAccount(ctx context.Context, accountID string) error
}

// AccountLister enumerates the accounts to scan.
type AccountLister interface {
	ListAccounts(ctx context.Context) ([]string, error)
}

// Partitioner decides which accounts this instance scans.
type Partitioner interface {
	Owns(accountID string) bool
}

// HashPartitioner assigns each account to one of Count instances by the
// FNV-32a hash of its id. When disabled every instance owns every account.
type HashPartitioner struct {
	Index   int
	Count   int
	Enabled bool
}

// Owns reports whether the account hashes to this instance.
func (p HashPartitioner) Owns(accountID string) bool {
	if !p.Enabled || p.Count <= 1 {
		return true
	}
	h := fnv.New32a()
	h.Write([]byte(accountID))
	return int(h.Sum32()%uint32(p.Count)) == p.Index
}

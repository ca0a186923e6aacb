package scheduler

import (
	"context"
	"time"

	"github.com/itskum47/ovhsniper/control_plane/provider"
	"github.com/itskum47/ovhsniper/control_plane/store"
)

// Inventory answers availability questions.
type Inventory interface {
	CheckAvailability(ctx context.Context, planCode, datacenter string) (bool, error)
}

// Orders places orders.
type Orders interface {
	PlaceOrder(ctx context.Context, planCode, datacenter string, options []string) (*provider.OrderResult, error)
}

// Credentials exposes the credential generation, which changes whenever the
// stored provider credentials are replaced.
type Credentials interface {
	Generation() uint64
}

// Journal receives user-visible log lines.
type Journal interface {
	Log(ctx context.Context, level store.LogLevel, source, message string) error
}

// Config holds configuration for the scheduler.
type Config struct {
	// AttemptTimeout bounds one availability check plus order attempt. The
	// attempt runs detached from its task, so a pause cannot cut it short.
	AttemptTimeout time.Duration

	// RetryUnit is the duration of one retryInterval unit (one second in
	// production).
	RetryUnit time.Duration

	// LockTTL bounds how long a crashed replica can hold an item's attempt lock.
	LockTTL time.Duration

	// Owner identifies this process in attempt locks.
	Owner string
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		AttemptTimeout: 30 * time.Second,
		RetryUnit:      time.Second,
		LockTTL:        2 * time.Minute,
		Owner:          "ovhsniper",
	}
}

// Decision is a structured log entry for scheduler actions.
type Decision struct {
	Decision string `json:"decision"` // FIRE, SKIP_IN_FLIGHT, RETRY_RECORD, DISCARD, APPLY, AUTH_HALT
	ItemID   string `json:"item_id"`
	Outcome  string `json:"outcome,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Snapshot exposes internal state for debugging.
type Snapshot struct {
	Tasks            []string `json:"tasks"`
	InFlight         []string `json:"in_flight"`
	Attempts         uint64   `json:"attempts"`
	SkippedFires     uint64   `json:"skipped_fires"`
	DiscardedResults uint64   `json:"discarded_results"`
	AuthHalts        uint64   `json:"auth_halts"`
	AuthGeneration   uint64   `json:"auth_halted_generation"`
}

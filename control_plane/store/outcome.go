package store

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/itskum47/ovhsniper/control_plane/errs"
)

// OutcomeKind tags the result of one attempt cycle.
type OutcomeKind int

const (
	OutcomeUnavailable OutcomeKind = iota
	OutcomeOrderSucceeded
	OutcomeOrderFailed
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeUnavailable:
		return "unavailable"
	case OutcomeOrderSucceeded:
		return "order_succeeded"
	case OutcomeOrderFailed:
		return "order_failed"
	default:
		return "unknown"
	}
}

// FailureKind refines OutcomeOrderFailed.
type FailureKind int

const (
	FailureRetryable FailureKind = iota
	FailureNonRetryable
	FailureAuth
)

func (k FailureKind) String() string {
	switch k {
	case FailureRetryable:
		return "retryable"
	case FailureNonRetryable:
		return "non_retryable"
	case FailureAuth:
		return "auth"
	default:
		return "unknown"
	}
}

// Outcome is the only input that drives a Running item's state machine.
type Outcome struct {
	Kind     OutcomeKind
	OrderID  string
	OrderURL string
	Failure  FailureKind
	Message  string
}

func Unavailable() Outcome {
	return Outcome{Kind: OutcomeUnavailable}
}

func OrderSucceeded(orderID, orderURL string) Outcome {
	return Outcome{Kind: OutcomeOrderSucceeded, OrderID: orderID, OrderURL: orderURL}
}

func OrderFailed(kind FailureKind, message string) Outcome {
	return Outcome{Kind: OutcomeOrderFailed, Failure: kind, Message: message}
}

// Label is a stable name used for metrics and logs.
func (o Outcome) Label() string {
	if o.Kind == OutcomeOrderFailed {
		return o.Kind.String() + "_" + o.Failure.String()
	}
	return o.Kind.String()
}

// ApplyOutcome computes the next state of a Running item. It returns the
// updated copy and, for terminal outcomes, the history record to insert in
// the same atomic step. Non-terminal cycles increment RetryCount; an auth
// failure parks the item in Pending without consuming a retry.
func ApplyOutcome(item *QueueItem, o Outcome, now time.Time) (*QueueItem, *PurchaseRecord, error) {
	if item.Status != StatusRunning {
		return nil, nil, errs.Conflict("queue item %s is %s, not running", item.ID, item.Status)
	}

	next := item.clone()
	next.UpdatedAt = now

	var record *PurchaseRecord
	switch o.Kind {
	case OutcomeUnavailable:
		next.RetryCount++
	case OutcomeOrderSucceeded:
		next.Status = StatusCompleted
		record = newRecord(item, PurchaseSuccess, now)
		record.OrderID = o.OrderID
		record.OrderURL = o.OrderURL
	case OutcomeOrderFailed:
		switch o.Failure {
		case FailureRetryable:
			next.RetryCount++
		case FailureNonRetryable:
			next.Status = StatusFailed
			record = newRecord(item, PurchaseFailed, now)
			record.ErrorMessage = o.Message
			if record.ErrorMessage == "" {
				record.ErrorMessage = "order failed"
			}
		case FailureAuth:
			next.Status = StatusPending
		default:
			return nil, nil, errs.Validation("unknown failure kind %d", o.Failure)
		}
	default:
		return nil, nil, errs.Validation("unknown outcome kind %d", o.Kind)
	}
	return next, record, nil
}

func newRecord(item *QueueItem, status PurchaseStatus, now time.Time) *PurchaseRecord {
	return &PurchaseRecord{
		ID:           uuid.NewString(),
		QueueItemID:  item.ID,
		PlanCode:     item.PlanCode,
		Datacenter:   item.Datacenter,
		Status:       status,
		PurchaseTime: now,
	}
}

// NormalizeTarget validates an enqueue request and canonicalizes its options.
func NormalizeTarget(t QueueTarget) (QueueTarget, error) {
	t.PlanCode = strings.TrimSpace(t.PlanCode)
	t.Datacenter = strings.TrimSpace(t.Datacenter)
	if t.PlanCode == "" {
		return t, errs.Validation("planCode is required")
	}
	if t.Datacenter == "" {
		return t, errs.Validation("datacenter is required")
	}
	if t.RetryInterval == 0 {
		t.RetryInterval = DefaultRetryInterval
	}
	if t.RetryInterval < MinRetryInterval {
		return t, errs.Validation("retryInterval must be at least %d seconds", MinRetryInterval)
	}

	seen := make(map[string]struct{}, len(t.Options))
	opts := make([]string, 0, len(t.Options))
	for _, o := range t.Options {
		o = strings.TrimSpace(o)
		if o == "" {
			continue
		}
		if _, dup := seen[o]; dup {
			continue
		}
		seen[o] = struct{}{}
		opts = append(opts, o)
	}
	sort.Strings(opts)
	t.Options = opts
	return t, nil
}

// NewQueueItem builds a Pending item from a normalized target.
func NewQueueItem(t QueueTarget, now time.Time) *QueueItem {
	return &QueueItem{
		ID:            uuid.NewString(),
		PlanCode:      t.PlanCode,
		Datacenter:    t.Datacenter,
		Options:       append([]string{}, t.Options...),
		Status:        StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
		RetryInterval: t.RetryInterval,
		RetryCount:    0,
	}
}

// desiredRunTransition validates a start/pause request. It returns changed=false
// when the item is already in the requested state.
func desiredRunTransition(item *QueueItem, running bool) (QueueStatus, bool, error) {
	if item.Status.Terminal() {
		return item.Status, false, errs.Conflict("queue item %s is %s", item.ID, item.Status)
	}
	want := StatusPending
	if running {
		want = StatusRunning
	}
	return want, item.Status != want, nil
}

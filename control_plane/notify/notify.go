package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// Kind names the situation an Event reports.
type Kind string

const (
	KindPurchaseSuccess Kind = "purchase_success"
	KindPurchaseFailed  Kind = "purchase_failed"
	KindAuthFailure     Kind = "auth_failure"
)

// Event is one user-facing notification.
type Event struct {
	Kind       Kind      `json:"kind"`
	PlanCode   string    `json:"planCode,omitempty"`
	Datacenter string    `json:"datacenter,omitempty"`
	OrderID    string    `json:"orderId,omitempty"`
	OrderURL   string    `json:"orderUrl,omitempty"`
	Message    string    `json:"message,omitempty"`
	Time       time.Time `json:"time"`
}

// Text renders the event as a short human readable message.
func (e Event) Text() string {
	var b strings.Builder
	switch e.Kind {
	case KindPurchaseSuccess:
		fmt.Fprintf(&b, "Order placed: %s in %s", e.PlanCode, strings.ToUpper(e.Datacenter))
		if e.OrderID != "" {
			fmt.Fprintf(&b, "\nOrder ID: %s", e.OrderID)
		}
		if e.OrderURL != "" {
			fmt.Fprintf(&b, "\n%s", e.OrderURL)
		}
	case KindPurchaseFailed:
		fmt.Fprintf(&b, "Order failed: %s in %s", e.PlanCode, strings.ToUpper(e.Datacenter))
		if e.Message != "" {
			fmt.Fprintf(&b, "\nReason: %s", e.Message)
		}
	case KindAuthFailure:
		b.WriteString("Provider credentials rejected, all running tasks paused")
		if e.Message != "" {
			fmt.Fprintf(&b, "\n%s", e.Message)
		}
	default:
		b.WriteString(e.Message)
	}
	return b.String()
}

// Notifier delivers events. Delivery is best effort.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// LogNotifier writes events to the process log.
type LogNotifier struct {
	logger *log.Entry
}

func NewLogNotifier() *LogNotifier {
	return &LogNotifier{logger: log.WithField("component", "notify")}
}

func (n *LogNotifier) Notify(ctx context.Context, ev Event) error {
	n.logger.WithFields(log.Fields{
		"kind":       ev.Kind,
		"plan":       ev.PlanCode,
		"datacenter": ev.Datacenter,
		"order_id":   ev.OrderID,
	}).Info(ev.Text())
	return nil
}

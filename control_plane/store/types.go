package store

import (
	"time"
)

// QueueStatus is the lifecycle state of a watch target.
type QueueStatus string

const (
	StatusPending   QueueStatus = "pending"
	StatusRunning   QueueStatus = "running"
	StatusCompleted QueueStatus = "completed"
	StatusFailed    QueueStatus = "failed"
)

// Terminal reports whether no further scheduling may happen.
func (s QueueStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s QueueStatus) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

const (
	MinRetryInterval     = 10
	DefaultRetryInterval = 30
)

// QueueItem is a watch target: what to buy, where, and how often to check.
type QueueItem struct {
	ID            string      `json:"id" db:"id"`
	PlanCode      string      `json:"planCode" db:"plan_code"`
	Datacenter    string      `json:"datacenter" db:"datacenter"`
	Options       []string    `json:"options" db:"options"`
	Status        QueueStatus `json:"status" db:"status"`
	CreatedAt     time.Time   `json:"createdAt" db:"created_at"`
	UpdatedAt     time.Time   `json:"updatedAt" db:"updated_at"`
	RetryInterval int         `json:"retryInterval" db:"retry_interval"` // seconds
	RetryCount    int         `json:"retryCount" db:"retry_count"`
}

// Interval converts RetryInterval to a duration using unit as one "second".
func (q *QueueItem) Interval(unit time.Duration) time.Duration {
	return time.Duration(q.RetryInterval) * unit
}

func (q *QueueItem) clone() *QueueItem {
	c := *q
	c.Options = append([]string{}, q.Options...)
	return &c
}

// QueueTarget is the caller-supplied part of a QueueItem.
type QueueTarget struct {
	PlanCode      string   `json:"planCode"`
	Datacenter    string   `json:"datacenter"`
	Options       []string `json:"options"`
	RetryInterval int      `json:"retryInterval"`
}

// PurchaseStatus is the outcome recorded for a terminal attempt.
type PurchaseStatus string

const (
	PurchaseSuccess PurchaseStatus = "success"
	PurchaseFailed  PurchaseStatus = "failed"
)

// PurchaseRecord is the immutable outcome of one terminal attempt.
type PurchaseRecord struct {
	ID           string         `json:"id" db:"id"`
	QueueItemID  string         `json:"queueItemId,omitempty" db:"queue_item_id"`
	PlanCode     string         `json:"planCode" db:"plan_code"`
	Datacenter   string         `json:"datacenter" db:"datacenter"`
	Status       PurchaseStatus `json:"status" db:"status"`
	OrderID      string         `json:"orderId,omitempty" db:"order_id"`
	OrderURL     string         `json:"orderUrl,omitempty" db:"order_url"`
	ErrorMessage string         `json:"errorMessage,omitempty" db:"error_message"`
	PurchaseTime time.Time      `json:"purchaseTime" db:"purchase_time"`
}

// LogLevel matches the levels the dashboard filters on.
type LogLevel string

const (
	LevelDebug   LogLevel = "DEBUG"
	LevelInfo    LogLevel = "INFO"
	LevelWarning LogLevel = "WARNING"
	LevelError   LogLevel = "ERROR"
)

func (l LogLevel) Valid() bool {
	switch l {
	case LevelDebug, LevelInfo, LevelWarning, LevelError:
		return true
	}
	return false
}

// LogEntry is one operational event. Seq is assigned by the store and gives
// the creation-time total order.
type LogEntry struct {
	ID        string    `json:"id" db:"id"`
	Seq       int64     `json:"seq" db:"seq"`
	Timestamp time.Time `json:"timestamp" db:"ts"`
	Level     LogLevel  `json:"level" db:"level"`
	Source    string    `json:"source" db:"source"`
	Message   string    `json:"message" db:"message"`
}

// Settings is the persisted credential and notification record.
type Settings struct {
	AppKey      string `json:"appKey"`
	AppSecret   string `json:"appSecret"`
	ConsumerKey string `json:"consumerKey"`
	Endpoint    string `json:"endpoint"`
	TgToken     string `json:"tgToken"`
	TgChatID    string `json:"tgChatId"`
	IAM         string `json:"iam"`
	Zone        string `json:"zone"`
}

// DatacenterAvailability is one row of an availability snapshot.
type DatacenterAvailability struct {
	Datacenter   string `json:"datacenter"`
	Availability string `json:"availability"`
}

// PlanOption is an addon that can be attached to an order.
type PlanOption struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// ServerPlan is a catalog projection; it is refreshed from the provider and
// never treated as authoritative for ordering.
type ServerPlan struct {
	PlanCode         string                   `json:"planCode"`
	Name             string                   `json:"name"`
	Description      string                   `json:"description"`
	CPU              string                   `json:"cpu"`
	Memory           string                   `json:"memory"`
	Storage          string                   `json:"storage"`
	Bandwidth        string                   `json:"bandwidth"`
	VrackBandwidth   string                   `json:"vrackBandwidth"`
	DefaultOptions   []PlanOption             `json:"defaultOptions"`
	AvailableOptions []PlanOption             `json:"availableOptions"`
	Datacenters      []DatacenterAvailability `json:"datacenters"`
}

package store

import (
	"fmt"
)

// Resource names a keyspace shared with Redis.
type Resource string

const (
	ResourceAttemptLock Resource = "attempt-lock"
	ResourceIdempotency Resource = "idempotency"
)

// ResourceKey constructs a fully qualified Redis key.
// Format: ovhsniper:{resource}:{id}
func ResourceKey(resource Resource, id string) string {
	return fmt.Sprintf("ovhsniper:%s:%s", resource, id)
}

// ResourcePrefix constructs a scan prefix for a resource.
// Format: ovhsniper:{resource}:
func ResourcePrefix(resource Resource) string {
	return fmt.Sprintf("ovhsniper:%s:", resource)
}

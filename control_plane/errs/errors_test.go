package errs

import (
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestKindOfWrapped(t *testing.T) {
	base := NotFound("plan %s not found", "eco-1")
	wrapped := fmt.Errorf("check: %w", base)

	assert.Equal(t, KindNotFound, KindOf(wrapped))
	assert.True(t, Is(wrapped, KindNotFound))
	assert.Equal(t, "plan eco-1 not found", Message(wrapped))
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	assert.Equal(t, Kind(""), KindOf(nil))
}

func TestRetryable(t *testing.T) {
	cases := []struct {
		err       error
		retryable bool
	}{
		{Transient("timeout"), true},
		{RateLimited("429"), true},
		{errors.New("unknown"), true},
		{Validation("bad option"), false},
		{Auth("invalid key"), false},
		{NotFound("no plan"), false},
		{Conflict("terminal"), false},
	}
	for _, c := range cases {
		if got := IsRetryable(c.err); got != c.retryable {
			t.Errorf("IsRetryable(%v) = %v, want %v", c.err, got, c.retryable)
		}
	}
}

func TestRateLimitedIsTransient(t *testing.T) {
	err := RateLimited("too many requests")
	assert.Equal(t, KindProviderTransient, KindOf(err))
	assert.True(t, IsRateLimited(err))
	assert.False(t, IsRateLimited(Transient("5xx")))
}

func TestStorageWrap(t *testing.T) {
	err := Storage(errors.New("disk full"), "insert queue item")
	assert.Equal(t, KindStorage, KindOf(err))
	assert.Contains(t, err.Error(), "disk full")
	assert.Nil(t, Wrap(KindStorage, nil, "noop"))
}

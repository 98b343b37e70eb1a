package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClassString(t *testing.T) {
	assert.Equal(t, "transient", ErrorTransient.String())
	assert.Equal(t, "invalid", ErrorInvalid.String())
	assert.Equal(t, "fatal", ErrorFatal.String())
	assert.Equal(t, "unknown", ErrorClass(42).String())
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil error", nil, false},
		{"connection timeout", ErrConnectionTimeout, true},
		{"store unavailable", ErrStoreUnavailable, true},
		{"context deadline", context.DeadlineExceeded, true},
		{"wrapped transient", WrapTransient(stderrors.New("boom"), "Store", "Get", "read"), true},
		{"wrapped invalid", WrapInvalid(stderrors.New("boom"), "Store", "Get", "read"), false},
		{"timeout in message", stderrors.New("dial tcp: i/o timeout"), true},
		{"plain error", stderrors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestIsInvalid(t *testing.T) {
	assert.True(t, IsInvalid(ErrInvalidData))
	assert.True(t, IsInvalid(WrapInvalid(stderrors.New("bad"), "Generator", "GenerateValue", "parse")))
	assert.False(t, IsInvalid(nil))
	assert.False(t, IsInvalid(ErrConnectionTimeout))
}

func TestIsFatal(t *testing.T) {
	assert.True(t, IsFatal(ErrInvalidConfig))
	assert.True(t, IsFatal(WrapFatal(stderrors.New("boom"), "Manager", "Initialize", "load")))
	assert.False(t, IsFatal(nil))
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, IsNotFound(ErrEntityNotFound))
	assert.True(t, IsNotFound(Wrap(ErrEntityNotFound, "changelog", "GetEntitySummary", "lookup")))
	assert.False(t, IsNotFound(ErrInvalidData))
	assert.False(t, IsNotFound(nil))
}

func TestWrapFormat(t *testing.T) {
	base := stderrors.New("boom")
	err := Wrap(base, "Manager", "Tick", "entity update")
	require.Error(t, err)
	assert.Equal(t, "Manager.Tick: entity update failed: boom", err.Error())
	assert.True(t, stderrors.Is(err, base))
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap(nil, "C", "M", "a"))
	assert.NoError(t, WrapTransient(nil, "C", "M", "a"))
	assert.NoError(t, WrapInvalid(nil, "C", "M", "a"))
	assert.NoError(t, WrapFatal(nil, "C", "M", "a"))
}

func TestWrapPreservesChain(t *testing.T) {
	base := ErrEntityNotFound
	err := WrapInvalid(base, "changelog", "GetEntitySummary", "lookup")

	var ce *ClassifiedError
	require.True(t, stderrors.As(err, &ce))
	assert.Equal(t, ErrorInvalid, ce.Class)
	assert.True(t, stderrors.Is(err, base))
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ErrorTransient, Classify(nil))
	assert.Equal(t, ErrorTransient, Classify(ErrConnectionTimeout))
	assert.Equal(t, ErrorFatal, Classify(ErrMissingConfig))
	assert.Equal(t, ErrorInvalid, Classify(ErrParsingFailed))
	// Unknown errors default to transient so callers may retry
	assert.Equal(t, ErrorTransient, Classify(fmt.Errorf("mystery")))
}

func TestRetryConfigShouldRetry(t *testing.T) {
	cfg := DefaultRetryConfig()

	assert.False(t, cfg.ShouldRetry(nil, 0))
	assert.False(t, cfg.ShouldRetry(ErrConnectionTimeout, cfg.MaxRetries))
	assert.True(t, cfg.ShouldRetry(ErrConnectionTimeout, 0))
	assert.False(t, cfg.ShouldRetry(ErrInvalidData, 0))
}

func TestBackoffDelay(t *testing.T) {
	cfg := RetryConfig{
		MaxRetries:    5,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      1 * time.Second,
		BackoffFactor: 2.0,
	}

	assert.Equal(t, 100*time.Millisecond, cfg.BackoffDelay(0))
	assert.Equal(t, 200*time.Millisecond, cfg.BackoffDelay(1))
	assert.Equal(t, 400*time.Millisecond, cfg.BackoffDelay(2))
	// Capped at MaxDelay
	assert.Equal(t, 1*time.Second, cfg.BackoffDelay(10))
}

func TestToRetryConfig(t *testing.T) {
	cfg := DefaultRetryConfig()
	rc := cfg.ToRetryConfig()

	// MaxRetries is additional attempts beyond the first
	assert.Equal(t, cfg.MaxRetries+1, rc.MaxAttempts)
	assert.Equal(t, cfg.InitialDelay, rc.InitialDelay)
	assert.True(t, rc.AddJitter)
}

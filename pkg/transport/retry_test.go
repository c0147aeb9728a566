package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/grafana/dskit/backoff"
	"github.com/stretchr/testify/require"
)

func TestRetry(t *testing.T) {
	cfg := backoff.Config{MinBackoff: time.Millisecond, MaxBackoff: time.Millisecond}

	t.Run("transient errors are retried", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), cfg, log.NewNopLogger(), "append", func() error {
			calls++
			if calls < 3 {
				return &Error{Op: "append", Topic: "t", Err: errors.New("broker unavailable")}
			}
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, 3, calls)
	})

	t.Run("other errors are returned immediately", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), cfg, log.NewNopLogger(), "append", func() error {
			calls++
			return ErrTopicNotFound
		})
		require.ErrorIs(t, err, ErrTopicNotFound)
		require.Equal(t, 1, calls)
	})

	t.Run("context cancellation stops retries", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		calls := 0
		err := Retry(ctx, cfg, log.NewNopLogger(), "read", func() error {
			calls++
			cancel()
			return &Error{Op: "read", Err: errors.New("timeout")}
		})
		require.ErrorIs(t, err, context.Canceled)
		require.Equal(t, 1, calls)
	})
}

func TestParseStartOffset(t *testing.T) {
	o, err := ParseStartOffset("earliest")
	require.NoError(t, err)
	require.Equal(t, StartEarliest, o)
	o, err = ParseStartOffset("latest")
	require.NoError(t, err)
	require.Equal(t, StartLatest, o)
	_, err = ParseStartOffset("now")
	require.Error(t, err)
}

package retry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dashctl/dashctl/pkg/fault"
)

func fastConfig(attempts int) Config {
	return Config{MaxAttempts: attempts, InitialWait: time.Millisecond, MaxWait: time.Millisecond, Multiplier: 2}
}

func TestDo_RetriesTransportErrors(t *testing.T) {
	var calls atomic.Int32
	err := Do(context.Background(), fastConfig(3), func(ctx context.Context) error {
		if calls.Add(1) < 3 {
			return fault.Transportf(errors.New("refused"), "GET")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 calls, got %d", calls.Load())
	}
}

func TestDo_DoesNotRetryRejection(t *testing.T) {
	var calls atomic.Int32
	err := Do(context.Background(), fastConfig(5), func(ctx context.Context) error {
		calls.Add(1)
		return fault.Rejected("-1")
	})
	if !fault.Is(err, fault.DeviceRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("rejections must not be retried, got %d calls", calls.Load())
	}
}

func TestDoWithResult_GivesUp(t *testing.T) {
	var calls atomic.Int32
	_, err := DoWithResult(context.Background(), fastConfig(2), func(ctx context.Context) (int, error) {
		calls.Add(1)
		return 0, fault.Transportf(nil, "device returned HTTP 500")
	})
	if !fault.Is(err, fault.Transport) {
		t.Fatalf("expected last transport error, got %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 calls, got %d", calls.Load())
	}
}

func TestDoWithResult_CustomPredicate(t *testing.T) {
	cfg := fastConfig(3)
	cfg.ShouldRetry = func(err error) bool { return fault.Is(err, fault.MalformedBody) }

	var calls atomic.Int32
	v, err := DoWithResult(context.Background(), cfg, func(ctx context.Context) (string, error) {
		if calls.Add(1) == 1 {
			return "", fault.Malformed(errors.New("truncated"))
		}
		return "ok", nil
	})
	if err != nil || v != "ok" {
		t.Fatalf("got %q, %v", v, err)
	}
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Do(ctx, fastConfig(0), func(ctx context.Context) error {
		return fault.Transportf(nil, "GET")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastConfig() Config {
	return Config{
		MaxAttempts: 3,
		InitialWait: time.Millisecond,
		MaxWait:     5 * time.Millisecond,
		Multiplier:  2.0,
	}
}

func TestDoSucceedsFirstTry(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(), func() error {
		calls++
		return nil
	})
	if err != nil || calls != 1 {
		t.Errorf("err=%v calls=%d, want nil and 1", err, calls)
	}
}

func TestDoRetriesTransient(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(), func() error {
		calls++
		if calls < 3 {
			return Transient(errors.New("flaky"))
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Errorf("err=%v calls=%d, want nil and 3", err, calls)
	}
}

func TestDoStopsOnPermanentError(t *testing.T) {
	permanent := errors.New("permanent")
	calls := 0
	err := Do(context.Background(), fastConfig(), func() error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) || calls != 1 {
		t.Errorf("err=%v calls=%d, want permanent after 1 call", err, calls)
	}
}

func TestDoExhaustsBudget(t *testing.T) {
	flaky := errors.New("flaky")
	calls := 0
	err := Do(context.Background(), fastConfig(), func() error {
		calls++
		return Transient(flaky)
	})
	if !errors.Is(err, flaky) || calls != 3 {
		t.Errorf("err=%v calls=%d, want flaky after 3 calls", err, calls)
	}
}

func TestDoHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := fastConfig()
	cfg.InitialWait = time.Minute // forces the ctx branch
	err := Do(ctx, cfg, func() error {
		return Transient(errors.New("flaky"))
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestIsTransient(t *testing.T) {
	base := errors.New("x")
	if IsTransient(base) {
		t.Error("plain error should not be transient")
	}
	if !IsTransient(Transient(base)) {
		t.Error("wrapped error should be transient")
	}
	if Transient(nil) != nil {
		t.Error("Transient(nil) should be nil")
	}
}

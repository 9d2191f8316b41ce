package observe

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

type countdown struct {
	checks atomic.Int32
	// alive for this many checks, then gone
	aliveFor int32
	err      error
}

func (c *countdown) Exists(context.Context, int32) (bool, error) {
	n := c.checks.Add(1)
	if c.err != nil {
		return false, c.err
	}
	return n <= c.aliveFor, nil
}

func TestWatcherReturnsWhenPIDGone(t *testing.T) {
	mock := clock.NewMock()
	live := &countdown{aliveFor: 2}
	w := New(4242, live, mock, 5*time.Second, nil)

	done := make(chan error, 1)
	go func() { done <- w.Wait(context.Background()) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("Wait failed: %v", err)
			}
			if live.checks.Load() != 3 {
				t.Errorf("Expected exit on the third check, got %d checks", live.checks.Load())
			}
			if w.Duration() < 15*time.Second {
				t.Errorf("Expected at least 15s observed, got %v", w.Duration())
			}
			return
		default:
		}
		if time.Now().After(deadline) {
			t.Fatal("Wait did not return")
		}
		mock.Add(time.Second)
	}
}

func TestWatcherIgnoresLookupErrors(t *testing.T) {
	mock := clock.NewMock()
	live := &countdown{err: errors.New("access denied")}
	w := New(4242, live, mock, time.Second, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Wait(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for live.checks.Load() < 3 {
		if time.Now().After(deadline) {
			t.Fatal("Watcher stopped polling")
		}
		mock.Add(time.Second)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestTiming(t *testing.T) {
	mock := clock.NewMock()
	tm := NewTiming(mock)
	mock.Add(3 * time.Second)
	if tm.Duration() != 3*time.Second {
		t.Errorf("Expected running duration 3s, got %v", tm.Duration())
	}
	tm.Complete()
	mock.Add(time.Minute)
	if tm.Duration() != 3*time.Second {
		t.Errorf("Expected completed duration to stay 3s, got %v", tm.Duration())
	}
}

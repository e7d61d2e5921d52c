package runstore

import (
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func TestKeepAlive(t *testing.T) {
	logger := slog.Default()

	t.Run("renews until stopped", func(t *testing.T) {
		var calls atomic.Int32
		stop := make(chan struct{})
		done := make(chan struct{})
		go func() {
			keepAlive(stop, 5*time.Millisecond, func() (bool, error) {
				calls.Add(1)
				return true, nil
			}, logger)
			close(done)
		}()

		deadline := time.After(2 * time.Second)
		for calls.Load() < 3 {
			select {
			case <-deadline:
				t.Fatalf("renew called %d times, want at least 3", calls.Load())
			case <-time.After(time.Millisecond):
			}
		}
		close(stop)
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("keepAlive did not return after stop")
		}
	})

	t.Run("errors do not stop renewal", func(t *testing.T) {
		var calls atomic.Int32
		stop := make(chan struct{})
		defer close(stop)
		go keepAlive(stop, 5*time.Millisecond, func() (bool, error) {
			calls.Add(1)
			return false, errors.New("connection reset")
		}, logger)

		deadline := time.After(2 * time.Second)
		for calls.Load() < 2 {
			select {
			case <-deadline:
				t.Fatalf("renew called %d times, want at least 2", calls.Load())
			case <-time.After(time.Millisecond):
			}
		}
	})

	t.Run("returns when the lock is lost", func(t *testing.T) {
		var calls atomic.Int32
		stop := make(chan struct{})
		defer close(stop)
		done := make(chan struct{})
		go func() {
			keepAlive(stop, 5*time.Millisecond, func() (bool, error) {
				calls.Add(1)
				return false, nil
			}, logger)
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("keepAlive kept running after losing the lock")
		}
		if got := calls.Load(); got != 1 {
			t.Errorf("renew called %d times, want 1", got)
		}
	})
}

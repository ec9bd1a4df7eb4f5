package testutil

import (
	"context"
	"testing"
	"time"
)

// ContextWithTimeout returns a context with timeout, cancelled when the test ends.
func ContextWithTimeout(t testing.TB, d time.Duration) context.Context {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), d)
	t.Cleanup(cancel)

	return ctx
}

// ContextWithCancel returns a context and its cancel; cancel also runs on cleanup.
func ContextWithCancel(t testing.TB) (context.Context, context.CancelFunc) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	return ctx, cancel
}

// WaitFor polls check every millisecond until it holds or timeout expires.
// Used instead of time.Sleep to synchronize with the relay loop.
func WaitFor(t testing.TB, timeout time.Duration, check func() bool, format string, args ...any) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for !check() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout after %v: "+format, append([]any{timeout}, args...)...)
		}
		time.Sleep(time.Millisecond)
	}
}

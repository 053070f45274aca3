package testutil

import (
	"testing"
	"time"
)

// WaitFor polls cond every few milliseconds until it holds or timeout
// elapses, failing the test in the latter case.
func WaitFor(t testing.TB, timeout time.Duration, cond func() bool, format string, args ...any) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out after %v: "+format, append([]any{timeout}, args...)...)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// WaitForPublications waits until tr has captured at least n publications
// and returns them.
func WaitForPublications(t testing.TB, tr *Transport, n int, timeout time.Duration) []Publication {
	t.Helper()
	WaitFor(t, timeout, func() bool { return len(tr.Published()) >= n },
		"waiting for %d publications", n)
	return tr.Published()
}

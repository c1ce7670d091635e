package relay_test

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain checks for goroutine leaks after every test in this package
// completes — the pump, wheel, reaper, and control listener all spawn
// background goroutines that must wind down cleanly on Shutdown/Close.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

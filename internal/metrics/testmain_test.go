package relaymetrics_test

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain checks for goroutine leaks after every test in this package
// completes.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

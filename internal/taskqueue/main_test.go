package taskqueue

import (
	"testing"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	// Queue.Close stops the worker goroutine before the store closes;
	// goleak here guards against a future change leaking it.
	goleak.VerifyTestMain(m)
}

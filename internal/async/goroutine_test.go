package async

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakePanicLogger struct {
	mu    sync.Mutex
	lines []string
}

func (f *fakePanicLogger) Error(format string, args ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lines = append(f.lines, format)
}

func TestGoRecoversPanicAndLogs(t *testing.T) {
	logger := &fakePanicLogger{}
	var wg sync.WaitGroup
	wg.Add(1)

	Go(logger, "test.worker", func() {
		defer wg.Done()
		panic("boom")
	})

	wg.Wait()
	logger.mu.Lock()
	defer logger.mu.Unlock()
	require.Len(t, logger.lines, 1)
}

func TestRecoverInvokesOnPanicHook(t *testing.T) {
	var got string
	OnPanic = func(name string) { got = name }
	defer func() { OnPanic = nil }()

	func() {
		defer Recover(nil, "test.hook")
		panic("boom")
	}()

	require.Equal(t, "test.hook", got)
}

func TestRecoverWithoutPanicIsNoop(t *testing.T) {
	called := false
	OnPanic = func(string) { called = true }
	defer func() { OnPanic = nil }()

	func() {
		defer Recover(nil, "test.noop")
	}()

	require.False(t, called)
}

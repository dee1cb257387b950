package testutils

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/ble2mqtt/internal/loop"
	"github.com/stretchr/testify/require"
)

type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
}

// NewTestHelper creates a test helper with a debug-level logger.
func NewTestHelper(t *testing.T) *TestHelper {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel) // enable debug logs to track execution flow
	return &TestHelper{
		T:      t,
		Logger: logger,
	}
}

// BusHarness runs an event loop with a fake BlueZ bus attached.
type BusHarness struct {
	*TestHelper
	Ctx  context.Context
	Loop *loop.Loop
	Bus  *FakeBus
}

// NewBusHarness starts a loop that stops when the test ends.
func NewBusHarness(t *testing.T) *BusHarness {
	h := NewTestHelper(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)

	lp := loop.New(h.Logger)
	lp.Start(ctx)
	t.Cleanup(func() {
		cancel()
		<-lp.Done()
	})

	return &BusHarness{
		TestHelper: h,
		Ctx:        ctx,
		Loop:       lp,
		Bus:        NewFakeBus(lp),
	}
}

// Quiesce waits until every posted completion and signal has been handled.
func (h *BusHarness) Quiesce() {
	h.T.Helper()
	require.NoError(h.T, h.Loop.Quiesce(h.Ctx))
}

// OnLoop runs fn on the loop, waits for it, then drains the queue.
func (h *BusHarness) OnLoop(fn func()) {
	h.T.Helper()
	require.NoError(h.T, h.Loop.Sync(h.Ctx, fn))
	h.Quiesce()
}

// LoadFixture reads a file relative to the module root.
func LoadFixture(relPath string) (string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get working directory: %w", err)
	}

	// Navigate up to find the project root (look for go.mod file)
	projectRoot := wd
	for {
		if _, err := os.Stat(filepath.Join(projectRoot, "go.mod")); err == nil {
			break
		}
		parent := filepath.Dir(projectRoot)
		if parent == projectRoot {
			return "", fmt.Errorf("could not find project root (go.mod not found)")
		}
		projectRoot = parent
	}

	data, err := os.ReadFile(filepath.Join(projectRoot, relPath))
	if err != nil {
		return "", fmt.Errorf("failed to read file %s: %w", relPath, err)
	}
	return string(data), nil
}

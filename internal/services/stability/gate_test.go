package stability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/forkerdotnet/forkergo/internal/common"
	"github.com/forkerdotnet/forkergo/internal/models"
	"github.com/forkerdotnet/forkergo/internal/testfakes"
)

type fakeAdmitter struct {
	admitted []string
}

func (a *fakeAdmitter) Admit(_ context.Context, sourcePath string, size int64) (*models.Job, error) {
	a.admitted = append(a.admitted, sourcePath)
	return &models.Job{ID: models.NewJobID(), SourcePath: sourcePath, InitialSize: size}, nil
}

func newTestGate(t *testing.T) (*Gate, *testfakes.Filesystem, *testfakes.Clock, *fakeAdmitter) {
	t.Helper()
	return newTestGateWithConfig(t, Config{
		StabilityCheckInterval: time.Second,
		MinimumFileAge:         30 * time.Second,
		MaxStabilityChecks:     3,
		IncludePatterns:        []string{"*.svs"},
		ExcludeExtensions:      []string{".tmp"},
	})
}

func newTestGateWithConfig(t *testing.T, cfg Config) (*Gate, *testfakes.Filesystem, *testfakes.Clock, *fakeAdmitter) {
	t.Helper()
	clock := testfakes.NewClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	fs := testfakes.NewFilesystem(clock)
	admitter := &fakeAdmitter{}
	logger := common.NewLogger("debug")
	g := New(fs, clock, testfakes.NewEventSource(), admitter, logger, cfg)
	return g, fs, clock, admitter
}

func TestAdmits_FiltersByIncludeAndExclude(t *testing.T) {
	g, _, _, _ := newTestGate(t)
	require.True(t, g.admits("/src/scan.svs"))
	require.False(t, g.admits("/src/scan.tiff"))
	require.False(t, g.admits("/src/scan.svs.tmp"))
	require.False(t, g.admits("/src/.hidden.svs"))
}

func TestPoll_AdmitsOnceSizeStableAndOldEnough(t *testing.T) {
	g, fs, clock, admitter := newTestGate(t)
	ctx := context.Background()

	fs.Seed("/src/scan.svs", []byte("hello"))
	g.onEvent("/src/scan.svs")

	g.poll(ctx) // first sample: checks=1, no "previous sample" yet
	require.Empty(t, admitter.admitted)

	clock.Advance(time.Minute) // age now exceeds minimum_file_age
	g.poll(ctx)                // second sample: same size, old enough -> admit
	require.Equal(t, []string{"/src/scan.svs"}, admitter.admitted)

	// Re-polling an already-admitted path must not re-admit it.
	g.poll(ctx)
	require.Len(t, admitter.admitted, 1)
}

func TestPoll_GrowingFileIsNeverAdmittedWhileUnstable(t *testing.T) {
	g, fs, clock, admitter := newTestGate(t)
	ctx := context.Background()

	fs.Seed("/src/grow.svs", []byte("1"))
	g.onEvent("/src/grow.svs")
	clock.Advance(time.Minute)

	for i := 0; i < 3; i++ {
		fs.Seed("/src/grow.svs", make([]byte, (i+2)*10)) // strictly growing size each round
		clock.Advance(time.Minute)
		g.poll(ctx)
	}
	require.Empty(t, admitter.admitted)
}

func TestPoll_DropsAfterMaxStabilityChecks(t *testing.T) {
	g, fs, clock, admitter := newTestGateWithConfig(t, Config{
		StabilityCheckInterval: time.Second,
		MinimumFileAge:         0, // isolate the max-checks dropout from the age gate
		MaxStabilityChecks:     3,
		IncludePatterns:        []string{"*.svs"},
		ExcludeExtensions:      []string{".tmp"},
	})
	ctx := context.Background()

	fs.Seed("/src/flap.svs", []byte("x"))
	g.onEvent("/src/flap.svs")

	for i := 0; i < g.maxChecks+2; i++ {
		fs.Seed("/src/flap.svs", make([]byte, i+1)) // size changes on every round, never stabilizes
		clock.Advance(time.Second)
		g.poll(ctx)
	}
	require.Empty(t, admitter.admitted)

	g.mu.Lock()
	_, stillPending := g.pending["/src/flap.svs"]
	g.mu.Unlock()
	require.False(t, stillPending)
}

func TestPoll_DropsWhenSourceRemoved(t *testing.T) {
	g, fs, _, admitter := newTestGate(t)
	ctx := context.Background()

	fs.Seed("/src/gone.svs", []byte("x"))
	g.onEvent("/src/gone.svs")
	g.poll(ctx)

	fs.Remove("/src/gone.svs")
	g.poll(ctx)

	require.Empty(t, admitter.admitted)
	g.mu.Lock()
	_, stillPending := g.pending["/src/gone.svs"]
	g.mu.Unlock()
	require.False(t, stillPending)
}

func TestPoll_OpenReadFailureKeepsPolling(t *testing.T) {
	g, fs, clock, admitter := newTestGate(t)
	ctx := context.Background()

	fs.Seed("/src/locked.svs", []byte("hello"))
	fs.FailOpenRead = func(path string) error {
		if path == "/src/locked.svs" {
			return assertAnError{}
		}
		return nil
	}
	g.onEvent("/src/locked.svs")
	g.poll(ctx)
	clock.Advance(time.Minute)
	g.poll(ctx)

	require.Empty(t, admitter.admitted)
	g.mu.Lock()
	_, stillPending := g.pending["/src/locked.svs"]
	g.mu.Unlock()
	require.True(t, stillPending)
}

func TestOnEvent_ReArrivalAfterAdmittedFileRemovedRestartsCounter(t *testing.T) {
	g, fs, clock, admitter := newTestGate(t)
	ctx := context.Background()

	fs.Seed("/src/scan.svs", []byte("hello"))
	g.onEvent("/src/scan.svs")
	g.poll(ctx)
	clock.Advance(time.Minute)
	g.poll(ctx)
	require.Equal(t, []string{"/src/scan.svs"}, admitter.admitted)

	// Simulate the Adjudicator deleting the source after a successful
	// replication, then a brand new file arriving at the same path.
	fs.Remove("/src/scan.svs")
	g.poll(ctx) // clears seen["/src/scan.svs"] now that the path is gone

	fs.Seed("/src/scan.svs", []byte("a new file, not a re-arrival of the old one"))
	g.onEvent("/src/scan.svs")
	g.poll(ctx)
	require.Len(t, admitter.admitted, 1, "still unstable: no second admission on this poll")

	clock.Advance(time.Minute)
	g.poll(ctx)
	require.Equal(t, []string{"/src/scan.svs", "/src/scan.svs"}, admitter.admitted,
		"a re-arrival at a path whose admitted file was removed must restart the stability counter and admit again")
}

type assertAnError struct{}

func (assertAnError) Error() string { return "open denied: exclusive writer" }

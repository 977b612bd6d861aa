// Package stability implements the Stability Gate (spec §4.4): it turns an
// unreliable stream of raw filesystem notifications into admission events
// for files that have stopped growing, are old enough, and are openable
// with a non-exclusive share.
package stability

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/forkerdotnet/forkergo/internal/common"
	"github.com/forkerdotnet/forkergo/internal/interfaces"
	"github.com/forkerdotnet/forkergo/internal/models"
)

// Admitter is the subset of jobmanager.JobManager the Gate needs; satisfied
// by *jobmanager.JobManager in production.
type Admitter interface {
	Admit(ctx context.Context, sourcePath string, size int64) (*models.Job, error)
}

// pendingFile tracks one candidate path across stability poll cycles.
type pendingFile struct {
	firstSeenUTC time.Time
	lastSize     int64
	lastModUTC   time.Time
	checks       int
}

// Gate is the Stability Gate: one periodic task per spec §5.
type Gate struct {
	fs       interfaces.Filesystem
	clock    interfaces.Clock
	events   interfaces.EventSource
	admitter Admitter
	logger   *common.Logger

	interval       time.Duration
	minimumAge     time.Duration
	maxChecks      int
	includeGlobs   []string
	excludeSuffix  []string

	mu      sync.Mutex
	pending map[string]*pendingFile
	seen    map[string]bool // admitted-and-not-yet-removed, to emit exactly one admission per arrival

	flapLimiter *rate.Limiter
}

// Config configures the Gate's tunables, drawn from EngineConfig (spec §6).
type Config struct {
	StabilityCheckInterval time.Duration
	MinimumFileAge         time.Duration
	MaxStabilityChecks     int
	IncludePatterns        []string
	ExcludeExtensions      []string
}

// New constructs a Gate. admitter is typically a *jobmanager.JobManager.
func New(fs interfaces.Filesystem, clock interfaces.Clock, events interfaces.EventSource, admitter Admitter, logger *common.Logger, cfg Config) *Gate {
	return &Gate{
		fs: fs, clock: clock, events: events, admitter: admitter, logger: logger,
		interval: cfg.StabilityCheckInterval, minimumAge: cfg.MinimumFileAge, maxChecks: cfg.MaxStabilityChecks,
		includeGlobs: cfg.IncludePatterns, excludeSuffix: cfg.ExcludeExtensions,
		pending:     make(map[string]*pendingFile),
		seen:        make(map[string]bool),
		flapLimiter: rate.NewLimiter(rate.Every(30*time.Second), 1),
	}
}

// Run subscribes to the event source and polls the pending set until ctx is
// cancelled. It is meant to be launched via jobmanager.SafeGo.
func (g *Gate) Run(ctx context.Context) error {
	events, err := g.events.Subscribe(ctx, g.admits)
	if err != nil {
		return err
	}

	ticker := g.clock.After(g.interval)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			g.onEvent(ev.Path)
		case <-ticker:
			g.poll(ctx)
			ticker = g.clock.After(g.interval)
		}
	}
}

// admits is the EventSource path filter (spec §4.4 item 5: include/exclude).
func (g *Gate) admits(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	for _, ext := range g.excludeSuffix {
		if strings.HasSuffix(strings.ToLower(base), strings.ToLower(ext)) {
			return false
		}
	}
	if len(g.includeGlobs) == 0 {
		return true
	}
	for _, pattern := range g.includeGlobs {
		if ok, _ := filepath.Match(pattern, base); ok {
			return true
		}
	}
	return false
}

// onEvent records (or restarts the counter for) a candidate path. Re-arrival
// after removal restarts the stability count (spec §4.4: "re-arrivals...
// restart the counter").
func (g *Gate) onEvent(path string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.seen[path] {
		return // already admitted and not yet observed as removed
	}
	now := g.clock.Now()
	if _, ok := g.pending[path]; !ok {
		g.pending[path] = &pendingFile{firstSeenUTC: now}
	}
}

// poll samples every pending path once (spec §4.4 steps 1-4), then checks
// every admitted path for removal so a later re-arrival at the same path
// restarts the stability counter instead of being ignored forever.
func (g *Gate) poll(ctx context.Context) {
	g.mu.Lock()
	paths := make([]string, 0, len(g.pending))
	for p := range g.pending {
		paths = append(paths, p)
	}
	admitted := make([]string, 0, len(g.seen))
	for p := range g.seen {
		admitted = append(admitted, p)
	}
	g.mu.Unlock()

	for _, path := range paths {
		select {
		case <-ctx.Done():
			return
		default:
		}
		g.pollOne(ctx, path)
	}

	for _, path := range admitted {
		select {
		case <-ctx.Done():
			return
		default:
		}
		g.pollAdmitted(path)
	}
}

// pollAdmitted clears path from seen once its source file is gone (e.g.
// removed by the Adjudicator after a successful replication). Without this,
// onEvent's g.seen[path] check would silently ignore every re-arrival at
// that path for the lifetime of the process (spec §4.4: "re-arrivals...
// restart the counter").
func (g *Gate) pollAdmitted(path string) {
	exists, err := g.fs.Exists(path)
	if err == nil && exists {
		return
	}
	g.mu.Lock()
	delete(g.seen, path)
	g.mu.Unlock()
}

func (g *Gate) pollOne(ctx context.Context, path string) {
	g.mu.Lock()
	pf, ok := g.pending[path]
	g.mu.Unlock()
	if !ok {
		return
	}

	exists, err := g.fs.Exists(path)
	if err != nil || !exists {
		g.drop(path, "source_removed")
		return
	}

	info, err := g.fs.Stat(path)
	if err != nil {
		g.drop(path, "stat_failed")
		return
	}

	g.mu.Lock()
	sameSize := pf.checks > 0 && info.Size == pf.lastSize
	pf.lastSize = info.Size
	pf.lastModUTC = info.ModTime
	pf.checks++
	age := g.clock.Now().Sub(info.ModTime)
	tooManyChecks := pf.checks > g.maxChecks
	g.mu.Unlock()

	if tooManyChecks {
		g.drop(path, "never_stabilized")
		return
	}
	if !sameSize || age < g.minimumAge {
		return
	}

	rf, err := g.fs.OpenRead(path)
	if err != nil {
		// write-share denial implies an in-progress writer; keep polling.
		return
	}
	rf.Close()

	g.admit(ctx, path, info.Size)
}

func (g *Gate) admit(ctx context.Context, path string, size int64) {
	g.mu.Lock()
	delete(g.pending, path)
	g.seen[path] = true
	g.mu.Unlock()

	if _, err := g.admitter.Admit(ctx, path, size); err != nil {
		g.logger.Error().Str("path", path).Err(err).Msg("failed to admit stable file")
		return
	}
	g.logger.Info().Str("path", path).Int64("size", size).Msg("admitted stable file")
}

func (g *Gate) drop(path, reason string) {
	g.mu.Lock()
	delete(g.pending, path)
	delete(g.seen, path)
	g.mu.Unlock()

	if reason == "never_stabilized" && !g.flapLimiter.Allow() {
		return
	}
	g.logger.Warn().Str("path", path).Str("reason", reason).Msg("dropped candidate file")
}

package platform

import (
	"context"
	"time"

	"github.com/forkerdotnet/forkergo/internal/common"
	"github.com/forkerdotnet/forkergo/internal/interfaces"
)

// PollingEventSource is the default, out-of-scope EventSource adapter
// (SPEC_FULL.md §B): no directory-watch primitive appears anywhere in this
// project's dependency pack, so admission is driven by a plain periodic
// directory scan rather than a native filesystem-notification API. Every
// event it emits is a synthetic EventChanged; the Stability Gate already
// treats all events as equally unreliable (spec §4.4, §9), so a polling
// source is a conforming implementation of the interface, not a compromise
// of it.
type PollingEventSource struct {
	root     string
	interval time.Duration
	fs       interfaces.Filesystem
	logger   *common.Logger
}

// NewPollingEventSource builds a source that rescans root every interval.
func NewPollingEventSource(root string, interval time.Duration, fs interfaces.Filesystem, logger *common.Logger) *PollingEventSource {
	return &PollingEventSource{root: root, interval: interval, fs: fs, logger: logger}
}

// Subscribe starts the polling loop in a background goroutine and returns a
// channel of FileEvents for paths passing pathFilter. The channel closes
// when ctx is cancelled.
func (p *PollingEventSource) Subscribe(ctx context.Context, pathFilter func(string) bool) (<-chan interfaces.FileEvent, error) {
	out := make(chan interfaces.FileEvent, 256)

	go func() {
		defer close(out)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		p.scanOnce(ctx, pathFilter, out)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.scanOnce(ctx, pathFilter, out)
			}
		}
	}()

	return out, nil
}

func (p *PollingEventSource) scanOnce(ctx context.Context, pathFilter func(string) bool, out chan<- interfaces.FileEvent) {
	entries, err := p.fs.ReadDir(p.root)
	if err != nil {
		p.logger.Warn().Str("root", p.root).Err(err).Msg("poll scan: read directory failed")
		return
	}
	for _, e := range entries {
		if e.IsDir {
			continue
		}
		if pathFilter != nil && !pathFilter(e.Name) {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case out <- interfaces.FileEvent{Path: e.Name, Kind: interfaces.EventChanged}:
		}
	}
}

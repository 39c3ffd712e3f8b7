// Package search fans a query out to every enabled source, guards each call
// with the source's circuit state, and merges whatever comes back in time.
package search

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JeremiahM37/librarr/internal/health"
	"github.com/JeremiahM37/librarr/internal/librarr"
	"github.com/JeremiahM37/librarr/internal/telemetry"
)

// SourceProvider yields the enabled sources for a search tab.
type SourceProvider interface {
	Enabled(tab string) []librarr.Source
}

// Config sets the per-tab deadline the orchestrator waits for results.
type Config struct {
	MainTimeout      time.Duration
	AudiobookTimeout time.Duration
}

// Response is a merged, filtered search across all consulted sources.
type Response struct {
	Results []librarr.Result
	// SkippedSources lists sources not consulted because their circuit
	// was open.
	SkippedSources []string
	SearchTimeMS   int64
}

// Orchestrator runs one goroutine per source and collects results until all
// sources answer or the tab deadline passes. Sources that miss the deadline
// keep running; their answers are discarded, not cancelled, because a slow
// source's work may still close its circuit via the health tracker.
type Orchestrator struct {
	cfg      Config
	provider SourceProvider
	tracker  *health.Tracker
	logger   *zap.Logger
}

func NewOrchestrator(cfg Config, provider SourceProvider, tracker *health.Tracker, logger *zap.Logger) *Orchestrator {
	if cfg.MainTimeout <= 0 {
		cfg.MainTimeout = 35 * time.Second
	}
	if cfg.AudiobookTimeout <= 0 {
		cfg.AudiobookTimeout = 60 * time.Second
	}
	return &Orchestrator{cfg: cfg, provider: provider, tracker: tracker, logger: logger}
}

func (o *Orchestrator) timeoutFor(tab string) time.Duration {
	if tab == "audiobook" {
		return o.cfg.AudiobookTimeout
	}
	return o.cfg.MainTimeout
}

// Search fans the query out across the tab's enabled sources and returns the
// filtered union of everything that arrived before the deadline.
func (o *Orchestrator) Search(ctx context.Context, tab, query string) Response {
	start := time.Now()
	var resp Response

	var consulted []librarr.Source
	for _, src := range o.provider.Enabled(tab) {
		if !o.tracker.CanSearch(src.Name()) {
			telemetry.ObserveSourceSearch(src.Name(), "circuit_open")
			resp.SkippedSources = append(resp.SkippedSources, src.Name())
			continue
		}
		consulted = append(consulted, src)
	}

	// Buffered to the goroutine count so stragglers finishing after the
	// deadline never block on send.
	batches := make(chan []librarr.Result, len(consulted))
	// Stragglers outlive this request on purpose; see type comment.
	srcCtx := context.WithoutCancel(ctx)
	for _, src := range consulted {
		go func(src librarr.Source) {
			batches <- o.searchSource(srcCtx, src, query)
		}(src)
	}

	deadline := time.NewTimer(o.timeoutFor(tab))
	defer deadline.Stop()
	var merged []librarr.Result
collect:
	for range consulted {
		select {
		case batch := <-batches:
			merged = append(merged, batch...)
		case <-deadline.C:
			o.logger.Warn("search deadline passed, returning partial results",
				zap.String("tab", tab),
				zap.Int("sources", len(consulted)))
			break collect
		case <-ctx.Done():
			break collect
		}
	}

	resp.Results = FilterResults(merged, query)
	resp.SearchTimeMS = time.Since(start).Milliseconds()
	return resp
}

// searchSource calls one source and settles the outcome with the health
// tracker. Errors never propagate; a failed source just contributes nothing.
func (o *Orchestrator) searchSource(ctx context.Context, src librarr.Source, query string) []librarr.Result {
	start := time.Now()
	results, err := src.Search(ctx, query)
	telemetry.ObserveSearchDuration(src.Name(), time.Since(start))

	if err != nil {
		o.tracker.RecordFailure(src.Name(), err.Error(), librarr.KindSearch)
		telemetry.ObserveSourceSearch(src.Name(), "error")
		o.logger.Error("source search failed",
			zap.String("source", src.Name()),
			zap.Error(err))
		return nil
	}

	o.tracker.RecordSuccess(src.Name(), librarr.KindSearch)
	telemetry.ObserveSourceSearch(src.Name(), "ok")
	for i := range results {
		if results[i].Category == "" {
			results[i].Category = src.Name()
		}
		results[i].SourceName = src.Name()
	}
	return results
}

// Package health tracks per-source reliability and opens a circuit against
// sources that fail search repeatedly.
package health

import (
	"math"
	"sync"
	"time"

	"github.com/JeremiahM37/librarr/internal/librarr"
	"github.com/JeremiahM37/librarr/internal/telemetry"
)

const maxErrorLen = 400

// Config controls circuit breaker policy.
type Config struct {
	// FailureThreshold is the consecutive search-failure count that opens
	// the circuit.
	FailureThreshold int
	// OpenFor is how long an opened circuit stays open absent a success.
	OpenFor time.Duration
}

// Tracker keeps rolling statistics per source name. Records are created
// lazily on first reference and live until process restart; the tracker is
// a policy cache, not a ledger, so losing it on restart is acceptable.
type Tracker struct {
	cfg     Config
	clock   librarr.Clock
	emitter telemetry.Emitter

	mu   sync.Mutex
	data map[string]*librarr.SourceHealth
}

// NewTracker constructs a Tracker.
func NewTracker(cfg Config, clock librarr.Clock, emitter telemetry.Emitter) *Tracker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 1
	}
	if cfg.OpenFor < time.Second {
		cfg.OpenFor = time.Second
	}
	if emitter == nil {
		emitter = telemetry.NopEmitter{}
	}
	return &Tracker{
		cfg:     cfg,
		clock:   clock,
		emitter: emitter,
		data:    make(map[string]*librarr.SourceHealth),
	}
}

// row returns the record for name, creating it on first reference.
// Callers must hold t.mu.
func (t *Tracker) row(name string) *librarr.SourceHealth {
	rec, ok := t.data[name]
	if !ok {
		rec = &librarr.SourceHealth{Score: 100}
		t.data[name] = rec
	}
	return rec
}

// CanSearch reports whether the source's circuit allows search. It performs
// no side effects, so it is safe to poll frequently and concurrently.
func (t *Tracker) CanSearch(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec := t.row(name)
	return !t.clock.Now().Before(rec.CircuitOpenUntil)
}

// RecordSuccess counts a successful operation, resets the matching fail
// streak, and closes an open circuit.
func (t *Tracker) RecordSuccess(name string, kind librarr.HealthKind) {
	now := t.clock.Now()
	var wasOpen bool

	t.mu.Lock()
	rec := t.row(name)
	switch kind {
	case librarr.KindSearch:
		rec.SearchOK++
		rec.SearchFailStreak = 0
	case librarr.KindDownload:
		rec.DownloadOK++
		rec.DownloadFailStreak = 0
	}
	rec.LastSuccessAt = now
	wasOpen = now.Before(rec.CircuitOpenUntil)
	rec.CircuitOpenUntil = time.Time{}
	recomputeScore(rec)
	t.mu.Unlock()

	if wasOpen {
		telemetry.ObserveCircuitEvent(name, "closed")
		t.emitter.Emit(telemetry.EventSourceRecover, map[string]any{
			"source": name,
			"kind":   string(kind),
		})
	}
}

// RecordFailure counts a failed operation and returns a snapshot of the
// updated record. A search-failure streak reaching the threshold opens the
// circuit for the configured window; download failures never open it, so a
// source with a flaky download path keeps being searched.
func (t *Tracker) RecordFailure(name string, errText string, kind librarr.HealthKind) librarr.SourceHealth {
	now := t.clock.Now()
	opened := false
	if len(errText) > maxErrorLen {
		errText = errText[:maxErrorLen]
	}

	t.mu.Lock()
	rec := t.row(name)
	switch kind {
	case librarr.KindSearch:
		rec.SearchFail++
		rec.SearchFailStreak++
	case librarr.KindDownload:
		rec.DownloadFail++
		rec.DownloadFailStreak++
	}
	rec.LastError = errText
	rec.LastErrorKind = kind
	rec.LastErrorAt = now
	if kind == librarr.KindSearch && rec.SearchFailStreak >= t.cfg.FailureThreshold {
		rec.CircuitOpenUntil = now.Add(t.cfg.OpenFor)
		opened = true
	}
	recomputeScore(rec)
	snapshot := *rec
	t.mu.Unlock()

	if opened {
		telemetry.ObserveCircuitEvent(name, "opened")
		t.emitter.Emit(telemetry.EventSourceDegraded, map[string]any{
			"source":             name,
			"kind":               string(kind),
			"search_fail_streak": snapshot.SearchFailStreak,
			"circuit_open_until": snapshot.CircuitOpenUntil,
			"last_error":         snapshot.LastError,
		})
	}
	return snapshot
}

// Snapshot returns a copy of every record with derived circuit fields
// filled in.
func (t *Tracker) Snapshot() map[string]librarr.SourceHealth {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]librarr.SourceHealth, len(t.data))
	for name, rec := range t.data {
		info := *rec
		info.CircuitOpen = now.Before(rec.CircuitOpenUntil)
		if info.CircuitOpen {
			info.CircuitRetryInSec = int(rec.CircuitOpenUntil.Sub(now).Seconds())
		}
		out[name] = info
	}
	return out
}

// recomputeScore derives the 0-100 reliability score. A source with no
// recorded activity scores 100; the score falls with the failure ratio and
// with the worse of the two fail streaks, and never goes below 0.
func recomputeScore(rec *librarr.SourceHealth) {
	total := rec.SearchOK + rec.SearchFail + rec.DownloadOK + rec.DownloadFail
	if total <= 0 {
		rec.Score = 100
		return
	}
	ok := float64(rec.SearchOK + rec.DownloadOK)
	fail := float64(rec.SearchFail + rec.DownloadFail)
	streak := rec.SearchFailStreak
	if rec.DownloadFailStreak > streak {
		streak = rec.DownloadFailStreak
	}
	score := ok/float64(total)*100 - fail/float64(total)*10 - float64(5*streak)
	score = math.Round(score*10) / 10
	if score < 0 {
		score = 0
	}
	rec.Score = score
}

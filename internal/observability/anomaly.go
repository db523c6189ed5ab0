package observability

import (
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/kazi/internal/clock"
	"github.com/jkaninda/kazi/internal/config"
)

// minSamples is the number of calls an agent needs inside the window before
// its error rate is judged.
const minSamples = 5

// AnomalyDetector tracks per-agent error rates over a sliding window and
// reports agents whose rate crosses the configured threshold.
type AnomalyDetector struct {
	mu        sync.Mutex
	errors    map[string]*slidingWindow
	successes map[string]*slidingWindow
	alerted   map[string]bool
	threshold float64
	window    time.Duration
	clk       clock.Clock
	onAlert   func(agent string, rate float64)
	logger    *slog.Logger
}

type slidingWindow struct {
	entries []time.Time
	window  time.Duration
}

// NewAnomalyDetector creates an anomaly detector from config.
func NewAnomalyDetector(cfg *config.AnomalyConfig, clk clock.Clock, logger *slog.Logger) *AnomalyDetector {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	secs := cfg.WindowSeconds
	if secs <= 0 {
		secs = 300
	}
	return &AnomalyDetector{
		errors:    make(map[string]*slidingWindow),
		successes: make(map[string]*slidingWindow),
		alerted:   make(map[string]bool),
		threshold: cfg.ErrorRateThreshold,
		window:    time.Duration(secs) * time.Second,
		clk:       clk,
		logger:    logger,
	}
}

// OnAlert registers a callback invoked once each time an agent crosses the
// threshold. It fires again only after the agent recovers.
func (a *AnomalyDetector) OnAlert(fn func(agent string, rate float64)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onAlert = fn
}

// RecordError records a failed call to agent.
func (a *AnomalyDetector) RecordError(agent string) {
	if a == nil {
		return
	}
	a.record(a.errors, agent)
}

// RecordSuccess records a successful call to agent.
func (a *AnomalyDetector) RecordSuccess(agent string) {
	if a == nil {
		return
	}
	a.record(a.successes, agent)
}

// ErrorRate returns the error rate of agent within the window and the
// number of calls it is based on.
func (a *AnomalyDetector) ErrorRate(agent string) (float64, int) {
	if a == nil {
		return 0, 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rateLocked(agent)
}

func (a *AnomalyDetector) record(m map[string]*slidingWindow, agent string) {
	a.mu.Lock()
	w, ok := m[agent]
	if !ok {
		w = &slidingWindow{window: a.window}
		m[agent] = w
	}
	w.add(a.clk.Now())

	rate, total := a.rateLocked(agent)
	var fire func(string, float64)
	switch {
	case a.threshold <= 0 || total < minSamples:
	case rate > a.threshold && !a.alerted[agent]:
		a.alerted[agent] = true
		fire = a.onAlert
		a.logger.Warn("anomaly detected: high agent error rate",
			slog.String("agent", agent),
			slog.Float64("error_rate", rate),
			slog.Float64("threshold", a.threshold),
			slog.Int("calls", total),
		)
	case rate <= a.threshold && a.alerted[agent]:
		delete(a.alerted, agent)
		a.logger.Info("agent error rate recovered", slog.String("agent", agent), slog.Float64("error_rate", rate))
	}
	a.mu.Unlock()

	if fire != nil {
		fire(agent, rate)
	}
}

// Must be called with a.mu held.
func (a *AnomalyDetector) rateLocked(agent string) (float64, int) {
	now := a.clk.Now()
	var errs, oks int
	if w := a.errors[agent]; w != nil {
		errs = w.count(now)
	}
	if w := a.successes[agent]; w != nil {
		oks = w.count(now)
	}
	total := errs + oks
	if total == 0 {
		return 0, 0
	}
	return float64(errs) / float64(total), total
}

func (w *slidingWindow) add(now time.Time) {
	w.entries = append(w.entries, now)
	w.prune(now)
}

func (w *slidingWindow) count(now time.Time) int {
	w.prune(now)
	return len(w.entries)
}

// prune removes entries older than the window duration.
func (w *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.entries) && w.entries[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		w.entries = w.entries[i:]
	}
}

package approval

import (
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/jkaninda/kazi/internal/clock"
)

// AutoApprover learns from manual approvals. Once tickets of the same kind,
// team and category have been approved by hand RequiredApprovals times inside
// the lookback window, later requests of that shape are approved without
// waiting for a human.
type AutoApprover struct {
	mu       sync.Mutex
	history  map[string][]time.Time // shape key → manual approval times
	granted  int                    // auto-approvals in the current hour
	hourSlot int64
	config   AutoApprovalConfig
	clock    clock.Clock
	logger   *slog.Logger
}

// AutoApprovalConfig controls auto-approval behavior.
type AutoApprovalConfig struct {
	Enabled           bool     `yaml:"enabled" json:"enabled" toml:"enabled"`
	MaxPerHour        int      `yaml:"max_per_hour" json:"max_per_hour" toml:"max_per_hour"`                   // Default: 10.
	AllowedTeams      []string `yaml:"allowed_teams" json:"allowed_teams" toml:"allowed_teams"`                // Explicit allowlist.
	RequiredApprovals int      `yaml:"required_approvals" json:"required_approvals" toml:"required_approvals"` // Default: 3.
	WindowHours       int      `yaml:"window_hours" json:"window_hours" toml:"window_hours"`                   // Default: 24.
}

// NewAutoApprover creates an AutoApprover with the given config.
func NewAutoApprover(cfg AutoApprovalConfig, clk clock.Clock, logger *slog.Logger) *AutoApprover {
	if cfg.MaxPerHour <= 0 {
		cfg.MaxPerHour = 10
	}
	if cfg.RequiredApprovals <= 0 {
		cfg.RequiredApprovals = 3
	}
	if cfg.WindowHours <= 0 {
		cfg.WindowHours = 24
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &AutoApprover{
		history: make(map[string][]time.Time),
		config:  cfg,
		clock:   clk,
		logger:  logger,
	}
}

// ShouldAutoApprove reports whether a request of this shape can skip the
// human. The returned reason is suitable for the approval's resolver field.
func (a *AutoApprover) ShouldAutoApprove(kind Kind, team, category string) (bool, string) {
	if a == nil || !a.config.Enabled {
		return false, ""
	}
	if !slices.Contains(a.config.AllowedTeams, team) {
		return false, ""
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.clock.Now()
	if slot := now.Unix() / 3600; slot != a.hourSlot {
		a.granted = 0
		a.hourSlot = slot
	}
	if a.granted >= a.config.MaxPerHour {
		return false, ""
	}

	cutoff := now.Add(-a.window())
	recent := 0
	for _, ts := range a.history[shapeKey(kind, team, category)] {
		if ts.After(cutoff) {
			recent++
		}
	}
	if recent < a.config.RequiredApprovals {
		return false, ""
	}

	a.granted++
	reason := fmt.Sprintf("%d prior manual approvals in %dh window", recent, a.config.WindowHours)
	a.logger.Info("auto-approving request",
		slog.String("kind", string(kind)),
		slog.String("team", team),
		slog.String("category", category),
		slog.String("reason", reason),
	)
	return true, reason
}

// RecordManualApproval records that a human approved a request of this shape.
func (a *AutoApprover) RecordManualApproval(kind Kind, team, category string) {
	if a == nil {
		return
	}
	key := shapeKey(kind, team, category)
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.clock.Now()
	cutoff := now.Add(-a.window())
	entries := append(a.history[key], now)
	pruned := entries[:0]
	for _, ts := range entries {
		if ts.After(cutoff) {
			pruned = append(pruned, ts)
		}
	}
	a.history[key] = pruned
}

func (a *AutoApprover) window() time.Duration {
	return time.Duration(a.config.WindowHours) * time.Hour
}

func shapeKey(kind Kind, team, category string) string {
	return string(kind) + "|" + team + "|" + category
}

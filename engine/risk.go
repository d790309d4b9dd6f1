package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stratarb/arb-engine/metrics"
	"go.uber.org/zap"
)

const secondsPerDay = 86400

type RiskConfig struct {
	MaxDailyLossUSD        decimal.Decimal
	MaxConsecutiveFailures int
}

// RiskStatus is the operator-facing snapshot of the governor.
type RiskStatus struct {
	Tripped             bool   `json:"tripped"`
	TripReason          string `json:"tripReason,omitempty"`
	DailyLossUSD        string `json:"dailyLossUsd"`
	ConsecutiveFailures int    `json:"consecutiveFailures"`
	Day                 int64  `json:"day"`
	MaxDailyLossUSD     string `json:"maxDailyLossUsd"`
}

// RiskGovernor is the kill switch. Realized losses accumulate per UTC day
// and trip it automatically at the configured limit; consecutive execution
// failures raise alerts but never trip on their own. Once tripped, only an
// explicit operator Reset re-arms it. Day rollover clears the counters but
// never a trip.
type RiskGovernor struct {
	log     *zap.Logger
	cfg     RiskConfig
	alerter Alerter
	now     func() time.Time

	mu        sync.Mutex
	tripped   bool
	reason    string
	day       int64
	dailyLoss decimal.Decimal
	failures  int
}

func NewRiskGovernor(log *zap.Logger, cfg RiskConfig, alerter Alerter) *RiskGovernor {
	g := &RiskGovernor{
		log:     log.Named("risk"),
		cfg:     cfg,
		alerter: alerter,
		now:     time.Now,
	}
	g.day = g.currentDay()
	return g
}

func (g *RiskGovernor) currentDay() int64 {
	return g.now().Unix() / secondsPerDay
}

// Allow is the gate every execution cycle passes through first.
func (g *RiskGovernor) Allow() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.tripped {
		return ErrRiskTripped
	}
	return nil
}

// RecordLoss books a realized loss against today's budget. The sign of the
// argument is ignored.
func (g *RiskGovernor) RecordLoss(ctx context.Context, amount decimal.Decimal) {
	g.mu.Lock()
	g.rolloverLocked()
	g.dailyLoss = g.dailyLoss.Add(amount.Abs())
	loss := g.dailyLoss
	overLimit := !g.tripped && loss.GreaterThanOrEqual(g.cfg.MaxDailyLossUSD)
	g.mu.Unlock()

	if overLimit {
		g.Trip(ctx, fmt.Sprintf("daily loss limit reached: $%s of $%s", loss, g.cfg.MaxDailyLossUSD))
	}
}

// RecordFailure counts a failed execution. A long streak is alert-worthy
// but the governor leaves the trip decision to the operator.
func (g *RiskGovernor) RecordFailure(ctx context.Context) {
	g.mu.Lock()
	g.rolloverLocked()
	g.failures++
	streak := g.failures
	g.mu.Unlock()

	if g.cfg.MaxConsecutiveFailures > 0 && streak >= g.cfg.MaxConsecutiveFailures {
		g.log.Warn("consecutive failure streak", zap.Int("failures", streak))
		g.notify(ctx, SeverityWarning, "failure streak",
			fmt.Sprintf("%d consecutive failed executions", streak))
	}
}

// RecordSuccess ends the current failure streak.
func (g *RiskGovernor) RecordSuccess() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rolloverLocked()
	g.failures = 0
}

// Trip halts trading. Tripping an already tripped governor keeps the first
// reason and raises no second alert.
func (g *RiskGovernor) Trip(ctx context.Context, reason string) {
	g.mu.Lock()
	if g.tripped {
		g.mu.Unlock()
		return
	}
	g.tripped = true
	g.reason = reason
	g.mu.Unlock()

	metrics.IncRiskTrips()
	g.log.Error("kill switch tripped", zap.String("reason", reason))
	g.notify(ctx, SeverityCritical, "kill switch tripped", reason)
}

// Reset re-arms a tripped governor and zeroes the day's counters. Operator
// action only.
func (g *RiskGovernor) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tripped = false
	g.reason = ""
	g.dailyLoss = decimal.Zero
	g.failures = 0
	g.day = g.currentDay()
	g.log.Warn("kill switch reset")
}

func (g *RiskGovernor) Status() RiskStatus {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rolloverLocked()
	return RiskStatus{
		Tripped:             g.tripped,
		TripReason:          g.reason,
		DailyLossUSD:        g.dailyLoss.StringFixed(2),
		ConsecutiveFailures: g.failures,
		Day:                 g.day,
		MaxDailyLossUSD:     g.cfg.MaxDailyLossUSD.StringFixed(2),
	}
}

// rolloverLocked resets the daily counters when the UTC day changes. A trip
// survives the rollover.
func (g *RiskGovernor) rolloverLocked() {
	day := g.currentDay()
	if day == g.day {
		return
	}
	g.day = day
	g.dailyLoss = decimal.Zero
	g.failures = 0
}

func (g *RiskGovernor) notify(ctx context.Context, severity Severity, subject, body string) {
	if g.alerter == nil {
		return
	}
	if err := g.alerter.Notify(ctx, severity, subject, body); err != nil {
		g.log.Warn("alert delivery failed", zap.Error(err))
	}
}

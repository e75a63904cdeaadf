// Package automation runs the safety-gated control loop that drives
// strategies against the hedge engine.
package automation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hedgeworks/hedgebot/internal/domain"
)

// HedgeController is the slice of the hedge engine the control loop needs:
// lifecycle events for position tracking and the close operation.
type HedgeController interface {
	Events() <-chan domain.PositionEvent
	CloseHedgePosition(ctx context.Context, hedgeGroupID string) (float64, error)
}

// State is the control loop's lifecycle state.
type State string

const (
	StateStopped State = "stopped"
	StateRunning State = "running"
)

const (
	// defaultCycleInterval is the cadence of control loop cycles.
	defaultCycleInterval = 30 * time.Second

	// rateWindow is the trailing window for the executions-per-hour gate.
	rateWindow = time.Hour
)

// SafetyParams gate the control loop.
type SafetyParams struct {
	CycleInterval           time.Duration
	MaxPositionsPerHour     int
	ManualApprovalThreshold float64
	DryRun                  bool
}

// Engine is the top-level control loop. Strategies are registered before
// Start; the kill switch and dry-run flag are mutable at runtime with effect
// on the next cycle.
type Engine struct {
	logger  *slog.Logger
	hedge   HedgeController
	metrics *Metrics
	params  SafetyParams

	killSwitch atomic.Bool
	dryRun     atomic.Bool
	cycleBusy  atomic.Bool

	mu         sync.Mutex
	state      State
	strategies map[string]Strategy
	executions []time.Time
	tracked    map[string]string // hedge group ID -> strategy name
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewEngine creates a stopped automation engine.
func NewEngine(logger *slog.Logger, hedgeEngine HedgeController, metrics *Metrics, params SafetyParams) *Engine {
	if params.CycleInterval <= 0 {
		params.CycleInterval = defaultCycleInterval
	}
	e := &Engine{
		logger:     logger.With(slog.String("component", "automation_engine")),
		hedge:      hedgeEngine,
		metrics:    metrics,
		params:     params,
		state:      StateStopped,
		strategies: make(map[string]Strategy),
		tracked:    make(map[string]string),
	}
	e.dryRun.Store(params.DryRun)
	return e
}

// RegisterStrategy adds a strategy. Names must be unique.
func (e *Engine) RegisterStrategy(s Strategy) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.strategies[s.Name()]; exists {
		return fmt.Errorf("automation: strategy %s: %w", s.Name(), domain.ErrAlreadyExists)
	}
	e.strategies[s.Name()] = s
	e.logger.Info("strategy registered", slog.String("strategy", s.Name()))
	return nil
}

// State reports the current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Start transitions to RUNNING and launches the control loop: one immediate
// cycle, then one per interval. It fails while the kill switch is active or
// no strategy is registered.
func (e *Engine) Start(ctx context.Context) error {
	if e.killSwitch.Load() {
		return domain.ErrKillSwitch
	}

	e.mu.Lock()
	if e.state == StateRunning {
		e.mu.Unlock()
		return domain.ErrAlreadyRunning
	}
	if len(e.strategies) == 0 {
		e.mu.Unlock()
		return domain.ErrNoStrategies
	}

	loopCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	e.state = StateRunning
	e.mu.Unlock()

	go e.consumeEvents(loopCtx)
	go e.run(loopCtx)

	e.logger.Info("automation started",
		slog.Duration("cycle_interval", e.params.CycleInterval),
		slog.Bool("dry_run", e.dryRun.Load()))
	return nil
}

// Stop transitions to STOPPED. In-flight work is not aborted; it only
// prevents new cycles from starting.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.state != StateRunning {
		e.mu.Unlock()
		return
	}
	e.state = StateStopped
	cancel := e.cancel
	done := e.done
	e.cancel = nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	e.logger.Info("automation stopped")
}

// ActivateKillSwitch halts the loop immediately and blocks Start until
// DeactivateKillSwitch.
func (e *Engine) ActivateKillSwitch() {
	e.killSwitch.Store(true)
	if e.metrics != nil {
		e.metrics.KillSwitch.Set(1)
	}
	e.logger.Warn("kill switch activated")
	e.Stop()
}

// DeactivateKillSwitch clears the kill switch; the loop stays stopped until
// Start is called again.
func (e *Engine) DeactivateKillSwitch() {
	e.killSwitch.Store(false)
	if e.metrics != nil {
		e.metrics.KillSwitch.Set(0)
	}
	e.logger.Info("kill switch deactivated")
}

// KillSwitchActive reports the kill switch state.
func (e *Engine) KillSwitchActive() bool {
	return e.killSwitch.Load()
}

// SetDryRun toggles dry-run mode with effect on the next cycle.
func (e *Engine) SetDryRun(enabled bool) {
	e.dryRun.Store(enabled)
	e.logger.Info("dry-run mode set", slog.Bool("enabled", enabled))
}

// DryRun reports whether dry-run mode is active.
func (e *Engine) DryRun() bool {
	return e.dryRun.Load()
}

// run executes the immediate first cycle and then one per tick until the
// context is cancelled.
func (e *Engine) run(ctx context.Context) {
	defer close(e.done)

	e.RunCycle(ctx)

	ticker := time.NewTicker(e.params.CycleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.RunCycle(ctx)
		}
	}
}

// consumeEvents keeps the tracked hedge set in sync with engine events.
func (e *Engine) consumeEvents(ctx context.Context) {
	events := e.hedge.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			e.mu.Lock()
			switch ev.Kind {
			case domain.PositionOpened:
				e.tracked[ev.HedgeGroupID] = ev.Strategy
			case domain.PositionClosed:
				delete(e.tracked, ev.HedgeGroupID)
			}
			trackedCount := len(e.tracked)
			e.mu.Unlock()
			if e.metrics != nil {
				e.metrics.TrackedHedges.Set(float64(trackedCount))
			}
		}
	}
}

// RunCycle executes one control loop cycle. Overlapping invocations are
// discarded: a tick that arrives while the previous cycle is still running
// is counted and skipped, never queued.
func (e *Engine) RunCycle(ctx context.Context) {
	if !e.cycleBusy.CompareAndSwap(false, true) {
		if e.metrics != nil {
			e.metrics.SkippedCycles.Inc()
		}
		e.logger.Warn("cycle still in progress, skipping tick")
		return
	}
	defer e.cycleBusy.Store(false)

	if e.killSwitch.Load() {
		e.logger.Warn("kill switch active, stopping")
		go e.Stop()
		return
	}

	if e.metrics != nil {
		e.metrics.Cycles.Inc()
	}
	e.pruneExecutions(time.Now())

	for _, s := range e.strategyList() {
		e.runStrategy(ctx, s)
	}
	e.closePass(ctx)
}

// strategyList snapshots registered strategies in name order so cycles are
// deterministic.
func (e *Engine) strategyList() []Strategy {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, 0, len(e.strategies))
	for name := range e.strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]Strategy, 0, len(names))
	for _, name := range names {
		out = append(out, e.strategies[name])
	}
	return out
}

// runStrategy evaluates and possibly executes one strategy. Errors and
// panics are isolated: they are logged and never abort the cycle or the
// other strategies.
func (e *Engine) runStrategy(ctx context.Context, s Strategy) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("strategy panicked",
				slog.String("strategy", s.Name()), slog.Any("panic", r))
			if e.metrics != nil {
				e.metrics.StrategyErrs.WithLabelValues(s.Name()).Inc()
			}
		}
	}()

	can, err := s.CanExecute(ctx)
	if err != nil {
		e.logger.Error("strategy evaluation failed",
			slog.String("strategy", s.Name()), slog.String("error", err.Error()))
		if e.metrics != nil {
			e.metrics.StrategyErrs.WithLabelValues(s.Name()).Inc()
		}
		return
	}
	if !can {
		return
	}

	if count := e.executionsInWindow(time.Now()); count >= e.params.MaxPositionsPerHour {
		e.logger.Warn("execution rejected by rate gate",
			slog.String("strategy", s.Name()),
			slog.Int("executions_last_hour", count),
			slog.Int("limit", e.params.MaxPositionsPerHour))
		if e.metrics != nil {
			e.metrics.Rejections.WithLabelValues(s.Name(), "rate_limit").Inc()
		}
		return
	}

	if size := s.PositionSize(); size > e.params.ManualApprovalThreshold {
		e.logger.Warn("execution requires manual approval",
			slog.String("strategy", s.Name()),
			slog.Float64("position_size", size),
			slog.Float64("threshold", e.params.ManualApprovalThreshold))
		if e.metrics != nil {
			e.metrics.Rejections.WithLabelValues(s.Name(), "manual_approval").Inc()
		}
		return
	}

	if e.dryRun.Load() {
		e.logger.Info("dry run: would execute strategy",
			slog.String("strategy", s.Name()),
			slog.Float64("position_size", s.PositionSize()))
		e.recordExecution(time.Now())
		if e.metrics != nil {
			e.metrics.Executions.WithLabelValues(s.Name(), "true").Inc()
		}
		return
	}

	if err := s.Execute(ctx); err != nil {
		e.logger.Error("strategy execution failed",
			slog.String("strategy", s.Name()), slog.String("error", err.Error()))
		if e.metrics != nil {
			e.metrics.StrategyErrs.WithLabelValues(s.Name()).Inc()
		}
		return
	}

	e.recordExecution(time.Now())
	if e.metrics != nil {
		e.metrics.Executions.WithLabelValues(s.Name(), "false").Inc()
	}
	e.logger.Info("strategy executed", slog.String("strategy", s.Name()))
}

// closePass asks each tracked position's strategy whether to close it.
func (e *Engine) closePass(ctx context.Context) {
	e.mu.Lock()
	tracked := make(map[string]string, len(e.tracked))
	for groupID, strategyName := range e.tracked {
		tracked[groupID] = strategyName
	}
	e.mu.Unlock()

	for groupID, strategyName := range tracked {
		e.mu.Lock()
		s, ok := e.strategies[strategyName]
		e.mu.Unlock()
		if !ok {
			continue
		}

		shouldClose, err := s.ShouldClose(ctx, groupID)
		if err != nil {
			e.logger.Error("close evaluation failed",
				slog.String("strategy", strategyName),
				slog.String("hedge_group_id", groupID),
				slog.String("error", err.Error()))
			continue
		}
		if !shouldClose {
			continue
		}

		if e.dryRun.Load() {
			e.logger.Info("dry run: would close hedge",
				slog.String("strategy", strategyName),
				slog.String("hedge_group_id", groupID))
			continue
		}

		total, err := e.hedge.CloseHedgePosition(ctx, groupID)
		if err != nil {
			e.logger.Error("hedge close failed",
				slog.String("hedge_group_id", groupID), slog.String("error", err.Error()))
			continue
		}
		if e.metrics != nil {
			e.metrics.ClosedHedges.Inc()
		}
		e.logger.Info("hedge closed by strategy",
			slog.String("strategy", strategyName),
			slog.String("hedge_group_id", groupID),
			slog.Float64("total_pnl", total))

		e.mu.Lock()
		delete(e.tracked, groupID)
		e.mu.Unlock()
	}
}

func (e *Engine) recordExecution(at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.executions = append(e.executions, at)
}

func (e *Engine) executionsInWindow(now time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	cutoff := now.Add(-rateWindow)
	count := 0
	for _, at := range e.executions {
		if at.After(cutoff) {
			count++
		}
	}
	return count
}

// pruneExecutions drops rate history older than the trailing window.
func (e *Engine) pruneExecutions(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cutoff := now.Add(-rateWindow)
	kept := e.executions[:0]
	for _, at := range e.executions {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	e.executions = kept
}

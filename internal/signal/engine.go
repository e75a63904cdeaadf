// Package signal derives trading signals from rolling price and volume
// history. Detectors are read-only over history; only the ingestion path
// mutates it.
package signal

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hedgeworks/hedgebot/internal/domain"
)

const (
	// historyCap bounds the per-instrument history buffer. The oldest point
	// is evicted on overflow.
	historyCap = 100

	// breakoutMinPoints is the minimum history length before breakout and
	// volume detectors produce signals.
	breakoutMinPoints = 10

	// breakoutSMAWindow caps the lookback used for the breakout baseline.
	breakoutSMAWindow = 20

	// trendMinPoints is the minimum history length for trend detection.
	trendMinPoints = 30

	// trendShortWindow and trendLongWindow are the SMA periods compared by
	// DetectTrendChange.
	trendShortWindow = 10
	trendLongWindow  = 30

	// trendMinDiff is the relative SMA difference below which the market is
	// considered sideways.
	trendMinDiff = 0.01

	// defaultVolumeSpikeThreshold is the multiple of average volume the
	// current point must exceed.
	defaultVolumeSpikeThreshold = 2.0

	breakoutExpiry = 5 * time.Minute
	spreadExpiry   = 2 * time.Minute
)

// PricePoint is one observation in an instrument's history buffer.
type PricePoint struct {
	Price     float64
	Volume    float64
	Timestamp time.Time
}

// Engine maintains bounded per-instrument history and runs signal detectors
// over it. History is populated by price-feed subscriptions via Watch, or
// directly via Ingest.
type Engine struct {
	logger    *slog.Logger
	feed      domain.PriceFeed
	positions domain.PositionStore

	mu      sync.RWMutex
	history map[string][]PricePoint

	unsubMu sync.Mutex
	unsubs  []func()
}

// NewEngine creates a signal engine reading prices from feed and hedge legs
// from positions.
func NewEngine(logger *slog.Logger, feed domain.PriceFeed, positions domain.PositionStore) *Engine {
	return &Engine{
		logger:    logger.With(slog.String("component", "signal_engine")),
		feed:      feed,
		positions: positions,
		history:   make(map[string][]PricePoint),
	}
}

// Ingest appends a price observation to the instrument's history buffer,
// evicting the oldest point once the buffer is full.
func (e *Engine) Ingest(update domain.PriceUpdate) {
	e.mu.Lock()
	defer e.mu.Unlock()

	buf := e.history[update.Instrument]
	buf = append(buf, PricePoint{
		Price:     update.Price,
		Volume:    update.Volume,
		Timestamp: update.Timestamp,
	})
	if len(buf) > historyCap {
		buf = buf[len(buf)-historyCap:]
	}
	e.history[update.Instrument] = buf
}

// Watch subscribes the engine to feed updates for an instrument. The
// subscription lasts until Close.
func (e *Engine) Watch(instrument string) error {
	unsub, err := e.feed.Subscribe(instrument, e.Ingest)
	if err != nil {
		return fmt.Errorf("signal: watch %s: %w", instrument, err)
	}

	e.unsubMu.Lock()
	e.unsubs = append(e.unsubs, unsub)
	e.unsubMu.Unlock()

	e.logger.Info("watching instrument", slog.String("instrument", instrument))
	return nil
}

// Close cancels all feed subscriptions.
func (e *Engine) Close() {
	e.unsubMu.Lock()
	defer e.unsubMu.Unlock()
	for _, unsub := range e.unsubs {
		unsub()
	}
	e.unsubs = nil
}

// HistoryLen reports the number of buffered points for an instrument.
func (e *Engine) HistoryLen(instrument string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.history[instrument])
}

// snapshot returns a copy of the instrument's history so detectors can work
// without holding the lock.
func (e *Engine) snapshot(instrument string) []PricePoint {
	e.mu.RLock()
	defer e.mu.RUnlock()
	buf := e.history[instrument]
	out := make([]PricePoint, len(buf))
	copy(out, buf)
	return out
}

// DetectBreakout compares the latest price against the SMA of the preceding
// points (lookback capped at 20). It fires when the relative move exceeds
// threshold; the signal expires in 5 minutes.
func (e *Engine) DetectBreakout(instrument string, threshold float64) (domain.Signal, bool) {
	buf := e.snapshot(instrument)
	if len(buf) < breakoutMinPoints {
		return domain.Signal{}, false
	}

	window := buf[:len(buf)-1]
	if len(window) > breakoutSMAWindow {
		window = window[len(window)-breakoutSMAWindow:]
	}

	var sum float64
	for _, p := range window {
		sum += p.Price
	}
	sma := sum / float64(len(window))
	if sma == 0 {
		return domain.Signal{}, false
	}

	last := buf[len(buf)-1].Price
	magnitude := math.Abs(last-sma) / sma
	if magnitude <= threshold {
		return domain.Signal{}, false
	}

	direction := domain.DirectionLong
	if last < sma {
		direction = domain.DirectionShort
	}

	sig := e.newSignal(domain.SignalTypeBreakout, instrument, magnitude, confidence(magnitude, threshold), direction,
		fmt.Sprintf("price %.6f broke %.2f%% away from SMA %.6f", last, magnitude*100, sma),
		breakoutExpiry)

	e.logger.Debug("breakout detected",
		slog.String("instrument", instrument),
		slog.Float64("magnitude", magnitude),
		slog.Float64("confidence", sig.Confidence))
	return sig, true
}

// DetectSpreadOpportunity compares the live prices of two instruments. It
// fires when the relative spread exceeds threshold; the signal expires in 2
// minutes. Price-feed errors yield no signal.
func (e *Engine) DetectSpreadOpportunity(ctx context.Context, poolA, poolB string, threshold float64) (domain.Signal, bool) {
	priceA, err := e.feed.CurrentPrice(ctx, poolA)
	if err != nil {
		e.logger.Warn("spread check: price fetch failed",
			slog.String("instrument", poolA), slog.String("error", err.Error()))
		return domain.Signal{}, false
	}
	priceB, err := e.feed.CurrentPrice(ctx, poolB)
	if err != nil {
		e.logger.Warn("spread check: price fetch failed",
			slog.String("instrument", poolB), slog.String("error", err.Error()))
		return domain.Signal{}, false
	}

	avg := (priceA + priceB) / 2
	if avg == 0 {
		return domain.Signal{}, false
	}
	spread := math.Abs(priceA-priceB) / avg
	if spread <= threshold {
		return domain.Signal{}, false
	}

	direction := domain.DirectionLong
	if priceA < priceB {
		direction = domain.DirectionShort
	}

	sig := e.newSignal(domain.SignalTypeSpread, poolA+"/"+poolB, spread, confidence(spread, threshold), direction,
		fmt.Sprintf("spread %.4f%% between %s (%.6f) and %s (%.6f)", spread*100, poolA, priceA, poolB, priceB),
		spreadExpiry)
	return sig, true
}

// DetectVolumeSpike fires when the latest volume exceeds the historical
// average by the given multiple (default 2.0 when threshold <= 0).
func (e *Engine) DetectVolumeSpike(instrument string, threshold float64) (domain.Signal, bool) {
	if threshold <= 0 {
		threshold = defaultVolumeSpikeThreshold
	}

	buf := e.snapshot(instrument)
	if len(buf) < breakoutMinPoints {
		return domain.Signal{}, false
	}

	var sum float64
	for _, p := range buf[:len(buf)-1] {
		sum += p.Volume
	}
	avg := sum / float64(len(buf)-1)
	if avg == 0 {
		return domain.Signal{}, false
	}

	current := buf[len(buf)-1].Volume
	if current <= avg*threshold {
		return domain.Signal{}, false
	}

	magnitude := current / avg
	sig := e.newSignal(domain.SignalTypeVolumeSpike, instrument, magnitude, confidence(magnitude, threshold), domain.DirectionNeutral,
		fmt.Sprintf("volume %.2f is %.2fx the %.2f average", current, magnitude, avg),
		breakoutExpiry)
	return sig, true
}

// DetectTrendChange compares the 10-period SMA against the 30-period SMA and
// fires an uptrend or downtrend signal when they diverge by more than 1%.
// Sideways markets yield no signal.
func (e *Engine) DetectTrendChange(instrument string) (domain.Signal, bool) {
	buf := e.snapshot(instrument)
	if len(buf) < trendMinPoints {
		return domain.Signal{}, false
	}

	shortSMA := smaOf(buf, trendShortWindow)
	longSMA := smaOf(buf, trendLongWindow)
	if longSMA == 0 {
		return domain.Signal{}, false
	}

	diff := (shortSMA - longSMA) / longSMA
	if math.Abs(diff) <= trendMinDiff {
		return domain.Signal{}, false
	}

	direction := domain.DirectionUptrend
	if diff < 0 {
		direction = domain.DirectionDowntrend
	}

	sig := e.newSignal(domain.SignalTypeTrend, instrument, math.Abs(diff), confidence(math.Abs(diff), trendMinDiff), direction,
		fmt.Sprintf("SMA%d %.6f vs SMA%d %.6f (%.2f%%)", trendShortWindow, shortSMA, trendLongWindow, longSMA, diff*100),
		breakoutExpiry)
	return sig, true
}

// CheckRebalanceNeeded recomputes both legs' value at live prices and fires
// when the current long/short ratio drifts from the target by more than
// threshold. Incomplete groups and feed errors yield no signal.
func (e *Engine) CheckRebalanceNeeded(ctx context.Context, hedgeGroupID string, threshold float64) (domain.Signal, bool) {
	legs, err := e.positions.GetByHedgeGroup(ctx, hedgeGroupID)
	if err != nil {
		e.logger.Warn("rebalance check: load hedge group failed",
			slog.String("hedge_group_id", hedgeGroupID), slog.String("error", err.Error()))
		return domain.Signal{}, false
	}

	hp, ok := domain.PairLegs(hedgeGroupID, legs)
	if !ok || !hp.IsOpen() {
		return domain.Signal{}, false
	}

	longPrice, err := e.feed.CurrentPrice(ctx, hp.Long.Instrument)
	if err != nil {
		return domain.Signal{}, false
	}
	shortPrice, err := e.feed.CurrentPrice(ctx, hp.Short.Instrument)
	if err != nil {
		return domain.Signal{}, false
	}

	longValue := hp.Long.Amount * longPrice
	shortValue := hp.Short.Amount * shortPrice
	if shortValue == 0 {
		return domain.Signal{}, false
	}

	currentRatio := longValue / shortValue
	targetRatio := hp.TargetRatio()
	if targetRatio == 0 {
		return domain.Signal{}, false
	}

	drift := math.Abs(currentRatio-targetRatio) / targetRatio
	if drift <= threshold {
		return domain.Signal{}, false
	}

	direction := domain.DirectionShort
	if currentRatio < targetRatio {
		direction = domain.DirectionLong
	}

	sig := e.newSignal(domain.SignalTypeRebalance, hedgeGroupID, drift, confidence(drift, threshold), direction,
		fmt.Sprintf("ratio %.4f drifted %.2f%% from target %.4f", currentRatio, drift*100, targetRatio),
		breakoutExpiry)
	return sig, true
}

func (e *Engine) newSignal(sigType domain.SignalType, instrument string, magnitude, conf float64, direction domain.SignalDirection, reason string, ttl time.Duration) domain.Signal {
	now := time.Now()
	expires := now.Add(ttl)
	return domain.Signal{
		ID:         uuid.NewString(),
		Type:       sigType,
		Instrument: instrument,
		Magnitude:  magnitude,
		Confidence: conf,
		Direction:  direction,
		Reason:     reason,
		CreatedAt:  now,
		ExpiresAt:  &expires,
	}
}

// confidence maps magnitude onto [0,1] relative to the firing threshold.
func confidence(magnitude, threshold float64) float64 {
	if threshold <= 0 {
		return 1
	}
	return math.Min(magnitude/threshold, 1)
}

// smaOf averages the prices of the last n points.
func smaOf(buf []PricePoint, n int) float64 {
	if n <= 0 || len(buf) < n {
		return 0
	}
	var sum float64
	for _, p := range buf[len(buf)-n:] {
		sum += p.Price
	}
	return sum / float64(n)
}

// Package feed streams live venue prices into the trading core. The
// websocket feed is the primary domain.PriceFeed for live mode; it also
// mirrors every tick into the shared price cache.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hedgeworks/hedgebot/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// handshakeTimeout bounds the websocket dial.
	handshakeTimeout = 15 * time.Second

	// reconnectDelay is the base delay before reconnecting; doubled per
	// failure up to maxReconnectDelay.
	reconnectDelay    = 2 * time.Second
	maxReconnectDelay = 60 * time.Second
)

// tickerMessage is the venue's price stream payload.
type tickerMessage struct {
	Type       string  `json:"type"`
	Instrument string  `json:"instrument"`
	Price      float64 `json:"price"`
	Volume     float64 `json:"volume"`
	Timestamp  string  `json:"ts"`
}

// subscribeCommand asks the venue to stream tickers for a set of
// instruments.
type subscribeCommand struct {
	Op          string   `json:"op"`
	Channel     string   `json:"channel"`
	Instruments []string `json:"instruments"`
}

// VenueWS streams venue ticker messages and fans them out to subscribers.
// The latest tick per instrument is kept in memory and mirrored into the
// price cache, so CurrentPrice never touches the network.
type VenueWS struct {
	wsURL       string
	instruments []string
	cache       domain.PriceCache
	logger      *slog.Logger

	mu   sync.RWMutex
	last map[string]domain.PriceUpdate

	subMu     sync.Mutex
	subs      map[string]map[int]func(domain.PriceUpdate)
	nextSubID int

	closeOnce sync.Once
	done      chan struct{}
}

// NewVenueWS creates a feed for the given instruments. cache may be nil;
// ticks are then kept in memory only.
func NewVenueWS(wsURL string, instruments []string, cache domain.PriceCache, logger *slog.Logger) *VenueWS {
	return &VenueWS{
		wsURL:       wsURL,
		instruments: instruments,
		cache:       cache,
		logger:      logger.With(slog.String("component", "venue_ws_feed")),
		last:        make(map[string]domain.PriceUpdate),
		subs:        make(map[string]map[int]func(domain.PriceUpdate)),
		done:        make(chan struct{}),
	}
}

var _ domain.PriceFeed = (*VenueWS)(nil)

// Run connects, subscribes to the ticker channel and reads until ctx is
// cancelled or Close is called. Reconnects with exponential backoff.
func (f *VenueWS) Run(ctx context.Context) error {
	if len(f.instruments) == 0 {
		f.logger.Info("no instruments to stream, exiting")
		return nil
	}

	delay := reconnectDelay
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.done:
			return nil
		default:
		}

		err := f.runConnection(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn("venue ws disconnected, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("delay", delay))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.done:
			return nil
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

// runConnection holds one websocket session: dial, subscribe, read.
func (f *VenueWS) runConnection(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, f.wsURL, nil)
	if err != nil {
		return fmt.Errorf("feed: connect: %w", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	cmd := subscribeCommand{Op: "subscribe", Channel: "ticker", Instruments: f.instruments}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("feed: marshal subscribe: %w", err)
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("feed: subscribe: %w", err)
	}
	f.logger.Info("venue ws subscribed", slog.Int("instruments", len(f.instruments)))

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go f.pingLoop(sessionCtx, conn)

	for {
		select {
		case <-sessionCtx.Done():
			return sessionCtx.Err()
		case <-f.done:
			return nil
		default:
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-f.done:
				return nil
			default:
			}
			return fmt.Errorf("feed: read: %w", err)
		}
		f.handleMessage(ctx, raw)
	}
}

func (f *VenueWS) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-f.done:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage parses one raw frame. Unparseable and non-ticker frames are
// dropped silently.
func (f *VenueWS) handleMessage(ctx context.Context, raw []byte) {
	var msg tickerMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	if msg.Type != "ticker" || msg.Instrument == "" {
		return
	}

	ts := time.Now()
	if msg.Timestamp != "" {
		if t, err := time.Parse(time.RFC3339Nano, msg.Timestamp); err == nil {
			ts = t
		}
	}

	f.dispatch(ctx, domain.PriceUpdate{
		Instrument: msg.Instrument,
		Price:      msg.Price,
		Volume:     msg.Volume,
		Timestamp:  ts,
	})
}

// dispatch records the tick, mirrors it into the cache and invokes
// subscribers. Cache failures are logged, never propagated.
func (f *VenueWS) dispatch(ctx context.Context, update domain.PriceUpdate) {
	f.mu.Lock()
	f.last[update.Instrument] = update
	f.mu.Unlock()

	if f.cache != nil {
		if err := f.cache.SetPrice(ctx, update.Instrument, update.Price, update.Timestamp); err != nil {
			f.logger.Warn("price cache write failed",
				slog.String("instrument", update.Instrument),
				slog.String("error", err.Error()))
		}
	}

	f.subMu.Lock()
	var fns []func(domain.PriceUpdate)
	for _, fn := range f.subs[update.Instrument] {
		fns = append(fns, fn)
	}
	f.subMu.Unlock()

	for _, fn := range fns {
		fn(update)
	}
}

// CurrentPrice returns the last streamed price, falling back to the shared
// cache when this process has not seen a tick yet.
func (f *VenueWS) CurrentPrice(ctx context.Context, instrument string) (float64, error) {
	f.mu.RLock()
	update, ok := f.last[instrument]
	f.mu.RUnlock()
	if ok {
		return update.Price, nil
	}

	if f.cache != nil {
		price, _, err := f.cache.GetPrice(ctx, instrument)
		if err == nil {
			return price, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return 0, fmt.Errorf("feed: current price %s: %w", instrument, err)
		}
	}
	return 0, fmt.Errorf("feed: current price %s: %w", instrument, domain.ErrNotFound)
}

// Subscribe registers a callback for ticks on an instrument.
func (f *VenueWS) Subscribe(instrument string, fn func(domain.PriceUpdate)) (func(), error) {
	f.subMu.Lock()
	defer f.subMu.Unlock()

	id := f.nextSubID
	f.nextSubID++
	if f.subs[instrument] == nil {
		f.subs[instrument] = make(map[int]func(domain.PriceUpdate))
	}
	f.subs[instrument][id] = fn

	return func() {
		f.subMu.Lock()
		defer f.subMu.Unlock()
		delete(f.subs[instrument], id)
	}, nil
}

// Close stops the feed.
func (f *VenueWS) Close() {
	f.closeOnce.Do(func() { close(f.done) })
}

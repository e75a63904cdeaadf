package app

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/hedgeworks/hedgebot/internal/config"
	"github.com/hedgeworks/hedgebot/internal/domain"
)

type fakePriceCache struct {
	requested []string
	prices    map[string]float64
}

func (c *fakePriceCache) SetPrice(context.Context, string, float64, time.Time) error {
	return nil
}

func (c *fakePriceCache) GetPrice(context.Context, string) (float64, time.Time, error) {
	return 0, time.Time{}, domain.ErrNotFound
}

func (c *fakePriceCache) GetPrices(_ context.Context, instruments []string) (map[string]float64, error) {
	c.requested = instruments
	return c.prices, nil
}

type fakeAuditStore struct {
	limit   int
	entries []domain.AuditEntry
}

func (s *fakeAuditStore) Log(context.Context, string, map[string]any) error { return nil }

func (s *fakeAuditStore) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	s.limit = opts.Limit
	return s.entries, nil
}

func newLoggedApp(cfg config.Config) (*App, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	return New(&cfg, logger), &buf
}

func TestLogPriceSnapshot(t *testing.T) {
	cfg := config.Defaults()
	cfg.Venue.Instruments = []string{"SOL/USDC", "ETH/USDC"}
	a, buf := newLoggedApp(cfg)

	cache := &fakePriceCache{prices: map[string]float64{"SOL/USDC": 151.25}}
	a.logPriceSnapshot(context.Background(), &Dependencies{PriceCache: cache})

	if len(cache.requested) != 2 {
		t.Errorf("requested instruments = %v", cache.requested)
	}
	if out := buf.String(); !strings.Contains(out, "SOL/USDC") || !strings.Contains(out, "151.25") {
		t.Errorf("snapshot log missing price, got: %s", out)
	}
}

func TestLogAuditTail(t *testing.T) {
	cfg := config.Defaults()
	a, buf := newLoggedApp(cfg)

	audit := &fakeAuditStore{entries: []domain.AuditEntry{
		{ID: 1, Event: "archive.positions", CreatedAt: time.Now()},
	}}
	a.logAuditTail(context.Background(), &Dependencies{AuditStore: audit})

	if audit.limit != auditTailLimit {
		t.Errorf("list limit = %d, want %d", audit.limit, auditTailLimit)
	}
	if out := buf.String(); !strings.Contains(out, "archive.positions") {
		t.Errorf("audit tail log missing event, got: %s", out)
	}
}

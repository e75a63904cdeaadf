package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/hedgeworks/hedgebot/internal/domain"
)

// multipartThreshold is the payload size at which uploads switch from a
// single put to the multipart path.
const multipartThreshold = 8 * 1024 * 1024

// multipartWriter is the optional capability of writers that support
// multipart uploads for large payloads.
type multipartWriter interface {
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// Archiver snapshots aged trading history to object storage as JSONL.
// Deletion from the primary store is deliberately not performed here; that is
// a separate step run after the archive has been verified.
type Archiver struct {
	logger    *slog.Logger
	writer    domain.BlobWriter
	positions domain.PositionStore
	orders    domain.OrderStore
	audit     domain.AuditStore

	userID    string
	retention time.Duration
	interval  time.Duration
}

// NewArchiver creates an archiver for one trading account. retentionDays
// sets the cutoff; interval is the cadence of Run.
func NewArchiver(logger *slog.Logger, writer domain.BlobWriter, positions domain.PositionStore, orders domain.OrderStore, audit domain.AuditStore, userID string, retentionDays int, interval time.Duration) *Archiver {
	return &Archiver{
		logger:    logger.With(slog.String("component", "archiver")),
		writer:    writer,
		positions: positions,
		orders:    orders,
		audit:     audit,
		userID:    userID,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		interval:  interval,
	}
}

// Run archives once immediately and then once per interval until ctx is
// cancelled.
func (a *Archiver) Run(ctx context.Context) error {
	a.archiveAll(ctx)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.archiveAll(ctx)
		}
	}
}

func (a *Archiver) archiveAll(ctx context.Context) {
	before := time.Now().Add(-a.retention)

	if n, err := a.ArchivePositions(ctx, before); err != nil {
		a.logger.Error("position archive failed", slog.String("error", err.Error()))
	} else if n > 0 {
		a.logger.Info("positions archived", slog.Int64("count", n))
	}

	if n, err := a.ArchiveOrders(ctx, before); err != nil {
		a.logger.Error("order archive failed", slog.String("error", err.Error()))
	} else if n > 0 {
		a.logger.Info("orders archived", slog.Int64("count", n))
	}
}

// ArchivePositions uploads all positions closed before the cutoff to
// archive/positions/YYYY-MM.jsonl and records the event in the audit log.
// Only closed positions qualify; an open position is never archived no
// matter how old it is.
func (a *Archiver) ArchivePositions(ctx context.Context, before time.Time) (int64, error) {
	positions, err := a.positions.ListClosedBefore(ctx, a.userID, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive positions query: %w", err)
	}
	if len(positions) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(positions)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive positions marshal: %w", err)
	}

	path := archivePath("positions", before)
	if err := a.upload(ctx, path, buf); err != nil {
		return 0, fmt.Errorf("s3blob: archive positions upload: %w", err)
	}

	count := int64(len(positions))
	if err := a.audit.Log(ctx, "archive.positions", map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive positions audit log: %w", err)
	}
	return count, nil
}

// ArchiveOrders uploads all orders created before the cutoff to
// archive/orders/YYYY-MM.jsonl and records the event in the audit log.
func (a *Archiver) ArchiveOrders(ctx context.Context, before time.Time) (int64, error) {
	orders, err := a.orders.ListByUser(ctx, a.userID, domain.ListOpts{Until: &before})
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive orders query: %w", err)
	}
	if len(orders) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(orders)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive orders marshal: %w", err)
	}

	path := archivePath("orders", before)
	if err := a.upload(ctx, path, buf); err != nil {
		return 0, fmt.Errorf("s3blob: archive orders upload: %w", err)
	}

	count := int64(len(orders))
	if err := a.audit.Log(ctx, "archive.orders", map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive orders audit log: %w", err)
	}
	return count, nil
}

// upload writes one archive object, switching to multipart for payloads past
// the threshold when the writer supports it.
func (a *Archiver) upload(ctx context.Context, path string, buf []byte) error {
	if mw, ok := a.writer.(multipartWriter); ok && int64(len(buf)) >= multipartThreshold {
		return mw.PutMultipart(ctx, path, bytes.NewReader(buf), multipartThreshold)
	}
	return a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson")
}

// archivePath builds the object key, partitioned by the year-month of the
// cutoff:
//
//	archive/positions/2026-08.jsonl
//	archive/orders/2026-08.jsonl
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.Format("2006-01"))
}

// marshalJSONL serialises records as newline-delimited JSON, one compact
// line per record.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

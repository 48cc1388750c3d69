package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/positionengine/internal/domain"
)

const (
	jsonlContentType = "application/x-ndjson"
	// multipartThreshold switches uploads to the multipart manager.
	multipartThreshold = 8 * 1024 * 1024
	defaultBatchSize   = 500
)

// ClosedPositionStore is the slice of the position store the archiver needs.
type ClosedPositionStore interface {
	ListClosedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Position, error)
	Delete(ctx context.Context, ids []string) (int64, error)
}

// PositionArchiver implements domain.Archiver. Closed positions are written
// in batches as JSONL objects, each object is verified to exist, and only
// then are its positions deleted from the primary store.
type PositionArchiver struct {
	writer    domain.BlobWriter
	reader    domain.BlobReader
	positions ClosedPositionStore
	audit     domain.AuditStore
	batchSize int
	logger    *slog.Logger
	newID     func() string
}

// NewArchiver creates a PositionArchiver. A non-positive batchSize selects
// the default.
func NewArchiver(
	writer domain.BlobWriter,
	reader domain.BlobReader,
	positions ClosedPositionStore,
	audit domain.AuditStore,
	batchSize int,
	logger *slog.Logger,
) *PositionArchiver {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &PositionArchiver{
		writer:    writer,
		reader:    reader,
		positions: positions,
		audit:     audit,
		batchSize: batchSize,
		logger:    logger.With(slog.String("component", "archiver")),
		newID:     func() string { return uuid.NewString() },
	}
}

// ArchivePositions moves every position closed before the cutoff to object
// storage and returns how many were archived.
func (a *PositionArchiver) ArchivePositions(ctx context.Context, before time.Time) (int64, error) {
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		batch, err := a.positions.ListClosedBefore(ctx, before, a.batchSize)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive positions query: %w", err)
		}
		if len(batch) == 0 {
			return total, nil
		}

		n, err := a.archiveBatch(ctx, before, batch)
		total += n
		if err != nil {
			return total, err
		}
		if len(batch) < a.batchSize {
			return total, nil
		}
	}
}

func (a *PositionArchiver) archiveBatch(ctx context.Context, before time.Time, batch []*domain.Position) (int64, error) {
	buf, err := marshalJSONL(batch)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive positions marshal: %w", err)
	}

	path := archivePath(before, a.newID())
	if len(buf) >= multipartThreshold {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), minPartSize)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), jsonlContentType)
	}
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive positions upload: %w", err)
	}

	ok, err := a.reader.Exists(ctx, path)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive positions verify: %w", err)
	}
	if !ok {
		return 0, fmt.Errorf("s3blob: archive positions verify %s: %w", path, domain.ErrNotFound)
	}

	ids := make([]string, len(batch))
	for i, p := range batch {
		ids[i] = p.ID
	}
	deleted, err := a.positions.Delete(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive positions delete: %w", err)
	}

	a.logger.Info("s3blob: positions archived",
		slog.String("path", path),
		slog.Int("count", len(batch)),
		slog.Int64("deleted", deleted),
	)
	if err := a.audit.Log(ctx, "", "archive.positions", map[string]any{
		"path":    path,
		"count":   len(batch),
		"deleted": deleted,
		"before":  before.Format(time.RFC3339),
	}); err != nil {
		return deleted, fmt.Errorf("s3blob: archive positions audit log: %w", err)
	}
	return deleted, nil
}

// archivePath partitions archive objects by the month of the cutoff:
//
//	archive/positions/2026-04/20260401T000000Z-<id>.jsonl
func archivePath(before time.Time, id string) string {
	before = before.UTC()
	return fmt.Sprintf("archive/positions/%s/%s-%s.jsonl",
		before.Format("2006-01"), before.Format("20060102T150405Z"), id)
}

// marshalJSONL encodes records as newline-delimited JSON.
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

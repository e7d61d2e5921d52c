// Package checksum keeps a CRC32 ledger of stored run files and verifies
// content against it on retrieval.
package checksum

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"

	"github.com/flexinfer/mentatlab/services/appengine-go/internal/apperr"
	"github.com/flexinfer/mentatlab/services/appengine-go/internal/metrics"
	"github.com/flexinfer/mentatlab/services/appengine-go/pkg/types"
)

// ErrNotRecorded is returned by a Store when no checksum exists for a reference.
var ErrNotRecorded = errors.New("checksum not recorded")

// Store persists checksums by reference.
type Store interface {
	PutChecksum(ctx context.Context, c *types.Checksum) error
	GetChecksum(ctx context.Context, reference string) (*types.Checksum, error)
}

// Reference scopes a stored path to its namespace.
func Reference(namespace, path string) string {
	return namespace + "/" + path
}

// Compute returns the IEEE CRC32 of data.
func Compute(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}

// ComputeReader returns the IEEE CRC32 of everything read from r and the
// number of bytes read.
func ComputeReader(r io.Reader) (uint32, int64, error) {
	h := crc32.NewIEEE()
	n, err := io.Copy(h, r)
	if err != nil {
		return 0, n, err
	}
	return h.Sum32(), n, nil
}

// Tracker records and verifies checksums.
type Tracker struct {
	store  Store
	logger *slog.Logger
}

// NewTracker creates a tracker backed by store.
func NewTracker(store Store, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{store: store, logger: logger}
}

// Record computes and stores the checksum of a file written to namespace.
func (t *Tracker) Record(ctx context.Context, namespace, path string, data []byte) (uint32, error) {
	sum := Compute(data)
	c := &types.Checksum{Reference: Reference(namespace, path), CRC32: sum}
	if err := t.store.PutChecksum(ctx, c); err != nil {
		return 0, fmt.Errorf("record checksum %s: %w", c.Reference, err)
	}
	return sum, nil
}

// Expected returns the recorded checksum of a file.
func (t *Tracker) Expected(ctx context.Context, namespace, path string) (uint32, error) {
	c, err := t.store.GetChecksum(ctx, Reference(namespace, path))
	if err != nil {
		if errors.Is(err, ErrNotRecorded) {
			return 0, apperr.New(apperr.ErrChecksumFailure, "no checksum recorded for %s", path)
		}
		return 0, fmt.Errorf("load checksum: %w", err)
	}
	return c.CRC32, nil
}

// Verify checks data against the recorded checksum and returns it.
func (t *Tracker) Verify(ctx context.Context, namespace, path string, data []byte) (uint32, error) {
	want, err := t.Expected(ctx, namespace, path)
	if err != nil {
		return 0, err
	}
	if got := Compute(data); got != want {
		metrics.ChecksumFailures.Inc()
		t.logger.Warn("checksum mismatch",
			slog.String("namespace", namespace),
			slog.String("path", path),
			slog.Uint64("expected", uint64(want)),
			slog.Uint64("actual", uint64(got)),
		)
		return 0, apperr.New(apperr.ErrChecksumFailure, "%s: expected crc32 %08x, got %08x", path, want, got)
	}
	return want, nil
}

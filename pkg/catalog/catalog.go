// Package catalog keeps the table of recordings stored on the device.
package catalog

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/dashctl/dashctl/internal/logging"
	"github.com/dashctl/dashctl/internal/metrics"
	"github.com/dashctl/dashctl/pkg/fault"
	"github.com/dashctl/dashctl/pkg/models"
	"github.com/dashctl/dashctl/pkg/protocol"
)

// drivePrefix is how the firmware roots every path on the card.
const drivePrefix = `A:\`

// Catalog holds the last successfully fetched file list and its sort state.
// It is safe for concurrent use.
type Catalog struct {
	getter protocol.Getter
	guard  func() error

	mu      sync.Mutex
	records []models.FileRecord
	sort    *SortState
}

// New creates a catalog. guard, if non-nil, is consulted before every device
// command; a non-nil result refuses the command without touching the network.
func New(g protocol.Getter, guard func() error) *Catalog {
	return &Catalog{
		getter:  g,
		guard:   guard,
		records: []models.FileRecord{},
		sort:    NewSortState(),
	}
}

func (c *Catalog) check(op string) error {
	if c.guard == nil {
		return nil
	}
	if err := c.guard(); err != nil {
		return fault.WithOp(op, err)
	}
	return nil
}

// Fetch downloads the file list and replaces the table, re-applying the last
// sort. On failure the stored table is kept and an empty slice is returned
// with the error, so callers can tell "no files" from "could not list".
func (c *Catalog) Fetch(ctx context.Context) ([]models.FileRecord, error) {
	if err := c.check("list files"); err != nil {
		return []models.FileRecord{}, err
	}

	body, err := protocol.Fetch(ctx, c.getter, protocol.Command{ID: protocol.CmdListFiles})
	if err != nil {
		return []models.FileRecord{}, fault.WithOp("list files", err)
	}
	records, err := protocol.DecodeCatalog(body)
	if err != nil {
		logging.Warn("file list unreadable", zap.Error(err))
		return []models.FileRecord{}, fault.WithOp("list files", err)
	}

	c.mu.Lock()
	if col, asc, ok := c.sort.Last(); ok {
		SortBy(records, col, asc)
	}
	c.records = records
	out := c.snapshotLocked()
	c.mu.Unlock()

	var total int64
	for _, r := range records {
		total += r.Bytes
	}
	metrics.SetCatalog(len(records), total)
	logging.Info("file list refreshed",
		zap.Int("files", len(records)),
		zap.Int64("bytes", total))

	return out, nil
}

// Records returns a copy of the current table.
func (c *Catalog) Records() []models.FileRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Catalog) snapshotLocked() []models.FileRecord {
	out := make([]models.FileRecord, len(c.records))
	copy(out, c.records)
	return out
}

// Sort toggles column: the first call sorts ascending, the next descending,
// and so on. Each column remembers its own direction.
func (c *Catalog) Sort(column Column) []models.FileRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	SortBy(c.records, column, c.sort.Toggle(column))
	return c.snapshotLocked()
}

// SortDirected sorts in an explicit direction and remembers it for refreshes.
func (c *Catalog) SortDirected(column Column, ascending bool) []models.FileRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sort.Set(column, ascending)
	SortBy(c.records, column, ascending)
	return c.snapshotLocked()
}

// Find looks a recording up by its device path.
func (c *Catalog) Find(path string) (models.FileRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.records {
		if r.Path == path {
			return r, true
		}
	}
	return models.FileRecord{}, false
}

// Delete asks the device to remove the file at path. A rejection returns the
// decoded result alongside the DeviceRejected error.
func (c *Catalog) Delete(ctx context.Context, path string) (*protocol.Result, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fault.Invalid("delete file", "empty path")
	}
	if err := c.check("delete file"); err != nil {
		return nil, err
	}

	res, err := protocol.Send(ctx, c.getter, protocol.Command{ID: protocol.CmdDeleteFile, Str: path})
	if err != nil {
		logging.Warn("delete failed", zap.String("path", path), zap.Error(err))
		return res, fault.WithOp("delete file", err)
	}
	logging.Info("file deleted", zap.String("path", path))
	return res, nil
}

// DeleteAndRefresh deletes path and, only if the device confirmed it,
// fetches the list again.
func (c *Catalog) DeleteAndRefresh(ctx context.Context, path string) ([]models.FileRecord, error) {
	if _, err := c.Delete(ctx, path); err != nil {
		return nil, err
	}
	return c.Fetch(ctx)
}

// PlaybackURL maps a device path to the URL the device serves it on.
// The drive prefix becomes the base address and backslashes become slashes.
func PlaybackURL(baseURL, path string) string {
	base := strings.TrimSuffix(baseURL, "/") + "/"
	rest := path
	if strings.HasPrefix(strings.ToUpper(path), drivePrefix) {
		rest = path[len(drivePrefix):]
	}
	return base + strings.ReplaceAll(strings.TrimLeft(rest, `\`), `\`, "/")
}

package discovery

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"

	"github.com/dyluth/flowmirror/pkg/remote"
)

// Record is one discovered source. Contact is nil when the source exists but
// is not running.
type Record struct {
	Owner   string
	Name    string
	Contact *remote.Contact
}

// ID returns the source identifier "owner/name".
func (r Record) ID() string {
	return r.Owner + "/" + r.Name
}

// Scanner enumerates sources. The sequence is produced lazily and can be
// iterated once per call; a non-nil error ends the scan.
type Scanner interface {
	Scan(ctx context.Context) iter.Seq2[Record, error]
}

// HistoryChecker reports whether a source has ever run.
type HistoryChecker interface {
	HasRunHistory(ctx context.Context, id string) bool
}

// FileHistory detects run history from the on-disk database a source leaves
// behind: {Dir}/{owner}/{name}/log/db.
type FileHistory struct {
	Dir string
}

// HasRunHistory implements HistoryChecker.
func (h FileHistory) HasRunHistory(_ context.Context, id string) bool {
	if h.Dir == "" {
		return false
	}
	_, err := os.Stat(filepath.Join(h.Dir, filepath.FromSlash(id), "log", "db"))
	return err == nil
}

// ErrInvalidRecord is returned for containers whose labels cannot identify a source.
var ErrInvalidRecord = errors.New("invalid source record")

// Collect drains a scan into a slice.
func Collect(ctx context.Context, s Scanner) ([]Record, error) {
	var records []Record
	for rec, err := range s.Scan(ctx) {
		if err != nil {
			return records, fmt.Errorf("scan failed: %w", err)
		}
		records = append(records, rec)
	}
	return records, nil
}

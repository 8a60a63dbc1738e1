package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/smishguard/smishguard/pkg/detection"
)

// JSONStore keeps one pretty-printed JSON file per detection under a single
// directory. File names sort chronologically:
//
//	<YYYYMMDD_HHMMSS>_<first 8 id chars>.json, e.g. 20260831_142305_3f2a91bc.json
type JSONStore struct {
	dir string
}

// filenameTimeLayout makes lexicographic order equal chronological order.
const filenameTimeLayout = "20060102_150405"

// NewJSONStore creates the directory if needed.
func NewJSONStore(dir string) (*JSONStore, error) {
	if dir == "" {
		dir = "detections"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating detections dir %s: %w", dir, err)
	}
	return &JSONStore{dir: dir}, nil
}

// Dir returns the backing directory.
func (s *JSONStore) Dir() string { return s.dir }

func (s *JSONStore) filename(dc *detection.Context) string {
	id := dc.DetectionID
	if len(id) > 8 {
		id = id[:8]
	}
	return fmt.Sprintf("%s_%s.json", dc.Timestamp.Format(filenameTimeLayout), id)
}

// Save writes the detection to disk, replacing any earlier record with the
// same id.
func (s *JSONStore) Save(ctx context.Context, dc *detection.Context) error {
	data, err := dc.ToJSON()
	if err != nil {
		return err
	}

	// Re-saving an updated record must not leave the stale file behind.
	if old, err := s.findFile(dc.DetectionID); err == nil {
		_ = os.Remove(old)
	}

	path := filepath.Join(s.dir, s.filename(dc))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing detection %s: %w", dc.DetectionID, err)
	}
	return nil
}

// findFile resolves an id or unique prefix to a file path.
func (s *JSONStore) findFile(idOrPrefix string) (string, error) {
	if idOrPrefix == "" {
		return "", fmt.Errorf("%w: empty detection id", detection.ErrNotFound)
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return "", fmt.Errorf("reading detections dir: %w", err)
	}

	// File names carry only the first 8 id characters, so prefixes longer
	// than that still match on the stored fragment.
	fragment := idOrPrefix
	if len(fragment) > 8 {
		fragment = fragment[:8]
	}

	var matches []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		// <timestamp>_<id8>.json
		parts := strings.SplitN(strings.TrimSuffix(name, ".json"), "_", 3)
		if len(parts) != 3 {
			continue
		}
		if strings.HasPrefix(parts[2], fragment) {
			matches = append(matches, filepath.Join(s.dir, name))
		}
	}

	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return "", fmt.Errorf("%w: detection %s", detection.ErrNotFound, idOrPrefix)
	default:
		return "", fmt.Errorf("%w: detection prefix %s is ambiguous (%d matches)", detection.ErrNotFound, idOrPrefix, len(matches))
	}
}

// Load retrieves a detection by id or unique prefix.
func (s *JSONStore) Load(ctx context.Context, idOrPrefix string) (*detection.Context, error) {
	path, err := s.findFile(idOrPrefix)
	if err != nil {
		return nil, err
	}
	return s.read(path, idOrPrefix)
}

func (s *JSONStore) read(path, ref string) (*detection.Context, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading detection %s: %w", ref, err)
	}
	dc, err := detection.FromJSON(data)
	if err != nil {
		return nil, err
	}
	// A full id that disagrees with the stored record means the 8-char
	// fragment collided with a different detection.
	if len(ref) > 8 && dc.DetectionID != ref {
		return nil, fmt.Errorf("%w: detection %s", detection.ErrNotFound, ref)
	}
	return dc, nil
}

func (s *JSONStore) sortedFiles() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("reading detections dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	// Newest first; the timestamp prefix makes name order time order.
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	return names, nil
}

// LoadLatest returns the most recently saved detection.
func (s *JSONStore) LoadLatest(ctx context.Context) (*detection.Context, error) {
	names, err := s.sortedFiles()
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: no detections stored", detection.ErrNotFound)
	}
	return s.read(filepath.Join(s.dir, names[0]), names[0])
}

// LoadAll returns stored detections, newest first, capped at limit records
// when limit is positive. Unreadable files are skipped rather than failing
// the whole listing.
func (s *JSONStore) LoadAll(ctx context.Context, limit int) ([]*detection.Context, error) {
	names, err := s.sortedFiles()
	if err != nil {
		return nil, err
	}
	var all []*detection.Context
	for _, name := range names {
		if limit > 0 && len(all) == limit {
			break
		}
		dc, err := s.read(filepath.Join(s.dir, name), name)
		if err != nil {
			continue
		}
		all = append(all, dc)
	}
	return all, nil
}

// SearchBySender returns detections whose sender equals the query exactly.
func (s *JSONStore) SearchBySender(ctx context.Context, sender string) ([]*detection.Context, error) {
	return s.filter(ctx, func(dc *detection.Context) bool { return matchesSender(dc, sender) })
}

// SearchByLink returns detections whose found or expanded links contain the
// query.
func (s *JSONStore) SearchByLink(ctx context.Context, link string) ([]*detection.Context, error) {
	return s.filter(ctx, func(dc *detection.Context) bool { return matchesLink(dc, link) })
}

func (s *JSONStore) filter(ctx context.Context, keep func(*detection.Context) bool) ([]*detection.Context, error) {
	all, err := s.LoadAll(ctx, 0)
	if err != nil {
		return nil, err
	}
	var out []*detection.Context
	for _, dc := range all {
		if keep(dc) {
			out = append(out, dc)
		}
	}
	return out, nil
}

// Statistics aggregates the stored verdicts.
func (s *JSONStore) Statistics(ctx context.Context) (*Statistics, error) {
	all, err := s.LoadAll(ctx, 0)
	if err != nil {
		return nil, err
	}
	return buildStatistics(all), nil
}

// Cleanup deletes detections older than retention. The cutoff compares the
// record timestamp, not file mtime, so restored backups age correctly.
func (s *JSONStore) Cleanup(ctx context.Context, retention time.Duration) (int, error) {
	all, err := s.LoadAll(ctx, 0)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-retention)
	removed := 0
	for _, dc := range all {
		if dc.Timestamp.After(cutoff) {
			continue
		}
		path := filepath.Join(s.dir, s.filename(dc))
		if err := os.Remove(path); err != nil {
			return removed, fmt.Errorf("removing expired detection %s: %w", dc.DetectionID, err)
		}
		removed++
	}
	return removed, nil
}

// Close is a no-op for the file backend.
func (s *JSONStore) Close() error { return nil }

var _ Store = (*JSONStore)(nil)

package metrics

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tonal-labs/cantata/pkg/api"
	"github.com/tonal-labs/cantata/pkg/log"
)

type (
	// Store persists execution telemetry, one record per run
	Store interface {
		Append(api.CompositionID, *api.ExecutionRecord) error
		Query(
			id api.CompositionID, start, end time.Time, limit int,
		) ([]*api.ExecutionRecord, error)
		Latest(api.CompositionID, int) ([]*api.ExecutionRecord, error)
		Compositions() ([]api.CompositionID, error)
		Trim(api.CompositionID, time.Time) (int, error)
	}

	// FileStore keeps one JSONL file per composition. Appends are
	// single O_APPEND writes, so concurrent writers never interleave a
	// record
	FileStore struct {
		dir     string
		archive *Archiver
		mu      sync.Mutex
	}
)

const metricsExt = ".jsonl"

var (
	ErrMetricsDirEmpty = errors.New("metrics directory not configured")

	_ Store = (*FileStore)(nil)
)

// NewFileStore creates a JSONL metrics store rooted at dir. The
// archiver is optional; when present, trimmed records are shipped to it
// instead of being dropped
func NewFileStore(dir string, archive *Archiver) (*FileStore, error) {
	if dir == "" {
		return nil, ErrMetricsDirEmpty
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create metrics dir: %w", err)
	}
	return &FileStore{
		dir:     dir,
		archive: archive,
	}, nil
}

// Append writes one record to the composition's telemetry file
func (s *FileStore) Append(
	id api.CompositionID, rec *api.ExecutionRecord,
) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	if rec.CompositionID == "" {
		rec.CompositionID = id
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(
		s.pathFor(id), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644,
	)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	_, err = f.Write(line)
	return err
}

// Query returns records within [start, end], oldest first. Zero bounds
// are open; a non-positive limit returns everything
func (s *FileStore) Query(
	id api.CompositionID, start, end time.Time, limit int,
) ([]*api.ExecutionRecord, error) {
	records, err := s.readAll(id)
	if err != nil {
		return nil, err
	}

	var res []*api.ExecutionRecord
	for _, rec := range records {
		if !start.IsZero() && rec.Timestamp.Before(start) {
			continue
		}
		if !end.IsZero() && rec.Timestamp.After(end) {
			continue
		}
		res = append(res, rec)
	}

	sort.Slice(res, func(i, j int) bool {
		return res[i].Timestamp.Before(res[j].Timestamp)
	})
	if limit > 0 && len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

// Latest returns the n most recent records, newest first
func (s *FileStore) Latest(
	id api.CompositionID, n int,
) ([]*api.ExecutionRecord, error) {
	records, err := s.readAll(id)
	if err != nil {
		return nil, err
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].Timestamp.After(records[j].Timestamp)
	})
	if n > 0 && len(records) > n {
		records = records[:n]
	}
	return records, nil
}

// Compositions lists the composition IDs with recorded telemetry
func (s *FileStore) Compositions() ([]api.CompositionID, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var res []api.CompositionID
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, metricsExt) {
			continue
		}
		res = append(res, api.CompositionID(strings.TrimSuffix(name, metricsExt)))
	}
	return res, nil
}

// Trim drops records older than the given time, archiving them first
// when an archive sink is configured. Returns the number removed
func (s *FileStore) Trim(
	id api.CompositionID, before time.Time,
) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.readAllLocked(id)
	if err != nil {
		return 0, err
	}

	var kept, removed []*api.ExecutionRecord
	for _, rec := range records {
		if rec.Timestamp.Before(before) {
			removed = append(removed, rec)
			continue
		}
		kept = append(kept, rec)
	}
	if len(removed) == 0 {
		return 0, nil
	}

	if s.archive != nil {
		if err := s.archive.Archive(id, removed); err != nil {
			return 0, fmt.Errorf("failed to archive records: %w", err)
		}
	}

	if err := s.rewrite(id, kept); err != nil {
		return 0, err
	}
	return len(removed), nil
}

func (s *FileStore) rewrite(
	id api.CompositionID, records []*api.ExecutionRecord,
) error {
	tmp := s.pathFor(id) + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	w := bufio.NewWriter(f)
	for _, rec := range records {
		line, err := json.Marshal(rec)
		if err != nil {
			_ = f.Close()
			return err
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.pathFor(id))
}

func (s *FileStore) readAll(
	id api.CompositionID,
) ([]*api.ExecutionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readAllLocked(id)
}

func (s *FileStore) readAllLocked(
	id api.CompositionID,
) ([]*api.ExecutionRecord, error) {
	f, err := os.Open(s.pathFor(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var res []*api.ExecutionRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec api.ExecutionRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			slog.Warn("Skipping malformed telemetry line",
				log.CompositionID(id),
				log.Error(err))
			continue
		}
		res = append(res, &rec)
	}
	return res, scanner.Err()
}

func (s *FileStore) pathFor(id api.CompositionID) string {
	return filepath.Join(s.dir, string(id)+metricsExt)
}

// Package auditlog persists replacement attempts as per-day JSON files.
//
// # Layout
//
// One file per calendar day under the log directory:
//
//	replace_log_2026-08-31.json
//
// Each file holds a JSON array of replacement entries. Entries are
// immutable once written; the store appends, reads, and deletes whole
// files but never edits in place. Entry ids restart at 1 in each day
// partition.
//
// Appends to a given day are serialized under a per-day lock so a manual
// replace and the auto-replace worker cannot lose each other's writes.
// Different days never contend.
package auditlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/HsiaoL1/monitor-sub000/pkg/types"
)

const (
	filePrefix = "replace_log_"
	fileSuffix = ".json"
	dateLayout = "2006-01-02"
)

// Store is an append-only, date-partitioned replacement log.
type Store struct {
	dir string

	mu       sync.Mutex
	dayLocks map[string]*sync.Mutex
}

// NewStore creates the log directory if needed and returns a store.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	return &Store{
		dir:      dir,
		dayLocks: make(map[string]*sync.Mutex),
	}, nil
}

func (s *Store) dayLock(day string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.dayLocks[day]
	if !ok {
		l = &sync.Mutex{}
		s.dayLocks[day] = l
	}
	return l
}

func (s *Store) dayPath(day string) string {
	return filepath.Join(s.dir, filePrefix+day+fileSuffix)
}

// Append persists an entry into its day partition, assigning the next
// per-day sequence id. The entry's ReplacedAt is set to now when zero.
func (s *Store) Append(entry *types.ReplacementLogEntry) error {
	if entry.ReplacedAt.IsZero() {
		entry.ReplacedAt = time.Now()
	}
	day := entry.ReplacedAt.Format(dateLayout)

	lock := s.dayLock(day)
	lock.Lock()
	defer lock.Unlock()

	entries, err := s.readDay(day)
	if err != nil {
		return err
	}

	nextID := 1
	for _, e := range entries {
		if e.ID >= nextID {
			nextID = e.ID + 1
		}
	}
	entry.ID = nextID
	entries = append(entries, *entry)

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding log entries: %w", err)
	}
	if err := os.WriteFile(s.dayPath(day), data, 0o644); err != nil {
		return fmt.Errorf("writing log partition %s: %w", day, err)
	}
	return nil
}

// readDay loads one day partition. A missing file is an empty day.
func (s *Store) readDay(day string) ([]types.ReplacementLogEntry, error) {
	data, err := os.ReadFile(s.dayPath(day))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading log partition %s: %w", day, err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var entries []types.ReplacementLogEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decoding log partition %s: %w", day, err)
	}
	return entries, nil
}

// Query returns entries with ReplacedAt in [start, end], newest first.
func (s *Store) Query(start, end time.Time) ([]types.ReplacementLogEntry, error) {
	days, err := s.partitionDays()
	if err != nil {
		return nil, err
	}

	startDay := start.Format(dateLayout)
	endDay := end.Format(dateLayout)

	var all []types.ReplacementLogEntry
	for _, day := range days {
		if day < startDay || day > endDay {
			continue
		}

		lock := s.dayLock(day)
		lock.Lock()
		entries, err := s.readDay(day)
		lock.Unlock()
		if err != nil {
			return nil, err
		}

		for _, e := range entries {
			if e.ReplacedAt.Before(start) || e.ReplacedAt.After(end) {
				continue
			}
			all = append(all, e)
		}
	}

	sort.Slice(all, func(i, j int) bool {
		if !all[i].ReplacedAt.Equal(all[j].ReplacedAt) {
			return all[i].ReplacedAt.After(all[j].ReplacedAt)
		}
		return all[i].ID > all[j].ID
	})
	return all, nil
}

// Stats summarizes a date range.
type Stats struct {
	Total   int `json:"total"`
	Success int `json:"success"`
	Failure int `json:"failure"`
}

// GetStats derives counts over [start, end].
func (s *Store) GetStats(start, end time.Time) (Stats, error) {
	entries, err := s.Query(start, end)
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{Total: len(entries)}
	for _, e := range entries {
		if e.Success {
			stats.Success++
		} else {
			stats.Failure++
		}
	}
	return stats, nil
}

// Export bundles a query and its stats into one downloadable document.
type Export struct {
	GeneratedAt time.Time                   `json:"generated_at"`
	StartDate   string                      `json:"start_date"`
	EndDate     string                      `json:"end_date"`
	Stats       Stats                       `json:"stats"`
	Entries     []types.ReplacementLogEntry `json:"entries"`
}

// BuildExport wraps Query and GetStats into a single document.
func (s *Store) BuildExport(start, end time.Time) (*Export, error) {
	entries, err := s.Query(start, end)
	if err != nil {
		return nil, err
	}

	stats := Stats{Total: len(entries)}
	for _, e := range entries {
		if e.Success {
			stats.Success++
		} else {
			stats.Failure++
		}
	}

	return &Export{
		GeneratedAt: time.Now(),
		StartDate:   start.Format(dateLayout),
		EndDate:     end.Format(dateLayout),
		Stats:       stats,
		Entries:     entries,
	}, nil
}

// Cleanup deletes partitions strictly older than today minus retentionDays.
// Returns the number of files removed.
func (s *Store) Cleanup(retentionDays int) (int, error) {
	days, err := s.partitionDays()
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().AddDate(0, 0, -retentionDays).Format(dateLayout)

	removed := 0
	for _, day := range days {
		if day >= cutoff {
			continue
		}

		lock := s.dayLock(day)
		lock.Lock()
		err := os.Remove(s.dayPath(day))
		lock.Unlock()
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return removed, fmt.Errorf("removing log partition %s: %w", day, err)
		}
		removed++
	}
	return removed, nil
}

// partitionDays lists the day strings of existing partition files.
func (s *Store) partitionDays() ([]string, error) {
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("listing log directory: %w", err)
	}

	var days []string
	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		day := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix)
		if _, err := time.Parse(dateLayout, day); err != nil {
			continue
		}
		days = append(days, day)
	}
	sort.Strings(days)
	return days, nil
}

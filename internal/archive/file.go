package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"polyfield-edm/internal/calibration"
)

// FileStore keeps one JSON file of records per day in a directory.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create archive dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(day string) string {
	return filepath.Join(s.dir, day+".json")
}

func (s *FileStore) load(day string) ([]calibration.Record, error) {
	data, err := os.ReadFile(s.path(day))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read archive %s: %w", day, err)
	}
	var recs []calibration.Record
	if err := json.Unmarshal(data, &recs); err != nil {
		return nil, fmt.Errorf("failed to decode archive %s: %w", day, err)
	}
	return recs, nil
}

func (s *FileStore) Save(_ context.Context, rec calibration.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	day := DayKey(rec.CreatedAt)
	recs, err := s.load(day)
	if err != nil {
		return err
	}
	kept := Retain(append(recs, rec), KeepPerDay)
	data, err := json.MarshalIndent(kept, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode archive %s: %w", day, err)
	}

	tmp, err := os.CreateTemp(s.dir, day+"-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to write archive %s: %w", day, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write archive %s: %w", day, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write archive %s: %w", day, err)
	}
	if err := os.Rename(tmp.Name(), s.path(day)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace archive %s: %w", day, err)
	}
	log.Printf("archive: saved %s calibration %s (%d kept for %s)", rec.CircleType, rec.ID, len(kept), day)
	return nil
}

func (s *FileStore) List(_ context.Context, day time.Time) ([]calibration.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(DayKey(day))
}

func (s *FileStore) Latest(_ context.Context, circle calibration.CircleType) (calibration.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return calibration.Record{}, fmt.Errorf("failed to read archive dir: %w", err)
	}
	var days []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		day := strings.TrimSuffix(name, ".json")
		if _, err := time.Parse(dayLayout, day); err != nil {
			continue
		}
		days = append(days, day)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(days)))

	for _, day := range days {
		recs, err := s.load(day)
		if err != nil {
			return calibration.Record{}, err
		}
		for i := len(recs) - 1; i >= 0; i-- {
			if recs[i].CircleType == circle {
				return recs[i], nil
			}
		}
	}
	return calibration.Record{}, fmt.Errorf("%w for %s", ErrNotFound, circle)
}

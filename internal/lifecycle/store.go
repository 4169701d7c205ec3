package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/felixgeelhaar/fortify/retry"

	"github.com/Iron-Ham/arbor/internal/errors"
	"github.com/Iron-Ham/arbor/internal/util"
)

// Store persists one JSON file per record in a directory.
type Store struct {
	dir         string
	retryConfig retry.Config
}

// NewStore returns a Store rooted at dir. The directory is created lazily.
func NewStore(dir string) *Store {
	return &Store{
		dir: dir,
		retryConfig: retry.Config{
			MaxAttempts:   3,
			InitialDelay:  10 * time.Millisecond,
			BackoffPolicy: retry.BackoffExponential,
		},
	}
}

// Dir returns the directory records are stored in.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name+".json")
}

// Get loads the record for name. A missing record returns a NotFoundError.
func (s *Store) Get(name string) (*Record, error) {
	if _, err := os.Stat(s.path(name)); os.IsNotExist(err) {
		return nil, errors.NewNotFoundError("worktree record", name)
	}

	// A concurrent atomic rename can briefly surface as a read error.
	retryer := retry.New[*Record](s.retryConfig)
	return retryer.Do(context.Background(), func(ctx context.Context) (*Record, error) {
		data, err := os.ReadFile(s.path(name))
		if err != nil {
			return nil, fmt.Errorf("failed to read record %s: %w", name, err)
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("failed to parse record %s: %w", name, err)
		}
		return &rec, nil
	})
}

// Save writes rec atomically.
func (s *Store) Save(rec *Record) error {
	if rec.Name == "" {
		return errors.NewValidationError("record name must not be empty").WithField("name")
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal record %s: %w", rec.Name, err)
	}
	return util.WriteFileAtomic(s.path(rec.Name), append(data, '\n'), 0644)
}

// Delete removes the record for name. Deleting a missing record is not an error.
func (s *Store) Delete(name string) error {
	err := os.Remove(s.path(name))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete record %s: %w", name, err)
	}
	return nil
}

// List returns every stored record ordered by build sequence, then name.
// Records without a sequence sort last. Unreadable files are skipped and
// reported in the returned error list.
func (s *Store) List() ([]*Record, []error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, []error{fmt.Errorf("failed to read record directory: %w", err)}
	}

	var records []*Record
	var errs []error
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		rec, err := s.Get(strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		records = append(records, rec)
	}

	SortRecords(records)
	return records, errs
}

// NextSequence returns one more than the highest stored sequence.
func (s *Store) NextSequence() int {
	records, _ := s.List()
	next := 1
	for _, rec := range records {
		if rec.Sequence >= next {
			next = rec.Sequence + 1
		}
	}
	return next
}

// SortRecords orders records by sequence (unsequenced last), then name.
func SortRecords(records []*Record) {
	slices.SortStableFunc(records, func(a, b *Record) int {
		return CompareOrder(a.Sequence, a.Name, b.Sequence, b.Name)
	})
}

// CompareOrder compares two (sequence, name) pairs for merge ordering.
func CompareOrder(seqA int, nameA string, seqB int, nameB string) int {
	switch {
	case seqA == seqB:
		return strings.Compare(nameA, nameB)
	case seqA == 0:
		return 1
	case seqB == 0:
		return -1
	case seqA < seqB:
		return -1
	default:
		return 1
	}
}

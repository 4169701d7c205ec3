package build

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/Iron-Ham/arbor/internal/util"
)

// BatchStatus is the state of a build batch in its journal.
type BatchStatus string

const (
	BatchInProgress     BatchStatus = "in_progress"
	BatchCommitted      BatchStatus = "committed"
	BatchRolledBack     BatchStatus = "rolled_back"
	BatchRollbackFailed BatchStatus = "rollback_failed"
)

// Member is one worktree a batch set out to create. Members are journaled
// before git is touched, so a crashed batch can be undone from its journal.
type Member struct {
	Name   string `json:"name"`
	Path   string `json:"path"`
	Branch string `json:"branch"`
	// BranchOwned is true when the batch creates the branch itself rather
	// than attaching a worktree to a branch that already existed.
	BranchOwned bool `json:"branch_owned"`
	// Added is set once "git worktree add" has returned successfully.
	Added bool `json:"added"`
}

// Batch is the unit of atomicity for a build: every member gets a worktree,
// or everything the batch created is removed again.
type Batch struct {
	OperationID        string      `json:"operation_id"`
	StartedAt          time.Time   `json:"started_at"`
	FinishedAt         time.Time   `json:"finished_at,omitzero"`
	Integration        string      `json:"integration"`
	IntegrationBase    string      `json:"integration_base"`
	IntegrationCreated bool        `json:"integration_created"`
	Members            []Member    `json:"members"`
	Status             BatchStatus `json:"status"`
	Error              string      `json:"error,omitempty"`
}

// MemberNames returns the names of all members in order.
func (b *Batch) MemberNames() []string {
	names := make([]string, 0, len(b.Members))
	for _, m := range b.Members {
		names = append(names, m.Name)
	}
	return names
}

// Journal stores batches as JSON files, one per operation ID.
type Journal struct {
	dir string
}

// NewJournal returns a Journal writing to dir.
func NewJournal(dir string) *Journal {
	return &Journal{dir: dir}
}

func (j *Journal) path(id string) string {
	return filepath.Join(j.dir, id+".json")
}

// Save writes b atomically.
func (j *Journal) Save(b *Batch) error {
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal batch journal: %w", err)
	}
	return util.WriteFileAtomic(j.path(b.OperationID), append(data, '\n'), 0644)
}

// Load reads the batch with the given operation ID.
func (j *Journal) Load(id string) (*Batch, error) {
	data, err := os.ReadFile(j.path(id))
	if err != nil {
		return nil, fmt.Errorf("failed to read batch journal %s: %w", id, err)
	}
	var b Batch
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("failed to parse batch journal %s: %w", id, err)
	}
	return &b, nil
}

// Pending returns batches still marked in progress, oldest first. These
// belong to invocations that died before committing or rolling back.
func (j *Journal) Pending() ([]*Batch, error) {
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read batch journal directory: %w", err)
	}

	var pending []*Batch
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		b, err := j.Load(strings.TrimSuffix(name, ".json"))
		if err != nil {
			return nil, err
		}
		if b.Status == BatchInProgress {
			pending = append(pending, b)
		}
	}
	slices.SortFunc(pending, func(a, b *Batch) int { return a.StartedAt.Compare(b.StartedAt) })
	return pending, nil
}

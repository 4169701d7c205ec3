// Package completion finds and validates the records a feature writes when
// its work is done, and turns them into an ordered merge queue.
package completion

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/Iron-Ham/arbor/internal/errors"
	"github.com/Iron-Ham/arbor/internal/stage"
	"github.com/Iron-Ham/arbor/internal/util"
)

const recordSchemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["worktree_name", "branch", "base_branch", "completed_at"],
  "properties": {
    "worktree_name": { "type": "string", "minLength": 1 },
    "branch": { "type": "string" },
    "base_branch": { "type": "string" },
    "completed_at": { "type": "string", "minLength": 1 },
    "description": { "type": "string" },
    "summary": { "type": "string" },
    "notes": { "type": "string" }
  }
}`

var recordSchemaLoader = gojsonschema.NewStringLoader(recordSchemaJSON)

// Record is a completion record as written by a finished feature.
type Record struct {
	WorktreeName string    `json:"worktree_name"`
	Branch       string    `json:"branch"`
	BaseBranch   string    `json:"base_branch"`
	CompletedAt  time.Time `json:"completed_at"`
	Description  string    `json:"description,omitempty"`
	Summary      string    `json:"summary,omitempty"`
	Notes        string    `json:"notes,omitempty"`

	// File is the path the record was read from.
	File string `json:"-"`
}

// Parse validates data and decodes it into a Record. Structural problems,
// empty branch fields and unusable worktree names are all
// CompletionRecordErrors naming the field.
func Parse(file string, data []byte) (*Record, error) {
	name := filepath.Base(file)

	result, err := gojsonschema.Validate(recordSchemaLoader, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, errors.NewCompletionRecordError(name, "not valid JSON").WithCause(err)
	}
	if !result.Valid() {
		first := result.Errors()[0]
		field := first.Field()
		if field == "(root)" {
			if missing, ok := first.Details()["property"].(string); ok {
				field = missing
			}
		}
		return nil, errors.NewCompletionRecordError(name, first.Description()).WithField(field)
	}

	var raw struct {
		WorktreeName string `json:"worktree_name"`
		Branch       string `json:"branch"`
		BaseBranch   string `json:"base_branch"`
		CompletedAt  string `json:"completed_at"`
		Description  string `json:"description"`
		Summary      string `json:"summary"`
		Notes        string `json:"notes"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.NewCompletionRecordError(name, "not valid JSON").WithCause(err)
	}

	// Never defaulted: merging into a guessed base is worse than not merging.
	for _, f := range []struct{ field, value string }{
		{"worktree_name", raw.WorktreeName},
		{"branch", raw.Branch},
		{"base_branch", raw.BaseBranch},
	} {
		if strings.TrimSpace(f.value) == "" {
			return nil, errors.NewCompletionRecordError(name, "field must not be empty").WithField(f.field)
		}
	}

	// The name becomes a worktree path and a branch component downstream.
	worktreeName := strings.TrimSpace(raw.WorktreeName)
	if err := stage.ValidateName(worktreeName); err != nil {
		return nil, errors.NewCompletionRecordError(name, "worktree_name is not a valid worktree name").
			WithField("worktree_name").WithCause(err)
	}

	completedAt, err := time.Parse(time.RFC3339, raw.CompletedAt)
	if err != nil {
		return nil, errors.NewCompletionRecordError(name, "completed_at is not an RFC3339 timestamp").
			WithField("completed_at").WithCause(err)
	}

	return &Record{
		WorktreeName: worktreeName,
		Branch:       strings.TrimSpace(raw.Branch),
		BaseBranch:   strings.TrimSpace(raw.BaseBranch),
		CompletedAt:  completedAt,
		Description:  raw.Description,
		Summary:      raw.Summary,
		Notes:        raw.Notes,
		File:         file,
	}, nil
}

// Write stores rec as <dir>/<name>-<timestamp>.json and returns the path.
func Write(dir string, rec *Record) (string, error) {
	if rec.CompletedAt.IsZero() {
		rec.CompletedAt = time.Now()
	}
	data, err := json.MarshalIndent(struct {
		WorktreeName string `json:"worktree_name"`
		Branch       string `json:"branch"`
		BaseBranch   string `json:"base_branch"`
		CompletedAt  string `json:"completed_at"`
		Description  string `json:"description,omitempty"`
		Summary      string `json:"summary,omitempty"`
		Notes        string `json:"notes,omitempty"`
	}{
		WorktreeName: rec.WorktreeName,
		Branch:       rec.Branch,
		BaseBranch:   rec.BaseBranch,
		CompletedAt:  rec.CompletedAt.UTC().Format(time.RFC3339),
		Description:  rec.Description,
		Summary:      rec.Summary,
		Notes:        rec.Notes,
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal completion record: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("%s-%s.json", rec.WorktreeName, rec.CompletedAt.UTC().Format("20060102T150405Z")))
	if err := util.WriteFileAtomic(path, append(data, '\n'), 0644); err != nil {
		return "", fmt.Errorf("failed to write completion record: %w", err)
	}
	rec.File = path
	return path, nil
}

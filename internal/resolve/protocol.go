// Package resolve hands merge conflicts to an external agent and verifies
// what comes back. The agent writes file content; arbor decides whether the
// result is accepted.
package resolve

import (
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"

	"github.com/Iron-Ham/arbor/internal/errors"
)

// Status is the agent's own verdict on its work.
type Status string

const (
	StatusSuccess Status = "success"
	StatusPartial Status = "partial"
	StatusFailure Status = "failure"
)

// Backup locates the saved versions of one conflicted file.
type Backup struct {
	FilePath            string `json:"file_path"`
	BaseVersionPath     string `json:"base_version_path"`
	IncomingVersionPath string `json:"incoming_version_path"`
}

// Request is written to the agent's stdin as JSON.
type Request struct {
	Worktree        string   `json:"worktree"`
	Workspace       string   `json:"workspace"`
	Branch          string   `json:"branch"`
	BaseBranch      string   `json:"base_branch"`
	ConflictedFiles []string `json:"conflicted_files"`
	BackupLocations []Backup `json:"backup_locations"`
	ContextText     string   `json:"context_text"`
}

// Response is what the agent prints on stdout.
type Response struct {
	ResolvedFiles   []string          `json:"resolved_files"`
	StrategyPerFile map[string]string `json:"strategy_per_file,omitempty"`
	Status          Status            `json:"status"`
}

const responseSchemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["resolved_files", "status"],
  "properties": {
    "resolved_files": { "type": "array", "items": { "type": "string" } },
    "strategy_per_file": { "type": "object", "additionalProperties": { "type": "string" } },
    "status": { "type": "string", "enum": ["success", "partial", "failure"] }
  }
}`

var responseSchemaLoader = gojsonschema.NewStringLoader(responseSchemaJSON)

// ParseResponse validates and decodes agent output.
func ParseResponse(data []byte) (*Response, error) {
	result, err := gojsonschema.Validate(responseSchemaLoader, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, errors.NewValidationError("agent output is not valid JSON").WithCause(err)
	}
	if !result.Valid() {
		first := result.Errors()[0]
		return nil, errors.NewValidationError(fmt.Sprintf("agent output rejected: %s", first.String())).
			WithField(first.Field())
	}

	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, errors.NewValidationError("agent output is not valid JSON").WithCause(err)
	}
	return &resp, nil
}

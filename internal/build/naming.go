package build

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/Iron-Ham/arbor/internal/errors"
	"github.com/Iron-Ham/arbor/internal/lifecycle"
)

type integrationFields struct {
	Date    string
	Version string
}

// IntegrationBranchName renders the integration branch template. The name is
// deterministic for a given day and version, so a retried build reuses the
// branch instead of failing with "already exists".
func IntegrationBranchName(tmpl string, now time.Time, version string) (string, error) {
	t, err := template.New("integration").Option("missingkey=error").Parse(tmpl)
	if err != nil {
		return "", errors.NewValidationError("invalid integration branch template").
			WithField("build.integration_branch").WithCause(err)
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, integrationFields{Date: now.Format("2006-01-02"), Version: version}); err != nil {
		return "", errors.NewValidationError("failed to render integration branch template").
			WithField("build.integration_branch").WithCause(err)
	}

	name := strings.TrimSpace(buf.String())
	if name == "" || strings.ContainsAny(name, " ~^:?*[\\") || strings.Contains(name, "..") ||
		strings.HasPrefix(name, "/") || strings.HasSuffix(name, "/") || strings.HasSuffix(name, ".lock") {
		return "", errors.NewValidationError(fmt.Sprintf("integration branch %q is not a valid branch name", name)).
			WithField("build.integration_branch")
	}
	return name, nil
}

const contextTemplate = `# {{.Name}}

{{.Description}}

- Branch: {{.Branch}}
- Base: {{.BaseBranch}}
- Batch: {{.OperationID}}
- Created: {{.CreatedAt.Format "2006-01-02 15:04:05 MST"}}

When the work in this worktree is finished and committed, run:

    arbor complete {{.Name}} --summary "<what changed>"
`

var contextTmpl = template.Must(template.New("context").Parse(contextTemplate))

// RenderContext produces the intent artifact written into a new worktree.
// The resolution agent later reads it to learn what this side of a merge
// was trying to do.
func RenderContext(rec *lifecycle.Record) ([]byte, error) {
	var buf bytes.Buffer
	if err := contextTmpl.Execute(&buf, rec); err != nil {
		return nil, fmt.Errorf("failed to render context file: %w", err)
	}
	return buf.Bytes(), nil
}

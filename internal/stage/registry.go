// Package stage keeps the durable, ordered list of features waiting for a
// worktree. The list lives in a YAML file and is rewritten atomically on
// every change. Order is significant: it becomes build order and, later,
// merge order.
package stage

import (
	"fmt"
	"os"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/arbor/internal/errors"
	"github.com/Iron-Ham/arbor/internal/util"
)

// Feature is a staged feature request.
type Feature struct {
	Name        string    `yaml:"name" json:"name"`
	Description string    `yaml:"description" json:"description"`
	RequestedAt time.Time `yaml:"requested_at" json:"requested_at"`
}

type registryFile struct {
	Features []Feature `yaml:"features"`
}

// nameRegex admits names that are valid as a directory name and as the last
// component of a git branch name.
var nameRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

const maxNameLength = 64

// ValidateName checks that name can be used for a worktree directory and branch.
func ValidateName(name string) error {
	switch {
	case name == "":
		return errors.NewValidationError("feature name must not be empty").WithField("name")
	case len(name) > maxNameLength:
		return errors.NewValidationError(fmt.Sprintf("feature name must be at most %d characters", maxNameLength)).
			WithField("name").WithValue(name)
	case !nameRegex.MatchString(name):
		return errors.NewValidationError("feature name may only contain letters, digits, '.', '_' and '-', and must start with a letter or digit").
			WithField("name").WithValue(name)
	case strings.Contains(name, ".."), strings.HasSuffix(name, ".lock"), strings.HasSuffix(name, "."):
		return errors.NewValidationError("feature name is not a valid git ref component").
			WithField("name").WithValue(name)
	}
	return nil
}

// Registry is the staged feature list. It is safe for concurrent use within
// a process; cross-process access is serialized by the run lock.
type Registry struct {
	mu   sync.Mutex
	path string
	now  func() time.Time
}

// NewRegistry returns a registry backed by the YAML file at path.
func NewRegistry(path string) *Registry {
	return &Registry{path: path, now: time.Now}
}

// Path returns the registry file path.
func (r *Registry) Path() string {
	return r.path
}

func (r *Registry) load() ([]Feature, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read stage registry: %w", err)
	}

	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse stage registry %s: %w", r.path, err)
	}
	return file.Features, nil
}

func (r *Registry) save(features []Feature) error {
	data, err := yaml.Marshal(registryFile{Features: features})
	if err != nil {
		return fmt.Errorf("failed to marshal stage registry: %w", err)
	}
	return util.WriteFileAtomic(r.path, data, 0644)
}

// Stage appends a feature. Duplicate or invalid names are rejected.
func (r *Registry) Stage(name, description string) (Feature, error) {
	name = strings.TrimSpace(name)
	description = strings.TrimSpace(description)
	if err := ValidateName(name); err != nil {
		return Feature{}, err
	}
	if description == "" {
		return Feature{}, errors.NewValidationError("feature description must not be empty").WithField("description")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	features, err := r.load()
	if err != nil {
		return Feature{}, err
	}
	if slices.ContainsFunc(features, func(f Feature) bool { return f.Name == name }) {
		return Feature{}, errors.NewAlreadyExistsError("staged feature", name)
	}

	feature := Feature{
		Name:        name,
		Description: description,
		RequestedAt: r.now().UTC().Truncate(time.Second),
	}
	if err := r.save(append(features, feature)); err != nil {
		return Feature{}, err
	}
	return feature, nil
}

// List returns staged features in insertion order.
func (r *Registry) List() ([]Feature, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.load()
}

// Get returns the staged feature called name.
func (r *Registry) Get(name string) (Feature, error) {
	features, err := r.List()
	if err != nil {
		return Feature{}, err
	}
	for _, f := range features {
		if f.Name == name {
			return f, nil
		}
	}
	return Feature{}, errors.NewNotFoundError("staged feature", name)
}

// Remove deletes one staged feature. A missing name is a NotFoundError.
func (r *Registry) Remove(name string) error {
	removed, err := r.RemoveAll(name)
	if err != nil {
		return err
	}
	if removed == 0 {
		return errors.NewNotFoundError("staged feature", name)
	}
	return nil
}

// RemoveAll deletes every listed name that is staged and reports how many
// were removed. Names that are not staged are ignored.
func (r *Registry) RemoveAll(names ...string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	features, err := r.load()
	if err != nil {
		return 0, err
	}
	kept := slices.DeleteFunc(slices.Clone(features), func(f Feature) bool {
		return slices.Contains(names, f.Name)
	})
	removed := len(features) - len(kept)
	if removed == 0 {
		return 0, nil
	}
	return removed, r.save(kept)
}

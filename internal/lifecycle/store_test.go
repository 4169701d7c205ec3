package lifecycle

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Iron-Ham/arbor/internal/errors"
)

func TestStore_SaveGet(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "records"))

	completed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := &Record{
		Name:        "login",
		Branch:      "feature/login",
		BaseBranch:  "integration/2026-03-01",
		Path:        "/repo/.arbor/worktrees/login",
		State:       StateActive,
		Sequence:    2,
		CompletedAt: completed,
	}
	if err := store.Save(rec); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := store.Get("login")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Branch != rec.Branch || got.State != StateActive || got.Sequence != 2 {
		t.Errorf("Get() = %+v", got)
	}
	if !got.CompletedAt.Equal(completed) {
		t.Errorf("CompletedAt = %v, want %v", got.CompletedAt, completed)
	}
}

func TestStore_GetMissing(t *testing.T) {
	store := NewStore(t.TempDir())

	_, err := store.Get("nope")
	var nf *errors.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("Get() error = %v, want NotFoundError", err)
	}
}

func TestStore_SaveRequiresName(t *testing.T) {
	store := NewStore(t.TempDir())
	if err := store.Save(&Record{}); !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("Save() error = %v, want ErrInvalidInput", err)
	}
}

func TestStore_ListOrdering(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)

	for _, rec := range []*Record{
		{Name: "zeta", Sequence: 1},
		{Name: "beta", Sequence: 3},
		{Name: "adhoc"},
		{Name: "alpha", Sequence: 3},
	} {
		if err := store.Save(rec); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{"), 0644); err != nil {
		t.Fatal(err)
	}

	records, errs := store.List()
	if len(errs) != 1 {
		t.Errorf("expected one error for the broken file, got %v", errs)
	}

	var names []string
	for _, rec := range records {
		names = append(names, rec.Name)
	}
	want := []string{"zeta", "alpha", "beta", "adhoc"}
	if len(names) != len(want) {
		t.Fatalf("List() names = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("List() names = %v, want %v", names, want)
		}
	}

	if next := store.NextSequence(); next != 4 {
		t.Errorf("NextSequence() = %d, want 4", next)
	}
}

func TestStore_Delete(t *testing.T) {
	store := NewStore(t.TempDir())
	if err := store.Save(&Record{Name: "a"}); err != nil {
		t.Fatal(err)
	}
	if err := store.Delete("a"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := store.Delete("a"); err != nil {
		t.Errorf("Delete() of missing record error = %v", err)
	}
	if records, _ := store.List(); len(records) != 0 {
		t.Errorf("List() after delete = %d records", len(records))
	}
}

func TestStore_ListMissingDir(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "absent"))
	records, errs := store.List()
	if records != nil || errs != nil {
		t.Errorf("List() = %v, %v; want nil, nil", records, errs)
	}
	if store.NextSequence() != 1 {
		t.Error("NextSequence() on an empty store should be 1")
	}
}

func TestRecord_Intent(t *testing.T) {
	tests := []struct {
		rec  Record
		want string
	}{
		{Record{}, ""},
		{Record{Description: "Add login"}, "Add login"},
		{Record{Summary: "Done"}, "Done"},
		{Record{Description: "Add login", Summary: "Done"}, "Add login\n\nDone"},
	}
	for _, tt := range tests {
		if got := tt.rec.Intent(); got != tt.want {
			t.Errorf("Intent() = %q, want %q", got, tt.want)
		}
	}
}

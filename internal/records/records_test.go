package records_test

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/basket/go-crew/internal/records"
)

func sample(name string, at int64) records.SpawnedAgent {
	return records.SpawnedAgent{
		Name:        name,
		PID:         4242,
		Model:       "sonnet",
		Status:      records.StatusIdle,
		SpawnedAtMs: at,
		SpawnedBy:   "orchestrator",
		BackendKind: records.BackendHeadless,
	}
}

func openStore(t *testing.T, dir string) *records.Store {
	t.Helper()
	s, err := records.Open(dir, nil)
	if err != nil {
		t.Fatalf("records.Open: %v", err)
	}
	return s
}

func mustPut(t *testing.T, s *records.Store, a records.SpawnedAgent) {
	t.Helper()
	if err := s.Put(a); err != nil {
		t.Fatalf("Put(%s): %v", a.Name, err)
	}
}

func TestStore_PutGetRemove(t *testing.T) {
	s := openStore(t, t.TempDir())

	task := "write X"
	a := sample("Builder", 1)
	a.Status = records.StatusAssigned
	a.AssignedTask = &task
	mustPut(t, s, a)

	got, err := s.Get("Builder")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !reflect.DeepEqual(a, got) {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", got, a)
	}
	if got.Task() != "write X" {
		t.Fatalf("Task() = %q", got.Task())
	}

	if err := s.Remove("Builder"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := s.Get("Builder"); !errors.Is(err, records.ErrNotFound) {
		t.Fatalf("Get after remove: %v", err)
	}
	// Removing again is fine.
	if err := s.Remove("Builder"); err != nil {
		t.Fatalf("second Remove: %v", err)
	}
}

func TestStore_PutLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)
	for i := 0; i < 5; i++ {
		mustPut(t, s, sample("Builder", int64(i)))
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "Builder.json" {
		t.Fatalf("unexpected dir contents: %v", entries)
	}
}

func TestStore_ListAllSkipsCorrupt(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)

	mustPut(t, s, sample("Scout", 20))
	mustPut(t, s, sample("Builder", 10))
	if err := os.WriteFile(filepath.Join(dir, "Broken.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignore"), 0o644); err != nil {
		t.Fatal(err)
	}

	all, err := s.ListAll()
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}
	if len(all) != 2 || all[0].Name != "Builder" || all[1].Name != "Scout" {
		t.Fatalf("ListAll = %+v", all)
	}
}

func TestStore_RejectsBadNames(t *testing.T) {
	s := openStore(t, t.TempDir())
	for _, name := range []string{"", "../evil", "a/b", ".hidden"} {
		if err := s.Put(sample(name, 1)); err == nil {
			t.Errorf("Put accepted name %q", name)
		}
	}
}

func TestStore_Orphans(t *testing.T) {
	s := openStore(t, t.TempDir())

	live := sample("Live", 1)
	live.PID = 100
	gone := sample("Gone", 2)
	gone.PID = 200
	nopid := sample("NoPID", 3)
	nopid.PID = 0
	for _, a := range []records.SpawnedAgent{live, gone, nopid} {
		mustPut(t, s, a)
	}

	orphans, err := s.Orphans(func(pid int) bool { return pid == 100 })
	if err != nil {
		t.Fatalf("Orphans: %v", err)
	}
	var names []string
	for _, o := range orphans {
		names = append(names, o.Name)
	}
	if got := strings.Join(names, ","); got != "Gone,NoPID" {
		t.Fatalf("orphans = %s", got)
	}
}

func TestWriteFileAtomic_Overwrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bundle.json")
	for _, body := range []string{"one", "two"} {
		if err := records.WriteFileAtomic(path, []byte(body), 0o600); err != nil {
			t.Fatalf("WriteFileAtomic(%s): %v", body, err)
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "two" {
		t.Fatalf("content = %q", data)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("mode = %v", info.Mode().Perm())
	}
}

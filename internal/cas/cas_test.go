package cas

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCommitObjectAndOpen(t *testing.T) {
	root := t.TempDir()
	s, err := Open(root)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	sha := "abcd1234abcd1234abcd1234abcd1234abcd1234abcd1234abcd1234abcd1234"[:64]
	tmp := s.TmpPath()
	if err := os.WriteFile(tmp, []byte("compressed-bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := s.CommitObject(tmp, sha); err != nil {
		t.Fatalf("CommitObject: %v", err)
	}
	if !s.ObjectExists(sha) {
		t.Fatal("ObjectExists = false after commit")
	}

	f, err := s.OpenObject(sha)
	if err != nil {
		t.Fatalf("OpenObject: %v", err)
	}
	defer f.Close()

	wantPath := filepath.Join(root, "objects", sha[0:2], sha[2:])
	if _, err := os.Stat(wantPath); err != nil {
		t.Errorf("object not at expected shard path: %v", err)
	}
}

func TestCommitObjectDedup(t *testing.T) {
	root := t.TempDir()
	s, _ := Open(root)
	sha := "ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff"

	tmp1 := s.TmpPath()
	os.WriteFile(tmp1, []byte("first"), 0o644)
	if err := s.CommitObject(tmp1, sha); err != nil {
		t.Fatal(err)
	}

	tmp2 := s.TmpPath()
	os.WriteFile(tmp2, []byte("second-dup-attempt"), 0o644)
	if err := s.CommitObject(tmp2, sha); err != nil {
		t.Fatalf("CommitObject on existing object should not error: %v", err)
	}
	if _, err := os.Stat(tmp2); !os.IsNotExist(err) {
		t.Error("duplicate temp file should have been removed")
	}

	data, err := os.ReadFile(filepath.Join(root, "objects", sha[0:2], sha[2:]))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "first" {
		t.Errorf("stored object = %q, want %q (first writer wins)", data, "first")
	}
}

func TestFilesetAndRefRoundtrip(t *testing.T) {
	root := t.TempDir()
	s, _ := Open(root)

	id := "0123456789012345678901234567890123456789012345678901234567890a"
	manifest := []byte(`{"fileset_id":"` + id + `"}`)
	if err := s.WriteFileset(id, manifest); err != nil {
		t.Fatal(err)
	}
	got, err := s.ReadFileset(id)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(manifest) {
		t.Errorf("ReadFileset = %q, want %q", got, manifest)
	}

	if err := s.WriteRef("latest", id); err != nil {
		t.Fatal(err)
	}
	gotRef, err := s.ReadRef("latest")
	if err != nil {
		t.Fatal(err)
	}
	if gotRef != id {
		t.Errorf("ReadRef = %q, want %q", gotRef, id)
	}
}

func TestReadMissingObjectAndRef(t *testing.T) {
	root := t.TempDir()
	s, _ := Open(root)

	if _, err := s.OpenObject("deadbeef"); err == nil {
		t.Error("expected error opening missing object")
	}
	if _, err := s.ReadRef("nope"); err == nil {
		t.Error("expected error reading missing ref")
	}
	if _, err := s.ReadFileset("deadbeef"); err == nil {
		t.Error("expected error reading missing fileset")
	}
}

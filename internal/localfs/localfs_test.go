package localfs

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func TestFileSystemStatAndOpenRead(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "song.mp3"), []byte("hello world"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	fs := New(dir, t.TempDir(), nil)

	ok, size, err := fs.Stat("song.mp3")
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if !ok || size != int64(len("hello world")) {
		t.Fatalf("expected found file of size 11, got ok=%v size=%d", ok, size)
	}

	rc, err := fs.OpenRead("song.mp3", 6)
	if err != nil {
		t.Fatalf("OpenRead: %v", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(data) != "world" {
		t.Fatalf("expected offset read to return 'world', got %q", data)
	}
}

func TestFileSystemStatMissingFile(t *testing.T) {
	fs := New(t.TempDir(), t.TempDir(), nil)
	ok, _, err := fs.Stat("missing.mp3")
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if ok {
		t.Fatal("expected Stat to report the file as not found")
	}
}

func TestFileSystemRejectsTraversal(t *testing.T) {
	fs := New(t.TempDir(), t.TempDir(), nil)
	if _, _, err := fs.Stat("../../etc/passwd"); err == nil {
		t.Fatal("expected Stat to reject a traversal path")
	}
	if _, err := fs.OpenRead("../secret", 0); err == nil {
		t.Fatal("expected OpenRead to reject a traversal path")
	}
	if _, err := fs.CreateWrite("../secret"); err == nil {
		t.Fatal("expected CreateWrite to reject a traversal path")
	}
}

func TestFileSystemCreateWriteTranslatesSeparators(t *testing.T) {
	downloads := t.TempDir()
	fs := New(t.TempDir(), downloads, nil)

	wc, err := fs.CreateWrite(`artist\album\track.flac`)
	if err != nil {
		t.Fatalf("CreateWrite: %v", err)
	}
	if _, err := wc.Write([]byte("data")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := wc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	want := filepath.Join(downloads, "artist", "album", "track.flac")
	if _, err := os.Stat(want); err != nil {
		t.Fatalf("expected %s to exist: %v", want, err)
	}
}

func TestFileSystemRequestRescanInvokesCallback(t *testing.T) {
	called := false
	fs := New(t.TempDir(), t.TempDir(), func() { called = true })
	fs.RequestRescan()
	if !called {
		t.Fatal("expected RequestRescan to invoke the rescan callback")
	}
}

func TestFileSystemRequestRescanNilCallback(t *testing.T) {
	fs := New(t.TempDir(), t.TempDir(), nil)
	fs.RequestRescan() // must not panic
}

func TestCatalogDumpWalksSharesDir(t *testing.T) {
	shares := t.TempDir()
	if err := os.MkdirAll(filepath.Join(shares, "sub"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(shares, "top.mp3"), []byte("12345"), 0o644); err != nil {
		t.Fatalf("seed top: %v", err)
	}
	if err := os.WriteFile(filepath.Join(shares, "sub", "nested.flac"), []byte("1234567890"), 0o644); err != nil {
		t.Fatalf("seed nested: %v", err)
	}

	staging := filepath.Join(t.TempDir(), "staging.json")
	cat := NewCatalog(shares, staging)

	sharesJSON, dbPath, err := cat.Dump()
	if err != nil {
		t.Fatalf("Dump: %v", err)
	}
	if dbPath != staging {
		t.Fatalf("expected databasePath %q, got %q", staging, dbPath)
	}
	if _, err := os.Stat(staging); err != nil {
		t.Fatalf("expected staging file to be written: %v", err)
	}

	var descriptors []descriptor
	if err := json.Unmarshal(sharesJSON, &descriptors); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(descriptors) != 2 {
		t.Fatalf("expected 2 descriptors, got %d", len(descriptors))
	}

	byPath := make(map[string]int64, len(descriptors))
	for _, d := range descriptors {
		byPath[d.VirtualPath] = d.Size
	}
	if byPath["top.mp3"] != 5 {
		t.Fatalf("expected top.mp3 size 5, got %d", byPath["top.mp3"])
	}
	if byPath["sub/nested.flac"] != 10 {
		t.Fatalf("expected sub/nested.flac size 10, got %d", byPath["sub/nested.flac"])
	}
}

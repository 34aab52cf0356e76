package envelopefs

import (
	"bytes"
	"context"
	"io"
	"sort"
	"testing"

	"github.com/absfs/memfs"
)

// newMemFS mounts a filesystem over an in-memory base.
func newMemFS(t *testing.T) (*FS, *memfs.FileSystem) {
	t.Helper()
	base, err := memfs.NewFS()
	if err != nil {
		t.Fatalf("Failed to create base filesystem: %v", err)
	}
	e, err := New(base, NewMemoryKeyStore(), testConfig())
	if err != nil {
		t.Fatalf("Failed to create FS: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e, base
}

// TestIntegration_MemFS runs the complete owner and recipient workflow on memfs
func TestIntegration_MemFS(t *testing.T) {
	e, base := newMemFS(t)
	alice := login(t, e, "alice")
	bob := login(t, e, "bob")

	if err := alice.MkdirAll("/projects/webapp/assets", 0755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}

	testFiles := map[string]string{
		"/projects/readme.md":              "Project documentation",
		"/projects/webapp/index.html":      "<html>...</html>",
		"/projects/webapp/assets/logo.png": string(randomData(60, 5*testBlockSize+11)),
		"/secret.txt":                      "Top secret information",
	}

	for path, content := range testFiles {
		file, err := alice.Create(path)
		if err != nil {
			t.Fatalf("Create(%q) failed: %v", path, err)
		}
		if _, err := file.Write([]byte(content)); err != nil {
			file.Close()
			t.Fatalf("Write to %q failed: %v", path, err)
		}
		if err := file.Close(); err != nil {
			t.Fatalf("Close(%q) failed: %v", path, err)
		}
	}

	for path, expectedContent := range testFiles {
		file, err := alice.Open(path)
		if err != nil {
			t.Fatalf("Open(%q) failed: %v", path, err)
		}
		data, err := io.ReadAll(file)
		file.Close()
		if err != nil {
			t.Fatalf("ReadAll(%q) failed: %v", path, err)
		}
		if string(data) != expectedContent {
			t.Errorf("Content mismatch for %q:\ngot:  %q\nwant: %q", path, string(data), expectedContent)
		}

		raw, err := base.ReadFile(path)
		if err != nil {
			t.Fatalf("base ReadFile(%q) failed: %v", path, err)
		}
		if len(expectedContent) >= 16 && bytes.Contains(raw, []byte(expectedContent)) {
			t.Errorf("plaintext of %q found in the base filesystem", path)
		}
	}

	entries, err := alice.ReadDir("/projects/webapp")
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	var names []string
	for _, de := range entries {
		names = append(names, de.Name())
	}
	sort.Strings(names)
	if len(names) != 2 || names[0] != "assets" || names[1] != "index.html" {
		t.Errorf("ReadDir(/projects/webapp) = %v, want [assets index.html]", names)
	}

	info, err := alice.Stat("/projects/webapp/assets/logo.png")
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if want := int64(len(testFiles["/projects/webapp/assets/logo.png"])); info.Size() != want {
		t.Errorf("Stat size = %d, want %d", info.Size(), want)
	}

	if _, err := bob.ReadFile("/secret.txt"); !IsInaccessible(err) {
		t.Errorf("bob read an unshared file: err = %v", err)
	}
	if err := alice.Share("/secret.txt", "bob"); err != nil {
		t.Fatalf("Share failed: %v", err)
	}
	data, err := bob.ReadFile("/secret.txt")
	if err != nil {
		t.Fatalf("bob ReadFile after share failed: %v", err)
	}
	if string(data) != testFiles["/secret.txt"] {
		t.Errorf("bob read %q, want %q", data, testFiles["/secret.txt"])
	}

	if err := alice.Rename("/secret.txt", "/projects/secret.txt"); err != nil {
		t.Fatalf("Rename failed: %v", err)
	}
	data, err = bob.ReadFile("/projects/secret.txt")
	if err != nil {
		t.Fatalf("ReadFile after rename failed: %v", err)
	}
	if string(data) != testFiles["/secret.txt"] {
		t.Errorf("content changed by rename: %q", data)
	}

	if err := alice.Remove("/projects/secret.txt"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, err := base.Stat("/projects/secret.txt" + HeaderSuffix); err == nil {
		t.Error("header survived Remove")
	}
}

// TestIntegration_RangeAccess checks range reads and writes against a
// plaintext model on memfs
func TestIntegration_RangeAccess(t *testing.T) {
	e, _ := newMemFS(t)
	alice := login(t, e, "alice")

	model := randomData(61, 4*testBlockSize)
	writeFile(t, alice, "/data.bin", model)

	patch := bytes.Repeat([]byte{0x5A}, testBlockSize)
	off := int64(testBlockSize/2 + 7)
	if err := alice.WriteRange("/data.bin", off, patch); err != nil {
		t.Fatalf("WriteRange failed: %v", err)
	}
	copy(model[off:], patch)

	tail := []byte("appended tail")
	if err := alice.WriteAppend("/data.bin", tail); err != nil {
		t.Fatalf("WriteAppend failed: %v", err)
	}
	model = append(model, tail...)

	for _, r := range []struct{ off, n int64 }{
		{0, 10},
		{off - 3, int64(len(patch)) + 6},
		{int64(len(model)) - int64(len(tail)) - 2, int64(len(tail)) + 2},
		{2*testBlockSize - 1, 2},
	} {
		got, err := alice.ReadRange("/data.bin", r.off, r.n)
		if err != nil {
			t.Fatalf("ReadRange(%d, %d) failed: %v", r.off, r.n, err)
		}
		if !bytes.Equal(got, model[r.off:r.off+r.n]) {
			t.Errorf("ReadRange(%d, %d) mismatch", r.off, r.n)
		}
	}

	got, err := alice.ReadFile("/data.bin")
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if !bytes.Equal(got, model) {
		t.Error("full read does not match the model")
	}
}

// TestIntegration_MultipleFilesystems checks that a second instance with
// another instance secret cannot open master-mode files
func TestIntegration_MultipleFilesystems(t *testing.T) {
	ctx := context.Background()
	base, err := memfs.NewFS()
	if err != nil {
		t.Fatalf("Failed to create base filesystem: %v", err)
	}
	store := NewMemoryKeyStore()

	e1, err := New(base, store, testConfig())
	if err != nil {
		t.Fatalf("Failed to create first FS: %v", err)
	}
	defer e1.Close()
	if err := e1.Admin().EnableMasterKeyMode(ctx); err != nil {
		t.Fatalf("EnableMasterKeyMode failed: %v", err)
	}
	writeFile(t, login(t, e1, "alice"), "/shared.txt", []byte("master mode content"))

	cfg := testConfig()
	cfg.InstanceSecret = bytes.Repeat([]byte("another-instance"), 4)
	e2, err := New(base, store, cfg)
	if err != nil {
		t.Fatalf("Failed to create second FS: %v", err)
	}
	defer e2.Close()

	_, err = login(t, e2, "alice").ReadFile("/shared.txt")
	if !IsWrongSecret(err) {
		t.Errorf("second instance read with a foreign instance secret: err = %v", err)
	}
}

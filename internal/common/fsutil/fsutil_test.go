package fsutil

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestSafeJoin(t *testing.T) {
	cases := []struct {
		rel  string
		ok   bool
		want string
	}{
		{"main.py", true, "main.py"},
		{"src/app.py", true, "src/app.py"},
		{"./src/app.py", true, "src/app.py"},
		{"src/../main.py", true, "main.py"},
		{"", false, ""},
		{"/etc/passwd", false, ""},
		{"..", false, ""},
		{"../outside", false, ""},
		{"src/../../outside", false, ""},
	}
	root := t.TempDir()
	for _, tc := range cases {
		got, err := SafeJoin(root, tc.rel)
		if tc.ok {
			if err != nil {
				t.Errorf("SafeJoin(%q): unexpected error %v", tc.rel, err)
				continue
			}
			want := filepath.Join(root, filepath.FromSlash(tc.want))
			if got != want {
				t.Errorf("SafeJoin(%q) = %q, want %q", tc.rel, got, want)
			}
		} else if !errors.Is(err, ErrEscapesRoot) {
			t.Errorf("SafeJoin(%q): want ErrEscapesRoot, got %v", tc.rel, err)
		}
	}
}

func TestListTreeSkipsFiltered(t *testing.T) {
	root := t.TempDir()
	mustWrite(t, filepath.Join(root, "main.py"), "print('hi')")
	mustWrite(t, filepath.Join(root, "src", "app.py"), "x = 1")
	mustWrite(t, filepath.Join(root, "node_modules", "dep", "index.js"), "{}")
	mustWrite(t, filepath.Join(root, "agent.lock"), "")

	skipDir := func(name string) bool { return name == "node_modules" }
	skipFile := func(name string) bool { return filepath.Ext(name) == ".lock" }

	entries, err := ListTree(root, skipDir, skipFile)
	if err != nil {
		t.Fatalf("ListTree: %v", err)
	}

	paths := make([]string, len(entries))
	for i, e := range entries {
		paths[i] = e.Path
	}
	want := []string{"main.py", "src", "src/app.py"}
	if len(paths) != len(want) {
		t.Fatalf("paths = %v, want %v", paths, want)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Fatalf("paths = %v, want %v", paths, want)
		}
	}
	if !entries[1].Dir {
		t.Error("src should be listed as a directory")
	}
}

func TestReadCapped(t *testing.T) {
	root := t.TempDir()
	small := filepath.Join(root, "small.txt")
	mustWrite(t, small, "hello")

	data, err := ReadCapped(small, 16)
	if err != nil {
		t.Fatalf("ReadCapped small: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("ReadCapped = %q, want %q", data, "hello")
	}

	big := filepath.Join(root, "big.txt")
	mustWrite(t, big, string(make([]byte, 32)))
	if _, err := ReadCapped(big, 16); !errors.Is(err, ErrTooLarge) {
		t.Errorf("ReadCapped big: want ErrTooLarge, got %v", err)
	}

	if _, err := ReadCapped(root, 16); !errors.Is(err, ErrIsDirectory) {
		t.Errorf("ReadCapped dir: want ErrIsDirectory, got %v", err)
	}
}

func TestCopyTree(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	mustWrite(t, filepath.Join(src, "CLAUDE.md"), "# agent")
	mustWrite(t, filepath.Join(src, "tools", "run.sh"), "#!/bin/sh\n")

	if err := CopyTree(src, dst); err != nil {
		t.Fatalf("CopyTree: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dst, "tools", "run.sh"))
	if err != nil {
		t.Fatalf("copied file missing: %v", err)
	}
	if string(data) != "#!/bin/sh\n" {
		t.Errorf("copied content = %q", data)
	}
}

func mustWrite(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

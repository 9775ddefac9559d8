package appconfig

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDirHonorsXDGConfigHome(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg-test")
	dir, err := Dir()
	if err != nil {
		t.Fatal(err)
	}
	if dir != filepath.Join("/tmp/xdg-test", "tunnelcore") {
		t.Fatalf("unexpected dir: %s", dir)
	}
}

func TestEnsureDirCreatesMode0700(t *testing.T) {
	base := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", base)

	dir, err := EnsureDir()
	if err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(dir)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != dirMode {
		t.Fatalf("expected mode %o, got %o", dirMode, info.Mode().Perm())
	}
}

func TestDocPathsShareOneDirectory(t *testing.T) {
	base := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", base)

	conns, err := ConnectionsPath()
	if err != nil {
		t.Fatal(err)
	}
	settings, err := SettingsPath()
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Dir(conns) != filepath.Dir(settings) {
		t.Fatalf("expected connections.toml and settings.toml in the same directory, got %s and %s", conns, settings)
	}
	if filepath.Base(conns) != "connections.toml" {
		t.Fatalf("unexpected connections path: %s", conns)
	}
}

func TestWriteFileAtomicSetsFileMode(t *testing.T) {
	base := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", base)

	path, err := ConnectionsPath()
	if err != nil {
		t.Fatal(err)
	}
	if err := WriteFileAtomic(path, []byte("connections = []\n")); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != fileMode {
		t.Fatalf("expected file mode %o, got %o", fileMode, info.Mode().Perm())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "connections = []\n" {
		t.Fatalf("unexpected file contents: %q", data)
	}
}

func TestWriteFileAtomicOverwritesExisting(t *testing.T) {
	base := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", base)

	path, err := SettingsPath()
	if err != nil {
		t.Fatal(err)
	}
	if err := WriteFileAtomic(path, []byte("language = \"en\"\n")); err != nil {
		t.Fatal(err)
	}
	if err := WriteFileAtomic(path, []byte("language = \"fr\"\n")); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "language = \"fr\"\n" {
		t.Fatalf("expected overwritten contents, got %q", data)
	}
}

package settingsstore

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	s := OpenAt(filepath.Join(t.TempDir(), "settings.toml"))
	settings, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	if settings != Defaults() {
		t.Fatalf("expected defaults, got %+v", settings)
	}
}

func TestSaveAndLoadRoundTrips(t *testing.T) {
	s := OpenAt(filepath.Join(t.TempDir(), "settings.toml"))
	want := Settings{Language: "fr", IdleTimeoutSeconds: 600, CheckIntervalSeconds: 30, DefaultBindAddress: "0.0.0.0"}
	if err := s.Save(want); err != nil {
		t.Fatal(err)
	}
	got, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestLoadBackfillsZeroFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.toml")
	if err := os.WriteFile(path, []byte("language = \"de\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	s := OpenAt(path)
	got, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	if got.Language != "de" {
		t.Fatalf("expected language de, got %s", got.Language)
	}
	if got.IdleTimeoutSeconds != Defaults().IdleTimeoutSeconds {
		t.Fatalf("expected backfilled idle timeout, got %d", got.IdleTimeoutSeconds)
	}
	if got.DefaultBindAddress != Defaults().DefaultBindAddress {
		t.Fatalf("expected backfilled bind address, got %s", got.DefaultBindAddress)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.toml")
	if err := os.WriteFile(path, []byte("language = \"en\"\nbogus_field = true\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	s := OpenAt(path)
	if _, err := s.Load(); err == nil {
		t.Fatal("expected unknown-field rejection")
	}
}

package configaudit

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCheckPathPermFlagsBroadFileMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.toml")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	var findings []Finding
	checkPathPerm(&findings, path, 0o600, true)
	if len(findings) != 1 {
		t.Fatalf("expected 1 finding for a too-broad file mode, got %d", len(findings))
	}
	if findings[0].Severity != SeverityMedium {
		t.Fatalf("expected medium severity, got %s", findings[0].Severity)
	}
}

func TestCheckPathPermIgnoresMissingPath(t *testing.T) {
	var findings []Finding
	checkPathPerm(&findings, filepath.Join(t.TempDir(), "does-not-exist"), 0o600, true)
	if len(findings) != 0 {
		t.Fatalf("expected no findings for a missing path, got %d", len(findings))
	}
}

func TestCheckPathPermAcceptsStrictMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.toml")
	if err := os.WriteFile(path, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	var findings []Finding
	checkPathPerm(&findings, path, 0o600, true)
	if len(findings) != 0 {
		t.Fatalf("expected no findings for an already-strict mode, got %d", len(findings))
	}
}

func TestReportHasHigh(t *testing.T) {
	r := Report{Findings: []Finding{{Severity: SeverityLow}, {Severity: SeverityHigh}}}
	if !r.HasHigh() {
		t.Fatal("expected HasHigh() to be true")
	}
	r2 := Report{Findings: []Finding{{Severity: SeverityLow}}}
	if r2.HasHigh() {
		t.Fatal("expected HasHigh() to be false")
	}
}

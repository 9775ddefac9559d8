// Package configaudit inspects local file permissions and saved-connection
// posture, surfacing anything that weakens the guarantees the transport and
// storage layers otherwise provide.
package configaudit

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/tunnelcore/tunnelcore/internal/appconfig"
	"github.com/tunnelcore/tunnelcore/internal/connstore"
	"github.com/tunnelcore/tunnelcore/internal/model"
)

// Severity ranks a Finding for sorting and for HasHigh.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Finding is one posture issue the audit surfaced.
type Finding struct {
	Severity       Severity `json:"severity"`
	Target         string   `json:"target"`
	Message        string   `json:"message"`
	Recommendation string   `json:"recommendation"`
}

// Report is the full audit result.
type Report struct {
	Findings []Finding `json:"findings"`
}

// HasHigh reports whether any finding is high severity.
func (r Report) HasHigh() bool {
	for _, f := range r.Findings {
		if f.Severity == SeverityHigh {
			return true
		}
	}
	return false
}

// Run inspects the config directory's file permissions, the user's
// ~/.ssh directory, and saved-connection host-key policy, and returns a
// sorted Report (high severity first).
func Run() (Report, error) {
	var findings []Finding

	home, err := os.UserHomeDir()
	if err == nil {
		checkPathPerm(&findings, filepath.Join(home, ".ssh"), 0o700, false)
		checkPathPerm(&findings, filepath.Join(home, ".ssh", "config"), 0o600, true)
	}

	if dir, err := appconfig.Dir(); err == nil {
		checkPathPerm(&findings, dir, 0o700, false)
		if p, err := appconfig.ConnectionsPath(); err == nil {
			checkPathPerm(&findings, p, 0o600, true)
		}
		if p, err := appconfig.TemplatesPath(); err == nil {
			checkPathPerm(&findings, p, 0o600, true)
		}
		if p, err := appconfig.SettingsPath(); err == nil {
			checkPathPerm(&findings, p, 0o600, true)
		}
	}

	if store, err := connstore.Open(); err == nil {
		if conns, err := store.Load(); err == nil {
			checkHostKeyPolicy(&findings, conns)
		}
	}

	sort.Slice(findings, func(i, j int) bool {
		if findings[i].Severity != findings[j].Severity {
			return severityRank(findings[i].Severity) > severityRank(findings[j].Severity)
		}
		if findings[i].Target != findings[j].Target {
			return findings[i].Target < findings[j].Target
		}
		return findings[i].Message < findings[j].Message
	})
	return Report{Findings: findings}, nil
}

func severityRank(s Severity) int {
	switch s {
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	default:
		return 1
	}
}

func checkPathPerm(findings *[]Finding, path string, max os.FileMode, isFile bool) {
	st, err := os.Stat(path)
	if err != nil {
		return // missing path: nothing to flag, it simply hasn't been created yet
	}
	mode := st.Mode().Perm()
	if mode > max {
		kind := "directory"
		if isFile {
			kind = "file"
		}
		*findings = append(*findings, Finding{
			Severity:       SeverityMedium,
			Target:         path,
			Message:        fmt.Sprintf("%s permissions are too broad (%#o)", kind, mode),
			Recommendation: fmt.Sprintf("restrict permissions to %#o or tighter", max),
		})
	}
}

func checkHostKeyPolicy(findings *[]Finding, conns []model.ConnectionDefinition) {
	for _, c := range conns {
		if !c.VerifyHostKey {
			*findings = append(*findings, Finding{
				Severity:       SeverityHigh,
				Target:         c.Name,
				Message:        "host key verification is disabled for this saved connection",
				Recommendation: "set verify_host_key = true and pin host_key_fingerprint after first connect",
			})
		}
	}
}

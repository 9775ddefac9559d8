// Package appconfig resolves the on-disk locations of the tunnel core's
// persisted documents (saved connections, templates, settings) and
// provisions the config directory with the permissions spec §6 requires.
package appconfig

import (
	"os"
	"path/filepath"

	"github.com/tunnelcore/tunnelcore/internal/xerrors"
)

// dirMode and fileMode match spec §6: the config directory is created mode
// 0700 on Unix, and every document written into it is mode 0600.
const (
	dirMode  = 0o700
	fileMode = 0o600
)

// Dir returns the application's config directory, honoring XDG_CONFIG_HOME
// when set and falling back to ~/.config/tunnelcore otherwise.
func Dir() (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "tunnelcore"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", xerrors.Wrap(xerrors.ConfigError, "could not resolve home directory", err)
	}
	return filepath.Join(home, ".config", "tunnelcore"), nil
}

// EnsureDir creates the config directory (and any missing parents) at mode
// 0700 if it does not already exist.
func EnsureDir() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return "", xerrors.Wrap(xerrors.IOError, "could not create config directory", err)
	}
	return dir, nil
}

// ConnectionsPath returns the path to connections.toml.
func ConnectionsPath() (string, error) { return docPath("connections.toml") }

// TemplatesPath returns the path to templates.toml.
func TemplatesPath() (string, error) { return docPath("templates.toml") }

// SettingsPath returns the path to settings.toml.
func SettingsPath() (string, error) { return docPath("settings.toml") }

// EventsPath returns the path to the session event trail, events.jsonl.
func EventsPath() (string, error) { return docPath("events.jsonl") }

func docPath(name string) (string, error) {
	dir, err := EnsureDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

// WriteFileAtomic writes data to path with FileMode, via a temp file in the
// same directory renamed into place, so a crash mid-write never leaves a
// truncated document behind.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return xerrors.Wrap(xerrors.IOError, "could not create temp file", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return xerrors.Wrap(xerrors.IOError, "could not write temp file", err)
	}
	if err := tmp.Close(); err != nil {
		return xerrors.Wrap(xerrors.IOError, "could not close temp file", err)
	}
	if err := os.Chmod(tmpPath, fileMode); err != nil {
		return xerrors.Wrap(xerrors.IOError, "could not set file mode", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return xerrors.Wrap(xerrors.IOError, "could not rename into place", err)
	}
	return nil
}

// Package settingsstore persists the user's global preferences: language,
// idle timeout, liveness check interval, and default bind address, per
// spec §6.
package settingsstore

import (
	"bytes"
	"os"
	"sync"

	"github.com/pelletier/go-toml/v2"

	"github.com/tunnelcore/tunnelcore/internal/appconfig"
	"github.com/tunnelcore/tunnelcore/internal/xerrors"
)

// Settings is the document stored in settings.toml.
type Settings struct {
	Language              string `toml:"language"`
	IdleTimeoutSeconds    int    `toml:"idle_timeout_seconds"`
	CheckIntervalSeconds  int    `toml:"check_interval_seconds"`
	DefaultBindAddress    string `toml:"default_bind_address"`
}

// Defaults returns the spec-mandated defaults.
func Defaults() Settings {
	return Settings{
		Language:             "en",
		IdleTimeoutSeconds:   300,
		CheckIntervalSeconds: 60,
		DefaultBindAddress:   "127.0.0.1",
	}
}

// Store is a TOML-backed settings document.
type Store struct {
	mu   sync.Mutex
	path string
}

// Open resolves settings.toml's path and returns a bound Store.
func Open() (*Store, error) {
	path, err := appconfig.SettingsPath()
	if err != nil {
		return nil, err
	}
	return &Store{path: path}, nil
}

// OpenAt binds a Store to an explicit path, for tests.
func OpenAt(path string) *Store {
	return &Store{path: path}
}

// Load returns the stored settings, or Defaults() if settings.toml does not
// exist yet. Zero-valued fields in an existing file are backfilled from
// Defaults, matching the teacher's config-normalization idiom.
func (s *Store) Load() (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Defaults(), nil
		}
		return Settings{}, xerrors.Wrap(xerrors.IOError, "could not read settings store", err)
	}

	settings := Defaults()
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&settings); err != nil {
		return Settings{}, xerrors.Wrap(xerrors.SerializationError, "could not parse settings.toml", err)
	}

	if settings.IdleTimeoutSeconds <= 0 {
		settings.IdleTimeoutSeconds = Defaults().IdleTimeoutSeconds
	}
	if settings.CheckIntervalSeconds <= 0 {
		settings.CheckIntervalSeconds = Defaults().CheckIntervalSeconds
	}
	if settings.DefaultBindAddress == "" {
		settings.DefaultBindAddress = Defaults().DefaultBindAddress
	}
	return settings, nil
}

// Save overwrites the store with settings.
func (s *Store) Save(settings Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := toml.Marshal(settings)
	if err != nil {
		return xerrors.Wrap(xerrors.SerializationError, "could not encode settings.toml", err)
	}
	return appconfig.WriteFileAtomic(s.path, data)
}

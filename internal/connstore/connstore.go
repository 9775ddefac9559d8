// Package connstore persists the saved-connection document: a TOML file
// with a top-level `connections` array, one entry per
// model.ConnectionDefinition, as spec §6 describes.
package connstore

import (
	"bytes"
	"os"
	"sync"

	"github.com/pelletier/go-toml/v2"

	"github.com/tunnelcore/tunnelcore/internal/appconfig"
	"github.com/tunnelcore/tunnelcore/internal/model"
	"github.com/tunnelcore/tunnelcore/internal/xerrors"
)

// document is the on-disk shape of connections.toml.
type document struct {
	Connections []model.ConnectionDefinition `toml:"connections"`
}

// Store is a TOML-backed, mutex-guarded saved-connection table.
type Store struct {
	mu   sync.Mutex
	path string
}

// Open resolves connections.toml's path (creating the config directory if
// needed) and returns a Store bound to it. The file itself is created lazily
// on first Save.
func Open() (*Store, error) {
	path, err := appconfig.ConnectionsPath()
	if err != nil {
		return nil, err
	}
	return &Store{path: path}, nil
}

// OpenAt binds a Store to an explicit path, for tests.
func OpenAt(path string) *Store {
	return &Store{path: path}
}

// Load reads every saved connection. A missing file is not an error: it
// yields an empty slice, matching the Templates store's "absence means
// defaults" policy applied here as "absence means none saved yet".
func (s *Store) Load() ([]model.ConnectionDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) loadLocked() ([]model.ConnectionDefinition, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, xerrors.Wrap(xerrors.IOError, "could not read connections store", err)
	}

	var doc document
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return nil, xerrors.Wrap(xerrors.SerializationError, "could not parse connections.toml", err)
	}
	return doc.Connections, nil
}

// Save overwrites the store with conns.
func (s *Store) Save(conns []model.ConnectionDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(conns)
}

func (s *Store) saveLocked(conns []model.ConnectionDefinition) error {
	data, err := toml.Marshal(document{Connections: conns})
	if err != nil {
		return xerrors.Wrap(xerrors.SerializationError, "could not encode connections.toml", err)
	}
	return appconfig.WriteFileAtomic(s.path, data)
}

// Add appends def and persists the result. It does not itself check for
// duplicate names or ids; the caller (the CLI's add command) owns that
// policy decision.
func (s *Store) Add(def model.ConnectionDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conns, err := s.loadLocked()
	if err != nil {
		return err
	}
	conns = append(conns, def)
	return s.saveLocked(conns)
}

// Delete removes the connection with the given id, returning
// SessionNotFound-flavored ConfigError if no such id exists.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conns, err := s.loadLocked()
	if err != nil {
		return err
	}
	out := conns[:0]
	found := false
	for _, c := range conns {
		if c.ID == id {
			found = true
			continue
		}
		out = append(out, c)
	}
	if !found {
		return xerrors.New(xerrors.ConfigError, "no saved connection with that id")
	}
	return s.saveLocked(out)
}

// Get returns the connection with the given id.
func (s *Store) Get(id string) (model.ConnectionDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conns, err := s.loadLocked()
	if err != nil {
		return model.ConnectionDefinition{}, err
	}
	for _, c := range conns {
		if c.ID == id {
			return c, nil
		}
	}
	return model.ConnectionDefinition{}, xerrors.New(xerrors.ConfigError, "no saved connection with that id")
}

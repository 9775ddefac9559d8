// Package templatestore persists Connection Templates: presets of default
// port/username/auth plus a set of forwarding rules that seed a new
// ConnectionDefinition. Absence of templates.toml yields the built-in set
// spec §6 names instead of an empty list.
package templatestore

import (
	"bytes"
	"os"
	"sync"

	"github.com/pelletier/go-toml/v2"

	"github.com/tunnelcore/tunnelcore/internal/appconfig"
	"github.com/tunnelcore/tunnelcore/internal/model"
	"github.com/tunnelcore/tunnelcore/internal/xerrors"
)

// Template is a named preset for model.NewConnectionDefinition.
type Template struct {
	Name              string                 `toml:"name"`
	Description       string                 `toml:"description"`
	DefaultPort       int                    `toml:"default_port"`
	DefaultUsername   string                 `toml:"default_username"`
	DefaultAuthMethod model.AuthMethod       `toml:"default_auth_method"`
	ForwardingConfigs []model.ForwardingRule `toml:"forwarding_configs"`
}

// Instantiate builds a ConnectionDefinition for host from the template,
// applying its preset forwarding rules and defaults.
func (tpl Template) Instantiate(host string) model.ConnectionDefinition {
	def := model.NewConnectionDefinition(tpl.Name, host, tpl.DefaultUsername)
	if tpl.DefaultPort != 0 {
		def.Port = tpl.DefaultPort
	}
	if tpl.DefaultAuthMethod.Type != "" {
		def.AuthMethod = tpl.DefaultAuthMethod
	}
	def.ForwardingConfigs = append([]model.ForwardingRule(nil), tpl.ForwardingConfigs...)
	return def
}

type document struct {
	Templates []Template `toml:"templates"`
}

// Store is a TOML-backed template table.
type Store struct {
	mu   sync.Mutex
	path string
}

// Open resolves templates.toml's path and returns a bound Store.
func Open() (*Store, error) {
	path, err := appconfig.TemplatesPath()
	if err != nil {
		return nil, err
	}
	return &Store{path: path}, nil
}

// OpenAt binds a Store to an explicit path, for tests.
func OpenAt(path string) *Store {
	return &Store{path: path}
}

// Load returns every stored template, or the built-in defaults if
// templates.toml does not exist yet.
func (s *Store) Load() ([]Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Defaults(), nil
		}
		return nil, xerrors.Wrap(xerrors.IOError, "could not read templates store", err)
	}

	var doc document
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return nil, xerrors.Wrap(xerrors.SerializationError, "could not parse templates.toml", err)
	}
	return doc.Templates, nil
}

// Save overwrites the store with templates.
func (s *Store) Save(templates []Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := toml.Marshal(document{Templates: templates})
	if err != nil {
		return xerrors.Wrap(xerrors.SerializationError, "could not encode templates.toml", err)
	}
	return appconfig.WriteFileAtomic(s.path, data)
}

// Find returns the template named name, or ok=false if none matches.
func Find(templates []Template, name string) (Template, bool) {
	for _, tpl := range templates {
		if tpl.Name == name {
			return tpl, true
		}
	}
	return Template{}, false
}

// Defaults returns the built-in template set spec §6 names: MySQL,
// PostgreSQL, SOCKS5, webhook debug, and a multi-service bundle.
func Defaults() []Template {
	return []Template{
		{
			Name:            "MySQL",
			Description:     "Local forward to a remote MySQL instance",
			DefaultUsername: "root",
			ForwardingConfigs: []model.ForwardingRule{
				{Type: model.RuleLocal, BindAddress: "127.0.0.1", LocalPort: 13306, RemoteHost: "localhost", RemotePort: 3306},
			},
		},
		{
			Name:            "PostgreSQL",
			Description:     "Local forward to a remote PostgreSQL instance",
			DefaultUsername: "postgres",
			ForwardingConfigs: []model.ForwardingRule{
				{Type: model.RuleLocal, BindAddress: "127.0.0.1", LocalPort: 15432, RemoteHost: "localhost", RemotePort: 5432},
			},
		},
		{
			Name:        "SOCKS5",
			Description: "Dynamic SOCKS5 proxy through the remote host",
			ForwardingConfigs: []model.ForwardingRule{
				{Type: model.RuleDynamic, BindAddress: "127.0.0.1", LocalPort: 2025, SocksVersion: 5},
			},
		},
		{
			Name:        "Webhook debug",
			Description: "Remote forward exposing a local webhook receiver",
			ForwardingConfigs: []model.ForwardingRule{
				{Type: model.RuleRemote, RemotePort: 8080, LocalHost: "127.0.0.1", LocalPort: 3000},
			},
		},
		{
			Name:        "Multi-service",
			Description: "Local forwards for MySQL, Redis, and RabbitMQ",
			ForwardingConfigs: []model.ForwardingRule{
				{Type: model.RuleLocal, BindAddress: "127.0.0.1", LocalPort: 3306, RemoteHost: "localhost", RemotePort: 3306},
				{Type: model.RuleLocal, BindAddress: "127.0.0.1", LocalPort: 6379, RemoteHost: "localhost", RemotePort: 6379},
				{Type: model.RuleLocal, BindAddress: "127.0.0.1", LocalPort: 5672, RemoteHost: "localhost", RemotePort: 5672},
			},
		},
	}
}

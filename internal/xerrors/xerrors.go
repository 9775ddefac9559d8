// Package xerrors implements the error taxonomy shared by every layer of
// the tunnel core: a closed set of failure kinds, each carrying a short
// user-facing message distinct from its debug form.
package xerrors

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// Kind tags which failure occurred. The set is closed and mirrors the
// taxonomy named by the component design.
type Kind int

const (
	SshConnectionFailed Kind = iota
	AuthenticationFailed
	PortInUse
	InvalidPort
	InvalidHost
	KeyFileNotFound
	KeyFilePermission
	KeyFileExists
	KeyGenerationFailed
	TunnelFailed
	ConfigError
	SessionNotFound
	HostKeyMismatch
	IOError
	SerializationError
)

func (k Kind) String() string {
	switch k {
	case SshConnectionFailed:
		return "SshConnectionFailed"
	case AuthenticationFailed:
		return "AuthenticationFailed"
	case PortInUse:
		return "PortInUse"
	case InvalidPort:
		return "InvalidPort"
	case InvalidHost:
		return "InvalidHost"
	case KeyFileNotFound:
		return "KeyFileNotFound"
	case KeyFilePermission:
		return "KeyFilePermission"
	case KeyFileExists:
		return "KeyFileExists"
	case KeyGenerationFailed:
		return "KeyGenerationFailed"
	case TunnelFailed:
		return "TunnelFailed"
	case ConfigError:
		return "ConfigError"
	case SessionNotFound:
		return "SessionNotFound"
	case HostKeyMismatch:
		return "HostKeyMismatch"
	case IOError:
		return "IOError"
	case SerializationError:
		return "SerializationError"
	default:
		return "Unknown"
	}
}

// Error is a classified error: a Kind, a short user-safe message, an
// optional detail (part of the user-safe form only for TunnelFailed and
// ConfigError), and an optional wrapped cause kept out of the user-safe form.
type Error struct {
	Kind    Kind
	Detail  string
	Port    int
	Host    string
	Path    string
	cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.UserMessage()
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.cause)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.cause }

// UserMessage renders a short message safe to show a CLI user: no file
// paths, no home directories, no stack context.
func (e *Error) UserMessage() string {
	switch e.Kind {
	case SshConnectionFailed:
		return "could not connect to host"
	case AuthenticationFailed:
		return "authentication failed"
	case PortInUse:
		return fmt.Sprintf("port %d is already in use", e.Port)
	case InvalidPort:
		return fmt.Sprintf("invalid port %d", e.Port)
	case InvalidHost:
		return fmt.Sprintf("invalid host %q", e.Host)
	case KeyFileNotFound:
		return "key file not found"
	case KeyFilePermission:
		return "key file has unsafe permissions"
	case KeyFileExists:
		return "key file already exists"
	case KeyGenerationFailed:
		return "key generation failed"
	case TunnelFailed:
		if e.Detail != "" {
			return e.Detail
		}
		return "tunnel failed"
	case ConfigError:
		if e.Detail != "" {
			return e.Detail
		}
		return "configuration error"
	case SessionNotFound:
		return "session not found"
	case HostKeyMismatch:
		return "host key does not match the pinned fingerprint"
	case IOError:
		return "i/o error"
	case SerializationError:
		return "could not parse document"
	default:
		return "operation failed"
	}
}

// DebugMessage renders the full detail, including the wrapped cause, for
// logs. It is never shown directly to an interactive caller.
func (e *Error) DebugMessage() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Path != "" {
		b.WriteString(" path=")
		b.WriteString(Redact(e.Path))
	}
	if e.cause != nil {
		b.WriteString(" cause=")
		b.WriteString(e.cause.Error())
	}
	return b.String()
}

// New builds a classified error carrying a free-form detail string.
func New(kind Kind, detail string) error {
	return &Error{Kind: kind, Detail: detail}
}

// Wrap classifies an existing error under kind, keeping it as the cause.
func Wrap(kind Kind, detail string, cause error) error {
	return &Error{Kind: kind, Detail: detail, cause: cause}
}

// WithPort builds a classified error bound to a specific port (PortInUse,
// InvalidPort).
func WithPort(kind Kind, port int) error {
	return &Error{Kind: kind, Port: port}
}

// WithHost builds a classified error bound to a host string (InvalidHost).
func WithHost(kind Kind, host string) error {
	return &Error{Kind: kind, Host: host}
}

// WithPath builds a classified error bound to a filesystem path (KeyFile*).
func WithPath(kind Kind, path string, cause error) error {
	return &Error{Kind: kind, Path: path, cause: cause}
}

// Is reports whether err is a classified error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind of a classified error, returning ok=false for
// any error that was never classified.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// UserMessage returns the safe-to-display message for any error, falling
// back to the bare Error() text for unclassified errors.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.UserMessage()
	}
	return err.Error()
}

// Redact replaces every occurrence of the caller's home directory in msg
// with "~". The rest of a path, including a key file's name, is kept.
func Redact(msg string) string {
	if msg == "" {
		return msg
	}
	out := msg
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		out = strings.ReplaceAll(out, home, "~")
	}
	return out
}

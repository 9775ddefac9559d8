// Package cmdline parses and formats SSH-style command strings
// ("ssh -L 13306:10.0.0.5:3306 user@host") into and out of a
// model.ConnectionDefinition, so a user can paste a familiar ssh(1)
// invocation straight into the add command.
package cmdline

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tunnelcore/tunnelcore/internal/model"
	"github.com/tunnelcore/tunnelcore/internal/xerrors"
)

// Parse converts a full "ssh ..." command string into a ConnectionDefinition.
// It accepts -L, -R, -D, -p, -i, -C, -f, -N, -q, and -v[v[v]]; any other
// flag is ignored. user@host (or a bare host) must be present.
func Parse(command string) (model.ConnectionDefinition, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 || fields[0] != "ssh" {
		return model.ConnectionDefinition{}, xerrors.New(xerrors.ConfigError, "command must start with \"ssh\"")
	}
	return parseArgs(fields[1:])
}

func parseArgs(args []string) (model.ConnectionDefinition, error) {
	var rules []model.ForwardingRule
	var username, host, identityFile string
	port := 22

	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch arg {
		case "-L":
			i++
			if i >= len(args) {
				return model.ConnectionDefinition{}, xerrors.New(xerrors.ConfigError, "-L requires an argument")
			}
			rule, err := parseLocalForward(args[i])
			if err != nil {
				return model.ConnectionDefinition{}, err
			}
			rules = append(rules, rule)
		case "-R":
			i++
			if i >= len(args) {
				return model.ConnectionDefinition{}, xerrors.New(xerrors.ConfigError, "-R requires an argument")
			}
			rule, err := parseRemoteForward(args[i])
			if err != nil {
				return model.ConnectionDefinition{}, err
			}
			rules = append(rules, rule)
		case "-D":
			i++
			if i >= len(args) {
				return model.ConnectionDefinition{}, xerrors.New(xerrors.ConfigError, "-D requires an argument")
			}
			rule, err := parseDynamicForward(args[i])
			if err != nil {
				return model.ConnectionDefinition{}, err
			}
			rules = append(rules, rule)
		case "-p":
			i++
			if i >= len(args) {
				return model.ConnectionDefinition{}, xerrors.New(xerrors.ConfigError, "-p requires an argument")
			}
			p, err := strconv.Atoi(args[i])
			if err != nil {
				return model.ConnectionDefinition{}, xerrors.New(xerrors.ConfigError, fmt.Sprintf("invalid port: %s", args[i]))
			}
			port = p
		case "-i":
			i++
			if i >= len(args) {
				return model.ConnectionDefinition{}, xerrors.New(xerrors.ConfigError, "-i requires an argument")
			}
			identityFile = args[i]
		case "-C", "-f", "-N", "-q", "-v", "-vv", "-vvv":
			// compression, background mode, no-remote-command, quiet,
			// verbosity: all implicit or irrelevant to a forwarding-only
			// connection (compression defaults on regardless of -C).
		default:
			if strings.HasPrefix(arg, "-") {
				continue // unknown option, ignored
			}
			if strings.Contains(arg, "@") {
				parts := strings.SplitN(arg, "@", 2)
				if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
					return model.ConnectionDefinition{}, xerrors.New(xerrors.ConfigError, fmt.Sprintf("invalid user@host: %s", arg))
				}
				username, host = parts[0], parts[1]
			} else if host == "" {
				host = arg
			}
		}
	}

	if host == "" {
		return model.ConnectionDefinition{}, xerrors.New(xerrors.ConfigError, "host is required")
	}
	if username == "" {
		username = currentUser()
	}

	auth := model.AuthMethod{Type: model.AuthPassword}
	if identityFile != "" {
		auth = model.AuthMethod{Type: model.AuthPublicKey, PrivateKeyPath: identityFile}
	}

	now := time.Now()
	return model.ConnectionDefinition{
		ID:                 model.NewID(),
		Name:               defaultName(rules, username, host),
		Host:               host,
		Port:               port,
		Username:           username,
		AuthMethod:         auth,
		ForwardingConfigs:  rules,
		IdleTimeoutSeconds: 300,
		Compression:        true,
		CreatedAt:          now,
		UpdatedAt:          now,
	}, nil
}

func currentUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	if u := os.Getenv("USERNAME"); u != "" {
		return u
	}
	return "root"
}

func defaultName(rules []model.ForwardingRule, username, host string) string {
	if len(rules) == 0 {
		return fmt.Sprintf("%s@%s", username, host)
	}
	label := "Local Forward"
	switch rules[0].Type {
	case model.RuleRemote:
		label = "Remote Forward"
	case model.RuleDynamic:
		label = "SOCKS Proxy"
	}
	return fmt.Sprintf("%s - %s@%s", label, username, host)
}

// parseLocalForward parses [bind_address:]local_port:remote_host:remote_port.
func parseLocalForward(arg string) (model.ForwardingRule, error) {
	parts := strings.Split(arg, ":")
	switch len(parts) {
	case 3:
		localPort, err := strconv.Atoi(parts[0])
		if err != nil {
			return model.ForwardingRule{}, xerrors.New(xerrors.ConfigError, fmt.Sprintf("invalid local port: %s", parts[0]))
		}
		remotePort, err := strconv.Atoi(parts[2])
		if err != nil {
			return model.ForwardingRule{}, xerrors.New(xerrors.ConfigError, fmt.Sprintf("invalid remote port: %s", parts[2]))
		}
		return model.ForwardingRule{Type: model.RuleLocal, BindAddress: "127.0.0.1", LocalPort: localPort, RemoteHost: parts[1], RemotePort: remotePort}, nil
	case 4:
		localPort, err := strconv.Atoi(parts[1])
		if err != nil {
			return model.ForwardingRule{}, xerrors.New(xerrors.ConfigError, fmt.Sprintf("invalid local port: %s", parts[1]))
		}
		remotePort, err := strconv.Atoi(parts[3])
		if err != nil {
			return model.ForwardingRule{}, xerrors.New(xerrors.ConfigError, fmt.Sprintf("invalid remote port: %s", parts[3]))
		}
		return model.ForwardingRule{Type: model.RuleLocal, BindAddress: parts[0], LocalPort: localPort, RemoteHost: parts[2], RemotePort: remotePort}, nil
	default:
		return model.ForwardingRule{}, xerrors.New(xerrors.ConfigError, fmt.Sprintf("invalid -L format: %s", arg))
	}
}

// parseRemoteForward parses [bind_address:]remote_port:local_host:local_port.
// A leading bind_address is accepted for ssh(1) compatibility and ignored,
// matching the spec's single server-side bind of 0.0.0.0.
func parseRemoteForward(arg string) (model.ForwardingRule, error) {
	parts := strings.Split(arg, ":")
	switch len(parts) {
	case 3:
		remotePort, err := strconv.Atoi(parts[0])
		if err != nil {
			return model.ForwardingRule{}, xerrors.New(xerrors.ConfigError, fmt.Sprintf("invalid remote port: %s", parts[0]))
		}
		localPort, err := strconv.Atoi(parts[2])
		if err != nil {
			return model.ForwardingRule{}, xerrors.New(xerrors.ConfigError, fmt.Sprintf("invalid local port: %s", parts[2]))
		}
		return model.ForwardingRule{Type: model.RuleRemote, RemotePort: remotePort, LocalHost: parts[1], LocalPort: localPort}, nil
	case 4:
		remotePort, err := strconv.Atoi(parts[1])
		if err != nil {
			return model.ForwardingRule{}, xerrors.New(xerrors.ConfigError, fmt.Sprintf("invalid remote port: %s", parts[1]))
		}
		localPort, err := strconv.Atoi(parts[3])
		if err != nil {
			return model.ForwardingRule{}, xerrors.New(xerrors.ConfigError, fmt.Sprintf("invalid local port: %s", parts[3]))
		}
		return model.ForwardingRule{Type: model.RuleRemote, RemotePort: remotePort, LocalHost: parts[2], LocalPort: localPort}, nil
	default:
		return model.ForwardingRule{}, xerrors.New(xerrors.ConfigError, fmt.Sprintf("invalid -R format: %s", arg))
	}
}

// parseDynamicForward parses [bind_address:]local_port.
func parseDynamicForward(arg string) (model.ForwardingRule, error) {
	parts := strings.Split(arg, ":")
	switch len(parts) {
	case 1:
		port, err := strconv.Atoi(parts[0])
		if err != nil {
			return model.ForwardingRule{}, xerrors.New(xerrors.ConfigError, fmt.Sprintf("invalid port: %s", parts[0]))
		}
		return model.ForwardingRule{Type: model.RuleDynamic, BindAddress: "127.0.0.1", LocalPort: port, SocksVersion: 5}, nil
	case 2:
		port, err := strconv.Atoi(parts[1])
		if err != nil {
			return model.ForwardingRule{}, xerrors.New(xerrors.ConfigError, fmt.Sprintf("invalid port: %s", parts[1]))
		}
		return model.ForwardingRule{Type: model.RuleDynamic, BindAddress: parts[0], LocalPort: port, SocksVersion: 5}, nil
	default:
		return model.ForwardingRule{}, xerrors.New(xerrors.ConfigError, fmt.Sprintf("invalid -D format: %s", arg))
	}
}

// Format renders def back into an equivalent "ssh ..." command string. It
// is the inverse of Parse up to the ordering/defaulting choices spec §8
// documents as non-guarantees (flag order, compression/background flags).
func Format(def model.ConnectionDefinition) string {
	var b strings.Builder
	b.WriteString("ssh")

	if def.Port != 22 {
		fmt.Fprintf(&b, " -p %d", def.Port)
	}
	if def.AuthMethod.Type == model.AuthPublicKey && def.AuthMethod.PrivateKeyPath != "" {
		fmt.Fprintf(&b, " -i %s", def.AuthMethod.PrivateKeyPath)
	}

	for _, rule := range def.ForwardingConfigs {
		switch rule.Type {
		case model.RuleLocal:
			fmt.Fprintf(&b, " -L %s:%d:%s:%d", rule.EffectiveBindAddress(), rule.LocalPort, rule.RemoteHost, rule.RemotePort)
		case model.RuleRemote:
			fmt.Fprintf(&b, " -R %d:%s:%d", rule.RemotePort, rule.LocalHost, rule.LocalPort)
		case model.RuleDynamic:
			fmt.Fprintf(&b, " -D %s:%d", rule.EffectiveBindAddress(), rule.LocalPort)
		}
	}

	fmt.Fprintf(&b, " %s@%s", def.Username, def.Host)
	return b.String()
}

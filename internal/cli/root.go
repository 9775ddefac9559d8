// Package cli provides the command-line interface for tunnelcore, built
// with Cobra.
//
// Command tree:
//
//	tunnelcore list                          → list saved connections
//	tunnelcore add                           → save a new connection
//	tunnelcore delete <id>                   → remove a saved connection
//	tunnelcore show <id>                      → print one saved connection
//	tunnelcore templates                     → list connection templates
//	tunnelcore from-template <name> <host>   → instantiate a template
//	tunnelcore connect <id>                  → connect and open its tunnels
//	tunnelcore sessions                      → list active sessions
//	tunnelcore disconnect <session-id>       → tear down a session
//	tunnelcore forward <ssh-command>          → parse an ad-hoc ssh -L/-R/-D string
//
// There is no background daemon: a session only lives for the duration of
// the `connect` invocation that created it. `sessions`/`disconnect` run
// against the current process's Session Manager, so outside of an active
// `connect` they report no active sessions — that absence is itself
// correct behavior for a non-daemon CLI, not a bug.
package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh"
	"golang.org/x/term"

	"github.com/tunnelcore/tunnelcore/internal/appconfig"
	"github.com/tunnelcore/tunnelcore/internal/cmdline"
	"github.com/tunnelcore/tunnelcore/internal/configaudit"
	"github.com/tunnelcore/tunnelcore/internal/connstore"
	"github.com/tunnelcore/tunnelcore/internal/forwardrouter"
	"github.com/tunnelcore/tunnelcore/internal/model"
	"github.com/tunnelcore/tunnelcore/internal/portregistry"
	"github.com/tunnelcore/tunnelcore/internal/sessionevents"
	"github.com/tunnelcore/tunnelcore/internal/sessionmgr"
	"github.com/tunnelcore/tunnelcore/internal/settingsstore"
	"github.com/tunnelcore/tunnelcore/internal/sshtransport"
	"github.com/tunnelcore/tunnelcore/internal/templatestore"
	"github.com/tunnelcore/tunnelcore/internal/tunnelengine"
	"github.com/tunnelcore/tunnelcore/internal/xerrors"
)

// app bundles the stores and the session manager shared across one CLI
// invocation's subcommand tree, mirroring the teacher's single-manager
// wiring in NewRootCommand.
type app struct {
	conns     *connstore.Store
	templates *templatestore.Store
	settings  *settingsstore.Store
	sessions  *sessionmgr.Manager
	events    *sessionevents.Recorder
}

func newApp() (*app, error) {
	conns, err := connstore.Open()
	if err != nil {
		return nil, err
	}
	templates, err := templatestore.Open()
	if err != nil {
		return nil, err
	}
	settings, err := settingsstore.Open()
	if err != nil {
		return nil, err
	}

	eventsPath, err := appconfig.EventsPath()
	var events *sessionevents.Recorder
	if err == nil {
		events, err = sessionevents.NewWithTrail(eventsPath)
	}
	if err != nil {
		events = sessionevents.New()
	}

	return &app{
		conns:     conns,
		templates: templates,
		settings:  settings,
		sessions:  sessionmgr.New(events),
		events:    events,
	}, nil
}

func (a *app) close() {
	a.sessions.Shutdown()
	a.events.Close()
}

// NewRootCommand builds the top-level Cobra command tree.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "tunnelcore",
		Short:        "SSH tunnel session manager",
		SilenceUsage: true,
	}

	root.AddCommand(newListCmd())
	root.AddCommand(newAddCmd())
	root.AddCommand(newDeleteCmd())
	root.AddCommand(newShowCmd())
	root.AddCommand(newTemplatesCmd())
	root.AddCommand(newFromTemplateCmd())
	root.AddCommand(newConnectCmd())
	root.AddCommand(newSessionsCmd())
	root.AddCommand(newDisconnectCmd())
	root.AddCommand(newForwardCmd())
	root.AddCommand(newAuditCmd())
	return root
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List saved connections",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			conns, err := a.conns.Load()
			if err != nil {
				return err
			}
			fmt.Printf("%-36s %-20s %-28s %-10s %s\n", "ID", "NAME", "HOST", "PORT", "RULES")
			for _, c := range conns {
				fmt.Printf("%-36s %-20s %-28s %-10d %d\n", c.ID, c.Name, c.Host, c.Port, len(c.ForwardingConfigs))
			}
			return nil
		},
	}
}

func newAddCmd() *cobra.Command {
	var name, host, username, fromCommand, keyPath string
	var port int

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Save a new connection",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			var def model.ConnectionDefinition
			if fromCommand != "" {
				def, err = cmdline.Parse(fromCommand)
				if err != nil {
					return err
				}
			} else {
				if host == "" {
					return xerrors.New(xerrors.ConfigError, "--host is required unless --from-command is given")
				}
				def = model.NewConnectionDefinition(name, host, username)
				if port != 0 {
					def.Port = port
				}
			}

			if keyPath != "" {
				def.AuthMethod = model.AuthMethod{Type: model.AuthPublicKey, PrivateKeyPath: keyPath}
			}
			if name != "" {
				def.Name = name
			}

			if ruleA, ruleB, dup := def.DuplicateLocalPort(); dup {
				return xerrors.New(xerrors.ConfigError, fmt.Sprintf("rules %d and %d claim the same local port", ruleA, ruleB))
			}

			if err := a.conns.Add(def); err != nil {
				return err
			}
			fmt.Println(def.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "connection name")
	cmd.Flags().StringVar(&host, "host", "", "remote host")
	cmd.Flags().StringVar(&username, "username", "", "remote username")
	cmd.Flags().IntVar(&port, "port", 0, "ssh port (default 22)")
	cmd.Flags().StringVar(&keyPath, "key", "", "private key path for public-key auth")
	cmd.Flags().StringVar(&fromCommand, "from-command", "", "parse an ssh(1)-style command instead of flags")
	return cmd
}

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Remove a saved connection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()
			return a.conns.Delete(args[0])
		},
	}
}

func newShowCmd() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Print one saved connection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			def, err := a.conns.Get(args[0])
			if err != nil {
				return err
			}
			if jsonOut {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(def)
			}
			fmt.Printf("id:       %s\n", def.ID)
			fmt.Printf("name:     %s\n", def.Name)
			fmt.Printf("host:     %s:%d\n", def.Host, def.Port)
			fmt.Printf("username: %s\n", def.Username)
			fmt.Printf("rules:\n")
			for _, r := range def.ForwardingConfigs {
				fmt.Printf("  - %s\n", describeRule(r))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

func describeRule(r model.ForwardingRule) string {
	switch r.Type {
	case model.RuleLocal:
		return fmt.Sprintf("Local %s:%d -> %s:%d", r.EffectiveBindAddress(), r.LocalPort, r.RemoteHost, r.RemotePort)
	case model.RuleRemote:
		return fmt.Sprintf("Remote 0.0.0.0:%d -> %s:%d", r.RemotePort, r.LocalHost, r.LocalPort)
	case model.RuleDynamic:
		return fmt.Sprintf("Dynamic SOCKS5 %s:%d", r.EffectiveBindAddress(), r.LocalPort)
	default:
		return "unknown rule"
	}
}

func newTemplatesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "templates",
		Short: "List connection templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			templates, err := a.templates.Load()
			if err != nil {
				return err
			}
			for _, tpl := range templates {
				fmt.Printf("%-16s %s\n", tpl.Name, tpl.Description)
			}
			return nil
		},
	}
}

func newFromTemplateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "from-template <template> <host>",
		Short: "Instantiate a template into a saved connection",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			templates, err := a.templates.Load()
			if err != nil {
				return err
			}
			tpl, ok := templatestore.Find(templates, args[0])
			if !ok {
				return xerrors.New(xerrors.ConfigError, fmt.Sprintf("no such template: %s", args[0]))
			}
			def := tpl.Instantiate(args[1])
			if name != "" {
				def.Name = name
			}
			if err := a.conns.Add(def); err != nil {
				return err
			}
			fmt.Println(def.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "override the connection's saved name")
	return cmd
}

func newConnectCmd() *cobra.Command {
	var password string
	var verifyHostKey bool
	cmd := &cobra.Command{
		Use:   "connect <id>",
		Short: "Connect to a saved connection and open its tunnels",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			def, err := a.conns.Get(args[0])
			if err != nil {
				return err
			}

			auth, err := buildAuth(def, password)
			if err != nil {
				return err
			}

			ctx := context.Background()
			transport, err := sshtransport.Connect(ctx, sshtransport.ConnectParams{
				Host:              def.Host,
				Port:              def.Port,
				Username:          def.Username,
				Auth:              auth,
				VerifyHostKey:     verifyHostKey || def.VerifyHostKey,
				PinnedFingerprint: derefOrEmpty(def.HostKeyFingerprint),
			})
			if err != nil {
				return err
			}

			router := forwardrouter.New()
			transport.Serve(ctx, router)

			engine := tunnelengine.New(transport, router, portregistry.New())
			session := a.sessions.CreateSession(def, transport, engine)
			if idx, err, failed := a.sessions.SetupTunnels(session.ID); failed {
				_ = a.sessions.Disconnect(session.ID)
				return xerrors.Wrap(xerrors.TunnelFailed, fmt.Sprintf("rule %d", idx), err)
			}

			fmt.Printf("session %s connected (%d tunnels)\n", session.ID, len(def.ForwardingConfigs))
			return runRepl(a, session.ID)
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "password for password auth (prompted via stdin if empty and required)")
	cmd.Flags().BoolVar(&verifyHostKey, "verify-host-key", false, "verify the server's host key")
	return cmd
}

// buildAuth resolves def's auth method into the ssh.AuthMethod the
// transport expects, prompting on stdin for a password if one is required
// and not already supplied via --password.
func buildAuth(def model.ConnectionDefinition, password string) ([]ssh.AuthMethod, error) {
	switch def.AuthMethod.Type {
	case model.AuthPublicKey:
		keyData, err := os.ReadFile(def.AuthMethod.PrivateKeyPath)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.AuthenticationFailed, "could not read private key", err)
		}
		passphrase := ""
		if def.AuthMethod.PassphraseRequired {
			passphrase, err = promptSecret(fmt.Sprintf("passphrase for %s: ", def.AuthMethod.PrivateKeyPath))
			if err != nil {
				return nil, err
			}
		}
		return sshtransport.AuthMethodsPublicKey(keyData, passphrase)
	default:
		if password == "" {
			var err error
			password, err = promptSecret(fmt.Sprintf("password for %s@%s: ", def.Username, def.Host))
			if err != nil {
				return nil, err
			}
		}
		return sshtransport.AuthMethodsPassword(password), nil
	}
}

func promptSecret(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	defer fmt.Fprintln(os.Stderr)
	if term.IsTerminal(int(os.Stdin.Fd())) {
		b, err := term.ReadPassword(int(os.Stdin.Fd()))
		if err != nil {
			return "", xerrors.Wrap(xerrors.AuthenticationFailed, "could not read secret", err)
		}
		return string(b), nil
	}
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return "", xerrors.Wrap(xerrors.AuthenticationFailed, "could not read secret", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func derefOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// runRepl drives the interactive session shell: with no daemon, this is
// the one place `sessions`/`disconnect`/`forward` can observe a live
// Session Manager, since it shares the process that created the session.
func runRepl(a *app, sessionID string) error {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	fmt.Println("commands: sessions | disconnect <id> | forward <ssh-command> | quit")
	for {
		select {
		case <-sig:
			return a.sessions.Disconnect(sessionID)
		case line, ok := <-lines:
			if !ok {
				return a.sessions.Disconnect(sessionID)
			}
			if handleReplLine(a, line) {
				return a.sessions.Disconnect(sessionID)
			}
		}
	}
}

func handleReplLine(a *app, line string) (quit bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	switch fields[0] {
	case "quit", "exit":
		return true
	case "sessions":
		printSessions(a)
	case "disconnect":
		if len(fields) < 2 {
			fmt.Println("usage: disconnect <session-id>")
			return false
		}
		if err := a.sessions.Disconnect(fields[1]); err != nil {
			fmt.Println(xerrors.UserMessage(err))
		}
	case "forward":
		if len(fields) < 2 {
			fmt.Println("usage: forward <ssh -L/-R/-D argument>")
			return false
		}
		rest := strings.Join(fields[1:], " ")
		def, err := cmdline.Parse("ssh " + rest)
		if err != nil {
			fmt.Println(xerrors.UserMessage(err))
			return false
		}
		fmt.Printf("parsed %d rule(s) for %s@%s (not yet attached to a live session)\n", len(def.ForwardingConfigs), def.Username, def.Host)
	default:
		fmt.Printf("unknown command: %s\n", fields[0])
	}
	return false
}

func printSessions(a *app) {
	sessions := a.sessions.List()
	if len(sessions) == 0 {
		fmt.Println("no active sessions")
		return
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].CreatedAt.Before(sessions[j].CreatedAt) })
	fmt.Printf("%-36s %-20s %-12s %s\n", "ID", "NAME", "SENT", "RECEIVED")
	for _, s := range sessions {
		fmt.Printf("%-36s %-20s %-12d %d\n", s.ID, s.Definition.Name, s.BytesSent, s.BytesReceived)
	}
}

func newSessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List active sessions (only meaningful inside an active connect)",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()
			printSessions(a)
			return nil
		},
	}
}

func newDisconnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect <session-id>",
		Short: "Tear down a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()
			return a.sessions.Disconnect(args[0])
		},
	}
}

func newForwardCmd() *cobra.Command {
	return &cobra.Command{
		Use:                "forward <ssh-command>",
		Short:              "Parse an ad-hoc ssh -L/-R/-D command without saving it",
		Args:               cobra.MinimumNArgs(1),
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := cmdline.Parse("ssh " + strings.Join(args, " "))
			if err != nil {
				return err
			}
			for _, r := range def.ForwardingConfigs {
				fmt.Println(describeRule(r))
			}
			return nil
		},
	}
}

func newAuditCmd() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Audit local file permissions and connection posture",
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := configaudit.Run()
			if err != nil {
				return err
			}
			if jsonOut {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			if len(report.Findings) == 0 {
				fmt.Println("No findings.")
				return nil
			}
			fmt.Printf("%-8s %-34s %-36s %s\n", "SEV", "TARGET", "MESSAGE", "RECOMMENDATION")
			for _, f := range report.Findings {
				fmt.Printf("%-8s %-34s %-36s %s\n", strings.ToUpper(string(f.Severity)), f.Target, f.Message, f.Recommendation)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

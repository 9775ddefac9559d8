package cmdline

import (
	"testing"

	"github.com/tunnelcore/tunnelcore/internal/model"
)

func TestParseDynamicForward(t *testing.T) {
	def, err := Parse("ssh -D 2025 -f -C -q -N root@47.76.205.72")
	if err != nil {
		t.Fatal(err)
	}
	if def.Username != "root" || def.Host != "47.76.205.72" || def.Port != 22 {
		t.Fatalf("unexpected connection: %+v", def)
	}
	if len(def.ForwardingConfigs) != 1 {
		t.Fatalf("expected 1 rule, got %d", len(def.ForwardingConfigs))
	}
	rule := def.ForwardingConfigs[0]
	if rule.Type != model.RuleDynamic || rule.LocalPort != 2025 || rule.BindAddress != "127.0.0.1" {
		t.Fatalf("unexpected rule: %+v", rule)
	}
}

func TestParseLocalForward(t *testing.T) {
	def, err := Parse("ssh -L 13306:10.0.0.5:3306 user@jump.example.com")
	if err != nil {
		t.Fatal(err)
	}
	if def.Username != "user" || def.Host != "jump.example.com" {
		t.Fatalf("unexpected connection: %+v", def)
	}
	rule := def.ForwardingConfigs[0]
	if rule.Type != model.RuleLocal || rule.LocalPort != 13306 || rule.RemoteHost != "10.0.0.5" || rule.RemotePort != 3306 {
		t.Fatalf("unexpected rule: %+v", rule)
	}
}

func TestParseLocalForwardWithBindAddress(t *testing.T) {
	def, err := Parse("ssh -L 0.0.0.0:13306:10.0.0.5:3306 user@jump.example.com")
	if err != nil {
		t.Fatal(err)
	}
	rule := def.ForwardingConfigs[0]
	if rule.BindAddress != "0.0.0.0" || rule.LocalPort != 13306 {
		t.Fatalf("unexpected rule: %+v", rule)
	}
}

func TestParseRemoteForward(t *testing.T) {
	def, err := Parse("ssh -R 8080:localhost:80 user@server.com")
	if err != nil {
		t.Fatal(err)
	}
	rule := def.ForwardingConfigs[0]
	if rule.Type != model.RuleRemote || rule.RemotePort != 8080 || rule.LocalHost != "localhost" || rule.LocalPort != 80 {
		t.Fatalf("unexpected rule: %+v", rule)
	}
}

func TestParseWithPortAndIdentityFile(t *testing.T) {
	def, err := Parse("ssh -p 2222 -i /home/user/.ssh/id_ed25519 user@host.example.com")
	if err != nil {
		t.Fatal(err)
	}
	if def.Port != 2222 {
		t.Fatalf("expected port 2222, got %d", def.Port)
	}
	if def.AuthMethod.Type != model.AuthPublicKey || def.AuthMethod.PrivateKeyPath != "/home/user/.ssh/id_ed25519" {
		t.Fatalf("unexpected auth method: %+v", def.AuthMethod)
	}
}

func TestParseRejectsMissingHost(t *testing.T) {
	if _, err := Parse("ssh -D 2025"); err == nil {
		t.Fatal("expected error for missing host")
	}
}

func TestParseRejectsNonSSHCommand(t *testing.T) {
	if _, err := Parse("scp file user@host:/tmp"); err == nil {
		t.Fatal("expected error for non-ssh command")
	}
}

func TestParseRejectsMalformedForward(t *testing.T) {
	if _, err := Parse("ssh -L not-a-forward user@host"); err == nil {
		t.Fatal("expected error for malformed -L argument")
	}
}

func TestFormatRoundTripsLocalForward(t *testing.T) {
	def, err := Parse("ssh -p 2222 -L 13306:10.0.0.5:3306 user@jump.example.com")
	if err != nil {
		t.Fatal(err)
	}
	cmd := Format(def)

	reparsed, err := Parse(cmd)
	if err != nil {
		t.Fatalf("Format() produced an unparseable command %q: %v", cmd, err)
	}
	if reparsed.Port != def.Port || reparsed.Username != def.Username || reparsed.Host != def.Host {
		t.Fatalf("round trip mismatch: got %+v, want %+v", reparsed, def)
	}
	if len(reparsed.ForwardingConfigs) != 1 || reparsed.ForwardingConfigs[0] != def.ForwardingConfigs[0] {
		t.Fatalf("round trip rule mismatch: got %+v, want %+v", reparsed.ForwardingConfigs, def.ForwardingConfigs)
	}
}

func TestFormatOmitsDefaultPort(t *testing.T) {
	def, err := Parse("ssh -D 2025 user@host")
	if err != nil {
		t.Fatal(err)
	}
	cmd := Format(def)
	if contains := (len(cmd) >= 7 && cmd[:7] == "ssh -p "); contains {
		t.Fatalf("expected default port 22 to be omitted, got %q", cmd)
	}
}

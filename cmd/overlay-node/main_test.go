package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"overlaynode/internal/config"
	"overlaynode/internal/identity"
	"overlaynode/libnode"
)

func TestVersion(t *testing.T) {
	var out, errb bytes.Buffer
	if code := run([]string{"version"}, &out, &errb); code != 0 {
		t.Fatalf("exit %d: %s", code, errb.String())
	}
	if !strings.HasPrefix(out.String(), "overlay-node 0.1.0") {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestIdentityGenerate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "id.json")
	var out, errb bytes.Buffer
	code := run([]string{"identity", "generate", "--difficulty", "1", "--out", path}, &out, &errb)
	if code != 0 {
		t.Fatalf("exit %d: %s", code, errb.String())
	}

	var doc identityYAML
	if err := yaml.Unmarshal(out.Bytes(), &doc); err != nil {
		t.Fatalf("yaml: %v", err)
	}
	snippet := out.String() + "  pow-difficulty: 1\n"
	cfg, err := config.Parse([]byte(snippet))
	if err != nil {
		t.Fatalf("snippet is not a valid config: %v", err)
	}
	if cfg.Identity.PublicKey != doc.Identity.PublicKey {
		t.Fatalf("public key not carried into config")
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("identity file mode %v", info.Mode().Perm())
	}
	id, err := identity.Load(path, 1)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if id.PublicKey().String() != doc.Identity.PublicKey {
		t.Fatalf("file and printed identity differ")
	}
}

func TestRunRejectsBadRecipient(t *testing.T) {
	var out, errb bytes.Buffer
	if code := run([]string{"run", "--send-to", "nope"}, &out, &errb); code != 1 {
		t.Fatalf("exit %d, want 1", code)
	}
	if !strings.Contains(errb.String(), "bad address") {
		t.Fatalf("stderr %q", errb.String())
	}
}

func TestUnknownCommand(t *testing.T) {
	var out, errb bytes.Buffer
	if code := run([]string{"bogus"}, &out, &errb); code != 1 {
		t.Fatalf("exit %d, want 1", code)
	}
}

func TestEventPrinter(t *testing.T) {
	var buf bytes.Buffer
	p := &eventPrinter{w: &buf}
	sender, err := libnode.ParseAddress(strings.Repeat("ab", 32))
	if err != nil {
		t.Fatalf("address: %v", err)
	}
	p.print(libnode.Event{Code: 30, MessageSender: &sender, MessagePayload: []byte("hi")})
	got := buf.String()
	for _, want := range []string{`"code":30`, `"sender":"` + sender.String() + `"`, `"payload":"hi"`} {
		if !strings.Contains(got, want) {
			t.Fatalf("line %q lacks %s", got, want)
		}
	}
	if !strings.HasSuffix(got, "\n") {
		t.Fatalf("missing newline")
	}
}

package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestHelp(t *testing.T) {
	var out, errb bytes.Buffer
	if code := run([]string{"run", "--help"}, &out, &errb); code != 0 {
		t.Fatalf("exit %d: %s", code, errb.String())
	}
	for _, flag := range []string{"--listen", "--min-difficulty", "--identity"} {
		if !strings.Contains(out.String(), flag) {
			t.Fatalf("help lacks %s", flag)
		}
	}
}

func TestRejectsArgs(t *testing.T) {
	var out, errb bytes.Buffer
	if code := run([]string{"run", "extra"}, &out, &errb); code != 1 {
		t.Fatalf("exit %d, want 1", code)
	}
}

package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/valerybot/valery/internal/config"
)

func TestVersionCmd(t *testing.T) {
	cmd := newRootCmd()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetArgs([]string{"version"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(out.String(), "valery") {
		t.Errorf("version output = %q", out.String())
	}
}

func TestRootListsSubcommands(t *testing.T) {
	cmd := newRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}
	for _, want := range []string{"version", "serve", "db"} {
		if !names[want] {
			t.Errorf("missing subcommand %q", want)
		}
	}
}

func TestCreateAdapterUnsupportedPlatform(t *testing.T) {
	_, err := createAdapter(&config.Config{Platform: "irc"})
	if err == nil {
		t.Fatal("expected error for unsupported platform")
	}
}

func TestServeMissingConfig(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"serve", "--config", "/nonexistent/valery.yaml"})

	if err := cmd.Execute(); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

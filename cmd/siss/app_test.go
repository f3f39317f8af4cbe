package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"pkt.systems/pslog"

	"github.com/Nach0t/siss"
)

func executeRootCommand(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand(pslog.NewStructured(context.Background(), io.Discard))
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	if args == nil {
		args = []string{}
	}
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestInvocationTargetsRootCommand(t *testing.T) {
	root := newRootCommand(pslog.NewStructured(context.Background(), io.Discard))
	cases := []struct {
		name string
		args []string
		want bool
	}{
		{name: "no args", args: nil, want: true},
		{name: "positional run", args: []string{"10", "10", "4"}, want: true},
		{name: "root flag only", args: []string{"--output", "mem://"}, want: true},
		{name: "root shorthand with value", args: []string{"-o", "mem://"}, want: true},
		{name: "config shorthand with value", args: []string{"-c", "/tmp/cfg.yaml"}, want: true},
		{name: "flag value matching subcommand name", args: []string{"--output", "version"}, want: true},
		{name: "subcommand", args: []string{"version"}, want: false},
		{name: "config gen", args: []string{"config", "gen"}, want: false},
		{name: "subcommand after root flag", args: []string{"--config", "/tmp/cfg.yaml", "version"}, want: false},
		{name: "subcommand after equals flag", args: []string{"--output=mem://", "version"}, want: false},
		{name: "unknown shorthand before subcommand", args: []string{"-z", "version"}, want: false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			got := invocationTargetsRootCommand(root, tc.args)
			if got != tc.want {
				t.Fatalf("invocationTargetsRootCommand(%v)=%v want %v", tc.args, got, tc.want)
			}
		})
	}
}

func TestApplyPositionals(t *testing.T) {
	var cfg siss.Config
	if err := applyPositionals(&cfg, []string{"10", "5", "2"}); err != nil {
		t.Fatalf("applyPositionals: %v", err)
	}
	if cfg.Duration != 10*time.Second {
		t.Fatalf("expected 10s duration, got %s", cfg.Duration)
	}
	if cfg.Rate != 5 || cfg.Workers != 2 {
		t.Fatalf("unexpected rate/workers: %d/%d", cfg.Rate, cfg.Workers)
	}

	if err := applyPositionals(&cfg, []string{"x", "5", "2"}); err == nil {
		t.Fatal("expected parse error for non-integer duration")
	}
	if err := applyPositionals(&cfg, []string{"10", "5", "two"}); err == nil {
		t.Fatal("expected parse error for non-integer workers")
	}
}

func TestRootCommandRunsPipelineFromPositionals(t *testing.T) {
	t.Setenv("SISS_CONFIG_DIR", t.TempDir())

	stdout, _, err := executeRootCommand(t,
		"--output", "mem://", "--width", "8", "--height", "8", "--disable-sysmon",
		"1", "10", "2",
	)
	if err != nil {
		t.Fatalf("pipeline run failed: %v", err)
	}
	for _, want := range []string{"generated:", "saved:", "average rate:", "dropped:", "residual:"} {
		if !strings.Contains(stdout, want) {
			t.Fatalf("summary missing %q:\n%s", want, stdout)
		}
	}
}

func TestRootCommandRunsPipelineFromEnv(t *testing.T) {
	t.Setenv("SISS_CONFIG_DIR", t.TempDir())
	t.Setenv("SISS_DURATION", "250ms")
	t.Setenv("SISS_RATE", "8")
	t.Setenv("SISS_WORKERS", "2")
	t.Setenv("SISS_OUTPUT", "mem://")
	t.Setenv("SISS_WIDTH", "8")
	t.Setenv("SISS_HEIGHT", "8")
	t.Setenv("SISS_DISABLE_SYSMON", "true")

	stdout, _, err := executeRootCommand(t)
	if err != nil {
		t.Fatalf("pipeline run failed: %v", err)
	}
	if !strings.Contains(stdout, "generated:") {
		t.Fatalf("expected summary on stdout, got:\n%s", stdout)
	}
}

func TestRootCommandRejectsBadInvocations(t *testing.T) {
	cases := []struct {
		name string
		args []string
	}{
		{name: "missing values", args: nil},
		{name: "partial positionals", args: []string{"10", "5"}},
		{name: "non-integer positional", args: []string{"x", "5", "2"}},
		{name: "zero rate", args: []string{"10", "0", "2"}},
		{name: "workers above cap", args: []string{"10", "5", "9"}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("SISS_CONFIG_DIR", t.TempDir())
			stdout, stderr, err := executeRootCommand(t, tc.args...)
			if err == nil {
				t.Fatalf("expected error for %v", tc.args)
			}
			if !strings.Contains(stdout+stderr, "Usage:") {
				t.Fatalf("expected usage output, got stdout=%q stderr=%q", stdout, stderr)
			}
		})
	}
}

func TestSubmainRoutesParserFailuresToStderr(t *testing.T) {
	origArgs := os.Args
	defer func() { os.Args = origArgs }()
	os.Args = []string{"siss", "-z", "version"}

	stderr := captureStderr(t, func() {
		exitCode := submain(context.Background())
		if exitCode != 1 {
			t.Fatalf("submain() exitCode=%d want 1", exitCode)
		}
	})
	if !strings.Contains(stderr, "unknown shorthand flag") {
		t.Fatalf("expected parser failure routed to stderr, got %q", stderr)
	}
}

func captureStderr(t *testing.T, fn func()) string {
	t.Helper()
	orig := os.Stderr
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	defer r.Close()
	os.Stderr = w
	defer func() {
		os.Stderr = orig
	}()

	done := make(chan string, 1)
	go func() {
		data, _ := io.ReadAll(r)
		done <- string(data)
	}()

	fn()
	_ = w.Close()
	return <-done
}

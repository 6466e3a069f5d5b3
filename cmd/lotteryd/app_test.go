package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"pkt.systems/lotteryd"
	"pkt.systems/pslog"
)

func resetViper(t *testing.T) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
}

func executeRootCommand(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand(pslog.NewStructured(context.Background(), io.Discard))
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetIn(strings.NewReader(""))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func TestInvocationTargetsRootCommand(t *testing.T) {
	resetViper(t)
	root := newRootCommand(pslog.NewStructured(context.Background(), io.Discard))
	cases := []struct {
		name string
		args []string
		want bool
	}{
		{name: "no args", args: nil, want: true},
		{name: "root flag only", args: []string{"--data-dir", "/tmp/lotteryd"}, want: true},
		{name: "root flag with equals", args: []string{"--agency-count=5"}, want: true},
		{name: "root bool flag", args: []string{"--enable-profiling-metrics", "--metrics-listen", ":9464"}, want: true},
		{name: "root shorthand with value", args: []string{"-c", "/tmp/cfg.yaml"}, want: true},
		{name: "subcommand", args: []string{"query", "3"}, want: false},
		{name: "subcommand after root flag", args: []string{"--config", "/tmp/cfg.yaml", "status"}, want: false},
		{name: "unknown shorthand no subcommand", args: []string{"-z"}, want: true},
		{name: "unknown shorthand before subcommand", args: []string{"-z", "load"}, want: false},
		{name: "unknown long before subcommand", args: []string{"--bogus", "status"}, want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := invocationTargetsRootCommand(root, tc.args)
			if got != tc.want {
				t.Fatalf("invocationTargetsRootCommand(%v)=%v want %v", tc.args, got, tc.want)
			}
		})
	}
}

func TestSubmainFlagErrorBeforeSubcommandGoesToStderr(t *testing.T) {
	resetViper(t)
	origArgs := os.Args
	defer func() { os.Args = origArgs }()
	os.Args = []string{"lotteryd", "-z", "status"}

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

func TestConfigGenStdoutMatchesFlagDefaults(t *testing.T) {
	resetViper(t)
	stdout, _, err := executeRootCommand(t, "config", "gen", "--stdout")
	if err != nil {
		t.Fatalf("config gen: %v", err)
	}
	var got configDefaults
	if err := yaml.Unmarshal([]byte(stdout), &got); err != nil {
		t.Fatalf("parse generated config: %v\n%s", err, stdout)
	}
	if got.Listen != lotteryd.DefaultListen {
		t.Fatalf("listen=%q want %q", got.Listen, lotteryd.DefaultListen)
	}
	if !got.ResetOnStart {
		t.Fatalf("reset-on-start should default to true")
	}
	if got.ShutdownTimeout != lotteryd.DefaultShutdownTimeout.String() {
		t.Fatalf("shutdown-timeout=%q", got.ShutdownTimeout)
	}
	if got.Client.Server != "127.0.0.1:12345" {
		t.Fatalf("client.server=%q", got.Client.Server)
	}
}

func TestConfigGenRefusesOverwrite(t *testing.T) {
	resetViper(t)
	out := filepath.Join(t.TempDir(), "config.yaml")
	if _, _, err := executeRootCommand(t, "config", "gen", "--out", out); err != nil {
		t.Fatalf("first gen: %v", err)
	}
	if _, _, err := executeRootCommand(t, "config", "gen", "--out", out); err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("expected overwrite refusal, got %v", err)
	}
	if _, _, err := executeRootCommand(t, "config", "gen", "--out", out, "--force"); err != nil {
		t.Fatalf("forced gen: %v", err)
	}
}

func TestBindConfigReadsFileAndEnvironment(t *testing.T) {
	resetViper(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "lotteryd.yaml")
	data, err := defaultConfigYAML(func(c *configDefaults) {
		c.AgencyCount = 5
		c.DataDir = filepath.Join(dir, "data")
		c.ResetOnStart = false
		c.ConnTimeout = "3s"
	})
	if err != nil {
		t.Fatalf("render config: %v", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("LOTTERYD_POOL_SIZE", "3")

	newRootCommand(pslog.NewStructured(context.Background(), io.Discard))
	viper.Set("config", path)
	loaded, err := loadConfigFile()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if loaded != path {
		t.Fatalf("loaded %q want %q", loaded, path)
	}
	var cfg lotteryd.Config
	bindConfig(&cfg)
	if cfg.AgencyCount != 5 {
		t.Fatalf("agency count=%d want 5", cfg.AgencyCount)
	}
	if cfg.ResetOnStart || !cfg.ResetOnStartSet {
		t.Fatalf("reset-on-start=%v set=%v, want explicit false", cfg.ResetOnStart, cfg.ResetOnStartSet)
	}
	if cfg.ConnTimeout != 3*time.Second {
		t.Fatalf("conn timeout=%s want 3s", cfg.ConnTimeout)
	}
	if cfg.PoolSize != 3 {
		t.Fatalf("pool size=%d want 3 from environment", cfg.PoolSize)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestLoadConfigFileExplicitMissing(t *testing.T) {
	resetViper(t)
	viper.Set("config", filepath.Join(t.TempDir(), "missing.yaml"))
	if _, err := loadConfigFile(); err == nil {
		t.Fatal("expected error for explicit missing config file")
	}
}

func TestLoadConfigFileDefaultMissingIsIgnored(t *testing.T) {
	resetViper(t)
	t.Setenv("LOTTERYD_CONFIG_DIR", t.TempDir())
	path, err := loadConfigFile()
	if err != nil || path != "" {
		t.Fatalf("loadConfigFile()=%q,%v want empty", path, err)
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

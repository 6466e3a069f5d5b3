package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/lotteryd"
	lotteryclient "pkt.systems/lotteryd/client"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage lotteryd configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.lotteryd/config.yaml"
	if path, err := lotteryd.DefaultConfigFile(); err == nil {
		defaultOutput = path
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default lotteryd configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			if outPath == "" {
				path, err := lotteryd.DefaultConfigFile()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = path
			}

			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}

			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}

			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

// configDefaults mirrors the root command flags. Keys are the flag names, so
// the generated file round-trips through viper unchanged.
type configDefaults struct {
	Listen                 string        `yaml:"listen"`
	ListenBacklog          int           `yaml:"listen-backlog"`
	AcceptTimeout          string        `yaml:"accept-timeout"`
	ConnTimeout            string        `yaml:"conn-timeout"`
	PoolSize               int           `yaml:"pool-size"`
	AgencyCount            int           `yaml:"agency-count"`
	DataDir                string        `yaml:"data-dir"`
	ResetOnStart           bool          `yaml:"reset-on-start"`
	LockRetryInterval      string        `yaml:"lock-retry-interval"`
	ShutdownTimeout        string        `yaml:"shutdown-timeout"`
	MetricsListen          string        `yaml:"metrics-listen"`
	PprofListen            string        `yaml:"pprof-listen"`
	EnableProfilingMetrics bool          `yaml:"enable-profiling-metrics"`
	OTLPEndpoint           string        `yaml:"otlp-endpoint"`
	LogLevel               string        `yaml:"log-level"`
	Client                 clientDefault `yaml:"client"`
}

type clientDefault struct {
	Server    string `yaml:"server"`
	Timeout   string `yaml:"timeout"`
	BatchSize int    `yaml:"batch_size"`
	LogLevel  string `yaml:"log_level"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	defaults := configDefaults{
		Listen:                 lotteryd.DefaultListen,
		ListenBacklog:          lotteryd.DefaultListenBacklog,
		AcceptTimeout:          lotteryd.DefaultAcceptTimeout.String(),
		ConnTimeout:            lotteryd.DefaultConnTimeout.String(),
		PoolSize:               lotteryd.DefaultPoolSize(),
		AgencyCount:            lotteryd.DefaultAgencyCount,
		DataDir:                lotteryd.DefaultDataDir,
		ResetOnStart:           lotteryd.DefaultResetOnStart,
		LockRetryInterval:      lotteryd.DefaultLockRetryInterval.String(),
		ShutdownTimeout:        lotteryd.DefaultShutdownTimeout.String(),
		MetricsListen:          lotteryd.DefaultMetricsListen,
		PprofListen:            lotteryd.DefaultPprofListen,
		EnableProfilingMetrics: false,
		OTLPEndpoint:           "",
		LogLevel:               "info",
		Client: clientDefault{
			Server:    defaultClientServer,
			Timeout:   lotteryclient.DefaultTimeout.String(),
			BatchSize: lotteryclient.DefaultBatchSize,
			LogLevel:  "none",
		},
	}
	for _, fn := range overrides {
		if fn != nil {
			fn(&defaults)
		}
	}

	out, err := yaml.Marshal(&defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}

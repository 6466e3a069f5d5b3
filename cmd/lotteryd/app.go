package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/lotteryd"
	"pkt.systems/lotteryd/internal/svcfields"
	"pkt.systems/pslog"
)

const envPrefix = "LOTTERYD"

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix(envPrefix+"_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "lotteryd")
	cmd := newRootCommand(baseLogger)
	rootInvocation := invocationTargetsRootCommand(cmd, os.Args[1:])
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			if rootInvocation {
				svcfields.WithSubsystem(baseLogger, svcfields.Subsystem(svcfields.CLI, "root")).Error("command failed", "error", err)
			} else {
				fmt.Fprintf(os.Stderr, "%s\n", err)
			}
		}
		return 1
	}
	return 0
}

// invocationTargetsRootCommand reports whether args run the server itself
// rather than a subcommand. Server failures are logged, subcommand failures
// printed.
func invocationTargetsRootCommand(root *cobra.Command, args []string) bool {
	lookup := func(name string, short bool) *pflag.Flag {
		if short {
			if f := root.Flags().ShorthandLookup(name); f != nil {
				return f
			}
			return root.PersistentFlags().ShorthandLookup(name)
		}
		if f := root.Flags().Lookup(name); f != nil {
			return f
		}
		return root.PersistentFlags().Lookup(name)
	}
	subcommandFollows := func(rest []string) bool {
		for _, tok := range rest {
			if isSubcommandToken(root, tok) {
				return true
			}
		}
		return false
	}
	for i := 0; i < len(args); {
		arg := args[i]
		switch {
		case arg == "--":
			return true
		case strings.HasPrefix(arg, "--"):
			i++
			if strings.IndexByte(arg, '=') >= 0 {
				continue
			}
			flag := lookup(strings.TrimPrefix(arg, "--"), false)
			if flag == nil {
				return !subcommandFollows(args[i:])
			}
			if flag.NoOptDefVal == "" && i < len(args) {
				i++
			}
		case strings.HasPrefix(arg, "-") && arg != "-":
			i++
			consumeNext := false
			shorts := strings.TrimPrefix(arg, "-")
			for idx, ch := range shorts {
				flag := lookup(string(ch), true)
				if flag == nil {
					return !subcommandFollows(args[i:])
				}
				if flag.NoOptDefVal == "" {
					consumeNext = idx == len(shorts)-1
					break
				}
			}
			if consumeNext && i < len(args) {
				i++
			}
		default:
			return !isSubcommandToken(root, arg)
		}
	}
	return true
}

func isSubcommandToken(root *cobra.Command, token string) bool {
	for _, sub := range root.Commands() {
		if token == sub.Name() || sub.HasAlias(token) {
			return true
		}
	}
	return false
}

func humanizeBytes(n int64) string {
	if n < 0 {
		n = 0
	}
	return strings.ReplaceAll(humanize.Bytes(uint64(n)), " ", "")
}

// loadConfigFile reads the file named by --config, falling back to
// $HOME/.lotteryd/config.yaml when it exists. The extension selects the
// format (yaml, yml, ini, toml, json).
func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""
	if cfgPath == "" {
		candidate, err := lotteryd.DefaultConfigFile()
		if err != nil {
			return "", nil
		}
		cfgPath = candidate
	}
	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}
	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		p = filepath.Join(home, strings.TrimPrefix(p[1:], "/"))
	}
	return filepath.Abs(p)
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "lotteryd",
		Short:         "lotteryd ingests lottery bets from agencies and answers winner queries",
		SilenceErrors: true,
		Example: `
  # Serve on the default port with the ledger under ./data
  lotteryd

  # Five agencies share the draw; keep existing data across restarts
  lotteryd --agency-count 5 --data-dir /var/lib/lotteryd --reset-on-start=false

  # Same, from the environment
  LOTTERYD_AGENCY_COUNT=5 LOTTERYD_DATA_DIR=/var/lib/lotteryd lotteryd

  # Expose Prometheus metrics and ship traces
  lotteryd --metrics-listen :9464 --otlp-endpoint grpc://localhost:4317
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			cliLogger := svcfields.WithSubsystem(logger, svcfields.Subsystem(svcfields.CLI, "root"))
			ctx := cmd.Context()
			cmd.SilenceUsage = true
			svcfields.WithSubsystem(logger, svcfields.Subsystem(svcfields.Server, "lifecycle", "init")).WithLogLevel().Info(
				"welcome to lotteryd",
				"app", "lotteryd",
				"pid", os.Getpid(),
				"uid", os.Getuid(),
				"gid", os.Getgid(),
			)
			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}
			var cfg lotteryd.Config
			bindConfig(&cfg)
			if level, ok := pslog.ParseLevel(strings.TrimSpace(viper.GetString("log-level"))); ok {
				logger = logger.LogLevel(level)
				cliLogger = svcfields.WithSubsystem(logger, svcfields.Subsystem(svcfields.CLI, "root"))
			}

			server, err := lotteryd.NewServer(cfg, lotteryd.WithLogger(logger))
			if err != nil {
				return err
			}
			defer func() {
				_ = server.Shutdown(context.Background())
			}()
			go func() {
				<-ctx.Done()
				cliLogger.Info("shutdown requested", "drain_budget", server.Config().ShutdownTimeout)
				if err := server.Shutdown(context.Background()); err != nil {
					cliLogger.Error("shutdown failed", "error", err)
				}
			}()
			if err := server.Start(); err != nil && !errors.Is(err, lotteryd.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to a YAML or INI config file (defaults to $HOME/.lotteryd/config.yaml)")

	flags := cmd.Flags()
	flags.String("listen", lotteryd.DefaultListen, "TCP listen address")
	flags.Int("listen-backlog", lotteryd.DefaultListenBacklog, "listen backlog; also bounds connections waiting for a worker")
	flags.Duration("accept-timeout", lotteryd.DefaultAcceptTimeout, "accept wait before finished connections are reaped")
	flags.Duration("conn-timeout", lotteryd.DefaultConnTimeout, "idle limit for reads and writes on a client connection")
	flags.Int("pool-size", lotteryd.DefaultPoolSize(), "number of worker goroutines serving connections")
	flags.Int("agency-count", lotteryd.DefaultAgencyCount, "agencies expected to load; wildcard queries stay provisional until all registered (0 disables)")
	flags.String("data-dir", lotteryd.DefaultDataDir, "storage root holding the ledger and working flags")
	flags.Bool("reset-on-start", lotteryd.DefaultResetOnStart, "wipe the ledger and working flags before serving")
	flags.Duration("lock-retry-interval", lotteryd.DefaultLockRetryInterval, "pause between ledger lock attempts")
	flags.Duration("shutdown-timeout", lotteryd.DefaultShutdownTimeout, "drain budget before in-flight connections are aborted")
	flags.String("metrics-listen", lotteryd.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("pprof-listen", lotteryd.DefaultPprofListen, "pprof listen address (debug/pprof endpoints; empty disables)")
	flags.Bool("enable-profiling-metrics", false, "enable Go runtime profiling metrics on the Prometheus endpoint")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.String("log-level", "info", "log level (trace|debug|info|warn|error)")

	bindFlag := func(name string) {
		flag := flags.Lookup(name)
		if flag == nil {
			flag = persistentFlags.Lookup(name)
		}
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	for _, name := range serverConfigKeys {
		bindFlag(name)
	}

	cmd.AddCommand(newLoadCommand())
	cmd.AddCommand(newQueryCommand())
	cmd.AddCommand(newStatusCommand(svcfields.WithSubsystem(baseLogger, svcfields.Subsystem(svcfields.CLI, "status"))))
	cmd.AddCommand(newResetCommand(svcfields.WithSubsystem(baseLogger, svcfields.Subsystem(svcfields.CLI, "reset"))))
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

var serverConfigKeys = []string{
	"config",
	"listen", "listen-backlog", "accept-timeout", "conn-timeout", "pool-size", "agency-count",
	"data-dir", "reset-on-start", "lock-retry-interval", "shutdown-timeout",
	"metrics-listen", "pprof-listen", "enable-profiling-metrics", "otlp-endpoint", "log-level",
}

func bindConfig(cfg *lotteryd.Config) {
	cfg.Listen = viper.GetString("listen")
	cfg.ListenBacklog = viper.GetInt("listen-backlog")
	cfg.AcceptTimeout = viper.GetDuration("accept-timeout")
	cfg.ConnTimeout = viper.GetDuration("conn-timeout")
	cfg.PoolSize = viper.GetInt("pool-size")
	cfg.AgencyCount = viper.GetInt("agency-count")
	cfg.DataDir = viper.GetString("data-dir")
	cfg.ResetOnStart = viper.GetBool("reset-on-start")
	cfg.ResetOnStartSet = true
	cfg.LockRetryInterval = viper.GetDuration("lock-retry-interval")
	cfg.ShutdownTimeout = viper.GetDuration("shutdown-timeout")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.PprofListen = viper.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = viper.GetBool("enable-profiling-metrics")
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}

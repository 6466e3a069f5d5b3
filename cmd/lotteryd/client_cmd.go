package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/lotteryd"
	lotteryclient "pkt.systems/lotteryd/client"
	"pkt.systems/lotteryd/internal/loggingutil"
	"pkt.systems/lotteryd/internal/lottery"
	"pkt.systems/lotteryd/internal/svcfields"
	"pkt.systems/pslog"
)

const (
	clientServerKey    = "client.server"
	clientTimeoutKey   = "client.timeout"
	clientBatchSizeKey = "client.batch_size"
	clientLogLevelKey  = "client.log_level"
)

var defaultClientServer = dialAddressFor(lotteryd.DefaultListen)

// addClientFlags registers the connection flags shared by load and query.
// They are bound to viper in PreRunE so the two commands do not fight over
// the same keys.
func addClientFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.String("server", defaultClientServer, "lotteryd server address (host:port)")
	flags.Duration("timeout", lotteryclient.DefaultTimeout, "dial and per-operation I/O timeout")
	flags.String("log-level", "none", "client log level (trace|debug|info|warn|error|none)")
	cmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		mustBindFlag(clientServerKey, "LOTTERYD_CLIENT_SERVER", flags.Lookup("server"))
		mustBindFlag(clientTimeoutKey, "LOTTERYD_CLIENT_TIMEOUT", flags.Lookup("timeout"))
		mustBindFlag(clientLogLevelKey, "LOTTERYD_CLIENT_LOG_LEVEL", flags.Lookup("log-level"))
		if f := flags.Lookup("batch-size"); f != nil {
			mustBindFlag(clientBatchSizeKey, "LOTTERYD_CLIENT_BATCH_SIZE", f)
		}
		return nil
	}
}

func mustBindFlag(key, env string, flag *pflag.Flag) {
	if flag == nil {
		panic(fmt.Sprintf("flag for key %s not found", key))
	}
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
	if env != "" {
		if err := viper.BindEnv(key, env); err != nil {
			panic(err)
		}
	}
}

func clientLogger(w io.Writer) (pslog.Logger, error) {
	levelStr := strings.TrimSpace(strings.ToLower(viper.GetString(clientLogLevelKey)))
	if levelStr == "" || levelStr == "none" || levelStr == "disabled" || levelStr == "off" {
		return loggingutil.NoopLogger(), nil
	}
	level, ok := pslog.ParseLevel(levelStr)
	if !ok {
		return nil, fmt.Errorf("invalid client log level %q", levelStr)
	}
	if level == pslog.NoLevel || level == pslog.Disabled {
		return loggingutil.NoopLogger(), nil
	}
	logger := pslog.NewStructured(context.Background(), w).LogLevel(level)
	return svcfields.WithSubsystem(logger, svcfields.Subsystem(svcfields.Client, "cli")), nil
}

func newCLIClient(cmd *cobra.Command) (*lotteryclient.Client, error) {
	logger, err := clientLogger(cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}
	opts := []lotteryclient.Option{
		lotteryclient.WithLogger(logger),
		lotteryclient.WithTimeout(viper.GetDuration(clientTimeoutKey)),
	}
	if viper.IsSet(clientBatchSizeKey) {
		opts = append(opts, lotteryclient.WithBatchSize(viper.GetInt(clientBatchSizeKey)))
	}
	return lotteryclient.New(strings.TrimSpace(viper.GetString(clientServerKey)), opts...)
}

func newLoadCommand() *cobra.Command {
	var (
		agencyRaw string
		file      string
	)
	cmd := &cobra.Command{
		Use:   "load",
		Short: "Upload an agency's bets from a CSV file",
		Long: `Load streams bets to a running server in batches, waiting for every
acknowledgement. Rows are first_name,last_name,document,birthdate,number; a
leading header row is skipped.`,
		Example: `
  lotteryd load --agency 1 --file agency-1.csv
  cat agency-2.csv | lotteryd load --agency 2 --file - --batch-size 50`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			agency, err := lottery.ParseAgency(agencyRaw)
			if err != nil {
				return err
			}
			var in io.Reader
			switch file {
			case "", "-":
				in = cmd.InOrStdin()
			default:
				f, err := os.Open(file)
				if err != nil {
					return fmt.Errorf("open %s: %w", file, err)
				}
				defer f.Close()
				in = f
			}
			cli, err := newCLIClient(cmd)
			if err != nil {
				return err
			}
			res, err := cli.LoadFrom(cmd.Context(), agency, lotteryclient.NewCSVSource(agency, in))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "agency %s: loaded %d bets in %d batches\n", agency, res.Bets, res.Batches)
			return nil
		},
	}
	addClientFlags(cmd)
	flags := cmd.Flags()
	flags.StringVar(&agencyRaw, "agency", "", "agency id (positive integer)")
	flags.StringVarP(&file, "file", "f", "-", "CSV file to upload (- for stdin)")
	flags.Int("batch-size", lotteryclient.DefaultBatchSize, "bets per batch")
	_ = cmd.MarkFlagRequired("agency")
	return cmd
}

func newQueryCommand() *cobra.Command {
	var (
		wait     time.Duration
		signed   bool
		exitCode bool
	)
	cmd := &cobra.Command{
		Use:   "query [agency|*]",
		Short: "Ask a running server for the winner count",
		Long: `Query prints the number of winning bets registered for one agency, or for
every agency when the argument is * or omitted. Results are marked
provisional while a selected agency is still loading.`,
		Example: `
  lotteryd query 3
  lotteryd query '*' --wait 1m`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sel := lottery.All
			if len(args) == 1 {
				var err error
				sel, err = lottery.ParseSelector(args[0])
				if err != nil {
					return err
				}
			}
			cli, err := newCLIClient(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			var w lottery.Winners
			switch {
			case wait > 0:
				waitCtx, cancel := context.WithTimeout(ctx, wait)
				defer cancel()
				w, err = cli.QueryFinal(waitCtx, sel)
				if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
					return fmt.Errorf("agency %s still loading after %s", sel, wait)
				}
			case signed:
				w, err = cli.QuerySigned(ctx, sel)
			default:
				w, err = cli.Query(ctx, sel)
			}
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			switch {
			case signed:
				fmt.Fprintf(out, "%d\n", w.Signed())
			case w.Final:
				fmt.Fprintf(out, "%s\t%d\tfinal\n", sel, w.Count)
			default:
				fmt.Fprintf(out, "%s\t%d\tprovisional\n", sel, w.Count)
			}
			if exitCode && !w.Final {
				return errProvisionalResult
			}
			return nil
		},
	}
	addClientFlags(cmd)
	flags := cmd.Flags()
	flags.DurationVar(&wait, "wait", 0, "poll until the result is final, for at most this long")
	flags.BoolVar(&signed, "signed", false, "use the signed single-value reply (negative = provisional)")
	flags.BoolVar(&exitCode, "fail-provisional", false, "exit non-zero when the result is provisional")
	return cmd
}

var errProvisionalResult = errors.New("result is provisional")

// dialAddressFor maps a listen address to the address the CLI dials.
// Wildcard hosts become loopback.
func dialAddressFor(listen string) string {
	if strings.HasPrefix(listen, ":") {
		return "127.0.0.1" + listen
	}
	return listen
}

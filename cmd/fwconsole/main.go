package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/developingchet/fwconsole/internal/config"
	"github.com/developingchet/fwconsole/internal/device"
	"github.com/developingchet/fwconsole/internal/logger"
	"github.com/developingchet/fwconsole/internal/service"
	"github.com/developingchet/fwconsole/internal/storage"
	"github.com/developingchet/fwconsole/internal/telemetry"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// Version is set by the build system via -ldflags.
var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "fwconsole",
		Short:         "Firewall console telemetry daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		runCmd(),
		healthcheckCmd(),
		versionCmd(),
		pingCmd(),
		logsCmd(),
		profileCmd(),
	)
	return root
}

// runCmd is the main daemon command.
func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the telemetry daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon()
		},
	}
}

func runDaemon() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := buildLogger(cfg)
	log.Info().Str("version", Version).Msg("fwconsole starting")

	store, err := storage.NewBboltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	service.BinaryVersion = Version
	cc, source, err := service.DeviceConfig(cfg, store)
	if err != nil {
		return err
	}
	dev, err := device.NewClient(cc, log.With().Str("component", "device").Logger())
	if err != nil {
		return fmt.Errorf("init device client: %w", err)
	}
	defer dev.Close()
	log.Info().Str("source", source).Str("url", cc.BaseURL).Msg("device configured")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	return service.New(cfg, store, dev, log).Run(ctx)
}

// healthcheckCmd exits 0 if the command API answers /healthz.
func healthcheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "healthcheck",
		Short: "Check health endpoint and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			resp, err := http.Get("http://" + dialAddr(cfg.APIAddr) + "/healthz") //nolint:noctx
			if err != nil {
				fmt.Fprintf(os.Stderr, "healthcheck failed: %v\n", err)
				os.Exit(1)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				fmt.Fprintf(os.Stderr, "healthcheck returned %d\n", resp.StatusCode)
				os.Exit(1)
			}
			fmt.Println("healthy")
			return nil
		},
	}
}

// dialAddr turns a listen address such as ":8080" into one a client can dial.
func dialAddr(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return listen
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

// versionCmd prints the version and exits.
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("fwconsole %s\n", Version)
		},
	}
}

// pingCmd checks that the device is reachable with the configured credentials.
func pingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Test the device API connection and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			dev, err := openDevice(cfg, buildLogger(cfg))
			if err != nil {
				return err
			}
			defer dev.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.DeviceHTTPTimeout)
			defer cancel()
			start := time.Now()
			if err := dev.Ping(ctx); err != nil {
				return fmt.Errorf("ping failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok (%s)\n", time.Since(start).Round(time.Millisecond))
			return nil
		},
	}
}

// logsCmd performs a single log fetch and prints the result.
func logsCmd() *cobra.Command {
	var f telemetry.LogFilters
	var since time.Duration
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Fetch firewall log entries once and print them",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			dev, err := openDevice(cfg, buildLogger(cfg))
			if err != nil {
				return err
			}
			defer dev.Close()

			if since > 0 {
				f.Since = time.Now().Add(-since)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.DeviceHTTPTimeout)
			defer cancel()
			entries, err := dev.FetchLogs(ctx, f)
			if err != nil {
				return err
			}
			return printLogs(cmd.OutOrStdout(), entries)
		},
	}
	cmd.Flags().StringSliceVar(&f.Interfaces, "interface", nil, "only entries on these interfaces")
	cmd.Flags().StringSliceVar(&f.Actions, "action", nil, "only entries with these actions (pass, block, ...)")
	cmd.Flags().StringSliceVar(&f.Protocols, "protocol", nil, "only entries with these protocols")
	cmd.Flags().StringVar(&f.Search, "search", "", "case-insensitive substring match")
	cmd.Flags().DurationVar(&since, "since", 0, "only entries newer than this duration ago")
	return cmd
}

func printLogs(w io.Writer, entries []telemetry.LogEntry) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	sorted := append([]telemetry.LogEntry(nil), entries...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })

	fmt.Fprintln(tw, "TIME\tACTION\tIFACE\tPROTO\tSOURCE\tDESTINATION\tLABEL")
	for _, e := range sorted {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Timestamp.Format(time.RFC3339), e.Action, e.Interface, e.Protocol,
			endpoint(e.Source, e.SourcePort), endpoint(e.Destination, e.DestinationPort), e.Label)
	}
	return tw.Flush()
}

func endpoint(host, port string) string {
	if port == "" {
		return host
	}
	return net.JoinHostPort(host, port)
}

// openDevice builds a device client from DEVICE_URL or a saved profile. The
// profile database is only opened when DEVICE_URL is unset, and is closed
// again before returning.
func openDevice(cfg *config.Config, log zerolog.Logger) (*device.Client, error) {
	service.BinaryVersion = Version
	var store storage.Store
	if !cfg.HasDevice() {
		s, err := storage.NewBboltStore(cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
		defer s.Close()
		store = s
	}
	cc, _, err := service.DeviceConfig(cfg, store)
	if err != nil {
		return nil, err
	}
	return device.NewClient(cc, log)
}

// buildLogger constructs a zerolog.Logger based on config.
func buildLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var base zerolog.Logger
	if cfg.LogFormat == "text" {
		cw := zerolog.NewConsoleWriter()
		cw.Out = logger.NewRedactWriter(os.Stderr)
		base = zerolog.New(cw).Level(level).With().Timestamp().Logger()
	} else {
		redactWriter := logger.NewRedactWriter(os.Stderr)
		base = zerolog.New(redactWriter).Level(level).With().Timestamp().Logger()
	}
	return base
}

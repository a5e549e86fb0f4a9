// Command anonymizer replaces personal data in free text with category
// placeholders such as [Person] or [EMAIL].
//
// Names, organizations, locations and misc entities come from a Hugging Face
// token-classification model; email addresses and phone numbers are matched
// locally. Without HF_TOKENS only the local patterns run.
//
// Usage:
//
//	# Serve the HTTP API
//	HF_TOKENS=hf_... ./anonymizer serve
//
//	# One-off anonymization
//	echo "Mail John at john@example.com" | ./anonymizer text --explain
//
//	# No model call at all
//	./anonymizer text --patterns-only "call +1 555 123 4567"
package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"text-anonymizer/internal/anonymizer"
	"text-anonymizer/internal/config"
	"text-anonymizer/internal/detector"
	"text-anonymizer/internal/logger"
	"text-anonymizer/internal/metrics"
	"text-anonymizer/internal/server"
	"text-anonymizer/internal/spancache"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type rootFlags struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:          "anonymizer",
		Short:        "Replace personal data in text with placeholders",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", config.DefaultFile, "YAML configuration file")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "override LOG_LEVEL (debug, info, warn, error)")

	root.AddCommand(newServeCmd(flags), newTextCmd(flags))
	return root
}

func newServeCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the anonymization HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := setup(flags, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			m := metrics.New()
			anon, closeCache, err := build(cfg, log, m, false)
			if err != nil {
				return err
			}
			defer closeCache() //nolint:errcheck // best-effort close on shutdown

			printBanner(cmd.OutOrStdout(), cfg)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return server.New(cfg, anon, m, log.Named("SERVER")).ListenAndServe(ctx)
		},
	}
}

func newTextCmd(flags *rootFlags) *cobra.Command {
	var explain, patternsOnly bool
	cmd := &cobra.Command{
		Use:   "text [text...]",
		Short: "Anonymize the arguments, or stdin when none are given",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup(flags, cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			input := strings.Join(args, " ")
			if len(args) == 0 {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}
				input = string(data)
			}

			anon, closeCache, err := build(cfg, log, nil, patternsOnly)
			if err != nil {
				return err
			}
			defer closeCache() //nolint:errcheck // best-effort close

			res, err := anon.Analyze(cmd.Context(), input)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprint(out, res.Text)
			if !strings.HasSuffix(res.Text, "\n") {
				fmt.Fprintln(out)
			}
			if explain {
				printExplain(out, res)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&explain, "explain", false, "list every replaced span")
	cmd.Flags().BoolVar(&patternsOnly, "patterns-only", false, "skip the entity model; match emails and phones only")
	return cmd
}

// setup loads configuration and the root logger.
func setup(flags *rootFlags, logOut io.Writer) (*config.Config, *logger.Logger, error) {
	log := logger.NewWithWriter("CLI", "info", logOut)
	if flags.logLevel != "" {
		log.SetLevel(flags.logLevel)
	}
	cfg, err := config.Load(flags.configPath, log.Named("CONFIG"))
	if err != nil {
		return nil, nil, err
	}
	level := cfg.LogLevel
	if flags.logLevel != "" {
		level = flags.logLevel
	}
	log.SetLevel(level)
	return cfg, log, nil
}

// build wires the detector chain and returns the anonymizer together with a
// function releasing the detection cache.
func build(cfg *config.Config, log *logger.Logger, m *metrics.Metrics, patternsOnly bool) (*anonymizer.Anonymizer, func() error, error) {
	opts := cfg.AnonymizerOptions(log.Named("ANONYMIZER"), m)
	noop := func() error { return nil }

	switch {
	case patternsOnly:
		return anonymizer.New(nil, opts), noop, nil
	case !cfg.DetectionEnabled():
		log.Warn("init", "HF_TOKENS not set; running pattern detection only")
		return anonymizer.New(nil, opts), noop, nil
	}

	cacheLog := log.Named("CACHE")
	var backing spancache.Store
	if cfg.CachePath != "" {
		b, err := spancache.NewBolt(cfg.CachePath, cacheLog)
		if err != nil {
			return nil, nil, err
		}
		backing = b
	} else {
		backing = spancache.NewMemory()
	}
	store := spancache.NewS3FIFO(backing, cfg.CacheCapacity, cacheLog)

	det := detector.NewCached(cfg.Detector(log.Named("DETECTOR")), store, cfg.CacheNamespace(), cacheLog, m)
	return anonymizer.New(det, opts), store.Close, nil
}

func printExplain(w io.Writer, res *anonymizer.Result) {
	fmt.Fprintf(w, "\n%-14s %-8s %-8s %-8s %s\n", "LABEL", "START", "END", "SOURCE", "PLACEHOLDER")
	for _, r := range res.Replacements {
		fmt.Fprintf(w, "%-14s %-8d %-8d %-8s %s\n", r.Label, r.Start, r.End, r.Source, r.Placeholder)
	}
	if len(res.Rejected) > 0 {
		fmt.Fprintf(w, "rejected spans: %d\n", len(res.Rejected))
	}
	if res.Degraded {
		fmt.Fprintln(w, "entity detection unavailable: patterns only")
	}
}

func printBanner(w io.Writer, cfg *config.Config) {
	detection := "pattern only (set HF_TOKENS to enable the entity model)"
	if cfg.DetectionEnabled() {
		detection = "enabled"
	}
	cache := "memory"
	if cfg.CachePath != "" {
		cache = cfg.CachePath
	}
	auth := "none"
	if cfg.APIToken != "" {
		auth = "bearer token"
	}

	fmt.Fprintf(w, `
╔══════════════════════════════════════════════════════╗
║          Text Anonymizer  (Go)                       ║
╚══════════════════════════════════════════════════════╝
  Listen address  : %s
  Entity model    : %s
  Entity detection: %s
  Degraded mode   : %v
  Detection cache : %s (capacity %d)
  Authentication  : %s

  Try it:
    curl -s http://%s/anonymize -d '{"text":"Mail John at john@example.com"}'
`, cfg.ListenAddress,
		cfg.HFModel, detection, cfg.AllowDegraded,
		cache, cfg.CacheCapacity,
		auth,
		cfg.ListenAddress)
}

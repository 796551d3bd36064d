package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/mailgoatai/mailgoat-sub005/internal/batch"
	"github.com/mailgoatai/mailgoat-sub005/internal/batchfile"
	"github.com/mailgoatai/mailgoat-sub005/internal/config"
	"github.com/mailgoatai/mailgoat-sub005/internal/dispatch"
	"github.com/mailgoatai/mailgoat-sub005/internal/sender"
	"github.com/mailgoatai/mailgoat-sub005/internal/store"
)

func main() {
	root := &cobra.Command{
		Use:           "mailgoat",
		Short:         "MailGoat batch dispatch tooling",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newSendBatchCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

type sendBatchFlags struct {
	configPath    string
	input         string
	batchID       string
	provider      string
	concurrency   int
	resume        bool
	maxAttempts   int
	ratePerSec    int
	stateBackend  string
	stateDB       string
	metricsOutput string
	logLevel      string
}

func newSendBatchCmd() *cobra.Command {
	var flags sendBatchFlags

	cmd := &cobra.Command{
		Use:   "send-batch",
		Short: "Send a batch of messages with durable, resumable state",
		Long: `Send a batch of messages read from a CSV, JSON, or JSONL file through
the configured provider under a concurrency bound. Per-message state is
persisted so an interrupted run can be resumed with --resume without
duplicate sends.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSendBatch(cmd, &flags)
		},
	}

	cmd.Flags().StringVarP(&flags.configPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVarP(&flags.input, "input", "i", "", "input file (.csv, .json, .jsonl)")
	cmd.Flags().StringVar(&flags.batchID, "batch-id", "", "override the derived batch ID")
	cmd.Flags().StringVar(&flags.provider, "provider", "", "message provider: mailgoat or ses")
	cmd.Flags().IntVar(&flags.concurrency, "concurrency", 0, "max in-flight sends (1-50, default 10)")
	cmd.Flags().BoolVar(&flags.resume, "resume", false, "resume a previously interrupted batch")
	cmd.Flags().IntVar(&flags.maxAttempts, "max-attempts", 0, "max dispatch attempts per message")
	cmd.Flags().IntVar(&flags.ratePerSec, "rate-per-sec", 0, "cap on provider calls per second (0 = off)")
	cmd.Flags().StringVar(&flags.stateBackend, "state-backend", "", "state backend: sqlite, postgres, redis")
	cmd.Flags().StringVar(&flags.stateDB, "state-db", "", "sqlite state database path")
	cmd.Flags().StringVar(&flags.metricsOutput, "metrics-output", "", "write the metrics snapshot JSON to this path")
	cmd.Flags().StringVar(&flags.logLevel, "log-level", "", "log level: debug, info, warn, error")
	_ = cmd.MarkFlagRequired("input")

	return cmd
}

func runSendBatch(cmd *cobra.Command, flags *sendBatchFlags) error {
	cfg, err := config.LoadFromEnv(flags.configPath)
	if err != nil {
		return err
	}
	applyFlagOverrides(cfg, flags)

	log := newLogger(cfg.Log.Level)

	messages, err := batchfile.Load(flags.input)
	if err != nil {
		return err
	}
	if len(messages) == 0 {
		return fmt.Errorf("input %s contains no messages", flags.input)
	}

	batchID := flags.batchID
	if batchID == "" {
		if batchID, err = batchfile.BatchID(flags.input, len(messages)); err != nil {
			return err
		}
	}

	st, err := store.Open(store.Config{
		Backend:     cfg.State.Backend,
		Path:        cfg.State.Path,
		PostgresDSN: cfg.State.PostgresDSN,
		RedisAddr:   cfg.State.RedisAddr,
		RedisDB:     cfg.State.RedisDB,
	})
	if err != nil {
		return err
	}
	defer st.Close()

	snd, err := buildSender(cfg, log)
	if err != nil {
		return err
	}

	coord := dispatch.NewCoordinator(snd, st)
	coord.SetLogger(log)

	opts := dispatch.Options{
		Concurrency: cfg.Dispatch.Concurrency,
		Resume:      flags.resume,
		MaxAttempts: cfg.Dispatch.MaxAttempts,
		BackoffBase: time.Duration(cfg.Dispatch.BackoffBaseMs) * time.Millisecond,
		BackoffMax:  time.Duration(cfg.Dispatch.BackoffMaxMs) * time.Millisecond,
		RatePerSec:  cfg.Dispatch.RatePerSec,
	}

	// SIGINT/SIGTERM stop submitting new work, let in-flight provider
	// calls finish, and leave the batch resumable.
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	snap, runErr := coord.Run(ctx, batchID, messages, opts)

	// A failed run can still carry a partial snapshot; report whatever
	// progress was durably made before surfacing the error.
	if snap != nil {
		printSummary(cmd, snap)
		if !snap.Completed {
			cmd.Printf("Batch %s was interrupted; re-run with --resume to finish it.\n", batchID)
		}
		if snap.PermanentlyFailedCount > 0 {
			printFailures(cmd, st, batchID)
		}
		if flags.metricsOutput != "" {
			if err := snap.WriteFile(flags.metricsOutput); err != nil {
				return err
			}
		}
	}
	return runErr
}

func applyFlagOverrides(cfg *config.Config, flags *sendBatchFlags) {
	if flags.provider != "" {
		cfg.Provider = flags.provider
	}
	if flags.concurrency != 0 {
		cfg.Dispatch.Concurrency = flags.concurrency
	}
	if flags.maxAttempts != 0 {
		cfg.Dispatch.MaxAttempts = flags.maxAttempts
	}
	if flags.ratePerSec != 0 {
		cfg.Dispatch.RatePerSec = flags.ratePerSec
	}
	if flags.stateBackend != "" {
		cfg.State.Backend = flags.stateBackend
	}
	if flags.stateDB != "" {
		cfg.State.Path = flags.stateDB
	}
	if flags.logLevel != "" {
		cfg.Log.Level = flags.logLevel
	}
}

func buildSender(cfg *config.Config, log zerolog.Logger) (sender.MessageSender, error) {
	switch strings.ToLower(cfg.Provider) {
	case "mailgoat":
		timeout := time.Duration(cfg.MailGoat.TimeoutSeconds) * time.Second
		return sender.NewMailGoatSender(cfg.MailGoat.APIKey, cfg.MailGoat.BaseURL, timeout, log), nil
	case "ses":
		return sender.NewSESSender(cfg.SES.AccessKey, cfg.SES.SecretKey, cfg.SES.Region,
			cfg.SES.FromEmail, cfg.SES.FromName, log)
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(lvl).With().Timestamp().Logger()
}

func printSummary(cmd *cobra.Command, snap *dispatch.MetricsSnapshot) {
	cmd.Printf("Batch %s: sent=%d failed=%d retried=%d duration=%dms\n",
		snap.BatchID, snap.SentCount, snap.PermanentlyFailedCount, snap.RetriedCount, snap.DurationMs)
}

func printFailures(cmd *cobra.Command, st store.Store, batchID string) {
	recs, err := st.LoadBatch(cmd.Context(), batchID)
	if err != nil {
		cmd.PrintErrf("could not list failed messages: %v\n", err)
		return
	}
	cmd.Println("Failed messages:")
	for _, rec := range recs {
		if rec.Status == batch.StatusPermanentlyFailed {
			cmd.Printf("  index %d (attempts %d): %s\n", rec.Index, rec.Attempts, rec.LastError)
		}
	}
}

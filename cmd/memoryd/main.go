package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/antoniostano/memoryd/internal/app"
	"github.com/antoniostano/memoryd/internal/config"
	"github.com/antoniostano/memoryd/internal/observability"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "memoryd",
		Short:         "Conversation memory service: history, semantic recall and summarization",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newSummariesCmd(), newClearCmd(), newSummarizeCmd())
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	res, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}

	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()
	res.Engine.StartJanitor(runCtx, time.Minute)

	logger.Info().
		Bool("vector_memory", res.Vector.Enabled).
		Str("vector_detail", res.Vector.Detail).
		Int("summary_threshold", cfg.SummaryThreshold).
		Msg("memory engine ready")
	if !res.LLM.Online(ctx) {
		logger.Warn().Str("base_url", cfg.LLMBaseURL).Msg("completion service offline; summarization will fail until it is reachable")
	}

	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           res.API.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	listenErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.BindAddr).Msg("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var runErr error
	select {
	case <-sigCh:
		logger.Info().Msg("shutdown signal received")
	case err := <-listenErr:
		runErr = errors.Wrap(err, "listen")
	}

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("graceful shutdown failed")
		_ = httpServer.Close()
	}
	if err := res.Cleanup(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("cleanup failed")
	}
	logger.Info().Msg("shutdown complete")
	return runErr
}

func newSummariesCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "summaries <conversation-id>",
		Short: "Print the latest memory summaries of a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, res *app.BuildResult) error {
				summaries, err := res.Engine.RecentSummaries(ctx, args[0], limit)
				if err != nil {
					return err
				}
				return printSummaries(cmd.OutOrStdout(), summaries)
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 5, "number of summaries to show")
	return cmd
}

func newClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear <conversation-id>",
		Short: "Delete a conversation's history, semantic memory and rate-limit entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, res *app.BuildResult) error {
				if err := res.Engine.Clear(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "cleared %s\n", args[0])
				return nil
			})
		},
	}
}

func newSummarizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "summarize <conversation-id>",
		Short: "Compact the oldest raw turns of a conversation into a summary now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, res *app.BuildResult) error {
				// A fresh process has no turn counter, so the pipeline's own
				// raw-turn check is the only gate here.
				outcome, err := res.Engine.SummarizeNow(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[0], outcome)
				return nil
			})
		},
	}
}

func withApp(ctx context.Context, fn func(ctx context.Context, res *app.BuildResult) error) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	res, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	runErr := fn(ctx, res)

	closeCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := res.Cleanup(closeCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func loadConfig() (config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, zerolog.Nop(), errors.Wrap(err, "config error")
	}
	return cfg, observability.NewLogger(cfg.LogLevel, cfg.LogFormat), nil
}

func printSummaries(w io.Writer, summaries []string) error {
	if len(summaries) == 0 {
		_, err := fmt.Fprintln(w, "no memory summaries yet")
		return err
	}
	for i, s := range summaries {
		if _, err := fmt.Fprintf(w, "%d. %s\n", i+1, s); err != nil {
			return err
		}
	}
	return nil
}

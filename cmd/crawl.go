package cmd

import (
	"context"
	"fmt"
	"net"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/gallery-crawler/internal/api"
	"github.com/JakeFAU/gallery-crawler/internal/app"
	"github.com/JakeFAU/gallery-crawler/internal/config"
	"github.com/JakeFAU/gallery-crawler/internal/crawler"
	"github.com/JakeFAU/gallery-crawler/internal/logging"
)

// newCrawlCmd creates the 'crawl' subcommand.
func newCrawlCmd() *cobra.Command {
	var single bool
	cmd := &cobra.Command{
		Use:   "crawl [url]",
		Short: "Crawl a gallery starting from a listing page",
		Long: `Fetches the start page, queues its images for download, crawls each album,
and, from the first listing page only, follows the pagination links. The command
returns after every background download has finished or the drain timeout expires.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCrawl(cmd.Context(), args, single)
		},
	}
	cmd.Flags().BoolVar(&single, "single", false, "crawl only this page in this process (used by worker processes)")
	return cmd
}

func runCrawl(ctx context.Context, args []string, single bool) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	startURL := cfg.Site.StartURL
	if len(args) == 1 {
		startURL = args[0]
	}

	logger, closeLog, err := logging.NewRun(cfg.Logging.Dir, startURL, cfg.Logging.Development)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() {
		_ = closeLog()
	}()
	undo := zap.ReplaceGlobals(logger)
	defer undo()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, app.Options{
		StartURL:   startURL,
		Single:     single,
		WorkerArgs: workerArgs(),
	}, logger)
	if err != nil {
		logger.Error("init services failed", zap.Error(err))
		return fmt.Errorf("init services: %w", err)
	}
	defer a.Close()

	if cfg.Server.Port > 0 && !single {
		serveStatus(ctx, a, cfg.Server.Port, logger)
	}

	out, err := a.Run(ctx)
	if err != nil {
		code := out.ExitStatus
		if code == crawler.ExitSuccess {
			code = crawler.ExitFailure
		}
		return &exitError{code: code, err: err}
	}
	return nil
}

// workerArgs builds the command line a child process gets before its URL.
func workerArgs() []string {
	args := []string{"crawl"}
	if cfgFile != "" {
		args = append(args, "--config", cfgFile)
	}
	return append(args, "--single")
}

func serveStatus(ctx context.Context, status api.StatusSource, port int, logger *zap.Logger) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		logger.Warn("status server disabled", zap.Int("port", port), zap.Error(err))
		return
	}
	go func() {
		if err := api.NewServer(status, logger).Serve(ctx, ln); err != nil {
			logger.Warn("status server stopped", zap.Error(err))
		}
	}()
}

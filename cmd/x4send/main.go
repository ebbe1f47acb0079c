package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gofrs/flock"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/TobiSchelling/x4send/internal/article"
	"github.com/TobiSchelling/x4send/internal/collect"
	"github.com/TobiSchelling/x4send/internal/config"
	"github.com/TobiSchelling/x4send/internal/database"
	"github.com/TobiSchelling/x4send/internal/deliver"
	"github.com/TobiSchelling/x4send/internal/device"
	"github.com/TobiSchelling/x4send/internal/epub"
	"github.com/TobiSchelling/x4send/internal/fetch"
	"github.com/TobiSchelling/x4send/internal/logging"
	"github.com/TobiSchelling/x4send/internal/markdown"
	"github.com/TobiSchelling/x4send/internal/server"
	"github.com/TobiSchelling/x4send/internal/transfer"
)

var version = "dev"

var (
	verbose    bool
	configPath string
	configFile string
	cfg        *config.Config
	logger     *slog.Logger
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "x4send",
	Short:   "Send web articles to an X4 e-reader",
	Long:    "x4send packages a web page, Markdown file or feed item as an EPUB and uploads it to an X4 e-reader over Wi-Fi, saving it locally when the device cannot be reached.",
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for init and version
		if cmd.Name() == "init" || cmd.Name() == "version" {
			logger = logging.New("INFO")
			return nil
		}

		if err := config.LoadDotEnv(); err != nil {
			return err
		}
		path, err := config.ResolveConfigPath(configPath)
		if err != nil {
			return err
		}
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		configFile = path

		level := cfg.Logging.Level
		if verbose {
			level = "DEBUG"
		}
		logger = logging.New(level)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(downloadCmd)
	rootCmd.AddCommand(feedCmd)
	rootCmd.AddCommand(deviceCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(serveCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("x4send", version)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration in ~/.config/x4send/",
	RunE: func(cmd *cobra.Command, args []string) error {
		target := filepath.Join(config.ConfigDir(), "config.yaml")
		if _, err := os.Stat(target); err == nil {
			fmt.Printf("Config already exists: %s\n", target)
			return nil
		}

		if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}

		if err := os.WriteFile(target, config.DefaultConfigYAML, 0o644); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}

		fmt.Printf("Created config: %s\n", target)
		fmt.Println("Edit it to choose your device firmware and IP address.")
		return nil
	},
}

// --- send and download commands ---

var markdownFile string

var sendCmd = &cobra.Command{
	Use:   "send [url]",
	Short: "Send a web page or Markdown file to the X4",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTransfer(cmd.Context(), args, (*transfer.Orchestrator).Send)
	},
}

var downloadCmd = &cobra.Command{
	Use:   "download [url]",
	Short: "Save a web page or Markdown file as an EPUB without contacting the X4",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTransfer(cmd.Context(), args, (*transfer.Orchestrator).Download)
	},
}

func init() {
	sendCmd.Flags().StringVarP(&markdownFile, "file", "f", "", "Markdown file to send instead of a URL")
	downloadCmd.Flags().StringVarP(&markdownFile, "file", "f", "", "Markdown file to convert instead of a URL")
}

type runFunc func(*transfer.Orchestrator, context.Context, article.Article) transfer.Outcome

func runTransfer(ctx context.Context, args []string, run runFunc) error {
	if (len(args) == 0) == (markdownFile == "") {
		return errors.New("give either a URL or --file")
	}

	return withSendLock(ctx, cfg.GetDataDir(), cfg.Send.Timeout, func(ctx context.Context) error {
		var a article.Article
		var err error
		if markdownFile != "" {
			a, err = markdown.LoadFile(afero.NewOsFs(), markdownFile)
		} else {
			a, err = newFetcher().Fetch(ctx, args[0])
		}
		if err != nil {
			return err
		}

		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		out := run(newOrchestrator(db), ctx, a)
		printOutcome(out)
		if !out.OK() {
			return out.Err
		}
		return nil
	})
}

// --- feed command ---

var (
	feedLimit    int
	feedDaysBack int
	feedDownload bool
)

var feedCmd = &cobra.Command{
	Use:   "feed <name|url>",
	Short: "Send the latest items of an RSS or Atom feed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		feedURL := cfg.FeedURL(args[0])

		collector := collect.NewCollector(newFetcher(), cfg.Fetch.UserAgent, logger)
		collectCtx, cancel := context.WithTimeout(ctx, cfg.Send.Timeout)
		articles, err := collector.Collect(collectCtx, feedURL, collect.Options{Limit: feedLimit, DaysBack: feedDaysBack})
		cancel()
		if err != nil {
			return err
		}
		if len(articles) == 0 {
			fmt.Println("No items to send.")
			return nil
		}

		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		unlock, err := lockSends(ctx, cfg.GetDataDir())
		if err != nil {
			return err
		}
		defer unlock()

		orch := newOrchestrator(db)
		failed := 0
		for i, a := range articles {
			fmt.Printf("\nItem %d/%d: %s\n", i+1, len(articles), a.Title)
			sendCtx, cancel := context.WithTimeout(ctx, cfg.Send.Timeout)
			var out transfer.Outcome
			if feedDownload {
				out = orch.Download(sendCtx, a)
			} else {
				out = orch.Send(sendCtx, a)
			}
			cancel()
			printOutcome(out)
			if !out.OK() {
				failed++
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d items failed", failed, len(articles))
		}
		return nil
	},
}

func init() {
	feedCmd.Flags().IntVarP(&feedLimit, "limit", "n", 1, "Number of items to send")
	feedCmd.Flags().IntVar(&feedDaysBack, "days-back", 0, "Only send items published within this many days")
	feedCmd.Flags().BoolVar(&feedDownload, "download", false, "Save items locally instead of sending")
}

// --- device command ---

var deviceCmd = &cobra.Command{
	Use:   "device",
	Short: "Inspect and manage the X4",
}

var deviceStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check whether the X4 is reachable",
	RunE: func(cmd *cobra.Command, args []string) error {
		target, err := cfg.Target()
		if err != nil {
			return err
		}
		fmt.Printf("Firmware: %s\n", target.Firmware)
		fmt.Printf("Address:  %s\n", target.Host)

		entries, err := device.New(target, logger).Status(cmd.Context())
		if err != nil {
			fmt.Println("Status:   unreachable")
			return err
		}
		fmt.Println("Status:   connected")
		fmt.Printf("Root:     %d entries\n", len(entries))
		return nil
	},
}

var deviceListCmd = &cobra.Command{
	Use:   "ls",
	Short: "List books in the send-to-x4 folder",
	RunE: func(cmd *cobra.Command, args []string) error {
		target, err := cfg.Target()
		if err != nil {
			return err
		}
		files, err := device.New(target, logger).ListFolder(cmd.Context())
		if err != nil {
			return err
		}
		if len(files) == 0 {
			fmt.Printf("No books in /%s/\n", device.TargetFolder)
			return nil
		}

		rows := make([][]string, 0, len(files))
		for _, f := range files {
			size := ""
			if f.Size > 0 {
				size = humanize.IBytes(uint64(f.Size))
			}
			rows = append(rows, []string{f.Name, size})
		}
		fmt.Println(renderTable([]string{"Name", "Size"}, rows, []columnAlignment{alignLeft, alignRight}))
		return nil
	},
}

var deviceRemoveCmd = &cobra.Command{
	Use:   "rm <name>",
	Short: "Delete a book from the send-to-x4 folder",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target, err := cfg.Target()
		if err != nil {
			return err
		}
		if err := device.New(target, logger).DeleteFile(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Removed /%s/%s\n", device.TargetFolder, args[0])
		return nil
	},
}

func init() {
	deviceCmd.AddCommand(deviceStatusCmd)
	deviceCmd.AddCommand(deviceListCmd)
	deviceCmd.AddCommand(deviceRemoveCmd)
}

// --- history command ---

var (
	historyLimit   uint64
	historyOutcome string
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent sends",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		sends, err := db.RecentSends(database.SendFilter{Outcome: historyOutcome, Limit: historyLimit})
		if err != nil {
			return err
		}
		if len(sends) == 0 {
			fmt.Println("No sends yet. Try: x4send send <url>")
			return nil
		}

		rows := make([][]string, 0, len(sends))
		for _, s := range sends {
			where := s.DevicePath
			if where == "" {
				where = s.LocalPath
			}
			if where == "" {
				where = s.UploadError
			}
			rows = append(rows, []string{
				strconv.FormatInt(s.ID, 10),
				s.CreatedAt,
				s.Outcome,
				s.Title,
				humanize.IBytes(uint64(s.Size)),
				where,
			})
		}
		fmt.Println(renderTable(
			[]string{"ID", "When", "Outcome", "Title", "Size", "Where"},
			rows,
			[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
		))

		stats, err := db.SendStats()
		if err != nil {
			return fmt.Errorf("getting stats: %w", err)
		}
		fmt.Printf("\n%d sends: %d uploaded, %d downloaded, %d failed (%s total)\n",
			stats.Total, stats.Uploaded, stats.Downloaded, stats.Failed, humanize.IBytes(uint64(stats.Bytes)))
		return nil
	},
}

func init() {
	historyCmd.Flags().Uint64VarP(&historyLimit, "limit", "n", 20, "Number of sends to show")
	historyCmd.Flags().StringVar(&historyOutcome, "outcome", "", "Only show uploaded, downloaded or failed sends")
}

// --- serve command ---

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the local JSON API",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		source := config.Source{Path: configFile}
		devices := func() (device.Client, error) {
			target, err := source.Target()
			if err != nil {
				return nil, err
			}
			return device.New(target, logger), nil
		}
		srv := server.New(newOrchestrator(db), newFetcher(), devices,
			server.WithHistory(db),
			server.WithSendTimeout(cfg.Send.Timeout),
			server.WithLogger(logger),
		)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		fmt.Printf("Starting server at http://127.0.0.1:%d\n", port)
		fmt.Println("Press Ctrl+C to stop")
		return srv.Serve(ctx, port)
	},
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to run server on (default from config)")
}

func newFetcher() *fetch.Fetcher {
	return fetch.New(cfg.Fetch.Timeout, cfg.Fetch.UserAgent, logger)
}

func newOrchestrator(db *database.DB) *transfer.Orchestrator {
	return transfer.New(
		epub.NewBuilder(),
		deliver.NewLocalDir(cfg.GetDownloadsDir(), logger),
		config.Source{Path: configFile},
		transfer.WithLogger(logger),
		transfer.WithRecorder(db),
		transfer.WithObserver(newProgress(os.Stderr)),
	)
}

// withSendLock runs fn while holding the send lock. The budget starts once
// the lock is held, so waiting on another process does not eat into it.
func withSendLock(ctx context.Context, dataDir string, budget time.Duration, fn func(context.Context) error) error {
	unlock, err := lockSends(ctx, dataDir)
	if err != nil {
		return err
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()
	return fn(ctx)
}

// lockSends serializes sends across x4send processes.
func lockSends(ctx context.Context, dataDir string) (func(), error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	lock := flock.New(filepath.Join(dataDir, "send.lock"))
	ok, err := lock.TryLockContext(ctx, 250*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("waiting for another send to finish: %w", err)
	}
	if !ok {
		return nil, errors.New("another x4send process is sending")
	}
	return func() {
		if err := lock.Unlock(); err != nil && logger != nil {
			logger.Warn("failed to release send lock", "error", err)
		}
	}, nil
}

func printOutcome(out transfer.Outcome) {
	for i, step := range out.Steps {
		fmt.Printf("Step %d/%d: %s\n", i+1, len(out.Steps), step.Name)
		if step.Err != nil {
			fmt.Printf("  Error: %v\n", step.Err)
		} else {
			fmt.Printf("  %s\n", step.Summary)
		}
	}
	fmt.Println(out.Message())
}

func openDB() (*database.DB, error) {
	dataDir := cfg.GetDataDir()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	return database.Open(filepath.Join(dataDir, database.FileName), database.WithLogger(logger))
}

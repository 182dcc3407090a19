package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/1122414/AutoWeb/internal/agent"
	"github.com/1122414/AutoWeb/internal/config"
	"github.com/1122414/AutoWeb/internal/knowledge"
	"github.com/1122414/AutoWeb/internal/supervisor"
)

const version = "0.1.0"

var (
	// Global flags
	verbose    bool
	headless   bool
	configPath string

	// Loaded configuration, available to every RunE after PersistentPreRunE
	cfg *config.Config

	// Logger for the CLI boundary; library code logs through internal/logging
	logger *zap.Logger
)

// rootCmd starts the interactive session when run without a subcommand.
var rootCmd = &cobra.Command{
	Use:   "autoweb",
	Short: "AutoWeb - LLM-driven browser automation agent",
	Long: `AutoWeb turns a natural-language task into an iterative loop of
perceive -> plan -> generate code -> execute -> verify over a live
Chromium session, backed by two vector experience caches and a
knowledge-base ingestion pipeline.

Run without arguments to start the interactive session:

  > scrape the top 20 movies on https://example.com/ and store them

Reserved inputs inside the session: qa <question>, new/reset, exit/quit.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// .env before config so env overrides see the file's values.
		_ = godotenv.Load()

		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if headless {
			cfg.Browser.Headless = true
		}
		if verbose {
			cfg.Logging.DebugMode = true
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInteractive(cmd.Context())
	},
}

// runCmd executes a single task without entering the session loop.
var runCmd = &cobra.Command{
	Use:   "run [task]",
	Short: "Execute one task end to end without human review gates",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOneShot(cmd.Context(), strings.Join(args, " "))
	},
}

// qaCmd answers a question from the knowledge base.
var qaCmd = &cobra.Command{
	Use:   "qa [question]",
	Short: "Answer a question from the knowledge base",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer app.Close()
		if app.qa == nil {
			return fmt.Errorf("knowledge base unavailable (vector store not reachable)")
		}
		answer, err := app.qa.Answer(cmd.Context(), strings.Join(args, " "))
		if err != nil {
			return err
		}
		fmt.Println(answer)
		return nil
	},
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and manage the experience caches",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show entry counts for the code and DOM caches",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer app.Close()
		if app.codeCache == nil {
			return fmt.Errorf("caches unavailable (vector store not reachable)")
		}
		ctx := cmd.Context()
		codeCount, err := app.codeCache.Count(ctx)
		if err != nil {
			return fmt.Errorf("code cache count: %w", err)
		}
		domCount, err := app.domCache.Count(ctx)
		if err != nil {
			return fmt.Errorf("dom cache count: %w", err)
		}
		fmt.Printf("code cache (%s): %d entries, threshold %.2f, enabled=%v\n",
			cfg.CodeCache.Collection, codeCount, cfg.CodeCache.Threshold, cfg.CodeCache.Enabled)
		fmt.Printf("dom cache  (%s): %d entries, threshold %.2f, ttl %dh, enabled=%v\n",
			cfg.DOMCache.Collection, domCount, cfg.DOMCache.Threshold, cfg.DOMCache.TTLHours, cfg.DOMCache.Enabled)
		return nil
	},
}

var cacheInvalidateCmd = &cobra.Command{
	Use:   "invalidate [cache-id]",
	Short: "Permanently delete a cache entry by id",
	Long: `Deletes one entry from whichever cache holds the id. This is the
only way an entry leaves a cache: failed hits are audited to
output/cache_failures.jsonl but never auto-removed.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer app.Close()
		if app.codeCache == nil {
			return fmt.Errorf("caches unavailable (vector store not reachable)")
		}
		id := args[0]
		switch {
		case app.codeCache.Invalidate(cmd.Context(), id):
			fmt.Printf("removed %s from the code cache\n", id)
		case app.domCache.Invalidate(cmd.Context(), id):
			fmt.Printf("removed %s from the dom cache\n", id)
		default:
			return fmt.Errorf("cache id not found: %s", id)
		}
		return nil
	},
}

var kbCmd = &cobra.Command{
	Use:   "kb",
	Short: "Inspect and manage the knowledge base",
}

var kbFieldsCmd = &cobra.Command{
	Use:   "fields",
	Short: "List the registered knowledge-base fields",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer app.Close()
		if app.registry == nil {
			return fmt.Errorf("field registry unavailable")
		}
		fmt.Println(knowledge.FormatFieldsForPrompt(cmd.Context(), app.registry))
		return nil
	},
}

var kbFlushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Flush any buffered knowledge-base documents",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer app.Close()
		if app.writer == nil {
			return fmt.Errorf("knowledge base unavailable (vector store not reachable)")
		}
		if !app.writer.FlushAndWait(flushTimeout) {
			return fmt.Errorf("flush did not complete within %s", flushTimeout)
		}
		fmt.Println("knowledge base flushed")
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the AutoWeb version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("autoweb %s\n", version)
	},
}

// runInteractive wires the full stack and hands control to the session
// loop until the user exits.
func runInteractive(ctx context.Context) error {
	app, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	eng, err := app.buildEngine(agent.DefaultOptions())
	if err != nil {
		return err
	}

	rl, err := supervisor.NewReadline(historyPath())
	if err != nil {
		return fmt.Errorf("failed to initialize readline: %w", err)
	}
	defer rl.Close()

	sup := supervisor.New(eng, app.answerer(), rl, os.Stdout)
	logger.Info("session starting",
		zap.String("thread_id", sup.ThreadID()),
		zap.String("model", cfg.LLM.ModelName),
		zap.Bool("headless", cfg.Browser.Headless))

	fmt.Printf("AutoWeb %s  (thread %s)\n", version, sup.ThreadID())
	fmt.Println("Enter a task, or: qa <question>, new, exit")
	return sup.Run(ctx)
}

// runOneShot executes one task headlessly: no review gates, answers on
// stdout, then a full drain of the write-behind workers.
func runOneShot(ctx context.Context, task string) error {
	app, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	eng, err := app.buildEngine(agent.HeadlessOptions())
	if err != nil {
		return err
	}

	sup := supervisor.New(eng, app.answerer(), nonInteractive{}, os.Stdout)
	logger.Info("one-shot run", zap.String("thread_id", sup.ThreadID()), zap.String("task", task))
	return sup.Submit(ctx, task)
}

// nonInteractive satisfies the supervisor's prompter seam for runs that
// configure no interrupt points. Reaching it means a gate fired anyway,
// so it always chooses to continue.
type nonInteractive struct{}

func (nonInteractive) ReadLine(prompt string) (string, error) { return "c", nil }

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&headless, "headless", false, "run the browser headless")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to the YAML config file")

	cacheCmd.AddCommand(cacheStatsCmd, cacheInvalidateCmd)
	kbCmd.AddCommand(kbFieldsCmd, kbFlushCmd)
	rootCmd.AddCommand(runCmd, qaCmd, cacheCmd, kbCmd, versionCmd)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// Command openjulesd runs the Mission Runtime controller: one invocation of
// its serve subcommand drives a single Job's mission to completion, the
// unit of work an external scheduler hands it (§5: "One Mission Controller
// task per Job").
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/caic-xyz/openjules/internal/mission"
	"github.com/caic-xyz/openjules/internal/sandbox"
	"github.com/caic-xyz/openjules/internal/store/jsonllog"
	"github.com/caic-xyz/openjules/internal/store/sqlitestore"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "openjulesd",
	Short: "openjulesd drives autonomous coding missions through their state machine",
}

func init() {
	rootCmd.PersistentFlags().String("db", "openjules.db", "path to the SQLite state store")
	rootCmd.PersistentFlags().String("log-level", "info", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().Bool("log-json", false, "emit JSON logs instead of the colorized console format")
	cobra.OnInitialize(func() { initLogging(rootCmd) })

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(showLogCmd)
}

func initLogging(cmd *cobra.Command) {
	levelStr, _ := cmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := cmd.PersistentFlags().GetBool("log-json")

	var level slog.Level
	if err := level.UnmarshalText([]byte(levelStr)); err != nil {
		level = slog.LevelInfo
	}

	var handler slog.Handler
	if jsonOut {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		w := os.Stderr
		out := colorable.NewColorable(w)
		handler = tint.NewHandler(out, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
			NoColor:    !isatty.IsTerminal(w.Fd()),
		})
	}
	slog.SetDefault(slog.New(handler))
}

var serveCmd = &cobra.Command{
	Use:   "serve JOB_ID",
	Short: "drive one job's mission through the controller loop until it reaches a terminal state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		jobID := args[0]
		dbPath, _ := cmd.Flags().GetString("db")

		st, err := sqlitestore.Open(dbPath)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer st.Close()

		ctrl := mission.New(st, mission.Adapt(sandbox.New()))

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		slog.Info("controller starting", "job", jobID, "db", dbPath)
		if err := ctrl.RunWithHeartbeat(ctx, jobID); err != nil && ctx.Err() == nil {
			return fmt.Errorf("controller: %w", err)
		}
		slog.Info("controller finished", "job", jobID)
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "create the SQLite store and apply schema migrations, then exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		dbPath, _ := cmd.Flags().GetString("db")
		st, err := sqlitestore.Open(dbPath)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer st.Close()
		slog.Info("migrations applied", "db", dbPath)
		return nil
	},
}

var showLogCmd = &cobra.Command{
	Use:   "show-log PATH",
	Short: "print a crash-recovery mission log file (plaintext or .br) as a readable summary",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		lm, err := jsonllog.Load(args[0])
		if err != nil {
			return fmt.Errorf("load mission log: %w", err)
		}
		fmt.Printf("mission %s (%s)\nstarted: %s\n", lm.MissionID, lm.Goal, lm.StartedAt.Format(time.RFC3339))
		for _, ev := range lm.Events {
			fmt.Printf("[%s] %s step=%s %s\n", ev.Timestamp.Format(time.RFC3339), ev.LogType, ev.StepID, ev.Content)
		}
		if lm.Result != nil {
			fmt.Printf("result: %s (%dms)", lm.Result.Status, lm.Result.DurationMs)
			if lm.Result.Error != "" {
				fmt.Printf(" error=%q", lm.Result.Error)
			}
			fmt.Println()
		}
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print the build version",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("openjulesd %s (%s)\n", version, commit)
		return nil
	},
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"rostersync/internal/app"
	"rostersync/internal/config"
	"rostersync/internal/foldersync"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var verbose bool

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newApp reads the config and creates a RosterApp. The caller must defer app.Close().
// operation identifies the CLI command being run (e.g. "Sync", "Resolve").
func newApp(ctx context.Context, operation string) (*app.RosterApp, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	a, err := app.NewRosterApp(ctx, cfg, operation, app.Options{
		Passphrase: func() (string, error) { return getPassphrase(os.Stderr) },
		Verbose:    verbose,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

// commandContext bounds one-shot commands and cancels them on interrupt.
func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	ctx, cancel := context.WithTimeout(ctx, app.DefaultTimeout)
	return ctx, func() {
		cancel()
		stop()
	}
}

// withApp runs fn against a freshly built app and closes it afterwards.
func withApp(cmd *cobra.Command, operation string, fn func(ctx context.Context, a *app.RosterApp) error) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	a, err := newApp(ctx, operation)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

var rootCmd = &cobra.Command{
	Use:          "rostersync",
	Short:        "Share a scheduling database through a synced folder",
	SilenceUsage: true,
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		user, _ := cmd.Flags().GetString("user")
		if user == "" {
			user = defaults.User
		}
		machineID := uuid.New().String()

		cfg := config.NewConfig(user, machineID, defaults.BaseDir)
		if folder, _ := cmd.Flags().GetString("folder"); folder != "" {
			cfg.Folder.Path = folder
		}
		if working, _ := cmd.Flags().GetString("database"); working != "" {
			cfg.Database.WorkingPath = working
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		if err := config.Init(defaults.ConfigPath, cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults.ConfigPath)
		fmt.Printf("User:       %s\n", cfg.User)
		fmt.Printf("Machine ID: %s\n", cfg.MachineID)
		fmt.Printf("Folder:     %s\n", cfg.Folder.Path)
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg, err := config.ReadFromFile(defaults.ConfigPath)
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		fmt.Printf("Configuration from %s:\n\n", defaults.ConfigPath)
		fmt.Printf("User:          %s\n", cfg.User)
		fmt.Printf("Machine ID:    %s\n", cfg.MachineID)
		fmt.Printf("Base Dir:      %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:       %s\n", cfg.LogDir)
		fmt.Printf("Database:      %s\n", cfg.Database.WorkingPath)
		fmt.Printf("Folder:        %s %s%s\n", cfg.Folder.Type, cfg.Folder.Path, cfg.Folder.S3Bucket)
		fmt.Printf("Encryption:    %s\n", cfg.Encryption.Type)
		fmt.Printf("Single writer: %t\n", cfg.Sync.SingleWriter)
		return nil
	},
}

// sync commands
var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Upload local changes and merge everyone's working copies",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "Sync", func(ctx context.Context, a *app.RosterApp) error {
			report, err := a.Sync(ctx)
			if err != nil {
				return err
			}
			printReport(report)
			return nil
		})
	},
}

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Fold your working copy into the shared base now",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "Checkpoint", func(ctx context.Context, a *app.RosterApp) error {
			report, err := a.Checkpoint(ctx)
			if err != nil {
				return err
			}
			printReport(report)
			return nil
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the shared folder state",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "Status", func(ctx context.Context, a *app.RosterApp) error {
			st, err := a.Status(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Phase:          %s\n", st.Phase)
			fmt.Printf("Local database: %t\n", st.LocalExists)
			if st.Scan.Base != nil {
				fmt.Printf("Base:           %s (%s)\n", st.Scan.Base.Name, st.Scan.Base.ModTime.Format(time.RFC3339))
			} else {
				fmt.Println("Base:           none")
			}
			fmt.Printf("Participants:   %s\n", strings.Join(st.Scan.Participants(), ", "))
			fmt.Printf("Backups:        %d\n", len(st.Scan.Backups))
			if ml := st.Scan.MergeLock; ml != nil {
				fmt.Printf("Merge lock:     %s since %s (stale: %t)\n", ml.User, ml.Timestamp.Format(time.RFC3339), st.MergeLockStale)
			}
			if st.PendingID != "" {
				fmt.Printf("Pending merge:  %s with %d conflict(s)\n", st.PendingID, st.Conflicts)
			}
			return nil
		})
	},
}

// conflicts command
var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "Inspect and resolve merge conflicts",
}

var conflictsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conflicts of the pending merge",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "Conflicts", func(ctx context.Context, a *app.RosterApp) error {
			pending, err := a.PendingConflicts()
			if err != nil {
				return err
			}
			if pending == nil {
				fmt.Println("No pending merge.")
				return nil
			}
			fmt.Printf("Pending merge %s (%s)\n", pending.ID, pending.CreatedAt.Format(time.RFC3339))
			for _, c := range pending.Conflicts {
				fmt.Printf("\n%s\n", c.Key())
				fmt.Printf("  base:  %v\n", c.BaseRow)
				for i, m := range c.Modifiers {
					fmt.Printf("  [%d] %s at %s: %v\n", i, m.User, m.ModifiedAt.Format(time.RFC3339), m.Row)
				}
				if c.AllowMultiple {
					fmt.Println("  (kind \"all\" allowed)")
				}
			}
			return nil
		})
	},
}

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve FILE",
	Short: "Apply a JSON decisions file and publish the merge",
	Long: `Apply a JSON decisions file and publish the pending merge.

The file maps "table:sync_id" to a decision:

  {"person:P1": {"kind": "modifier", "index": 0}, "person:P2": {"kind": "base"}}

Kinds are "base", "modifier" (with the index shown by "conflicts list"),
"delete" and "all".`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "Resolve", func(ctx context.Context, a *app.RosterApp) error {
			report, err := a.ResolveConflicts(ctx, args[0])
			if err != nil {
				return err
			}
			printReport(report)
			return nil
		})
	},
}

// lock command
var lockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Manage the single-writer lock",
}

var lockStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show who holds the lock",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "LockStatus", func(ctx context.Context, a *app.RosterApp) error {
			st, err := a.LockStatus(ctx)
			if err != nil {
				return err
			}
			if st.Info == nil {
				fmt.Println("Unlocked.")
				return nil
			}
			fmt.Printf("Held by %s on %s since %s (mine: %t, stale: %t)\n",
				st.Info.User, st.Info.MachineID, st.Info.Timestamp.Format(time.RFC3339), st.Mine, st.Stale)
			return nil
		})
	},
}

var lockAcquireCmd = &cobra.Command{
	Use:   "acquire",
	Short: "Claim the lock for this machine",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "LockAcquire", func(ctx context.Context, a *app.RosterApp) error {
			if err := a.AcquireLock(ctx); err != nil {
				return err
			}
			fmt.Println("Lock acquired.")
			return nil
		})
	},
}

var lockReleaseCmd = &cobra.Command{
	Use:   "release",
	Short: "Release the lock if this machine holds it",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "LockRelease", func(ctx context.Context, a *app.RosterApp) error {
			if err := a.ReleaseLock(ctx); err != nil {
				return err
			}
			fmt.Println("Lock released.")
			return nil
		})
	},
}

var lockForceUnlockCmd = &cobra.Command{
	Use:   "force-unlock",
	Short: "Remove the lock whoever holds it",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "ForceUnlock", func(ctx context.Context, a *app.RosterApp) error {
			if err := a.ForceUnlock(ctx); err != nil {
				return err
			}
			fmt.Println("Lock removed.")
			return nil
		})
	},
}

// queue command
var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and replay offline edits",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent offline edits",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		return withApp(cmd, "QueueList", func(ctx context.Context, a *app.RosterApp) error {
			entries, err := a.QueueEntries(limit)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("Offline queue is empty.")
				return nil
			}
			for _, e := range entries {
				state := "pending"
				if e.Synced {
					state = "synced"
				}
				fmt.Printf("%s  %-7s  %-8s  %s:%s  %s\n",
					e.Timestamp.Format("2006-01-02 15:04:05"), state, e.Operation, e.Table, e.RowID, e.Field)
			}
			return nil
		})
	},
}

var queueReplayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Apply pending offline edits to the local database",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "QueueReplay", func(ctx context.Context, a *app.RosterApp) error {
			res, err := a.ReplayQueue(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Applied %d, skipped %d, purged %d.\n", res.Applied, res.Skipped, res.Purged)
			return nil
		})
	},
}

// changes command
var changesCmd = &cobra.Command{
	Use:   "changes",
	Short: "Inspect and replay change-set files",
}

var changesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List change sets in the shared folder",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "ChangesList", func(ctx context.Context, a *app.RosterApp) error {
			sets, corrupt, err := a.ChangeSets(ctx)
			if err != nil {
				return err
			}
			for _, cs := range sets {
				fmt.Printf("%s  %-12s  %s  %d operation(s)\n",
					cs.Timestamp.Format("2006-01-02 15:04:05"), cs.User, cs.ID, len(cs.Operations))
			}
			for _, name := range corrupt {
				fmt.Printf("unreadable: %s\n", name)
			}
			if len(sets) == 0 && len(corrupt) == 0 {
				fmt.Println("No change sets.")
			}
			return nil
		})
	},
}

var changesReplayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Apply other users' change sets to the local database",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "ChangesReplay", func(ctx context.Context, a *app.RosterApp) error {
			report, err := a.ReplayChanges(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Applied %d change set(s), %d operation(s), %d skipped; state version %d.\n",
				len(report.Applied), report.Operations, report.Skipped, report.Version)
			return nil
		})
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Keep syncing until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, "Watch")
		if err != nil {
			return err
		}
		defer a.Close()

		fmt.Printf("Watching every %s; press Ctrl-C to stop.\n", a.Config().Sync.PullInterval)
		return a.Watch(ctx, func(report *foldersync.SyncReport, err error) {
			if err != nil {
				fmt.Fprintf(os.Stderr, "sync failed: %v\n", err)
				return
			}
			fmt.Printf("%s  %s\n", time.Now().Format("15:04:05"), report.Summary())
		})
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete expired backups from the shared folder",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "Cleanup", func(ctx context.Context, a *app.RosterApp) error {
			report, err := a.CleanupBackups(ctx)
			if err != nil {
				return err
			}
			for _, name := range report.Deleted {
				fmt.Printf("deleted %s\n", name)
			}
			fmt.Printf("Deleted %d, kept %d.\n", len(report.Deleted), len(report.Kept))
			return nil
		})
	},
}

// history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "View sync operation history",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		return withApp(cmd, "History", func(ctx context.Context, a *app.RosterApp) error {
			ops, err := a.History(limit)
			if err != nil {
				return err
			}
			if len(ops) == 0 {
				fmt.Println("No sync operations recorded.")
				return nil
			}
			for _, op := range ops {
				duration := ""
				if op.FinishedAt != nil {
					duration = op.FinishedAt.Sub(op.StartedAt).Truncate(time.Millisecond).String()
				}
				fmt.Printf("#%d  %-13s  %s  %-7s  %-8s  %s\n",
					op.ID,
					op.Operation,
					op.StartedAt.Format("2006-01-02 15:04:05"),
					op.Status,
					duration,
					op.Summary,
				)
			}
			return nil
		})
	},
}

func printReport(r *foldersync.SyncReport) {
	fmt.Println(r.Summary())
	for _, name := range r.SkippedCopies {
		fmt.Printf("skipped unreadable copy: %s\n", name)
	}
	for _, st := range r.SkippedTables {
		fmt.Printf("skipped table %s: %s\n", st.Table, st.Reason)
	}
	if len(r.Conflicts) > 0 {
		fmt.Printf("%d conflict(s) need a decision; run \"rostersync conflicts list\".\n", len(r.Conflicts))
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log debug output")

	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)
	configInitCmd.Flags().String("user", "", "Your name as other participants see it (default $ROSTERSYNC_USER or login name)")
	configInitCmd.Flags().String("folder", "", "Shared folder path")
	configInitCmd.Flags().String("database", "", "Local scheduling database path")

	// conflicts subcommands
	conflictsCmd.AddCommand(conflictsListCmd)
	conflictsCmd.AddCommand(conflictsResolveCmd)

	// lock subcommands
	lockCmd.AddCommand(lockStatusCmd)
	lockCmd.AddCommand(lockAcquireCmd)
	lockCmd.AddCommand(lockReleaseCmd)
	lockCmd.AddCommand(lockForceUnlockCmd)

	// queue subcommands
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueReplayCmd)
	queueListCmd.Flags().IntP("limit", "n", 50, "Maximum number of entries to show")

	// changes subcommands
	changesCmd.AddCommand(changesListCmd)
	changesCmd.AddCommand(changesReplayCmd)

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(checkpointCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(conflictsCmd)
	rootCmd.AddCommand(lockCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(changesCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntP("limit", "n", 50, "Maximum number of operations to show")
}

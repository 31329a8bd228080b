// Package main provides the CLI entrypoint for storyvoid.
package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/JohanCodinha/storyvoid/internal/article"
	"github.com/JohanCodinha/storyvoid/internal/config"
	"github.com/JohanCodinha/storyvoid/internal/fs"
	"github.com/JohanCodinha/storyvoid/internal/instapaper"
	"github.com/JohanCodinha/storyvoid/internal/logger"
	"github.com/JohanCodinha/storyvoid/internal/store"
	"github.com/JohanCodinha/storyvoid/internal/sync"
)

func main() {
	err := rootCmd.Execute()
	logger.Close()
	if err != nil {
		os.Exit(1)
	}
}

var (
	cfgFile  string
	logLevel string
	cfg      *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "storyvoid",
	Short: "Offline read-it-later client for Instapaper",
	Long: `storyvoid keeps an offline copy of your Instapaper account.

Local changes are journaled and pushed on the next sync, and the
library can be mounted as a FUSE filesystem of markdown files.`,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

var mountCmd = &cobra.Command{
	Use:   "mount <mountpoint>",
	Short: "Mount the library as a filesystem",
	Long: `Mount folders as directories and bookmarks as markdown files.

The mountpoint is created if it does not exist. Changes are synced in
the background and flushed when the filesystem is unmounted.`,
	Args: cobra.ExactArgs(1),
	RunE: runMount,
}

var unmountCmd = &cobra.Command{
	Use:   "unmount <mountpoint>",
	Short: "Unmount a previously mounted filesystem",
	Long: `Unmount a storyvoid filesystem. The mounting process pushes any
pending changes before it exits.`,
	Args: cobra.ExactArgs(1),
	RunE: runUnmount,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.config/storyvoid/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log level (debug, info, warn, error)")

	rootCmd.AddCommand(mountCmd)
	rootCmd.AddCommand(unmountCmd)
}

func loadConfig(cmd *cobra.Command, args []string) error {
	c, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if logLevel != "" {
		c.LogLevel = logLevel
	}
	level, err := c.Level()
	if err != nil {
		return err
	}
	logger.SetLevel(level)
	if c.LogFile != "" {
		if err := logger.SetLogFile(c.LogFile); err != nil {
			return err
		}
	}
	cfg = c
	return nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// openStore opens the database in the data directory, creating it if needed.
func openStore(ctx context.Context) (*store.Store, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	st, err := store.Open(ctx, cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	logger.Debug("store opened at %s", cfg.DBPath())
	return st, nil
}

// newEngine wires the client, the article downloader and the engine.
func newEngine(st *store.Store, onStatus func(sync.StatusUpdate)) (*sync.Engine, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("no token configured: set token in %s or %s_TOKEN", configFileHint(), config.EnvPrefix)
	}
	client := instapaper.NewWithBaseURL(cfg.Token, cfg.APIURL)
	articles := article.NewSyncer(st, client, cfg.ArticlesDir(), cfg.ArticleWorkers)

	return sync.NewEngine(st, client, sync.Options{
		Limits: sync.Limits{
			Unread:  cfg.Limits.Unread,
			Archive: cfg.Limits.Archive,
			Liked:   cfg.Limits.Liked,
			Default: cfg.Limits.Default,
		},
		DebounceMs: cfg.DebounceMs,
		Articles:   articles,
		OnStatus:   onStatus,
	}), nil
}

func configFileHint() string {
	if cfg != nil && cfg.File != "" {
		return cfg.File
	}
	dir, err := config.DefaultConfigDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(dir, "config.yaml")
}

// ensureMountpoint creates the mountpoint if missing. It reports whether the
// directory was created.
func ensureMountpoint(mountpoint string) (bool, error) {
	info, err := os.Stat(mountpoint)
	if err != nil {
		if !os.IsNotExist(err) {
			return false, fmt.Errorf("cannot access mountpoint %q: %w", mountpoint, err)
		}
		if err := os.MkdirAll(mountpoint, 0755); err != nil {
			return false, fmt.Errorf("failed to create mountpoint %q: %w", mountpoint, err)
		}
		return true, nil
	}
	if !info.IsDir() {
		return false, fmt.Errorf("mountpoint %q is not a directory", mountpoint)
	}
	return false, nil
}

// getUnmountCommand returns the platform's FUSE unmount command.
func getUnmountCommand(mountpoint string) *exec.Cmd {
	if runtime.GOOS == "darwin" {
		return exec.Command("umount", mountpoint)
	}
	return exec.Command("fusermount", "-u", mountpoint)
}

func runMount(cmd *cobra.Command, args []string) error {
	mountpoint := args[0]
	out := cmd.OutOrStdout()

	created, err := ensureMountpoint(mountpoint)
	if err != nil {
		return err
	}
	if created {
		fmt.Fprintf(out, "created mountpoint %s\n", mountpoint)
	}

	ctx := context.Background()
	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	engine, err := newEngine(st, nil)
	if err != nil {
		return err
	}
	defer engine.Stop()

	fmt.Fprintln(out, "syncing...")
	report, err := engine.Sync(ctx, sync.SyncOptions{})
	if err == nil {
		err = report.Err()
	}
	if err != nil {
		// Offline mode: the local copy stays usable.
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: initial sync failed: %v\n", err)
		fmt.Fprintf(cmd.ErrOrStderr(), "continuing in offline mode with local data\n")
	}

	filesystem := fs.NewFS(st, mountpoint, engine.TriggerSync)

	fmt.Fprintf(out, "mounting at %s\n", mountpoint)
	fmt.Fprintln(out, "press Ctrl+C to unmount")
	mountErr := filesystem.Mount()

	fmt.Fprintln(out, "unmounting...")
	if report, err := engine.SyncNow(ctx); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: failed to sync pending changes: %v\n", err)
	} else if err := report.Err(); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: failed to sync pending changes: %v\n", err)
	}

	if mountErr != nil {
		return fmt.Errorf("mount error: %w", mountErr)
	}
	fmt.Fprintln(out, "unmounted successfully")
	return nil
}

func runUnmount(cmd *cobra.Command, args []string) error {
	mountpoint := args[0]

	info, err := os.Stat(mountpoint)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("mountpoint %q does not exist", mountpoint)
		}
		return fmt.Errorf("cannot access mountpoint %q: %w", mountpoint, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("mountpoint %q is not a directory", mountpoint)
	}

	absMountpoint, err := filepath.Abs(mountpoint)
	if err != nil {
		return fmt.Errorf("failed to get absolute path: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "unmounting %s\n", absMountpoint)

	unmount := getUnmountCommand(absMountpoint)
	unmount.Stdout = cmd.OutOrStdout()
	unmount.Stderr = cmd.ErrOrStderr()
	if err := unmount.Run(); err != nil {
		return fmt.Errorf("failed to unmount: %w", err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), "unmounted successfully")
	return nil
}

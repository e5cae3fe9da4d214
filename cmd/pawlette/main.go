package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/meowrch/pawlette/internal/backup"
	"github.com/meowrch/pawlette/internal/config"
	"github.com/meowrch/pawlette/internal/engine"
	"github.com/meowrch/pawlette/internal/git"
	"github.com/meowrch/pawlette/internal/lock"
	"github.com/meowrch/pawlette/internal/reload"
	"github.com/meowrch/pawlette/internal/theme"
	"github.com/meowrch/pawlette/internal/verify"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string

	// Command flags
	backupHash    string
	backupComment string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "pawlette",
	Short: "Apply packaged themes onto your configuration tree",
	Long: `pawlette overlays theme packages (configuration fragments, wallpapers,
GTK and icon assets) onto your XDG configuration tree.

Every file it is about to touch is backed up first, each theme application
runs as a single transaction that rolls back on failure, and whole-system
snapshots can be created and restored at any time.`,
	SilenceUsage: true,
}

var getThemesCmd = &cobra.Command{
	Use:   "get-themes",
	Short: "List installed themes",
	RunE:  runGetThemes,
}

var themeCmd = &cobra.Command{
	Use:   "theme <name>",
	Short: "Apply a theme",
	Long: `Theme overlays the named theme onto the configuration root. Plain files
replace their targets, *.pre_pawlette and *.post_pawlette fragments are
injected into existing files, and global assets are copied verbatim.

Any error rolls every change of this run back before the command exits.`,
	Args: cobra.ExactArgs(1),
	RunE: runTheme,
}

var revertCmd = &cobra.Command{
	Use:   "revert",
	Short: "Roll back the most recent theme application",
	RunE:  runRevert,
}

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Inspect and restore per-file backups",
}

var backupListCmd = &cobra.Command{
	Use:   "list <path>",
	Short: "List backup versions recorded for a file",
	Args:  cobra.ExactArgs(1),
	RunE:  runBackupList,
}

var backupRestoreCmd = &cobra.Command{
	Use:   "restore <path>",
	Short: "Restore a file from backup (latest, or --hash for a specific version)",
	Args:  cobra.ExactArgs(1),
	RunE:  runBackupRestore,
}

var systemBackupCmd = &cobra.Command{
	Use:   "system-backup",
	Short: "Create, list and restore whole-system snapshots",
}

var systemBackupCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Snapshot the entire configuration root",
	RunE:  runSystemBackupCreate,
}

var systemBackupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List system backups",
	RunE:  runSystemBackupList,
}

var systemBackupRestoreCmd = &cobra.Command{
	Use:   "restore <id>",
	Short: "Restore the configuration root from a system backup",
	Args:  cobra.ExactArgs(1),
	RunE:  runSystemBackupRestore,
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check the live configuration against the last applied theme",
	RunE:  runVerify,
}

var installCmd = &cobra.Command{
	Use:   "install <git-url>",
	Short: "Install or update a theme from a git repository",
	Args:  cobra.ExactArgs(1),
	RunE:  runInstall,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("pawlette %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/pawlette/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	// Command flags
	backupRestoreCmd.Flags().StringVar(&backupHash, "hash", "", "restore the version with this content digest")
	systemBackupCreateCmd.Flags().StringVar(&backupComment, "comment", "", "comment stored with the backup")

	// Add commands
	backupCmd.AddCommand(backupListCmd)
	backupCmd.AddCommand(backupRestoreCmd)
	systemBackupCmd.AddCommand(systemBackupCreateCmd)
	systemBackupCmd.AddCommand(systemBackupListCmd)
	systemBackupCmd.AddCommand(systemBackupRestoreCmd)

	rootCmd.AddCommand(getThemesCmd)
	rootCmd.AddCommand(themeCmd)
	rootCmd.AddCommand(revertCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(systemBackupCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(versionCmd)
}

func runGetThemes(cmd *cobra.Command, args []string) error {
	logger := setupLogger()
	cfg, err := loadConfig(logger)
	if err != nil {
		return err
	}

	themes, err := theme.Discover(cfg.Paths.ThemesDir, cfg.Paths.SystemThemesDir)
	if err != nil {
		return err
	}
	for _, t := range themes {
		fmt.Println(t.Name)
	}
	return nil
}

func runTheme(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()
	cfg, err := loadConfig(logger)
	if err != nil {
		return err
	}

	eng, err := newEngine(cfg, logger)
	if err != nil {
		return err
	}

	tx, err := eng.Apply(ctx, args[0])
	if err != nil {
		logger.Error("theme application failed", "error", err)
		return err
	}
	fmt.Printf("applied theme %s (%d files, transaction %s)\n", args[0], len(tx.Mutations), tx.ID)
	return nil
}

func runRevert(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()
	cfg, err := loadConfig(logger)
	if err != nil {
		return err
	}

	eng, err := newEngine(cfg, logger)
	if err != nil {
		return err
	}
	if err := eng.Revert(ctx); err != nil {
		logger.Error("revert failed", "error", err)
		return err
	}
	fmt.Println("reverted last transaction")
	return nil
}

func runBackupList(cmd *cobra.Command, args []string) error {
	logger := setupLogger()
	cfg, err := loadConfig(logger)
	if err != nil {
		return err
	}

	store, err := backup.Open(cfg.BackupDir(), logger)
	if err != nil {
		return err
	}

	entries := store.List(absPath(args[0]))
	if len(entries) == 0 {
		fmt.Println("no backups recorded")
		return nil
	}
	for _, e := range entries {
		if e.Tombstone {
			fmt.Printf("%s  (did not exist)\n", e.Timestamp.Format("2006-01-02 15:04:05"))
			continue
		}
		fmt.Printf("%s  %s\n", e.Timestamp.Format("2006-01-02 15:04:05"), e.Digest)
	}
	return nil
}

func runBackupRestore(cmd *cobra.Command, args []string) error {
	logger := setupLogger()
	cfg, err := loadConfig(logger)
	if err != nil {
		return err
	}

	store, err := backup.Open(cfg.BackupDir(), logger)
	if err != nil {
		return err
	}

	path := absPath(args[0])
	var entry backup.Entry
	var ok bool
	if backupHash != "" {
		entry, ok = store.FindByDigest(path, backupHash)
	} else {
		entry, ok = store.Latest(path)
	}
	if !ok {
		return fmt.Errorf("%w for %s", backup.ErrNoBackup, path)
	}
	if err := store.Restore(path, entry); err != nil {
		logger.Error("restore failed", "error", err)
		return err
	}
	fmt.Printf("restored %s\n", path)
	return nil
}

func runSystemBackupCreate(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()
	cfg, err := loadConfig(logger)
	if err != nil {
		return err
	}

	store, err := backup.Open(cfg.BackupDir(), logger)
	if err != nil {
		return err
	}

	sb, err := store.CreateSystem(ctx, cfg.Paths.ConfigRoot, backupComment, cfg.Backups.Ignore)
	if err != nil {
		logger.Error("system backup failed", "error", err)
		return err
	}
	fmt.Printf("created system backup %s (%d files)\n", sb.ID, len(sb.Files))
	return nil
}

func runSystemBackupList(cmd *cobra.Command, args []string) error {
	logger := setupLogger()
	cfg, err := loadConfig(logger)
	if err != nil {
		return err
	}

	store, err := backup.Open(cfg.BackupDir(), logger)
	if err != nil {
		return err
	}

	backups, err := store.ListSystem()
	if err != nil {
		return err
	}
	for _, sb := range backups {
		fmt.Printf("%s  %s  %d files  %s\n", sb.ID, sb.Timestamp.Format("2006-01-02 15:04:05"), len(sb.Files), sb.Comment)
	}
	return nil
}

func runSystemBackupRestore(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()
	cfg, err := loadConfig(logger)
	if err != nil {
		return err
	}

	store, err := backup.Open(cfg.BackupDir(), logger)
	if err != nil {
		return err
	}

	if err := restoreSystemLocked(ctx, cfg, store, args[0]); err != nil {
		logger.Error("system restore failed", "error", err)
		return err
	}
	fmt.Printf("restored system backup %s\n", args[0])
	return nil
}

func runVerify(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()
	cfg, err := loadConfig(logger)
	if err != nil {
		return err
	}

	store, err := backup.Open(cfg.BackupDir(), logger)
	if err != nil {
		return err
	}

	meta := store.Meta()
	if meta.LastTransactionID == "" {
		fmt.Println("no theme applied, nothing to verify")
		return nil
	}
	tx, err := engine.LoadTransaction(cfg.TransactionsDir(), meta.LastTransactionID)
	if err != nil {
		return err
	}

	targets := make([]verify.Target, 0, len(tx.Mutations))
	for _, m := range tx.Mutations {
		targets = append(targets, verify.Target{Path: m.TargetPath, Want: m.PostDigest})
	}

	reports, err := verify.Run(ctx, targets)
	if err != nil {
		return err
	}

	drifted := 0
	for _, r := range reports {
		switch {
		case r.OK:
			continue
		case r.Missing:
			fmt.Fprintf(os.Stderr, "missing: %s\n", r.Path)
		case r.Drifted:
			fmt.Fprintf(os.Stderr, "drifted: %s (have %s, want %s)\n", r.Path, r.Got, r.Want)
		case r.Err != nil:
			fmt.Fprintf(os.Stderr, "error:   %s: %v\n", r.Path, r.Err)
		}
		drifted++
	}
	if drifted > 0 {
		return fmt.Errorf("integrity mismatch on %d of %d files", drifted, len(targets))
	}
	fmt.Printf("verified %d files, no drift\n", len(targets))
	return nil
}

func runInstall(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()
	cfg, err := loadConfig(logger)
	if err != nil {
		return err
	}

	installer := git.NewInstaller(git.NewShellClient(), cfg.Paths.ThemesDir, logger)
	name, err := installer.Install(ctx, args[0])
	if err != nil {
		logger.Error("theme installation failed", "error", err)
		return err
	}
	fmt.Printf("installed theme %s\n", name)
	return nil
}

// restoreSystemLocked runs a system restore under the same exclusive lock
// theme application uses, so the two can never interleave writes.
func restoreSystemLocked(ctx context.Context, cfg *config.Config, store *backup.Store, id string) error {
	lk, err := lock.Acquire(cfg.LockPath())
	if err != nil {
		return err
	}
	defer func() {
		_ = lk.Release()
	}()
	return store.RestoreSystem(ctx, id, cfg.Paths.ConfigRoot, cfg.Backups.Ignore)
}

func absPath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}

func newEngine(cfg *config.Config, logger *slog.Logger) (*engine.Engine, error) {
	store, err := backup.Open(cfg.BackupDir(), logger)
	if err != nil {
		return nil, err
	}
	return engine.New(cfg, store, reload.NewExecRunner(logger), logger), nil
}

func setupLogger() *slog.Logger {
	// Parse log level
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// Create handler based on format
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	// Determine config file path
	configPath := cfgFile
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		configPath = fmt.Sprintf("%s/.config/pawlette/config.yaml", home)
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			logger.Debug("no config file found, using defaults", "path", configPath)
			return config.Default()
		}
	}

	logger.Debug("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"config_root", cfg.Paths.ConfigRoot,
		"data_dir", cfg.Paths.DataDir,
		"themes_dir", cfg.Paths.ThemesDir)

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}

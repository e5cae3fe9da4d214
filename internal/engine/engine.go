// Package engine applies themes onto the live configuration tree as atomic,
// reversible transactions. It is the only writer to the configuration root;
// every write is preceded by a backup snapshot so any failure rolls the tree
// back to its pre-transaction state.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/meowrch/pawlette/internal/backup"
	"github.com/meowrch/pawlette/internal/config"
	"github.com/meowrch/pawlette/internal/fsutil"
	"github.com/meowrch/pawlette/internal/hashing"
	"github.com/meowrch/pawlette/internal/lock"
	"github.com/meowrch/pawlette/internal/patch"
	"github.com/meowrch/pawlette/internal/reload"
	"github.com/meowrch/pawlette/internal/theme"
)

// Engine orchestrates theme application and reversal.
type Engine struct {
	cfg    *config.Config
	store  *backup.Store
	reload reload.Runner
	logger *slog.Logger

	// write is the atomic file writer; tests swap it to inject failures.
	write func(dst string, data []byte, mode fs.FileMode) error
}

// New creates an engine over the given store and reload runner.
func New(cfg *config.Config, store *backup.Store, runner reload.Runner, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:    cfg,
		store:  store,
		reload: runner,
		logger: logger,
		write:  fsutil.WriteFileAtomic,
	}
}

// Apply overlays the named theme onto the configuration root as one
// transaction. On any error every write performed in this run is reverted,
// in reverse order, from the snapshots taken just before it.
func (e *Engine) Apply(ctx context.Context, name string) (*Transaction, error) {
	// User themes first so the system directory wins on collision.
	th, err := theme.Find(name, e.cfg.Paths.ThemesDir, e.cfg.Paths.SystemThemesDir)
	if err != nil {
		return nil, err
	}
	if err := th.Validate(); err != nil {
		return nil, err
	}

	lk, err := lock.Acquire(e.cfg.LockPath())
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = lk.Release()
	}()

	tx := &Transaction{
		ID:        uuid.NewString(),
		Theme:     name,
		Status:    StatusOpen,
		StartedAt: time.Now().UTC(),
	}

	// When re-applying the live theme, patches are sourced against the
	// pre-theme content recorded when the theme was first applied, not
	// against the already-patched live files. That keeps re-apply
	// idempotent no matter how often it happens.
	meta := e.store.Meta()
	prevTxID := ""
	if meta.CurrentTheme == name {
		prevTxID = meta.PristineTransactionID
	}

	// Persist the open record and mark it active first, so a run killed
	// mid-apply can still be reverted from the snapshots taken under this
	// id.
	if err := saveTransaction(e.cfg.TransactionsDir(), tx); err != nil {
		return nil, err
	}
	activeMeta := meta
	activeMeta.ActiveTransactionID = tx.ID
	if err := e.store.SetMeta(activeMeta); err != nil {
		return nil, err
	}

	e.logger.Info("applying theme", "theme", name, "path", th.Path, "transaction", tx.ID)

	run := func() error {
		if err := e.applyConfigs(ctx, th, tx, prevTxID); err != nil {
			return err
		}
		return e.applyGlobal(ctx, th, tx)
	}
	if err := run(); err != nil {
		e.logger.Error("theme application failed, rolling back", "theme", name, "error", err)
		if rbErr := e.rollback(tx); rbErr != nil {
			e.logger.Error("rollback incomplete", "transaction", tx.ID, "error", rbErr)
		}
		tx.finish(StatusRolledBack)
		if saveErr := saveTransaction(e.cfg.TransactionsDir(), tx); saveErr != nil {
			e.logger.Error("failed to persist transaction record", "error", saveErr)
		}
		if metaErr := e.store.SetMeta(meta); metaErr != nil {
			e.logger.Error("failed to clear active transaction", "error", metaErr)
		}
		return nil, err
	}

	tx.finish(StatusCommitted)
	if err := saveTransaction(e.cfg.TransactionsDir(), tx); err != nil {
		return nil, err
	}
	pristine := tx.ID
	if prevTxID != "" {
		pristine = prevTxID
	}
	if err := e.store.SetMeta(backup.Meta{
		CurrentTheme:          name,
		LastTransactionID:     tx.ID,
		PristineTransactionID: pristine,
	}); err != nil {
		return nil, err
	}
	if err := e.store.Prune(e.cfg.Backups.MaxPerFile); err != nil {
		e.logger.Warn("backup pruning failed", "error", err)
	}

	e.runReloadHooks(ctx, th)

	e.logger.Info("theme applied", "theme", name, "mutations", len(tx.Mutations))
	return tx, nil
}

// applyConfigs walks the theme's configs tree depth-first and merges every
// entry into the configuration root.
func (e *Engine) applyConfigs(ctx context.Context, th theme.Theme, tx *Transaction, prevTxID string) error {
	configs := th.ConfigsDir()
	patchedThisRun := make(map[string]bool)

	return filepath.WalkDir(configs, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == configs && os.IsNotExist(err) {
				return filepath.SkipAll
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(configs, path)
		if err != nil {
			return err
		}

		targetName, role := theme.Classify(d.Name())
		targetPath := filepath.Join(e.cfg.Paths.ConfigRoot, filepath.Dir(rel), targetName)

		if role == theme.RolePlain {
			content, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("failed to read theme file %s: %w", path, err)
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			return e.writeTarget(tx, targetPath, content, info.Mode().Perm(), ActionOverwrite)
		}

		fragment, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read patch fragment %s: %w", path, err)
		}
		base, err := e.patchBase(targetPath, prevTxID, patchedThisRun[targetPath])
		if err != nil {
			return err
		}
		patchedThisRun[targetPath] = true

		merged := patch.Apply(base, fragment, role.PatchRole())
		return e.writeTarget(tx, targetPath, merged, 0644, ActionPatch)
	})
}

// patchBase picks the content a patch fragment is applied against.
func (e *Engine) patchBase(targetPath, prevTxID string, patchedThisRun bool) ([]byte, error) {
	// A second fragment for the same target in this run (pre + post pair)
	// stacks on top of the first one.
	if !patchedThisRun && prevTxID != "" {
		if prev, ok := e.store.EntryForTransaction(targetPath, prevTxID); ok {
			if prev.Tombstone {
				return nil, nil
			}
			content, err := e.store.Content(prev)
			if err != nil {
				return nil, err
			}
			return content, nil
		}
	}

	content, err := os.ReadFile(targetPath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", targetPath, err)
	}
	return content, nil
}

// applyGlobal overlays the theme's global asset tree verbatim, following the
// same snapshot-then-write discipline as the configs walk.
func (e *Engine) applyGlobal(ctx context.Context, th theme.Theme, tx *Transaction) error {
	global := th.GlobalDir()
	entries, err := os.ReadDir(global)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read %s: %w", global, err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		srcRoot := filepath.Join(global, entry.Name())
		dstRoot := e.cfg.GlobalTarget(entry.Name())

		err := filepath.WalkDir(srcRoot, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if d.IsDir() || !d.Type().IsRegular() {
				return nil
			}
			rel, err := filepath.Rel(srcRoot, path)
			if err != nil {
				return err
			}
			content, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("failed to read theme asset %s: %w", path, err)
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			return e.writeTarget(tx, filepath.Join(dstRoot, rel), content, info.Mode().Perm(), ActionOverwrite)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// writeTarget snapshots the target, ensures its parents exist, writes the
// content atomically and records the mutation.
func (e *Engine) writeTarget(tx *Transaction, targetPath string, content []byte, mode fs.FileMode, action Action) error {
	snap, err := e.store.Snapshot(tx.ID, targetPath)
	if err != nil {
		return err
	}

	createdDirs, err := ensureParents(targetPath)
	if err != nil {
		return err
	}

	m := Mutation{
		TargetPath:  targetPath,
		Action:      action,
		PreDigest:   snap.Digest,
		PostDigest:  hashing.Bytes(content),
		CreatedDirs: createdDirs,
	}
	if snap.Tombstone && action != ActionPatch {
		m.Action = ActionCreate
	}

	if err := e.write(targetPath, content, mode); err != nil {
		// The snapshot for this target is already persisted; register the
		// mutation so rollback removes any directories created above.
		tx.record(m)
		return fmt.Errorf("failed to write %s: %w", targetPath, err)
	}

	tx.record(m)
	e.logger.Debug("applied", "path", targetPath, "action", m.Action)
	return nil
}

// rollback reverts every mutation of tx in reverse order of application.
func (e *Engine) rollback(tx *Transaction) error {
	var errs []error
	for i := len(tx.Mutations) - 1; i >= 0; i-- {
		m := tx.Mutations[i]
		entry, ok := e.store.EntryForTransaction(m.TargetPath, tx.ID)
		if !ok {
			errs = append(errs, fmt.Errorf("no snapshot for %s in transaction %s", m.TargetPath, tx.ID))
			continue
		}
		if err := e.store.Restore(m.TargetPath, entry); err != nil {
			errs = append(errs, err)
			continue
		}
		// Remove directories this mutation created, innermost first, but
		// only if nothing else has landed in them since.
		for j := len(m.CreatedDirs) - 1; j >= 0; j-- {
			if err := os.Remove(m.CreatedDirs[j]); err != nil && !os.IsNotExist(err) {
				break
			}
		}
	}
	return errors.Join(errs...)
}

// Revert rolls back the most recent transaction from its persisted
// snapshots. It completes the rollback of an interrupted run as well as
// reversing a committed application.
func (e *Engine) Revert(ctx context.Context) error {
	lk, err := lock.Acquire(e.cfg.LockPath())
	if err != nil {
		return err
	}
	defer func() {
		_ = lk.Release()
	}()

	// A transaction still marked active was interrupted mid-apply;
	// completing its rollback takes precedence over reverting the last
	// commit.
	meta := e.store.Meta()
	txID := meta.ActiveTransactionID
	if txID == "" {
		txID = meta.LastTransactionID
	}
	if txID == "" {
		return fmt.Errorf("%w: no transaction to revert", backup.ErrNoBackup)
	}

	tx, err := LoadTransaction(e.cfg.TransactionsDir(), txID)
	if err != nil {
		return err
	}
	if tx.Status == StatusRolledBack {
		return fmt.Errorf("transaction %s is already rolled back", tx.ID)
	}

	e.logger.Info("reverting transaction", "transaction", tx.ID, "theme", tx.Theme)

	if len(tx.Mutations) > 0 {
		err = e.rollback(tx)
	} else {
		// The run was interrupted before it could persist its mutation
		// list; fall back to every snapshot recorded under its id.
		err = e.rollbackFromSnapshots(ctx, tx.ID)
	}
	if err != nil {
		return err
	}

	tx.finish(StatusRolledBack)
	if err := saveTransaction(e.cfg.TransactionsDir(), tx); err != nil {
		return err
	}
	if meta.ActiveTransactionID != "" {
		// The interrupted run never committed, so whatever was live
		// before it stays the record of truth.
		meta.ActiveTransactionID = ""
		return e.store.SetMeta(meta)
	}
	return e.store.SetMeta(backup.Meta{})
}

// rollbackFromSnapshots restores every path snapshotted under txID, newest
// snapshot first.
func (e *Engine) rollbackFromSnapshots(ctx context.Context, txID string) error {
	type pending struct {
		path  string
		entry backup.Entry
	}
	var work []pending
	for _, path := range e.store.Paths() {
		if entry, ok := e.store.EntryForTransaction(path, txID); ok {
			work = append(work, pending{path: path, entry: entry})
		}
	}
	sort.Slice(work, func(i, j int) bool {
		return work[i].entry.Timestamp.After(work[j].entry.Timestamp)
	})

	var errs []error
	for _, w := range work {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.store.Restore(w.path, w.entry); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// runReloadHooks invokes the registered reload command for every
// application the theme touched. Hook failures are logged and never fail
// the apply.
func (e *Engine) runReloadHooks(ctx context.Context, th theme.Theme) {
	entries, err := os.ReadDir(th.ConfigsDir())
	if err != nil {
		return
	}

	handlers := reload.Merge(reload.Defaults(), e.handlerOverrides())
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		app := entry.Name()
		h, ok := handlers[app]
		if !ok || h.ReloadCommand == "" {
			continue
		}
		if err := e.reload.Reload(ctx, app, h); err != nil {
			e.logger.Warn("reload hook failed", "app", app, "error", err)
		}
	}
}

func (e *Engine) handlerOverrides() map[string]reload.Handler {
	out := make(map[string]reload.Handler, len(e.cfg.Handlers))
	for app, h := range e.cfg.Handlers {
		out[app] = reload.Handler{ReloadCommand: h.ReloadCommand}
	}
	return out
}

// ensureParents creates the missing parent directories of path and returns
// the ones it created, outermost first.
func ensureParents(path string) ([]string, error) {
	dir := filepath.Dir(path)

	var missing []string
	for d := dir; ; d = filepath.Dir(d) {
		if _, err := os.Stat(d); err == nil {
			break
		} else if !os.IsNotExist(err) {
			return nil, err
		}
		missing = append(missing, d)
		if parent := filepath.Dir(d); parent == d {
			break
		}
	}
	if len(missing) == 0 {
		return nil, nil
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	// Reverse into outermost-first order.
	created := make([]string, len(missing))
	for i, d := range missing {
		created[len(missing)-1-i] = d
	}
	return created, nil
}

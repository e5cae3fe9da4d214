// Package reload runs per-application hooks after a theme is applied, so
// themed applications pick up their new configuration without a logout.
package reload

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// Handler describes the post-apply hook for one application.
type Handler struct {
	ReloadCommand string
}

// Runner executes reload hooks.
type Runner interface {
	Reload(ctx context.Context, app string, h Handler) error
}

// Defaults returns the built-in application registry. New applications are
// added by registering an entry here or in the configuration file, never by
// code changes elsewhere.
func Defaults() map[string]Handler {
	return map[string]Handler{
		"hypr":    {ReloadCommand: "hyprctl reload"},
		"kitty":   {ReloadCommand: "pkill -SIGUSR1 kitty"},
		"waybar":  {ReloadCommand: "pkill -SIGUSR2 waybar"},
		"dunst":   {ReloadCommand: "pkill -HUP dunst"},
		"mako":    {ReloadCommand: "makoctl reload"},
		"sway":    {ReloadCommand: "swaymsg reload"},
		"tmux":    {ReloadCommand: "tmux source-file ~/.config/tmux/tmux.conf"},
		"polybar": {ReloadCommand: "polybar-msg cmd restart"},
	}
}

// Merge overlays override entries onto base. An override with an empty
// command disables the built-in hook for that application.
func Merge(base, override map[string]Handler) map[string]Handler {
	out := make(map[string]Handler, len(base)+len(override))
	for app, h := range base {
		out[app] = h
	}
	for app, h := range override {
		out[app] = h
	}
	return out
}

// ExecRunner runs reload commands as subprocesses.
type ExecRunner struct {
	logger *slog.Logger
}

// NewExecRunner creates a Runner that shells out.
func NewExecRunner(logger *slog.Logger) *ExecRunner {
	return &ExecRunner{logger: logger}
}

// Reload executes the handler's command. The command is split on
// whitespace, not interpreted by a shell.
func (r *ExecRunner) Reload(ctx context.Context, app string, h Handler) error {
	args := strings.Fields(h.ReloadCommand)
	if len(args) == 0 {
		return nil
	}

	r.logger.Debug("running reload hook", "app", app, "command", h.ReloadCommand)
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("reload command for %s failed: %w (output: %s)", app, err, strings.TrimSpace(string(out)))
	}
	return nil
}

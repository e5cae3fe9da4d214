// Package verify checks the live configuration tree against the digests the
// last theme application recorded, reporting drift without mutating
// anything.
package verify

import (
	"context"
	"errors"
	"io/fs"
	"runtime"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/meowrch/pawlette/internal/hashing"
)

// Target is one path to check, pinned to the digest it should carry.
type Target struct {
	Path string
	Want string
}

// Report is the outcome for one target. Exactly one of OK, Missing, Drifted
// or Err describes it.
type Report struct {
	Path    string
	Want    string
	Got     string
	OK      bool
	Missing bool
	Drifted bool
	Err     error
}

// Run digests every target in parallel and reports per-path results. It is
// best-effort: unreadable paths produce an error report and checking
// continues over the remainder. A cancelled context is the only error Run
// itself returns; the reports are then incomplete and must not be used.
func Run(ctx context.Context, targets []Target) ([]Report, error) {
	reports := make([]Report, len(targets))

	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())

	for i, t := range targets {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			r := Report{Path: t.Path, Want: t.Want}

			digest, err := hashing.File(t.Path)
			switch {
			case errors.Is(err, fs.ErrNotExist):
				r.Missing = true
			case err != nil:
				r.Err = err
			case digest != t.Want:
				r.Got = digest
				r.Drifted = true
			default:
				r.Got = digest
				r.OK = true
			}

			mu.Lock()
			reports[i] = r
			mu.Unlock()
			return nil
		})
	}
	// Only context cancellation can surface here; per-path errors live in
	// the reports.
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(reports, func(i, j int) bool { return reports[i].Path < reports[j].Path })
	return reports, nil
}

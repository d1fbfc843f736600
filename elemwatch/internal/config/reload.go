package config

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// ChangeDetector reads a version token from the database. Two calls that
// return different values mean the rules changed.
type ChangeDetector func(ctx context.Context, db *sql.DB) (int64, error)

// PragmaDataVersion changes whenever another connection commits to the
// database file. Writes through the reloader's own connection are not seen.
func PragmaDataVersion(ctx context.Context, db *sql.DB) (int64, error) {
	var v int64
	err := db.QueryRowContext(ctx, "PRAGMA data_version").Scan(&v)
	return v, err
}

// PragmaUserVersion reads the application-controlled user_version.
func PragmaUserVersion(ctx context.Context, db *sql.DB) (int64, error) {
	var v int64
	err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v)
	return v, err
}

// RulesUpdatedAt uses MAX(updated_at) of watch_rules. UpsertRule and
// DisableRule both bump it, from any connection.
func RulesUpdatedAt(ctx context.Context, db *sql.DB) (int64, error) {
	var v int64
	err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(updated_at), 0) FROM watch_rules").Scan(&v)
	return v, err
}

// ReloadOptions tunes a Reloader.
type ReloadOptions struct {
	// Interval is the polling frequency. Default: 200ms.
	Interval time.Duration
	// Debounce is the quiet period after a change before the action fires.
	// Further changes restart it. 0 fires immediately.
	Debounce time.Duration
	// Detector defaults to PragmaDataVersion.
	Detector ChangeDetector
	Logger   *slog.Logger
}

func (o *ReloadOptions) defaults() {
	if o.Interval <= 0 {
		o.Interval = 200 * time.Millisecond
	}
	if o.Detector == nil {
		o.Detector = PragmaDataVersion
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// ReloadStats are point-in-time counters.
type ReloadStats struct {
	Checks  int64 `json:"checks"`
	Changes int64 `json:"changes"`
	Errors  int64 `json:"errors"`
	Reloads int64 `json:"reloads"`
}

// Reloader polls the rules database and runs an action when it changes.
type Reloader struct {
	db   *sql.DB
	opts ReloadOptions

	version atomic.Int64
	primed  atomic.Bool

	checks  atomic.Int64
	changes atomic.Int64
	errors  atomic.Int64
	reloads atomic.Int64
}

// NewReloader creates a Reloader. Call Run to start polling.
func NewReloader(db *sql.DB, opts ReloadOptions) *Reloader {
	opts.defaults()
	return &Reloader{db: db, opts: opts}
}

// Stats returns the current counters.
func (w *Reloader) Stats() ReloadStats {
	return ReloadStats{
		Checks:  w.checks.Load(),
		Changes: w.changes.Load(),
		Errors:  w.errors.Load(),
		Reloads: w.reloads.Load(),
	}
}

// Prime records the current version as the baseline. Changes made after
// Prime returns are seen by Run even if Run starts later.
func (w *Reloader) Prime(ctx context.Context) error {
	v, err := w.opts.Detector(ctx, w.db)
	if err != nil {
		return fmt.Errorf("reload: prime: %w", err)
	}
	w.version.Store(v)
	w.primed.Store(true)
	return nil
}

// Run blocks until ctx is cancelled. When the detector reports a new
// version and the debounce window passes quietly, action runs. A failing
// action leaves the version unchanged so the next poll retries it.
func (w *Reloader) Run(ctx context.Context, action func(context.Context) error) {
	log := w.opts.Logger

	if !w.primed.Load() {
		if err := w.Prime(ctx); err != nil {
			log.Warn("reload: initial version check failed", "error", err)
		}
	}

	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	var debounce *time.Timer
	var debounceC <-chan time.Time
	pending := int64(-1)

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return

		case <-ticker.C:
			w.checks.Add(1)
			cur, err := w.opts.Detector(ctx, w.db)
			if err != nil {
				w.errors.Add(1)
				log.Warn("reload: version check failed", "error", err)
				continue
			}
			if cur == w.version.Load() || cur == pending {
				continue
			}
			w.changes.Add(1)
			pending = cur
			if w.opts.Debounce <= 0 {
				w.fire(ctx, action, pending)
				pending = -1
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.NewTimer(w.opts.Debounce)
			debounceC = debounce.C

		case <-debounceC:
			debounceC = nil
			if pending >= 0 {
				w.fire(ctx, action, pending)
				pending = -1
			}
		}
	}
}

func (w *Reloader) fire(ctx context.Context, action func(context.Context) error, ver int64) {
	start := time.Now()
	if err := action(ctx); err != nil {
		w.errors.Add(1)
		w.opts.Logger.Error("reload: action failed", "error", err, "version", ver)
		return
	}
	w.reloads.Add(1)
	w.version.Store(ver)
	w.opts.Logger.Info("reload: rules reloaded", "version", ver, "duration", time.Since(start))
}

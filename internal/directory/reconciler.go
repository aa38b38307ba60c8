package directory

import (
	"context"
	"log/slog"
	"time"

	"github.com/meshphone/meshphone/internal/state"
)

// Reconciler folds the published XML artifact back into the user table.
// It wakes on the ingestor's signal or on its wall-clock interval,
// whichever comes first, and additionally sweeps expired registrations.
type Reconciler struct {
	users    *state.UserTable
	xmlPath  string
	interval time.Duration
	signal   <-chan struct{}
	log      *slog.Logger
}

// NewReconciler wires a reconciler. signal is typically Ingestor.Signal().
func NewReconciler(users *state.UserTable, xmlPath string, interval time.Duration, signal <-chan struct{}, log *slog.Logger) *Reconciler {
	return &Reconciler{
		users:    users,
		xmlPath:  xmlPath,
		interval: interval,
		signal:   signal,
		log:      log.With("component", "directory_reconciler"),
	}
}

// Run reconciles until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	r.log.Info("directory reconciler started", "interval", r.interval)
	timer := time.NewTimer(r.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("directory reconciler stopped")
			return nil
		case <-r.signal:
			r.log.Debug("woken by ingestor signal")
		case <-timer.C:
			r.log.Debug("woken by interval")
		}

		r.Reconcile()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(r.interval)
	}
}

// Reconcile applies the current artifact to the user table.
func (r *Reconciler) Reconcile() {
	users, err := ReadXML(r.xmlPath)
	if err != nil {
		r.log.Warn("cannot read directory artifact", "path", r.xmlPath, "error", err)
		return
	}
	if users == nil {
		r.log.Debug("no directory artifact yet", "path", r.xmlPath)
		return
	}

	present := make(map[string]bool, len(users))
	for _, u := range users {
		present[u.Telephone] = true
		r.users.UpsertDirectory(u.Telephone, u.Name, !u.Inactive)
	}
	deactivated := r.users.ReconcileDirectory(present)
	expired := r.users.ExpireStale()

	r.log.Info("directory reconciled",
		"entries", len(users), "deactivated", deactivated, "expired", expired)
}

// Package scheduler implements the Scheduler Loop (C10): the single-action
// tick that either resumes the oldest non-terminal group one stage, forms a
// new group, or sleeps for a poll interval (spec §4.10).
//
// Grounded on spec.md §4.10 and
// original_source/legacy.backend/src/dsa110_contimg/mosaic/streaming_mosaic.py
// (the `run_once`/`run_loop` driver shape) plus core/pipeline/orchestrator.py's
// top-level loop. Uses github.com/jonboulle/clockwork (pack:
// malbeclabs-lake) so `run --loop --sleep` is deterministically testable.
package scheduler

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jonboulle/clockwork"

	"github.com/dsa110/dsa110-contimg-sub003/internal/config"
	"github.com/dsa110/dsa110-contimg-sub003/internal/errs"
	"github.com/dsa110/dsa110-contimg-sub003/internal/group"
	"github.com/dsa110/dsa110-contimg-sub003/internal/model"
	"github.com/dsa110/dsa110-contimg-sub003/internal/orchestrator"
	"github.com/dsa110/dsa110-contimg-sub003/internal/recovery"
	"github.com/dsa110/dsa110-contimg-sub003/internal/store"
)

// Action classifies what one Tick did, for CLI exit-code selection and
// logging.
type Action string

const (
	// ActionAdvanced means an existing group was moved one stage (forward
	// or to failed).
	ActionAdvanced Action = "advanced"
	// ActionFormed means a new group was created and seeded to pending.
	ActionFormed Action = "formed"
	// ActionIdle means neither a resumable group nor a new group was
	// available; the caller should sleep.
	ActionIdle Action = "idle"
)

// Result is the outcome of one Tick.
type Result struct {
	Action  Action
	GroupID string
	Status  model.GroupStatus
	Err     error
}

// Scheduler is the Scheduler Loop (C10).
type Scheduler struct {
	db      *store.DB
	builder *group.Builder
	orch    *orchestrator.Orchestrator
	ledger  *recovery.Ledger
	clock   clockwork.Clock
	cfg     config.Config
}

func New(db *store.DB, builder *group.Builder, orch *orchestrator.Orchestrator, ledger *recovery.Ledger, clock clockwork.Clock, cfg config.Config) *Scheduler {
	return &Scheduler{db: db, builder: builder, orch: orch, ledger: ledger, clock: clock, cfg: cfg}
}

// Tick performs exactly one scheduler action (spec §4.10): resume the
// oldest non-terminal group if one exists, else ask the Group Builder for a
// new group, else report idle. At most one group is advanced per tick. A
// failure ledger sweep (SPEC_FULL.md's C9 expansion: "triggered each
// scheduler tick, not a separate goroutine") runs first; a sweep error is
// swallowed rather than surfaced, since pruning old ledger rows is
// housekeeping and must never block the tick's actual group action.
func (s *Scheduler) Tick(ctx context.Context) Result {
	if s.ledger != nil {
		_, _ = s.ledger.Sweep(ctx, s.cfg.FailureLedgerTTL)
	}

	groupID, err := s.oldestNonTerminal(ctx)
	if err != nil {
		return Result{Action: ActionAdvanced, Err: fmt.Errorf("query oldest non-terminal group: %w", err)}
	}
	if groupID != "" {
		status, err := s.orch.Advance(ctx, groupID)
		return Result{Action: ActionAdvanced, GroupID: groupID, Status: status, Err: err}
	}

	g, err := s.builder.Next(ctx)
	if err != nil {
		return Result{Action: ActionFormed, Err: fmt.Errorf("form new group: %w", err)}
	}
	if g != nil {
		return Result{Action: ActionFormed, GroupID: g.GroupID, Status: g.Status}
	}

	return Result{Action: ActionIdle}
}

// RunOnce performs one tick and returns an exit code per spec §6: 0 on
// success (a group advanced or was formed, or the tick was idle with
// nothing wrong), 1 on a recoverable failure where no group advanced, 2 on
// a configuration/permissions-class error.
func (s *Scheduler) RunOnce(ctx context.Context) (Result, int) {
	res := s.Tick(ctx)
	return res, exitCode(res)
}

// RunLoop ticks repeatedly, sleeping for the configured poll interval
// whenever a tick is idle, until ctx is cancelled. The injected clock makes
// this deterministically testable without real sleeps.
func (s *Scheduler) RunLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		res := s.Tick(ctx)
		if res.Action == ActionIdle {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.clock.After(s.cfg.PollInterval):
			}
		}
	}
}

func exitCode(res Result) int {
	if res.Err == nil {
		return 0
	}
	switch errs.KindOf(res.Err) {
	case errs.Config, errs.Permanent:
		return 2
	default:
		return 1
	}
}

// oldestNonTerminal returns the group_id of the oldest group not in
// completed/failed, ordered by created_at, or "" if none exists.
func (s *Scheduler) oldestNonTerminal(ctx context.Context) (string, error) {
	row := s.db.QueryRow(ctx, `
		SELECT group_id FROM `+store.MosaicGroups+`
		WHERE status NOT IN (?, ?)
		ORDER BY created_at ASC LIMIT 1
	`, model.GroupCompleted, model.GroupFailed)
	var groupID string
	if err := row.Scan(&groupID); err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", err
	}
	return groupID, nil
}

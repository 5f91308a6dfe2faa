// Command contimg-orchestrator drives the Streaming Mosaic Orchestrator:
// scheduler tick, operator registration, reprocessing, and status
// reporting (spec.md §6).
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dsa110/dsa110-contimg-sub003/internal/catalog"
	"github.com/dsa110/dsa110-contimg-sub003/internal/config"
	"github.com/dsa110/dsa110-contimg-sub003/internal/errs"
	"github.com/dsa110/dsa110-contimg-sub003/internal/fileorg"
	"github.com/dsa110/dsa110-contimg-sub003/internal/group"
	"github.com/dsa110/dsa110-contimg-sub003/internal/logging"
	"github.com/dsa110/dsa110-contimg-sub003/internal/model"
	"github.com/dsa110/dsa110-contimg-sub003/internal/msreader"
	"github.com/dsa110/dsa110-contimg-sub003/internal/orchestrator"
	"github.com/dsa110/dsa110-contimg-sub003/internal/recovery"
	"github.com/dsa110/dsa110-contimg-sub003/internal/registry"
	"github.com/dsa110/dsa110-contimg-sub003/internal/scheduler"
	"github.com/dsa110/dsa110-contimg-sub003/internal/stagerunner"
	"github.com/dsa110/dsa110-contimg-sub003/internal/store"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	var configPath string
	var logLevel string

	root := &cobra.Command{
		Use:           "contimg-orchestrator",
		Short:         "Streaming mosaic orchestrator for radio-interferometer measurement sets",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file (defaults apply if omitted)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "debug, info, warn, error")

	exitCode := 0
	root.AddCommand(
		newRunCmd(&configPath, &logLevel, &exitCode),
		newRegisterBPCalCmd(&configPath, &logLevel),
		newReprocessCmd(&configPath, &logLevel),
		newStatusCmd(&configPath, &logLevel),
	)
	root.SetArgs(args)

	if err := root.Execute(); err != nil {
		// The CLI boundary is the one place printf-style logging beats
		// structured fields: a one-line, human-read failure message on
		// process exit, not a log record consumed by another program.
		bootstrapLogger, logErr := logging.New(logging.Options{Level: logLevel, Production: true})
		if logErr == nil {
			logging.Sugar(bootstrapLogger).Errorf("contimg-orchestrator: %v", err)
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		if exitCode == 0 {
			// Non-`run` commands (register-bpcal, reprocess, status) don't
			// carry the tick-level 0/1/2 exit contract from spec §6; any
			// failure there is a plain CLI failure.
			exitCode = 1
		}
	}
	return exitCode
}

// deployment bundles every wired component a CLI command needs. Built once
// per invocation from --config; never a package-level global (Design Note:
// "global manager singletons ... map to explicit dependencies").
type deployment struct {
	logger *zap.Logger
	cfg    config.Config
	db     *store.DB
	fs     afero.Fs
	sched  *scheduler.Scheduler
	cat    *catalog.Catalog
}

func newDeployment(ctx context.Context, configPath, logLevel string, collab orchestrator.Collaborators, cfgOverride func(*config.Config)) (*deployment, error) {
	logger, err := logging.New(logging.Options{Level: logLevel, Production: true})
	if err != nil {
		return nil, errs.Wrap(errs.Config, "build logger", err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, errs.Wrap(errs.Config, "load config", err)
	}
	if cfgOverride != nil {
		cfgOverride(&cfg)
	}

	db, err := store.Open(ctx, cfg.Paths.StateDBPath)
	if err != nil {
		return nil, errs.Wrap(errs.Config, "open state store", err)
	}

	fs := afero.NewOsFs()
	reader := msreader.NewUnbound()
	reg := registry.New(db, fs, cfg.Calibration.DecBandWidthDeg)
	cat := catalog.New(db, reader, nil, cfg.Catalog.SearchRadiusDeg, cfg.Catalog.FreqWindowHz, cfg.Catalog.AutoRegisterTolDeg)
	fileOrg := fileorg.New(fs, cfg.Paths.Root)
	runner := stagerunner.New()
	ledger := recovery.NewLedger(db, prometheus.DefaultRegisterer)
	orch := orchestrator.New(db, reg, cat, reader, fs, fileOrg, runner, ledger, collab, cfg)
	builder := group.New(db, msreader.NewFS(fs), cfg.Group)
	sched := scheduler.New(db, builder, orch, ledger, clockwork.NewRealClock(), cfg)

	return &deployment{logger: logger, cfg: cfg, db: db, fs: fs, sched: sched, cat: cat}, nil
}

func (d *deployment) Close() {
	_ = d.logger.Sync()
	_ = d.db.Close()
}

// reconcileFileIndex fixes up ms_index rows left pointing at a pre-move path
// by a move that committed on disk but crashed before the index update
// (spec §4.8, SPEC_FULL.md C8 expansion). Role is inferred rather than
// stored: failed MS use RoleFailed, MS referenced as a group's
// calibration_ms_path use RoleCalibrator, everything else RoleScience. A
// wrong guess only means Reconcile finds no match at the guessed path and
// leaves the row untouched, never a destructive write.
func reconcileFileIndex(ctx context.Context, db *store.DB, fileOrg *fileorg.Organizer) (int, error) {
	calRows, err := db.Query(ctx, `SELECT DISTINCT calibration_ms_path FROM `+store.MosaicGroups+` WHERE calibration_ms_path IS NOT NULL`)
	if err != nil {
		return 0, errs.Wrap(errs.Transient, "query calibration ms paths", err)
	}
	calPaths := make(map[string]bool)
	for calRows.Next() {
		var p string
		if err := calRows.Scan(&p); err != nil {
			calRows.Close()
			return 0, errs.Wrap(errs.Corrupt, "scan calibration ms path", err)
		}
		calPaths[p] = true
	}
	calRows.Close()
	if err := calRows.Err(); err != nil {
		return 0, errs.Wrap(errs.Transient, "iterate calibration ms paths", err)
	}

	rows, err := db.Query(ctx, `SELECT path, stage, updated_at FROM `+store.MSIndex)
	if err != nil {
		return 0, errs.Wrap(errs.Transient, "query ms index", err)
	}
	var entries []fileorg.IndexEntry
	for rows.Next() {
		var path string
		var stage model.MSStage
		var updatedAt int64
		if err := rows.Scan(&path, &stage, &updatedAt); err != nil {
			rows.Close()
			return 0, errs.Wrap(errs.Corrupt, "scan ms index row", err)
		}
		role := fileorg.RoleScience
		switch {
		case stage == model.MSFailed:
			role = fileorg.RoleFailed
		case calPaths[path]:
			role = fileorg.RoleCalibrator
		}
		entries = append(entries, fileorg.IndexEntry{Path: path, Role: role, TS: time.Unix(updatedAt, 0).UTC()})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, errs.Wrap(errs.Transient, "iterate ms index", err)
	}

	corrections, err := fileOrg.Reconcile(ctx, entries)
	if err != nil {
		return 0, err
	}
	for oldPath, newPath := range corrections {
		if _, err := db.Exec(ctx, `UPDATE `+store.MSIndex+` SET path = ? WHERE path = ?`, newPath, oldPath); err != nil {
			return 0, errs.Wrap(errs.Transient, fmt.Sprintf("reconcile index %s -> %s", oldPath, newPath), err)
		}
	}
	return len(corrections), nil
}

// unimplementedCollaborators is the set wired when no real stage backend
// (solver/applier/imager/...) is configured — every external stage is
// explicitly out of scope for this module (spec.md §1); a real deployment
// injects its own implementations of internal/collab's interfaces here.
func unimplementedCollaborators() orchestrator.Collaborators {
	return orchestrator.Collaborators{
		Solver:        unimplementedStages{},
		Applier:       unimplementedStages{},
		Imager:        unimplementedStages{},
		MosaicBuilder: unimplementedStages{},
		DataRegistry:  unimplementedStages{},
	}
}

func newRunCmd(configPath, logLevel *string, exitCode *int) *cobra.Command {
	var once bool
	var loop bool
	var sleep time.Duration

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute the scheduler, once or continuously",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			dep, err := newDeployment(ctx, *configPath, *logLevel, unimplementedCollaborators(), func(cfg *config.Config) {
				if sleep > 0 {
					cfg.PollInterval = sleep
				}
			})
			if err != nil {
				*exitCode = 2
				return err
			}
			defer dep.Close()

			fileOrg := fileorg.New(dep.fs, dep.cfg.Paths.Root)
			n, err := reconcileFileIndex(ctx, dep.db, fileOrg)
			if err != nil {
				*exitCode = 2
				return err
			}
			if n > 0 {
				dep.logger.Info("reconciled ms index after interrupted moves", zap.Int("count", n))
			}

			switch {
			case once:
				res, code := dep.sched.RunOnce(ctx)
				*exitCode = code
				if res.Err != nil {
					dep.logger.Error("tick failed", zap.Error(res.Err), zap.String("action", string(res.Action)))
					return res.Err
				}
				dep.logger.Info("tick complete", zap.String("action", string(res.Action)), zap.String("group_id", res.GroupID))
				return nil
			case loop:
				err := dep.sched.RunLoop(ctx)
				if err != nil && err != context.Canceled {
					*exitCode = 1
					return err
				}
				return nil
			default:
				*exitCode = 2
				return errs.New(errs.Config, "run requires --once or --loop")
			}
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "execute a single scheduler tick")
	cmd.Flags().BoolVar(&loop, "loop", false, "run continuously, polling for work")
	cmd.Flags().DurationVar(&sleep, "sleep", 0, "poll interval for --loop (overrides config)")
	return cmd
}

func newRegisterBPCalCmd(configPath, logLevel *string) *cobra.Command {
	var decTol float64
	cmd := &cobra.Command{
		Use:   "register-bpcal NAME,RA,DEC",
		Short: "Register a bandpass calibrator by name, right ascension, and declination",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parts := strings.Split(args[0], ",")
			if len(parts) != 3 {
				return errs.New(errs.Validation, "expected NAME,RA,DEC, got "+args[0])
			}
			ra, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
			if err != nil {
				return errs.Wrap(errs.Validation, "parse RA", err)
			}
			dec, err := strconv.ParseFloat(strings.TrimSpace(parts[2]), 64)
			if err != nil {
				return errs.Wrap(errs.Validation, "parse DEC", err)
			}

			ctx := cmd.Context()
			dep, err := newDeployment(ctx, *configPath, *logLevel, unimplementedCollaborators(), nil)
			if err != nil {
				return err
			}
			defer dep.Close()

			cal, err := dep.cat.Register(ctx, strings.TrimSpace(parts[0]), ra, dec, decTol)
			if err != nil {
				return err
			}
			fmt.Printf("registered %s: ra=%.4f dec=%.4f band=[%.4f, %.4f]\n",
				cal.Name, cal.RADeg, cal.DecDeg, cal.DecRangeMin, cal.DecRangeMax)
			return nil
		},
	}
	cmd.Flags().Float64Var(&decTol, "dec-tol", 0, "declination tolerance in degrees (default: catalog config)")
	return cmd
}

func newReprocessCmd(configPath, logLevel *string) *cobra.Command {
	return &cobra.Command{
		Use:   "reprocess GROUP_ID",
		Short: "Reset a group to pending and increment its retry count",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			dep, err := newDeployment(ctx, *configPath, *logLevel, unimplementedCollaborators(), nil)
			if err != nil {
				return err
			}
			defer dep.Close()

			groupID := args[0]
			res, err := dep.db.Exec(ctx, `
				UPDATE `+store.MosaicGroups+`
				SET status = ?, retry_count = retry_count + 1, fail_reason = NULL, fail_kind = NULL, updated_at = ?
				WHERE group_id = ?
			`, model.GroupPending, time.Now().Unix(), groupID)
			if err != nil {
				return errs.Wrap(errs.Transient, "reset group", err)
			}
			n, _ := res.RowsAffected()
			if n == 0 {
				return errs.New(errs.NotFound, "no such group: "+groupID)
			}
			fmt.Printf("group %s reset to pending\n", groupID)
			return nil
		},
	}
}

func newStatusCmd(configPath, logLevel *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status [GROUP_ID]",
		Short: "Print group state and recent failures (operator visibility, spec §7)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			dep, err := newDeployment(ctx, *configPath, *logLevel, unimplementedCollaborators(), nil)
			if err != nil {
				return err
			}
			defer dep.Close()

			if len(args) == 1 {
				return printGroupDetail(ctx, dep.db, args[0])
			}
			return printGroupOverview(ctx, dep.db)
		},
	}
}

func printGroupOverview(ctx context.Context, db *store.DB) error {
	rows, err := db.Query(ctx, `
		SELECT group_id, status, retry_count, created_at, updated_at
		FROM `+store.MosaicGroups+` ORDER BY created_at DESC LIMIT 50
	`)
	if err != nil {
		return errs.Wrap(errs.Transient, "query groups", err)
	}
	defer rows.Close()

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"group_id", "status", "retries", "created_at", "updated_at"})
	for rows.Next() {
		var groupID string
		var status model.GroupStatus
		var retries int
		var createdAt, updatedAt int64
		if err := rows.Scan(&groupID, &status, &retries, &createdAt, &updatedAt); err != nil {
			return errs.Wrap(errs.Corrupt, "scan group row", err)
		}
		t.AppendRow(table.Row{groupID, status, retries,
			time.Unix(createdAt, 0).UTC().Format(time.RFC3339),
			time.Unix(updatedAt, 0).UTC().Format(time.RFC3339)})
	}
	if err := rows.Err(); err != nil {
		return errs.Wrap(errs.Transient, "iterate groups", err)
	}
	t.Render()
	return nil
}

func printGroupDetail(ctx context.Context, db *store.DB, groupID string) error {
	row := db.QueryRow(ctx, `
		SELECT status, fail_reason, fail_kind, retry_count FROM `+store.MosaicGroups+` WHERE group_id = ?
	`, groupID)
	var status model.GroupStatus
	var failReason, failKind *string
	var retries int
	if err := row.Scan(&status, &failReason, &failKind, &retries); err != nil {
		return errs.Wrap(errs.NotFound, "lookup group "+groupID, err)
	}
	fmt.Printf("group %s: status=%s retries=%d\n", groupID, status, retries)
	if failKind != nil {
		fmt.Printf("  failure: kind=%s reason=%s\n", *failKind, derefOr(failReason, ""))
	}

	logRows, err := db.Query(ctx, `
		SELECT from_status, to_status, reason, ts, attempt FROM `+store.GroupStateLog+`
		WHERE group_id = ? ORDER BY id ASC
	`, groupID)
	if err != nil {
		return errs.Wrap(errs.Transient, "query state log", err)
	}
	defer logRows.Close()

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"from", "to", "reason", "ts", "attempt"})
	for logRows.Next() {
		var from, to, reason string
		var ts int64
		var attempt int
		if err := logRows.Scan(&from, &to, &reason, &ts, &attempt); err != nil {
			return errs.Wrap(errs.Corrupt, "scan state log row", err)
		}
		t.AppendRow(table.Row{from, to, reason, time.Unix(ts, 0).UTC().Format(time.RFC3339), attempt})
	}
	t.Render()
	return nil
}

func derefOr(s *string, def string) string {
	if s == nil {
		return def
	}
	return *s
}

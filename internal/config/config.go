// Package config defines the explicit, enumerated configuration structs
// for every tunable in spec.md. Dynamic config objects in the original
// source map here to fixed structs populated once at startup (Design Note:
// "Dynamic config structs map to explicit enumerated option records with
// defaults").
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Observatory is the fixed ground-station location used for sidereal-time
// and transit calculations (spec §4.1). Kept as an explicit value instead
// of a hardcoded constant, per Design Note on removing globals.
type Observatory struct {
	LatDeg  float64 `yaml:"lat_deg"`
	LonDeg  float64 `yaml:"lon_deg"`
	HeightM float64 `yaml:"height_m"`
}

// GroupPolicy controls Group Builder (C5) behavior, spec §4.5.
type GroupPolicy struct {
	N                  int     `yaml:"n"`
	Overlap            int     `yaml:"overlap"`
	AllowAsymmetric    bool    `yaml:"allow_asymmetric"`
	MinAsymmetricSize  int     `yaml:"min_asymmetric_size"`
	MaxGapMinutes      float64 `yaml:"max_gap_minutes"`
	MaxSpanMinutes     float64 `yaml:"max_span_minutes"`
	MaxDecSpreadDeg    float64 `yaml:"max_dec_spread_deg"`
	InitialStages      []string `yaml:"initial_stages"`
	SlidingStage       string   `yaml:"sliding_stage"`
}

// DefaultGroupPolicy matches spec.md §3/§8 defaults: N=10, K=2, 6 min gap,
// 60 min span, ±0.1° declination (a max−min spread of at most 0.2°).
func DefaultGroupPolicy() GroupPolicy {
	return GroupPolicy{
		N:                 10,
		Overlap:           2,
		AllowAsymmetric:   false,
		MinAsymmetricSize: 3,
		MaxGapMinutes:     6,
		MaxSpanMinutes:    60,
		MaxDecSpreadDeg:   0.2,
		InitialStages:     []string{"imaged", "done"},
		SlidingStage:      "converted",
	}
}

// RetryPolicy is one row of the per-stage policy table in spec.md §4.6.
type RetryPolicy struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
	MaxAttempts      int           `yaml:"max_attempts"`
	BaseDelay        time.Duration `yaml:"base_delay"`
	Exponent         float64       `yaml:"exponent"`
	Jitter           bool          `yaml:"jitter"`
	MaxDelay         time.Duration `yaml:"max_delay"`
}

// StagePolicies holds the fixed per-stage table from spec.md §4.6.
type StagePolicies struct {
	CalibrationSolve RetryPolicy `yaml:"calibration_solve"`
	Imaging          RetryPolicy `yaml:"imaging"`
	Mosaicking       RetryPolicy `yaml:"mosaicking"`
	Photometry       RetryPolicy `yaml:"photometry"`
}

// DefaultStagePolicies returns the literal table from spec.md §4.6.
func DefaultStagePolicies() StagePolicies {
	return StagePolicies{
		CalibrationSolve: RetryPolicy{
			FailureThreshold: 3, SuccessThreshold: 2, RecoveryTimeout: 300 * time.Second,
			MaxAttempts: 3, BaseDelay: 5 * time.Second, Exponent: 2, Jitter: true,
			MaxDelay: 300 * time.Second,
		},
		// SuccessThreshold: 3 is the literal value from scenario S4
		// (spec.md §8): "a single trial is admitted; 3 successes close
		// the breaker."
		Imaging: RetryPolicy{
			FailureThreshold: 5, SuccessThreshold: 3, RecoveryTimeout: 600 * time.Second,
			MaxAttempts: 2, BaseDelay: 10 * time.Second, Exponent: 2, Jitter: true,
			MaxDelay: 600 * time.Second,
		},
		Mosaicking: RetryPolicy{
			FailureThreshold: 3, SuccessThreshold: 2, RecoveryTimeout: 300 * time.Second,
			MaxAttempts: 2, BaseDelay: 5 * time.Second, Exponent: 2, Jitter: true,
			MaxDelay: 300 * time.Second,
		},
		Photometry: RetryPolicy{
			FailureThreshold: 5, SuccessThreshold: 2, RecoveryTimeout: 300 * time.Second,
			MaxAttempts: 3, BaseDelay: 2 * time.Second, Exponent: 2, Jitter: true,
			MaxDelay: 300 * time.Second,
		},
	}
}

// CalibrationPolicy controls validity-window widths (spec §4.7, and the
// open question on BP validity centering resolved in DESIGN.md).
type CalibrationPolicy struct {
	BPValidityHours  float64 `yaml:"bp_validity_hours"`
	GPValidityMins   float64 `yaml:"gp_validity_minutes"`
	DecBandWidthDeg  float64 `yaml:"dec_band_width_deg"`
}

func DefaultCalibrationPolicy() CalibrationPolicy {
	return CalibrationPolicy{
		BPValidityHours: 12,
		GPValidityMins:  30,
		DecBandWidthDeg: 0.1,
	}
}

// CatalogPolicy controls auto-registration tolerances (spec §4.4/§9).
type CatalogPolicy struct {
	AutoRegisterTolDeg float64 `yaml:"auto_register_tol_deg"`
	SearchRadiusDeg    float64 `yaml:"search_radius_deg"`
	FreqWindowHz       float64 `yaml:"freq_window_hz"`
}

func DefaultCatalogPolicy() CatalogPolicy {
	return CatalogPolicy{
		AutoRegisterTolDeg: 5.0,
		SearchRadiusDeg:    2.0,
		FreqWindowHz:       1.4e9,
	}
}

// ImagingPolicy controls the partial-success threshold (spec §4.7, §9 open
// question resolved in DESIGN.md).
type ImagingPolicy struct {
	MinSuccessFraction float64 `yaml:"min_success_fraction"`
}

func DefaultImagingPolicy() ImagingPolicy {
	return ImagingPolicy{MinSuccessFraction: 0.75}
}

// WorkerPolicy sizes the per-MS fan-out worker pool (spec §5).
type WorkerPolicy struct {
	ImagingConcurrency int `yaml:"imaging_concurrency"`
	ApplyConcurrency   int `yaml:"apply_concurrency"`
}

func DefaultWorkerPolicy() WorkerPolicy {
	return WorkerPolicy{ImagingConcurrency: 4, ApplyConcurrency: 4}
}

// Paths holds the filesystem layout roots (spec §4.8).
type Paths struct {
	Root         string `yaml:"root"`
	IncomingDir  string `yaml:"incoming_dir"`
	ImagesDir    string `yaml:"images_dir"`
	MosaicsDir   string `yaml:"mosaics_dir"`
	StateDBPath  string `yaml:"state_db_path"`
}

// Config is the top-level, explicit configuration struct. Loaded once at
// startup from YAML plus environment overrides for paths (mirrors the
// original Python's os.getenv() calls, made explicit).
type Config struct {
	Observatory       Observatory       `yaml:"observatory"`
	Group             GroupPolicy       `yaml:"group"`
	Stages            StagePolicies     `yaml:"stages"`
	Calibration       CalibrationPolicy `yaml:"calibration"`
	Catalog           CatalogPolicy     `yaml:"catalog"`
	Imaging           ImagingPolicy     `yaml:"imaging"`
	Workers           WorkerPolicy      `yaml:"workers"`
	Paths             Paths             `yaml:"paths"`
	EnablePhotometry  bool              `yaml:"enable_photometry"`
	FailureLedgerTTL  time.Duration     `yaml:"failure_ledger_ttl"`
	PollInterval      time.Duration     `yaml:"poll_interval"`
}

// Default returns the configuration built entirely from spec.md's stated
// defaults. Callers override fields (paths, observatory) before use.
func Default() Config {
	return Config{
		Observatory: Observatory{LatDeg: 37.23, LonDeg: -118.28, HeightM: 1222},
		Group:       DefaultGroupPolicy(),
		Stages:      DefaultStagePolicies(),
		Calibration: DefaultCalibrationPolicy(),
		Catalog:     DefaultCatalogPolicy(),
		Imaging:     DefaultImagingPolicy(),
		Workers:     DefaultWorkerPolicy(),
		Paths: Paths{
			Root:        "/stage/dsa110-contimg",
			IncomingDir: "/data/incoming",
			ImagesDir:   "/stage/dsa110-contimg/images",
			MosaicsDir:  "/stage/dsa110-contimg/mosaics",
			StateDBPath: "/data/dsa110-contimg/state/orchestrator.sqlite3",
		},
		EnablePhotometry: false,
		FailureLedgerTTL: 24 * time.Hour,
		PollInterval:     30 * time.Second,
	}
}

// Load reads a YAML config file over the defaults. A missing file is not
// an error: defaults apply. Environment variables CONTIMG_ROOT,
// CONTIMG_INPUT_DIR, and CONTIMG_STATE_DB override the corresponding path
// fields after the file is parsed, matching the original's env-driven path
// resolution.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		applyEnvOverrides(&cfg)
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(&cfg)
			return cfg, nil
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CONTIMG_ROOT"); v != "" {
		cfg.Paths.Root = v
	}
	if v := os.Getenv("CONTIMG_INPUT_DIR"); v != "" {
		cfg.Paths.IncomingDir = v
	}
	if v := os.Getenv("CONTIMG_STATE_DB"); v != "" {
		cfg.Paths.StateDBPath = v
	}
}

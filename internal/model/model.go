// Package model defines the data-model entities and enumerations of
// spec.md §3, shared by every component that reads or writes them.
package model

import "time"

// MSStage is one of the lifecycle stages an MS Entry moves through.
type MSStage string

const (
	MSIngested  MSStage = "ingested"
	MSConverted MSStage = "converted"
	MSCalibrated MSStage = "calibrated"
	MSImaged    MSStage = "imaged"
	MSDone      MSStage = "done"
	MSFailed    MSStage = "failed"
)

// MSEntry is one row per Measurement Set on disk (spec §3).
type MSEntry struct {
	Path           string
	StartMJD       float64
	MidMJD         float64
	EndMJD         float64
	DeclinationDeg *float64
	Stage          MSStage
	CalApplied     bool
	ImageName      *string
	UpdatedAt      time.Time
}

// GroupStatus is one of the states in the orchestrator DAG (spec §4.7).
type GroupStatus string

const (
	GroupPending      GroupStatus = "pending"
	GroupCalibrating  GroupStatus = "calibrating"
	GroupCalibrated   GroupStatus = "calibrated"
	GroupImaging      GroupStatus = "imaging"
	GroupImaged       GroupStatus = "imaged"
	GroupMosaicking   GroupStatus = "mosaicking"
	GroupCompleted    GroupStatus = "completed"
	GroupFailed       GroupStatus = "failed"
)

// Terminal reports whether s is a terminal status.
func (s GroupStatus) Terminal() bool {
	return s == GroupCompleted || s == GroupFailed
}

// Group is an ordered multiset of N MS entries forming one mosaic unit
// (spec §3).
type Group struct {
	GroupID           string
	MSPaths           []string
	CalibrationMSPath string
	Status            GroupStatus
	BPCalSolved       bool
	GainCalSolved     bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
	StageTimestamps   map[string]time.Time
	RetryCount        int
	FailReason        string
	FailKind          string
}

// SolutionKind is one of the calibration solution kinds.
type SolutionKind string

const (
	KindBP SolutionKind = "BP"
	KindGP SolutionKind = "GP"
	Kind2G SolutionKind = "2G"
)

// SolutionStatus is the lifecycle status of a Calibration Solution Set.
type SolutionStatus string

const (
	SolutionActive     SolutionStatus = "active"
	SolutionSuperseded SolutionStatus = "superseded"
	SolutionDeleted    SolutionStatus = "deleted"
)

// SolutionSet is the result of solving for one anchor MS (spec §3).
type SolutionSet struct {
	SetName       string
	Kind          SolutionKind
	TablePath     string
	ValidStartMJD float64
	ValidEndMJD   float64
	CalField      string
	Refant        string
	DecDeg        float64
	Status        SolutionStatus
	SupersededBy  string
	CreatedAt     time.Time
}

// CalibratorStatus is the lifecycle status of a catalog registration.
type CalibratorStatus string

const (
	CalibratorActive   CalibratorStatus = "active"
	CalibratorInactive CalibratorStatus = "inactive"
)

// Calibrator is a declination-indexed catalog binding (spec §3).
type Calibrator struct {
	Name         string
	RADeg        float64
	DecDeg       float64
	DecRangeMin  float64
	DecRangeMax  float64
	Status       CalibratorStatus
	RegisteredAt time.Time
}

// CatalogEntry is a static, known bandpass calibrator source (spec §4.4).
type CatalogEntry struct {
	Name   string
	RADeg  float64
	DecDeg float64
}

// StateLogEntry is one row of the append-only Group State Log (spec §3).
type StateLogEntry struct {
	GroupID    string
	FromStatus GroupStatus
	ToStatus   GroupStatus
	Reason     string
	TS         time.Time
	Attempt    int
}

// FailureEvent is one row of the Failure Ledger (spec §3).
type FailureEvent struct {
	Subsystem string
	ErrorKind string
	TS        time.Time
	Message   string
}

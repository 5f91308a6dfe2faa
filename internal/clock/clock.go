// Package clock implements the Clock & Sidereal Calculator (spec §4.1):
// UTC↔MJD conversion, local sidereal time, and calibrator transit search.
//
// Grounded on original_source/src/dsa110_contimg/mosaic/streaming_mosaic.py
// calculate_calibrator_transit (hour-angle based transit search) and the
// DSA-110 observatory location it references. The Greenwich sidereal-time
// primitive itself is delegated to github.com/tejzpr/go-swisseph rather
// than hand-derived, since spherical astronomy is exactly what an
// ephemeris library exists for.
package clock

import (
	"math"
	"time"

	"github.com/dsa110/dsa110-contimg-sub003/internal/errs"
	sweph "github.com/tejzpr/go-swisseph"
)

// mjdEpoch is the Unix time of MJD 0.0 (1858-11-17T00:00:00Z).
var mjdEpoch = time.Date(1858, time.November, 17, 0, 0, 0, 0, time.UTC)

const julianDateMJDOffset = 2400000.5

const secondsPerDay = 86400.0

// Observatory is the ground-station location used for sidereal-time and
// transit calculations.
type Observatory struct {
	LatDeg  float64
	LonDeg  float64
	HeightM float64
}

// UTCToMJD converts a UTC instant to Modified Julian Date.
func UTCToMJD(t time.Time) float64 {
	d := t.UTC().Sub(mjdEpoch)
	return d.Seconds() / secondsPerDay
}

// MJDToUTC converts a Modified Julian Date to a UTC instant.
func MJDToUTC(mjd float64) time.Time {
	return mjdEpoch.Add(time.Duration(mjd * secondsPerDay * float64(time.Second)))
}

// MJDToJD converts MJD to the corresponding Julian Date.
func MJDToJD(mjd float64) float64 { return mjd + julianDateMJDOffset }

// LocalSiderealTime returns the local apparent sidereal time, in degrees
// [0, 360), at the observatory at the given MJD.
func LocalSiderealTime(obs Observatory, mjd float64) (float64, error) {
	if math.IsNaN(mjd) || math.IsNaN(obs.LonDeg) {
		return 0, errs.New(errs.Validation, "NaN input to LocalSiderealTime")
	}
	gmstHours := sweph.SidTime(MJDToJD(mjd))
	lstHours := gmstHours + obs.LonDeg/15.0
	lstDeg := math.Mod(lstHours*15.0, 360.0)
	if lstDeg < 0 {
		lstDeg += 360.0
	}
	return lstDeg, nil
}

// wrapHourAngle wraps deg into (-180, 180].
func wrapHourAngle(deg float64) float64 {
	wrapped := math.Mod(deg+180.0, 360.0)
	if wrapped <= 0 {
		wrapped += 360.0
	}
	return wrapped - 180.0
}

// TransitMJD returns the MJD at which the local sidereal time at the
// observatory equals raDeg, nearest to atMJD (spec §4.1). Precision
// requirement: <= 1 second, met by repeating an hour-angle correction
// (up to four passes, stopping once a step is under 0.5 s); sidereal time
// advances at a known, near-constant rate of ~1.0027379 sidereal days per
// solar day.
func TransitMJD(obs Observatory, raDeg, atMJD float64) (float64, error) {
	if math.IsNaN(raDeg) || math.IsNaN(atMJD) {
		return 0, errs.New(errs.Validation, "NaN input to TransitMJD")
	}

	const siderealRate = 1.00273790935 // sidereal seconds per solar second
	mjd := atMJD
	for i := 0; i < 4; i++ {
		lst, err := LocalSiderealTime(obs, mjd)
		if err != nil {
			return 0, err
		}
		hourAngleDeg := wrapHourAngle(raDeg - lst)
		deltaDays := (hourAngleDeg / 360.0) / siderealRate
		mjd += deltaDays
		if math.Abs(deltaDays*secondsPerDay) < 0.5 {
			break
		}
	}
	return mjd, nil
}

// MJDRange returns the symmetric MJD window [mid-halfWidth, mid+halfWidth]
// for a half-width given in seconds (spec §4.1).
func MJDRange(mid float64, halfWidthSec float64) (start, end float64) {
	halfWidthDays := halfWidthSec / secondsPerDay
	return mid - halfWidthDays, mid + halfWidthDays
}

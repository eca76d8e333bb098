// Package units provides the angle and sidereal time conversions used by
// the pointing metrics and the reference catalogue client.
package units

import "math"

const (
	// ArcsecPerDeg is the number of arcseconds in one degree.
	ArcsecPerDeg = 3600.0

	// DegPerHour converts hours of right ascension to degrees.
	DegPerHour = 15.0
)

// DegToRad converts degrees to radians.
func DegToRad(deg float64) float64 { return deg * math.Pi / 180.0 }

// RadToDeg converts radians to degrees.
func RadToDeg(rad float64) float64 { return rad * 180.0 / math.Pi }

// ArcsecToDeg converts arcseconds to degrees.
func ArcsecToDeg(arcsec float64) float64 { return arcsec / ArcsecPerDeg }

// DegToArcsec converts degrees to arcseconds.
func DegToArcsec(deg float64) float64 { return deg * ArcsecPerDeg }

// NormalizeDeg wraps an angle into [0, 360).
func NormalizeDeg(deg float64) float64 {
	deg = math.Mod(deg, 360.0)
	if deg < 0 {
		deg += 360.0
	}
	return deg
}

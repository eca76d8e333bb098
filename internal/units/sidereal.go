package units

import (
	"math"
	"time"
)

// j2000 is the Julian Date of the J2000.0 epoch.
const j2000 = 2451545.0

// JulianDate converts a UTC time to Julian Date using the standard
// astronomical algorithm.
func JulianDate(t time.Time) float64 {
	t = t.UTC()
	y := float64(t.Year())
	m := float64(t.Month())
	d := float64(t.Day())
	h := float64(t.Hour())
	min := float64(t.Minute())
	s := float64(t.Second()) + float64(t.Nanosecond())/1e9

	// Treat January and February as months 13 and 14 of the prior year.
	if m <= 2 {
		y -= 1
		m += 12
	}

	a := math.Floor(y / 100)
	b := 2 - a + math.Floor(a/4)

	jd := math.Floor(365.25*(y+4716)) + math.Floor(30.6001*(m+1)) + d + b - 1524.5
	jd += (h + min/60.0 + s/3600.0) / 24.0
	return jd
}

// GMST returns Greenwich Mean Sidereal Time in degrees for t, using the
// IAU-82 polynomial.
func GMST(t time.Time) float64 {
	jd := JulianDate(t)
	tc := (jd - j2000) / 36525.0

	gmstSec := 67310.54841 +
		(3155760000.0+8640184.812866)*tc +
		0.093104*tc*tc -
		6.2e-6*tc*tc*tc

	gmstSec = math.Mod(gmstSec, 86400.0)
	if gmstSec < 0 {
		gmstSec += 86400.0
	}
	return gmstSec / 86400.0 * 360.0
}

// LocalSiderealTime returns the local mean sidereal time in degrees at an
// east-positive longitude.
func LocalSiderealTime(t time.Time, lonDeg float64) float64 {
	return NormalizeDeg(GMST(t) + lonDeg)
}

// EquatorialToHorizontal converts a J2000 pointing to horizontal
// coordinates at the given site and time. Azimuth is measured from north
// through east. Refraction is ignored.
func EquatorialToHorizontal(raDeg, decDeg, latDeg, lonDeg float64, t time.Time) (altDeg, azDeg float64) {
	ha := DegToRad(NormalizeDeg(LocalSiderealTime(t, lonDeg) - raDeg))
	dec := DegToRad(decDeg)
	lat := DegToRad(latDeg)

	sinAlt := math.Sin(dec)*math.Sin(lat) + math.Cos(dec)*math.Cos(lat)*math.Cos(ha)
	alt := math.Asin(sinAlt)

	az := math.Atan2(
		-math.Cos(dec)*math.Sin(ha),
		math.Sin(dec)*math.Cos(lat)-math.Cos(dec)*math.Sin(lat)*math.Cos(ha),
	)

	return RadToDeg(alt), NormalizeDeg(RadToDeg(az))
}

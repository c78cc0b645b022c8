package skymerge

import (
	"errors"
	"math"
)

// PointSeparation returns the great-circle separation between two sky
// positions, all values in decimal degrees. The vector formulation
// (cross/dot product with atan2) is numerically stable for both tiny
// and near-antipodal separations.
func PointSeparation(ra1, dec1, ra2, dec2 float64) float64 {
	v1 := sphericalToCartesian(degToRad(ra1), degToRad(dec1))
	v2 := sphericalToCartesian(degToRad(ra2), degToRad(dec2))

	cp := cross(v1, v2)
	s := math.Sqrt(cp[0]*cp[0] + cp[1]*cp[1] + cp[2]*cp[2])
	c := v1[0]*v2[0] + v1[1]*v2[1] + v1[2]*v2[2]
	return radToDeg(math.Atan2(s, c))
}

// NominalPosition returns the mean sky position of the inputs (decimal
// degrees), computed as the normalized mean of the unit vectors. It
// fails when the mean vector vanishes (no defined direction).
func NominalPosition(ras, decs []float64) (ra, dec float64, err error) {
	if len(ras) == 0 || len(ras) != len(decs) {
		return 0, 0, errors.New("nominal position needs matching ra/dec lists")
	}

	var sum [3]float64
	for i := range ras {
		v := sphericalToCartesian(degToRad(ras[i]), degToRad(decs[i]))
		sum[0] += v[0]
		sum[1] += v[1]
		sum[2] += v[2]
	}
	n := float64(len(ras))
	sum[0] /= n
	sum[1] /= n
	sum[2] /= n

	const tiny = 1.0e-6
	m := math.Sqrt(sum[0]*sum[0] + sum[1]*sum[1] + sum[2]*sum[2])
	if m < tiny {
		return 0, 0, errors.New("the nominal position is not defined")
	}

	lon := math.Atan2(sum[1], sum[0])
	if lon < 0 {
		lon += 2 * math.Pi
	}
	lat := math.Atan2(sum[2], math.Hypot(sum[0], sum[1]))
	return radToDeg(lon), radToDeg(lat), nil
}

// NormalizeRA maps an RA value into [0, 360). The reprojection tool can
// produce invalid output when handed a negative reference RA.
func NormalizeRA(ra float64) float64 {
	ra = math.Mod(ra, 360)
	if ra < 0 {
		ra += 360
	}
	return ra
}

func sphericalToCartesian(lon, lat float64) [3]float64 {
	clat := math.Cos(lat)
	return [3]float64{
		math.Cos(lon) * clat,
		math.Sin(lon) * clat,
		math.Sin(lat),
	}
}

func cross(a, b [3]float64) [3]float64 {
	return [3]float64{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}

func degToRad(x float64) float64 { return x * math.Pi / 180 }
func radToDeg(x float64) float64 { return x * 180 / math.Pi }

package geo

import (
	"math"
	"time"
)

const earthRadiusM = 6371000.0

// Distance returns the haversine great-circle distance in metres.
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	return earthRadiusM * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// SpeedKmh returns the horizontal speed in km/h between two fixes.
// A non-positive elapsed time yields 0 rather than an infinity.
func SpeedKmh(lat1, lon1 float64, t1 time.Time, lat2, lon2 float64, t2 time.Time) float64 {
	dt := t2.Sub(t1).Seconds()
	if dt <= 0 {
		return 0
	}
	return Distance(lat1, lon1, lat2, lon2) / dt * 3.6
}

// Mercator projects a WGS84 coordinate to Web-Mercator (EPSG:3857) metres.
// The server pre-computes these so map clients do not have to.
func Mercator(lat, lon float64) (x, y float64) {
	x = lon * 20037508.34 / 180
	clamped := math.Max(-89.9, math.Min(89.9, lat))
	y = math.Log(math.Tan((90+clamped)*math.Pi/360)) / (math.Pi / 180) * 20037508.34 / 180
	return x, y
}

// ValidLatLon reports whether a coordinate pair is inside WGS84 bounds.
func ValidLatLon(lat, lon float64) bool {
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

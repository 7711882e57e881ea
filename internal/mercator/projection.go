package mercator

import (
	"math"
)

const (
	// MaxLatitude is the spherical Mercator latitude bound in degrees.
	// Latitudes beyond it map outside the [0, 1] world square.
	MaxLatitude = 85.05112878

	// Equator is Earth's equator in meters (EPSG:3857 world width)
	Equator = 40075016.685578
)

// Point is a position in normalized world coordinates.
// (0, 0) is the top-left corner of the world (north pole seam, antimeridian),
// (1, 1) is the bottom-right corner.
type Point struct {
	X float64
	Y float64
}

// Add returns p + o
func (p Point) Add(o Point) Point {
	return Point{X: p.X + o.X, Y: p.Y + o.Y}
}

// Sub returns p - o
func (p Point) Sub(o Point) Point {
	return Point{X: p.X - o.X, Y: p.Y - o.Y}
}

// Scale returns p multiplied component-wise by f
func (p Point) Scale(f float64) Point {
	return Point{X: p.X * f, Y: p.Y * f}
}

// FromLatLon converts WGS84 degrees into world coordinates
func FromLatLon(lat, lon float64) Point {
	return Point{X: XFromLongitude(lon), Y: YFromLatitude(lat)}
}

// LatLon converts world coordinates back into WGS84 degrees
func (p Point) LatLon() (lat, lon float64) {
	return LatitudeFromY(p.Y), LongitudeFromX(p.X)
}

// XFromLongitude maps a longitude in [-180, 180] onto [0, 1]
func XFromLongitude(lng float64) float64 {
	return Map(-180, 180, lng, 0, 1)
}

// LongitudeFromX maps a world x in [0, 1] back onto [-180, 180]
func LongitudeFromX(x float64) float64 {
	return Map(0, 1, x, -180, 180)
}

// YFromLatitude applies the Mercator transform to a latitude in degrees.
// North is 0, south is 1.
func YFromLatitude(lat float64) float64 {
	lat = ClampLatitude(lat)
	return Map(math.Pi, -math.Pi, math.Atanh(math.Sin(lat*math.Pi/180)), 0, 1)
}

// LatitudeFromY is the inverse of YFromLatitude
func LatitudeFromY(y float64) float64 {
	return math.Asin(math.Tanh(Map(0, 1, y, math.Pi, -math.Pi))) * 180 / math.Pi
}

// ClampLatitude limits lat to the usable Mercator range
func ClampLatitude(lat float64) float64 {
	return math.Max(-MaxLatitude, math.Min(MaxLatitude, lat))
}

// Lerp interpolates between a and b by f in [0, 1]
func Lerp(a, b, f float64) float64 {
	return a + (b-a)*f
}

// Normalize returns where value sits between a and b as a fraction
func Normalize(a, b, value float64) float64 {
	return (value - a) / (b - a)
}

// Map linearly rescales value from [a, b] onto [c, d]
func Map(a, b, value, c, d float64) float64 {
	return Lerp(c, d, Normalize(a, b, value))
}

// ResolutionAtZoom returns the approximate meters per pixel at the equator
// for a zoom level rendered with tiles of tileSize pixels
func ResolutionAtZoom(zoom uint32, tileSize uint32) float64 {
	return Equator / (float64(tileSize) * math.Exp2(float64(zoom)))
}

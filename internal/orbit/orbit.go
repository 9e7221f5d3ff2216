// Package orbit derives the return link round trip, and from it the
// minimum scheduling latency of the DAMA loop, from satellite and ground
// station geometry.
package orbit

import (
	"fmt"
	"math"
	"time"

	satellite "github.com/joshuaferrara/go-satellite"
)

// EarthRadiusKm is the mean Earth radius used for ground positions.
const EarthRadiusKm = 6371.0

// GeoRadiusKm is the geostationary orbit radius.
const GeoRadiusKm = 42164.0

// speedOfLightKmPerSec is c in km/s.
const speedOfLightKmPerSec = 299792.458

// Vec3 is an ECEF position in kilometres.
type Vec3 struct {
	X, Y, Z float64
}

// DistanceTo returns the straight-line distance between two points.
func (v Vec3) DistanceTo(other Vec3) float64 {
	return v.Sub(other).Norm()
}

func (v Vec3) Norm() float64          { return math.Sqrt(v.Dot(v)) }
func (v Vec3) Sub(other Vec3) Vec3    { return Vec3{X: v.X - other.X, Y: v.Y - other.Y, Z: v.Z - other.Z} }
func (v Vec3) Dot(other Vec3) float64 { return v.X*other.X + v.Y*other.Y + v.Z*other.Z }

// Site is a ground position in degrees and kilometres above the mean
// radius.
type Site struct {
	LatDeg float64 `yaml:"lat" mapstructure:"lat"`
	LonDeg float64 `yaml:"lon" mapstructure:"lon"`
	AltKm  float64 `yaml:"alt_km" mapstructure:"alt_km"`
}

// ECEF returns the position of the site on a spherical Earth.
func (s Site) ECEF() Vec3 {
	lat := s.LatDeg * math.Pi / 180
	lon := s.LonDeg * math.Pi / 180
	r := EarthRadiusKm + s.AltKm
	return Vec3{
		X: r * math.Cos(lat) * math.Cos(lon),
		Y: r * math.Cos(lat) * math.Sin(lon),
		Z: r * math.Sin(lat),
	}
}

// Satellite reports its ECEF position at a simulation time.
type Satellite interface {
	PositionAt(t time.Time) Vec3
}

// Geostationary is a satellite fixed above the equator.
type Geostationary struct {
	LonDeg float64
}

// PositionAt implements Satellite.
func (g Geostationary) PositionAt(time.Time) Vec3 {
	lon := g.LonDeg * math.Pi / 180
	return Vec3{X: GeoRadiusKm * math.Cos(lon), Y: GeoRadiusKm * math.Sin(lon)}
}

// SGP4 propagates a satellite from its two-line element set.
type SGP4 struct {
	sat satellite.Satellite
}

// NewSGP4 parses a TLE.
func NewSGP4(line1, line2 string) (*SGP4, error) {
	if len(line1) < 69 || len(line2) < 69 {
		return nil, fmt.Errorf("orbit: malformed TLE")
	}
	return &SGP4{sat: satellite.TLEToSat(line1, line2, satellite.GravityWGS72)}, nil
}

// PositionAt implements Satellite. go-satellite works in ECI; the result is
// rotated to ECEF with the Greenwich sidereal time.
func (s *SGP4) PositionAt(t time.Time) Vec3 {
	t = t.UTC()
	year, month, day := t.Date()
	hour, min, sec := t.Clock()

	posECI, _ := satellite.Propagate(s.sat, year, int(month), day, hour, min, sec)
	jd := satellite.JDay(year, int(month), day, hour, min, sec)
	gmst := satellite.ThetaG_JD(jd)
	posECEF := satellite.ECIToECEF(posECI, gmst)
	return Vec3{X: posECEF.X, Y: posECEF.Y, Z: posECEF.Z}
}

// Path is the transparent return link of one terminal: terminal up to the
// satellite, down to the gateway hosting the NCC.
type Path struct {
	Terminal  Site
	Gateway   Site
	Satellite Satellite
}

// OneWay is the propagation delay from the terminal to the gateway at t.
func (p Path) OneWay(t time.Time) time.Duration {
	sat := p.Satellite.PositionAt(t)
	km := p.Terminal.ECEF().DistanceTo(sat) + sat.DistanceTo(p.Gateway.ECEF())
	return time.Duration(km / speedOfLightKmPerSec * float64(time.Second))
}

// RoundTrip is the delay between a capacity request leaving the terminal
// and the matching time plan reaching it.
func (p Path) RoundTrip(t time.Time) time.Duration {
	return 2 * p.OneWay(t)
}

// MSLSuperframes converts a round trip into the minimum scheduling latency
// in superframes: the round trip, rounded up, plus the superframes between
// the allocation pass and the superframe its time plan applies to.
func MSLSuperframes(rtt, superframe time.Duration, lookahead uint32) uint32 {
	if superframe <= 0 {
		return lookahead
	}
	sf := (rtt + superframe - 1) / superframe
	return uint32(sf) + lookahead
}

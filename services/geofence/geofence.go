package geofence

import (
	"math"

	"attendance_go/models"
)

const (
	// EarthRadiusMeters is the mean radius of the spherical Earth approximation.
	EarthRadiusMeters = 6371000.0
	// DefaultRadiusMeters applies when a cluster has coordinates but no radius.
	DefaultRadiusMeters = 200.0
)

// Point is a WGS84 position in decimal degrees.
type Point struct {
	Latitude  float64 `json:"latitude" validate:"gte=-90,lte=90"`
	Longitude float64 `json:"longitude" validate:"gte=-180,lte=180"`
}

// HaversineDistance returns the great-circle distance between two points in meters.
func HaversineDistance(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) + math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return EarthRadiusMeters * c
}

// IsWithinGeofence reports whether the user position lies inside the target circle.
// A target without coordinates has no geofence and always passes. A nil or
// non-positive radius falls back to DefaultRadiusMeters.
func IsWithinGeofence(userLat, userLon float64, targetLat, targetLon, radiusMeters *float64) bool {
	if targetLat == nil || targetLon == nil {
		return true
	}
	return HaversineDistance(userLat, userLon, *targetLat, *targetLon) <= effectiveRadius(radiusMeters, DefaultRadiusMeters)
}

func effectiveRadius(radius *float64, fallback float64) float64 {
	if radius == nil || *radius <= 0 {
		return fallback
	}
	return *radius
}

// Result explains a geofence decision so callers can message it.
type Result struct {
	Allowed        bool    `json:"allowed"`
	Configured     bool    `json:"configured"`
	DistanceMeters float64 `json:"distance_meters"`
	RadiusMeters   float64 `json:"radius_meters"`
}

// Validator evaluates positions against cluster geofences.
type Validator struct {
	defaultRadius float64
}

// NewValidator returns a validator using defaultRadius for clusters without one.
func NewValidator(defaultRadius float64) *Validator {
	if defaultRadius <= 0 {
		defaultRadius = DefaultRadiusMeters
	}
	return &Validator{defaultRadius: defaultRadius}
}

// Check evaluates a single position against the cluster's registered geofence.
func (v *Validator) Check(cluster models.Cluster, at Point) Result {
	if !cluster.HasCoordinates() {
		return Result{Allowed: true, Configured: false}
	}
	radius := effectiveRadius(cluster.GeofenceRadiusMeters, v.defaultRadius)
	distance := HaversineDistance(at.Latitude, at.Longitude, *cluster.Latitude, *cluster.Longitude)
	return Result{
		Allowed:        distance <= radius,
		Configured:     true,
		DistanceMeters: distance,
		RadiusMeters:   radius,
	}
}

// Package geofence checks that a submitted coordinate lies within a circular
// radius around a clinic's registered location.
package geofence

import (
	"math"

	"qms/clinic-queue/internal/models"
)

const (
	EarthRadiusMeters   = 6371000.0
	DefaultRadiusMeters = 100.0
)

type Result struct {
	Accepted bool
	// Skipped is set when the clinic has no configured center.
	Skipped        bool
	DistanceMeters float64
	RadiusMeters   float64
}

// RoundedDistance is the distance rounded to the nearest meter, for display.
func (r Result) RoundedDistance() int {
	return int(math.Round(r.DistanceMeters))
}

// DistanceMeters is the haversine great-circle distance between two points.
func DistanceMeters(center, point models.Location) float64 {
	phi1 := center.Lat * math.Pi / 180
	phi2 := point.Lat * math.Pi / 180
	dPhi := (point.Lat - center.Lat) * math.Pi / 180
	dLambda := (point.Lng - center.Lng) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusMeters * c
}

// Validate accepts point when center is nil (no geofence configured) or when
// the distance is within radius. A nil or non-positive radius falls back to
// DefaultRadiusMeters.
func Validate(center *models.Location, radius *float64, point models.Location) Result {
	effective := DefaultRadiusMeters
	if radius != nil && *radius > 0 {
		effective = *radius
	}
	if center == nil {
		return Result{Accepted: true, Skipped: true, RadiusMeters: effective}
	}
	distance := DistanceMeters(*center, point)
	return Result{
		Accepted:       distance <= effective,
		DistanceMeters: distance,
		RadiusMeters:   effective,
	}
}

// TenantCenter returns the tenant's configured center, or nil when either
// coordinate is missing.
func TenantCenter(tenant models.Tenant) *models.Location {
	if tenant.GeoLat == nil || tenant.GeoLng == nil {
		return nil
	}
	return &models.Location{Lat: *tenant.GeoLat, Lng: *tenant.GeoLng}
}

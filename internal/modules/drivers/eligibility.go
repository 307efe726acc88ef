package drivers

import "ridedispatch/internal/types"

// Eligible reports whether d may see a ride starting at origin. Offline drivers never
// qualify. The service-area check applies only when radiusKm > 0 and the driver's
// position is known.
func Eligible(d Driver, origin types.Point, radiusKm float64) bool {
	if !d.Online {
		return false
	}
	if radiusKm <= 0 || d.Position == nil {
		return true
	}
	return DistanceKm(*d.Position, origin) <= radiusKm
}

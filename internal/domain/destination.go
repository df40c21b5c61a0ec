package domain

// Destination is the shared target of a session.
type Destination struct {
	Identifier string
	Lat        float64
	Lng        float64
}

// IsValidLatitude reports whether lat is within [-90, 90].
func IsValidLatitude(lat float64) bool {
	return lat >= -90 && lat <= 90
}

// IsValidLongitude reports whether lng is within [-180, 180].
func IsValidLongitude(lng float64) bool {
	return lng >= -180 && lng <= 180
}

// Valid reports whether the destination has an identifier and in-range coordinates.
func (d Destination) Valid() bool {
	return d.Identifier != "" && IsValidLatitude(d.Lat) && IsValidLongitude(d.Lng)
}

package domain

import "time"

// LocationSample is one published position of a participant within a session.
type LocationSample struct {
	SessionID  string
	UserID     string
	Lat        float64
	Lng        float64
	RecordedAt time.Time
}

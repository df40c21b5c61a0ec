package redis

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"livesession/internal/domain"
)

// LocationTTL bounds how long the positions of an idle session are kept.
const LocationTTL = 24 * time.Hour

func sessionLocationKey(sessionID string) string {
	return fmt.Sprintf("sessions:%s:locations", sessionID)
}

func sessionLocationTimeKey(sessionID string) string {
	return fmt.Sprintf("sessions:%s:locations:at", sessionID)
}

// LocationStore keeps the latest position of each participant of a session
// in a geo index.
type LocationStore struct {
	client *redis.Client
}

// NewLocationStore creates a new LocationStore.
func NewLocationStore(client *redis.Client) *LocationStore {
	return &LocationStore{client: client}
}

// UpdateLocation stores a participant's position using GEOADD.
func (s *LocationStore) UpdateLocation(ctx context.Context, sample domain.LocationSample) error {
	geoKey := sessionLocationKey(sample.SessionID)
	timeKey := sessionLocationTimeKey(sample.SessionID)

	pipe := s.client.TxPipeline()
	pipe.GeoAdd(ctx, geoKey, &redis.GeoLocation{
		Name:      sample.UserID,
		Longitude: sample.Lng,
		Latitude:  sample.Lat,
	})
	pipe.HSet(ctx, timeKey, sample.UserID, sample.RecordedAt.UnixNano())
	pipe.Expire(ctx, geoKey, LocationTTL)
	pipe.Expire(ctx, timeKey, LocationTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// SessionLocations returns the latest position of every participant, oldest first.
func (s *LocationStore) SessionLocations(ctx context.Context, sessionID string) ([]domain.LocationSample, error) {
	geoKey := sessionLocationKey(sessionID)
	users, err := s.client.ZRange(ctx, geoKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	posCmd := pipe.GeoPos(ctx, geoKey, users...)
	timeCmd := pipe.HMGet(ctx, sessionLocationTimeKey(sessionID), users...)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	positions := posCmd.Val()
	times := timeCmd.Val()
	samples := make([]domain.LocationSample, 0, len(users))
	for i, userID := range users {
		if i >= len(positions) || positions[i] == nil {
			continue
		}
		sample := domain.LocationSample{
			SessionID: sessionID,
			UserID:    userID,
			Lat:       positions[i].Latitude,
			Lng:       positions[i].Longitude,
		}
		if i < len(times) {
			if raw, ok := times[i].(string); ok {
				if nanos, err := strconv.ParseInt(raw, 10, 64); err == nil {
					sample.RecordedAt = time.Unix(0, nanos).UTC()
				}
			}
		}
		samples = append(samples, sample)
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i].RecordedAt.Before(samples[j].RecordedAt) })
	return samples, nil
}

// RemoveParticipant removes a participant from the session's geo index.
func (s *LocationStore) RemoveParticipant(ctx context.Context, sessionID, userID string) error {
	pipe := s.client.TxPipeline()
	pipe.ZRem(ctx, sessionLocationKey(sessionID), userID)
	pipe.HDel(ctx, sessionLocationTimeKey(sessionID), userID)
	_, err := pipe.Exec(ctx)
	return err
}

// RemoveSession drops every stored position of the session.
func (s *LocationStore) RemoveSession(ctx context.Context, sessionID string) error {
	return s.client.Del(ctx, sessionLocationKey(sessionID), sessionLocationTimeKey(sessionID)).Err()
}

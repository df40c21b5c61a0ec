package redis

import (
	"livesession/internal/repository"
	"livesession/internal/service"
)

// Ensure concrete types implement the interfaces they are wired to.
var (
	_ service.LocationSink         = (*LocationStore)(nil)
	_ service.LocationReader       = (*LocationStore)(nil)
	_ service.SessionLocker        = (*LockStore)(nil)
	_ service.ExpirationBroker     = (*ExpirationBroker)(nil)
	_ repository.SessionRepository = (*CachedSessionRepository)(nil)
)

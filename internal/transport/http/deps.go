package http

import (
	"github.com/geo-sightings/internal/application/notification"
	"github.com/geo-sightings/internal/application/retention"
	"github.com/geo-sightings/internal/application/sighting"
	"github.com/geo-sightings/internal/application/subscription"
	jwtinfra "github.com/geo-sightings/internal/infrastructure/jwt"
	appmiddleware "github.com/geo-sightings/internal/transport/http/middleware"
)

// Deps holds the services and gate components the router wires together.
type Deps struct {
	Sightings     sighting.Service
	Subscriptions subscription.Service
	Notifier      notification.Service
	Sweeper       *retention.Sweeper
	// JWTProvider guards the operator routes. When nil those routes are not mounted.
	JWTProvider *jwtinfra.Provider
	// RateCounter backs the per-client limits. When nil nothing is rate limited.
	RateCounter appmiddleware.Counter
}

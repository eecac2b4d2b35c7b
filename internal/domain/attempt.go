package domain

import "time"

// Route describes where a delivery attempt sent the payload.
type Route string

const (
	RoutePush    Route = "PUSH"
	RoutePark    Route = "PARK"
	RouteSkipped Route = "SKIPPED"
)

func (r Route) String() string { return string(r) }

// DeliveryAttempt records the outcome of a single Deliver call for a message.
type DeliveryAttempt struct {
	ID            string
	MessageID     string
	AttemptNumber int
	Route         Route
	ConnectionID  *string
	Error         *string
	CreatedAt     time.Time
}

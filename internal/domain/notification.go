package domain

import (
	"encoding/json"
	"strconv"
	"time"
)

// NotificationRecord marks that a device has been told about an event. Records live for
// the notification TTL; an expired record is treated as absent.
type NotificationRecord struct {
	EventID   string
	DeviceID  string
	SentAt    time.Time
	ExpiresAt time.Time
}

// Live reports whether the record still suppresses a resend at now.
func (r *NotificationRecord) Live(now time.Time) bool {
	return r != nil && r.ExpiresAt.After(now)
}

// Trigger names what caused a notification pass.
type Trigger string

const (
	TriggerImmediate Trigger = "immediate"
	TriggerPeriodic  Trigger = "periodic"
)

// PushMessage is the data-only payload delivered to devices.
type PushMessage struct {
	Data map[string]string
}

// PushMessageFor builds the payload the client app expects for a new sighting.
func PushMessageFor(e *Event) PushMessage {
	loc, _ := json.Marshal(e.Location)
	return PushMessage{Data: map[string]string{
		"id":           e.ID,
		"sightingType": string(e.Category),
		"location":     string(loc),
		"timestamp":    strconv.FormatInt(e.CreatedAt.UnixMilli(), 10),
		"geohash":      e.CellCode,
		"expiresAt":    strconv.FormatInt(e.ExpiresAt.UnixMilli(), 10),
	}}
}

// DispatchResult is what a push transport reports for one batch.
type DispatchResult struct {
	SuccessCount int
	FailureCount int
	// Failed holds the tokens the transport could not deliver to.
	Failed []string
}

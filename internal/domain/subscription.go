package domain

import "time"

// Subscription is a device's standing interest in sightings near its last reported cell.
type Subscription struct {
	DeviceID  string    `json:"deviceId"`
	PushToken string    `json:"-"`
	CellCode  string    `json:"geohash"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// RegisterDeviceRequest is the body of POST /v1/subscriptions.
type RegisterDeviceRequest struct {
	Token    string   `json:"token" validate:"required,pushtoken"`
	DeviceID string   `json:"deviceId" validate:"required,deviceid"`
	Location Location `json:"location"`
}

// RelocateRequest is the body of PUT /v1/subscriptions/{deviceId}/location.
type RelocateRequest struct {
	Location Location `json:"location"`
}

package eventbus

import "time"

// Event types.
const (
	CourierChanged     = "courier.changed"
	SlipCreated        = "slip.created"
	SlipPacked         = "slip.packed"
	SlipCancelled      = "slip.cancelled"
	SlipNotified       = "slip.notified"
	DeliveryFailed     = "slip.delivery_failed"
	NotificationFailed = "slip.notification_failed"
	FailureReset       = "slip.failure_reset"
	SettingsChanged    = "settings.changed"
)

// SlipEvent is the payload of every slip.* event.
type SlipEvent struct {
	TrackingID string    `json:"tracking_id"`
	CustomerID string    `json:"customer_id,omitempty"`
	CourierID  string    `json:"courier_id,omitempty"`
	MessageID  string    `json:"message_id,omitempty"`
	Attempts   int       `json:"attempts,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Actor      string    `json:"actor,omitempty"`
	At         time.Time `json:"at"`
}

// CourierEvent is the payload of courier.changed.
type CourierEvent struct {
	CourierID string `json:"courier_id"`
	Action    string `json:"action"`
}

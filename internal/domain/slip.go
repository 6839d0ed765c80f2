package domain

import "time"

// Status is the persisted lifecycle status of a slip. Notification is tracked
// separately (Slip.Notified) so that a cancelled or packed slip keeps its
// history.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusPacked    Status = "packed"
	StatusCancelled Status = "cancelled"
)

// State is the derived lifecycle state shown to operators.
type State string

const (
	StateDraft     State = "Draft"
	StatePacked    State = "Packed"
	StateNotified  State = "Notified"
	StateCancelled State = "Cancelled"
)

// Channel selects the messaging transport for a contact.
type Channel string

const (
	ChannelWhatsApp Channel = "whatsapp"
	ChannelTelegram Channel = "telegram"
	ChannelLog      Channel = "log"
)

// Contact is a customer or sender snapshot stored on the slip.
type Contact struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	Phone   string  `json:"phone,omitempty"`
	Channel Channel `json:"channel,omitempty"`
	// Address is the channel-specific destination (phone number, chat id).
	// Empty means Phone.
	Address string `json:"address,omitempty"`
}

// Destination returns Address, falling back to Phone.
func (c Contact) Destination() string {
	if c.Address != "" {
		return c.Address
	}
	return c.Phone
}

type Slip struct {
	TrackingID string  `json:"tracking_id"`
	Customer   Contact `json:"customer"`
	Sender     Contact `json:"sender"`
	CourierID  string  `json:"courier_id"`
	Method     Method  `json:"method"`

	NumberOfBoxes int       `json:"number_of_boxes"`
	BoxWeights    []float64 `json:"box_weights"`
	Weight        float64   `json:"weight"`
	Charges       float64   `json:"charges"`

	Status          Status `json:"status"`
	IsToPayShipping bool   `json:"is_to_pay_shipping"`

	Notified           bool      `json:"notified"`
	NotifiedAt         time.Time `json:"notified_at,omitempty"`
	NotificationFailed bool      `json:"notification_failed"`
	FailureReason      string    `json:"failure_reason,omitempty"`
	Attempts           int       `json:"attempts"`
	NextAttemptAt      time.Time `json:"next_attempt_at,omitempty"`
	InFlightSince      time.Time `json:"in_flight_since,omitempty"`
	MessageID          string    `json:"message_id,omitempty"`

	GeneratedBy string    `json:"generated_by"`
	GeneratedAt time.Time `json:"generated_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Version     uint64    `json:"version"`
}

func (s Slip) Cancelled() bool { return s.Status == StatusCancelled }

func (s Slip) State() State {
	switch {
	case s.Status == StatusCancelled:
		return StateCancelled
	case s.Notified:
		return StateNotified
	case s.Status == StatusPacked:
		return StatePacked
	default:
		return StateDraft
	}
}

// Pending reports whether the slip still owes its customer a notification.
func (s Slip) Pending() bool {
	return !s.Cancelled() && !s.Notified && !s.NotificationFailed
}

// Clone returns a deep copy (BoxWeights is the only reference field).
func (s Slip) Clone() Slip {
	cp := s
	cp.BoxWeights = append([]float64(nil), s.BoxWeights...)
	return cp
}

// ReconcileWeights pads with zeros or truncates weights to n entries.
func ReconcileWeights(weights []float64, n int) []float64 {
	if n < 0 {
		n = 0
	}
	out := make([]float64, n)
	copy(out, weights)
	return out
}

// SumWeights returns the total of all box weights.
func SumWeights(weights []float64) float64 {
	var total float64
	for _, w := range weights {
		total += w
	}
	return total
}

package dispatch

import (
	"fmt"
	"strings"

	"slipdesk/internal/domain"

	"github.com/dustin/go-humanize"
	"github.com/dustin/go-humanize/english"
)

// Compose builds the outbound text for one customer. A batch of more than one
// slip becomes a summary listing every shipment.
func Compose(batch []domain.Slip) string {
	if len(batch) == 0 {
		return ""
	}
	name := strings.TrimSpace(batch[0].Customer.Name)
	if name == "" {
		name = "there"
	}
	var b strings.Builder
	if len(batch) == 1 {
		s := batch[0]
		fmt.Fprintf(&b, "Hello %s, your shipment %s has been dispatched via %s (%s).\n", name, s.TrackingID, s.CourierID, s.Method)
		fmt.Fprintf(&b, "%s, %s.", english.Plural(s.NumberOfBoxes, "box", "boxes"), kg(s.Weight))
		if s.IsToPayShipping {
			b.WriteString("\nShipping charges are payable on delivery.")
		}
		return b.String()
	}

	fmt.Fprintf(&b, "Hello %s, %s have been dispatched:\n", name, english.Plural(len(batch), "shipment", "shipments"))
	toPay := false
	for _, s := range batch {
		fmt.Fprintf(&b, "- %s via %s (%s): %s, %s\n", s.TrackingID, s.CourierID, s.Method, english.Plural(s.NumberOfBoxes, "box", "boxes"), kg(s.Weight))
		toPay = toPay || s.IsToPayShipping
	}
	if toPay {
		b.WriteString("Some shipments have charges payable on delivery.")
	}
	return strings.TrimRight(b.String(), "\n")
}

func kg(w float64) string { return humanize.Ftoa(w) + " kg" }

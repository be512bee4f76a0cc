package deal

import "time"

// Event is a lifecycle notification pushed to live observers such as the
// admin dashboard.
type Event struct {
	DealID    int64     `json:"dealId"`
	Type      string    `json:"type"`
	Status    Status    `json:"status"`
	Asset     string    `json:"asset"`
	Amount    string    `json:"amount"`
	Timestamp time.Time `json:"timestamp"`
}

// EventSink receives deal lifecycle events. Implementations must not
// block; delivery is best-effort.
type EventSink interface {
	DealEvent(d *Deal, eventType string)
}

// Sinks fans an event out to multiple sinks.
type Sinks []EventSink

func (s Sinks) DealEvent(d *Deal, eventType string) {
	for _, sink := range s {
		sink.DealEvent(d, eventType)
	}
}

// NewEvent builds the wire representation of a lifecycle event.
func NewEvent(d *Deal, eventType string) Event {
	return Event{
		DealID:    d.ID,
		Type:      eventType,
		Status:    d.Status,
		Asset:     d.Asset,
		Amount:    d.Amount,
		Timestamp: time.Now(),
	}
}

package models

import "time"

// Event is one append-only audit log row. Replaying the log should explain
// every order and state transition the bot performed.
type Event struct {
	ID        int64          `json:"id"`
	Type      string         `json:"type"`
	Symbol    string         `json:"symbol,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Event types. One event per observable state change.
const (
	EventBotStarted             = "bot_started"
	EventBotStopped             = "bot_stopped"
	EventEntryOrderPlaced       = "entry_order_placed"
	EventEntryCancelledEOD      = "entry_cancelled_eod"
	EventEODCancelsDone         = "eod_cancellations_completed"
	EventTrailPlaced            = "trailing_stop_placed_after_entry"
	EventProtectiveRecreated    = "protective_recreated"
	EventDuplicateStopCancelled = "duplicate_stop_cancelled"
	EventOrphanStopCancelled    = "orphan_stop_cancelled"
	EventProtectiveRequantified = "protective_requantified"
	EventStopoutCooldown        = "stopout_cooldown_started"
	EventFillReceived           = "fill_received"
	EventAdmissionRejected      = "admission_rejected"
	EventOrderSubmitFailed      = "order_submit_failed"
	EventSnapshotSaved          = "daily_snapshot_saved"
)

// OrderEventType names the audit event for an order reaching a terminal
// status, e.g. "order_filled".
func OrderEventType(status OrderStatus) string {
	return "order_" + string(status)
}

// NewEvent builds an event stamped now.
func NewEvent(eventType, symbol string, payload map[string]any) *Event {
	return &Event{
		Type:      eventType,
		Symbol:    symbol,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

package events

// Event enumerates high-level topics inside the trading core.
type Event string

const (
	EventBar             Event = "market.bar"
	EventDecision        Event = "signal.decision"
	EventOrderUpdate     Event = "order.update"
	EventExecution       Event = "execution.result"
	EventPositionExit    Event = "position.exit"
	EventAccountUpdate   Event = "account.update"
	EventConnectionState Event = "connection.state"
	EventAlert           Event = "alert"
)

// Streamed lists the topics pushed to dashboard clients.
var Streamed = []Event{
	EventBar,
	EventDecision,
	EventOrderUpdate,
	EventExecution,
	EventPositionExit,
	EventAccountUpdate,
	EventConnectionState,
	EventAlert,
}

// Envelope tags a payload with its topic for multiplexed consumers.
type Envelope struct {
	Type    Event `json:"type"`
	Payload any   `json:"payload"`
}

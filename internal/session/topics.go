package session

// Bus topics for session lifecycle events pushed by the server.
const (
	// TopicOpened carries an Event each time a client session opens.
	TopicOpened = "session.opened"
	// TopicClosed carries an Event each time a client session closes.
	TopicClosed = "session.closed"
)

// PropertyRole is the session property the listener matches against.
const PropertyRole = "ROLE"

// Event is the payload published on session lifecycle topics.
type Event struct {
	SessionID  string            `json:"sessionID"`
	Properties map[string]string `json:"properties,omitempty"`
	Reason     string            `json:"reason,omitempty"`
}

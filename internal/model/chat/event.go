package chat

// Outbound event types delivered to connected clients.
const (
	EventConnected      = "connected"
	EventAck            = "ack"
	EventActivity       = "userList"
	EventChatHistory    = "chatHistory"
	EventAdminResponse  = "adminResponse"
	EventDeliveryFailed = "deliveryFailed"
	EventError          = "error"
)

// Event is a typed notification published by the relay.
type Event struct {
	Type string
	Data any
}

// Activity tells admins which user just spoke.
type Activity struct {
	Username string `json:"username"`
	Message  string `json:"message"`
}

// Reply is an operator message addressed to one user.
type Reply struct {
	Username string `json:"username"`
	Message  string `json:"message"`
}

// History is one stored conversation rendered as log lines, as served over HTTP.
// The chatHistory event carries only the lines.
type History struct {
	Username string   `json:"username"`
	Day      string   `json:"day"`
	History  []string `json:"history"`
}

// Ack confirms a user message was durably recorded.
type Ack struct {
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// Failure reports an operation that did not complete.
type Failure struct {
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

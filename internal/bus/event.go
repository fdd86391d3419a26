package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds. Subscribers filter on the namespace before the dot.
const (
	ConnectionStatusChanged = "connection.status_changed"
	ConnectionConnected     = "connection.connected"
	ConnectionDisconnected  = "connection.disconnected"
	ConnectionError         = "connection.error"
	ConnectionServerError   = "connection.server_error"

	StoreConversations = "store.conversations"
	StoreMessages      = "store.messages"
	StoreMessage       = "store.message"
	StoreUnread        = "store.unread"
	StoreSelection     = "store.selection"
	StorePresence      = "store.presence"
	StoreTyping        = "store.typing"
	StoreUI            = "store.ui"
	StoreReset         = "store.reset"

	MessageSendAck    = "message.send_ack"
	MessageSendFailed = "message.send_failed"

	HostVisibility = "host.visibility"
)

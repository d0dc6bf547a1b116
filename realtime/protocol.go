package realtime

import "encoding/json"

const (
	frameSubscribe   = "subscribe"
	frameUnsubscribe = "unsubscribe"
	frameSubscribed  = "subscribed"
	frameInsert      = "insert"
	frameError       = "error"
)

// clientFrame is sent from the client to the subscription service.
type clientFrame struct {
	Type   string `json:"type"`
	ID     uint64 `json:"id"`
	Table  string `json:"table,omitempty"`
	Filter string `json:"filter,omitempty"`
}

// serverFrame is received from the subscription service.
type serverFrame struct {
	Type    string          `json:"type"`
	ID      uint64          `json:"id"`
	Record  json.RawMessage `json:"record,omitempty"`
	Message string          `json:"message,omitempty"`
}

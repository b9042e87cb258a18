// Package protocol defines the JSON messages exchanged with dashboard clients
// over the websocket.
package protocol

const (
	ActionSubscribe      = "subscribe"
	ActionUnsubscribe    = "unsubscribe"
	ActionUnsubscribeAll = "unsubscribe_all"
	ActionChart          = "chart"
	ActionRefresh        = "refresh"
)

// Response types.
const (
	TypeAck      = "ack"
	TypeError    = "error"
	TypeHoldings = "holdings"
	TypeStatus   = "status"
	TypeChart    = "chart"
)

type WSRequest struct {
	Action  string         `json:"action"`
	Payload RequestPayload `json:"payload"`
	ID      string         `json:"id,omitempty"`
}

type RequestPayload struct {
	Scopes  []string `json:"scopes,omitempty"`
	Scope   string   `json:"scope,omitempty"`   // chart, refresh
	Subject string   `json:"subject,omitempty"` // chart; empty or "ALL" for the portfolio
	Window  string   `json:"window,omitempty"`  // chart; Go duration, "all" for everything
}

type WSResponse struct {
	Type    string      `json:"type"`
	ID      string      `json:"id,omitempty"`
	Status  string      `json:"status,omitempty"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// StatusData reports a connection state change of one scope.
type StatusData struct {
	Scope   string `json:"scope"`
	State   string `json:"state"`
	Attempt int    `json:"attempt,omitempty"`
}

// ChartData answers a chart request.
type ChartData struct {
	Scope   string      `json:"scope"`
	Subject string      `json:"subject"`
	Window  string      `json:"window"`
	Points  interface{} `json:"points"`
}

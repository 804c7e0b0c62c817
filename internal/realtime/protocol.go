package realtime

import (
	"encoding/json"
	"fmt"
)

// Pusher Channels protocol events
const (
	eventConnectionEstablished = "pusher:connection_established"
	eventError                 = "pusher:error"
	eventPing                  = "pusher:ping"
	eventPong                  = "pusher:pong"
	eventSubscribe             = "pusher:subscribe"
	eventUnsubscribe           = "pusher:unsubscribe"
	eventSubscriptionSucceeded = "pusher_internal:subscription_succeeded"
	eventSubscriptionError     = "pusher:subscription_error"
)

const protocolVersion = 7

type message struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type connectionData struct {
	SocketID        string `json:"socket_id"`
	ActivityTimeout int    `json:"activity_timeout"`
}

type errorData struct {
	Message string `json:"message"`
	Code    *int   `json:"code"`
}

// protocolError is a pusher:error sent by the server
type protocolError struct {
	Code    int
	Message string
}

func (e *protocolError) Error() string {
	return fmt.Sprintf("pusher error %d: %s", e.Code, e.Message)
}

// fatal reports whether the client must not reconnect. Codes 4000-4099
// mean the connection settings themselves are wrong.
func (e *protocolError) fatal() bool {
	return e.Code >= 4000 && e.Code < 4100
}

func subscribeMessage(channel string) message {
	data, _ := json.Marshal(map[string]string{"channel": channel})
	return message{Event: eventSubscribe, Data: data}
}

func unsubscribeMessage(channel string) message {
	data, _ := json.Marshal(map[string]string{"channel": channel})
	return message{Event: eventUnsubscribe, Data: data}
}

// payload unwraps event data, which servers send as a JSON encoded string
func payload(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || raw[0] != '"' {
		return raw
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return raw
	}
	return json.RawMessage(s)
}

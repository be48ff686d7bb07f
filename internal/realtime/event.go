package realtime

import (
	"encoding/json"
	"fmt"
)

const (
	// EventMonitorList carries the id-keyed monitor list of the room's user.
	EventMonitorList = "monitorList"
	EventError       = "error"

	// CommandGetMonitorList asks the server to re-send the monitor list.
	CommandGetMonitorList = "getMonitorList"
)

// Envelope is the frame exchanged in both directions over the socket.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type errorData struct {
	Message string `json:"message"`
}

func encodeEnvelope(event string, data any) ([]byte, error) {
	var raw json.RawMessage
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", event, err)
		}
		raw = encoded
	}
	payload, err := json.Marshal(Envelope{Event: event, Data: raw})
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", event, err)
	}
	return payload, nil
}

package event

import "encoding/json"

// Envelope is the wire format stored in an outbox row's Payload column.
// OutboxRow itself carries no correlation_id column, so anything
// destined for durable publish must carry its own correlation ID inside
// the payload the relay eventually decodes.
type Envelope struct {
	CorrelationID string          `json:"correlation_id"`
	Data          json.RawMessage `json:"data"`
}

// Encode builds the durable payload for an outbox row.
func Encode(correlationID string, data []byte) ([]byte, error) {
	return json.Marshal(Envelope{CorrelationID: correlationID, Data: data})
}

// Decode recovers the correlation ID and inner payload from a row's
// stored bytes.
func Decode(payload []byte) (correlationID string, data []byte, err error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return "", nil, err
	}
	return env.CorrelationID, env.Data, nil
}

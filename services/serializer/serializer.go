// Package serializer encodes application values and errors to the opaque text
// blobs the durable tables store. The rest of the core never looks inside a
// blob; swapping the wire format only requires another Serializer.
package serializer

import (
	"encoding/json"
	"fmt"
)

// Null is the literal a nil value encodes to; decoding it yields nil.
const Null = "null"

// Serializer is the pluggable text codec used by the journals.
type Serializer interface {
	Serialize(value any) (string, error)
	Deserialize(text string) (any, error)
	SerializeError(err error) (string, error)
	DeserializeError(text string) error
}

// JSON is the default Serializer. Values round-trip through encoding/json, so
// decoded composites come back as map[string]any / []any / float64.
type JSON struct{}

func NewJSON() JSON { return JSON{} }

func (JSON) Serialize(value any) (string, error) {
	b, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("serialize value: %w", err)
	}
	return string(b), nil
}

func (JSON) Deserialize(text string) (any, error) {
	if text == "" || text == Null {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return nil, fmt.Errorf("deserialize value: %w", err)
	}
	return v, nil
}

// errorEnvelope carries an error across the journal. Only the message
// survives; callers get back a RecoveredError.
type errorEnvelope struct {
	Error string `json:"error"`
}

func (JSON) SerializeError(err error) (string, error) {
	if err == nil {
		return Null, nil
	}
	b, mErr := json.Marshal(errorEnvelope{Error: err.Error()})
	if mErr != nil {
		return "", fmt.Errorf("serialize error: %w", mErr)
	}
	return string(b), nil
}

func (JSON) DeserializeError(text string) error {
	if text == "" || text == Null {
		return nil
	}
	var env errorEnvelope
	if err := json.Unmarshal([]byte(text), &env); err != nil {
		// A blob that predates the envelope format still surfaces as an error.
		return &RecoveredError{Message: text}
	}
	return &RecoveredError{Message: env.Error}
}

// RecoveredError is an application error reconstructed from the journal.
type RecoveredError struct {
	Message string
}

func (e *RecoveredError) Error() string { return e.Message }

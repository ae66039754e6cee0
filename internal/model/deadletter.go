package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// DeadLetter is published for every message that failed processing.
type DeadLetter struct {
	// OriginalMessage is the inbound body as received. Bodies that are not valid JSON
	// are carried as a JSON string.
	OriginalMessage json.RawMessage `json:"original_message"`
	Error           string          `json:"error"`
	Timestamp       string          `json:"timestamp"`
}

// NewDeadLetter wraps a failed message body.
func NewDeadLetter(body []byte, reason string, at time.Time) DeadLetter {
	var orig json.RawMessage
	if json.Valid(body) {
		orig = append(json.RawMessage(nil), body...)
	} else {
		s, _ := json.Marshal(string(body))
		orig = s
	}
	return DeadLetter{
		OriginalMessage: orig,
		Error:           reason,
		Timestamp:       at.Format(time.RFC3339Nano),
	}
}

// Bytes encodes the dead letter with original_message copied verbatim. Publishers use
// it instead of json.Marshal, which compacts embedded raw JSON.
func (d DeadLetter) Bytes() ([]byte, error) {
	orig := d.OriginalMessage
	if len(orig) == 0 {
		orig = json.RawMessage("null")
	}
	errField, err := json.Marshal(d.Error)
	if err != nil {
		return nil, fmt.Errorf("marshal error field: %w", err)
	}
	ts, err := json.Marshal(d.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("marshal timestamp: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString(`{"original_message":`)
	buf.Write(orig)
	buf.WriteString(`,"error":`)
	buf.Write(errField)
	buf.WriteString(`,"timestamp":`)
	buf.Write(ts)
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// MarshalJSON implements json.Marshaler. The result is compacted by encoding/json.
func (d DeadLetter) MarshalJSON() ([]byte, error) { return d.Bytes() }

package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrNotEnvelope is returned by ParseEnvelope when the body is not a JSON object.
var ErrNotEnvelope = errors.New("message body is not a JSON object")

// Metadata is the publisher-supplied envelope metadata (file_type, store_id,
// supermarket, timestamp, ...). Unknown keys are kept.
type Metadata map[string]any

// FileType returns metadata.file_type or "".
func (m Metadata) FileType() string { return m.str("file_type") }

// StoreID returns metadata.store_id or "".
func (m Metadata) StoreID() string { return m.str("store_id") }

// Supermarket returns metadata.supermarket or "".
func (m Metadata) Supermarket() string { return m.str("supermarket") }

func (m Metadata) str(key string) string {
	switch v := m[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}

// Envelope is the inbound queue message: {data, metadata}.
type Envelope struct {
	Data     json.RawMessage `json:"data"`
	Metadata Metadata        `json:"metadata"`
}

// ParseEnvelope decodes a message body. Numbers inside metadata are kept as json.Number.
func ParseEnvelope(body []byte) (Envelope, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		if !json.Valid(trimmed) {
			return Envelope{}, fmt.Errorf("decode envelope: invalid JSON")
		}
		return Envelope{}, ErrNotEnvelope
	}
	var raw struct {
		Data     json.RawMessage `json:"data"`
		Metadata json.RawMessage `json:"metadata"`
	}
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	env := Envelope{Data: raw.Data, Metadata: Metadata{}}
	if len(raw.Metadata) > 0 && string(raw.Metadata) != "null" {
		dec := json.NewDecoder(bytes.NewReader(raw.Metadata))
		dec.UseNumber()
		if err := dec.Decode(&env.Metadata); err != nil {
			return Envelope{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return env, nil
}

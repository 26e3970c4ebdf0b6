package ingest

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// payloadSchema accepts either a reference to a saved query or an inline
// data source, index and query.
const payloadSchema = `{
	"type": "object",
	"properties": {
		"query_id":       {"type": "integer", "minimum": 1},
		"data_source_id": {"type": "integer", "minimum": 1},
		"index_uid":      {"type": "string", "pattern": "^[A-Za-z0-9_-]+$"},
		"query":          {"type": "string", "minLength": 1},
		"primary_key":    {"type": "string", "minLength": 1}
	},
	"oneOf": [
		{
			"required": ["query_id"],
			"not": {"anyOf": [{"required": ["data_source_id"]}, {"required": ["query"]}]}
		},
		{
			"required": ["data_source_id", "index_uid", "query"],
			"not": {"required": ["query_id"]}
		}
	]
}`

var compiledPayloadSchema = jsonschema.MustCompileString("ingest-payload.json", payloadSchema)

// Payload is the body of an ingestion job.
type Payload struct {
	QueryID      int64  `json:"query_id,omitempty"`
	DataSourceID int64  `json:"data_source_id,omitempty"`
	IndexUID     string `json:"index_uid,omitempty"`
	Query        string `json:"query,omitempty"`
	PrimaryKey   string `json:"primary_key,omitempty"`
}

// ParsePayload validates raw against the payload schema and decodes it.
func ParsePayload(raw string) (*Payload, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidPayload)
	}

	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	if err := compiledPayloadSchema.Validate(v); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}

	var p Payload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	return &p, nil
}

// Encode validates p and renders it as a job payload.
func (p Payload) Encode() (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrSerialization, err)
	}
	if _, err := ParsePayload(string(raw)); err != nil {
		return "", err
	}
	return string(raw), nil
}

package domain

import (
	"encoding/json"
	"fmt"
)

// PayloadEnvelope is the only payload shape the scheduler ever touches, and
// it never looks past Kind. Each executor decodes Data into its own type.
type PayloadEnvelope struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// ExtractPayload describes one document extraction, including the triage
// decision that produced it.
type ExtractPayload struct {
	FilePath    string `json:"file_path"`
	MimeType    string `json:"mime_type"`
	Engine      string `json:"engine"`
	NeedsOCR    bool   `json:"needs_ocr"`
	NeedsLayout bool   `json:"needs_layout"`
	Complexity  string `json:"complexity"`
}

// CrawlPayload describes a crawl parent whose executor spawns one child
// extraction per fetched page.
type CrawlPayload struct {
	SeedURL  string `json:"seed_url"`
	MaxPages int    `json:"max_pages"`
}

// PipelinePayload describes a pipeline parent that fans out into one child
// extraction per listed document.
type PipelinePayload struct {
	FilePaths []string `json:"file_paths"`
}

// RetentionPayload describes a purge of terminal jobs older than the given
// age.
type RetentionPayload struct {
	MaxAgeDays int `json:"max_age_days"`
}

// EncodePayload wraps a typed payload into the opaque envelope string stored
// on the job row.
func EncodePayload(kind string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s payload: %w", kind, err)
	}

	envelope, err := json.Marshal(PayloadEnvelope{Kind: kind, Data: data})
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload envelope: %w", err)
	}

	return string(envelope), nil
}

// DecodeEnvelope parses the opaque payload string back into the envelope.
func DecodeEnvelope(payloadRef string) (*PayloadEnvelope, error) {
	var envelope PayloadEnvelope
	if err := json.Unmarshal([]byte(payloadRef), &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return &envelope, nil
}

// DecodePayload decodes the envelope's data into the given typed payload.
func DecodePayload[T any](envelope *PayloadEnvelope) (*T, error) {
	var payload T
	if err := json.Unmarshal(envelope.Data, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return &payload, nil
}

package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPayloadEnvelopeRoundTrip(t *testing.T) {
	ref, err := EncodePayload("extract", ExtractPayload{
		FilePath:   "/data/in/report.pdf",
		MimeType:   "application/pdf",
		Engine:     "pdf-fast",
		Complexity: "low",
	})
	require.NoError(t, err)

	envelope, err := DecodeEnvelope(ref)
	require.NoError(t, err)
	assert.Equal(t, "extract", envelope.Kind)

	payload, err := DecodePayload[ExtractPayload](envelope)
	require.NoError(t, err)
	assert.Equal(t, "/data/in/report.pdf", payload.FilePath)
	assert.Equal(t, "pdf-fast", payload.Engine)
}

func TestDecodeEnvelopeGarbage(t *testing.T) {
	_, err := DecodeEnvelope("not json at all")
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestDecodePayloadWrongShape(t *testing.T) {
	envelope, err := DecodeEnvelope(`{"kind":"crawl","data":[1,2,3]}`)
	require.NoError(t, err)

	_, err = DecodePayload[CrawlPayload](envelope)
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

package handler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docrelay/extraction-service/internal/jobstore"
)

func TestJobCursorRoundTrip(t *testing.T) {
	original := &jobstore.JobCursor{
		CreatedAt: time.Date(2026, 8, 12, 9, 30, 0, 123456789, time.UTC),
		JobID:     "4f7c2d1e-9a3b-4c8d-8e1f-2a5b6c7d8e9f",
	}

	encoded := EncodeJobCursor(original)
	decoded, err := DecodeJobCursor(encoded)
	require.NoError(t, err)

	assert.True(t, decoded.CreatedAt.Equal(original.CreatedAt))
	assert.Equal(t, original.JobID, decoded.JobID)
}

func TestDecodeJobCursorEmpty(t *testing.T) {
	cursor, err := DecodeJobCursor("")
	require.NoError(t, err)
	assert.Nil(t, cursor)
}

func TestDecodeJobCursorInvalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"not base64", "!!!"},
		{"missing separator", "bm9zZXBhcmF0b3I="}, // "noseparator"
		{"non-numeric timestamp", "YWJjfGpvYi0x"}, // "abc|job-1"
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeJobCursor(tt.input)
			assert.Error(t, err)
		})
	}
}

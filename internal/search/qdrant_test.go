package search

import (
	"testing"

	"github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseQdrantURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		host    string
		port    int
		useTLS  bool
		wantErr bool
	}{
		{name: "https with REST port maps to gRPC", url: "https://xyz.cloud.qdrant.io:6333", host: "xyz.cloud.qdrant.io", port: 6334, useTLS: true},
		{name: "http localhost REST port", url: "http://localhost:6333", host: "localhost", port: 6334},
		{name: "explicit gRPC port kept", url: "http://localhost:6334", host: "localhost", port: 6334},
		{name: "custom port kept", url: "http://qdrant:7000", host: "qdrant", port: 7000},
		{name: "no port defaults to gRPC", url: "http://qdrant", host: "qdrant", port: 6334},
		{name: "empty URL", url: "", wantErr: true},
		{name: "garbage", url: "://nope", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host, port, useTLS, err := parseQdrantURL(tt.url)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.host, host)
			assert.Equal(t, tt.port, port)
			assert.Equal(t, tt.useTLS, useTLS)
		})
	}
}

func TestHitFromPayload(t *testing.T) {
	payload := qdrant.NewValueMap(map[string]any{
		"chunk_id":           "ab12cd34",
		"source_document_id": "9d2c2c1e-0000-4000-8000-000000000001",
		"source_title":       "Phenotyping Facility Overview",
		"text":               "The facility runs 400 plants per week.",
		"capability_name":    "Automated Phenotyping",
		"chunk_index":        float64(3),
	})

	hit := hitFromPayload(payload)

	assert.Equal(t, "ab12cd34", hit.ChunkID)
	assert.Equal(t, "Phenotyping Facility Overview", hit.SourceTitle)
	assert.Equal(t, "The facility runs 400 plants per week.", hit.Text)
	assert.Equal(t, "Automated Phenotyping", hit.Metadata["capability_name"])
	assert.Equal(t, float64(3), hit.Metadata["chunk_index"])
}

func TestHitFromPayloadMissingChunkID(t *testing.T) {
	hit := hitFromPayload(qdrant.NewValueMap(map[string]any{"text": "orphan"}))
	assert.Empty(t, hit.ChunkID)
}

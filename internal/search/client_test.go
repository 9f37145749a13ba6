package search

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinkubot/client-ai/pkg/logging"
)

func TestSearchDecodesProviders(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req searchRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "plomero en Quito", req.Query)
		assert.Equal(t, "Quito", req.City)
		assert.Equal(t, 10, req.Limit)
		assert.False(t, req.UseAIEnhancement, "token-based mode must not request AI enhancement")

		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok": true,
			"providers": []map[string]any{
				{"id": "p1", "name": "Juan", "phone": "+593911", "rating": 4.5},
				{"id": "p2", "name": "Ana", "phone": "+593922"},
			},
			"total":           2,
			"search_metadata": map[string]any{"strategy": "token", "search_time_ms": 12},
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, logging.Default())
	result, err := client.Search(context.Background(), "plomero en Quito", "Quito", 0, false)
	require.NoError(t, err)

	assert.True(t, result.OK)
	assert.Equal(t, 2, result.Total)
	require.Len(t, result.Providers, 2)
	assert.Equal(t, 4.5, result.Providers[0].Rating)
	assert.Equal(t, "token", result.Metadata.Strategy)
}

func TestSearch5xxIsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "backend down", http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewClient(server.URL, logging.Default())
	_, err := client.Search(context.Background(), "q", "Quito", 10, false)
	require.Error(t, err)
}

func TestSearchUnconfiguredClient(t *testing.T) {
	var client *Client
	_, err := client.Search(context.Background(), "q", "Quito", 10, false)
	require.Error(t, err)
}

func TestBuildQuery(t *testing.T) {
	assert.Equal(t, "plomero en Quito", BuildQuery("plomero", "Quito", nil))
	assert.Equal(t, "plomero en Quito", BuildQuery("plomero", "Quito", []string{"plomero"}))
	assert.Equal(t, "plomero fontanero plumber en Quito",
		BuildQuery("plomero", "Quito", []string{"plomero", "fontanero", "plumber"}))
}

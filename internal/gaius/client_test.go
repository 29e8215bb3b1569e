package gaius_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wardenhq/warden/internal/gaius"
	"github.com/wardenhq/warden/internal/setup/config"
	"go.uber.org/zap"
)

func newTestClient(baseURL string) *gaius.Client {
	return gaius.NewClient(&config.Gaius{
		Enabled:  true,
		BaseURL:  baseURL,
		APIToken: "test-token",
	}, zap.NewNop())
}

func TestGetAllWarnings(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/warnings", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"userId":42,"guildId":1,"moderatorId":7,"reason":"spam","issuedAt":"2024-06-01T10:00:00Z"}]`))
	}))
	defer server.Close()

	client := newTestClient(server.URL)

	warnings, err := client.GetAllWarnings(t.Context())
	require.NoError(t, err)
	require.Len(t, warnings, 1)
	assert.Equal(t, uint64(42), warnings[0].UserID)
	assert.Equal(t, "spam", warnings[0].Reason)
}

func TestGetWarningsAfterPassesTimestamp(t *testing.T) {
	after := time.Date(2024, 6, 1, 8, 30, 0, 0, time.UTC)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "2024-06-01T08:30:00Z", r.URL.Query().Get("after"))
		_, _ = w.Write([]byte(`[]`))
	}))
	defer server.Close()

	client := newTestClient(server.URL)

	warnings, err := client.GetWarningsAfter(t.Context(), after)
	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.NotNil(t, warnings)
}

func TestFeedFailsOpenOnServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := newTestClient(server.URL)

	// Unavailability is "no data", never an error.
	caselogs, err := client.GetAllCaselogs(t.Context())
	require.NoError(t, err)
	assert.Nil(t, caselogs)
}

func TestFeedFailsOpenOnConnectionRefused(t *testing.T) {
	client := newTestClient("http://127.0.0.1:1")

	warnings, err := client.GetAllWarnings(t.Context())
	require.NoError(t, err)
	assert.Nil(t, warnings)
}

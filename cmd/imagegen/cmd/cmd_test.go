package cmd

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   uint64
		want string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.0 KiB"},
		{1536, "1.5 KiB"},
		{2 << 30, "2.0 GiB"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatBytes(tt.in))
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "a fox ...", truncate("a fox in the snow", 9))
	assert.Equal(t, "ééé...", truncate("éééééééé", 6))
}

func TestCreateAuthenticatedRequestHeaders(t *testing.T) {
	oldKey, oldProvider := apiKey, providerKey
	t.Cleanup(func() { apiKey, providerKey = oldKey, oldProvider })

	apiKey, providerKey = "svc-key", "sk-provider"
	req, err := CreateAuthenticatedRequest("GET", "http://localhost/jobs", nil)
	require.NoError(t, err)
	assert.Equal(t, "Bearer svc-key", req.Header.Get("Authorization"))
	assert.Equal(t, "sk-provider", req.Header.Get("X-Provider-Key"))

	apiKey, providerKey = "", ""
	req, err = CreateAuthenticatedRequest("GET", "http://localhost/jobs", nil)
	require.NoError(t, err)
	assert.Empty(t, req.Header.Get("Authorization"))
	assert.Empty(t, req.Header.Get("X-Provider-Key"))
}

func TestDoRequestReportsRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"rate_limited"}`))
	}))
	defer srv.Close()

	req, err := http.NewRequest("GET", srv.URL, nil)
	require.NoError(t, err)
	_, err = doRequest(req, http.StatusOK)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 429")
	assert.Contains(t, err.Error(), "retry after 30s")
}

func TestDoRequestSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"job_id":"abc"}`))
	}))
	defer srv.Close()

	req, err := http.NewRequest("POST", srv.URL, nil)
	require.NoError(t, err)
	body, err := doRequest(req, http.StatusAccepted)
	require.NoError(t, err)
	assert.JSONEq(t, `{"job_id":"abc"}`, string(body))
}

package servicetitan

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tildaslashalef/stsync/internal/config"
	"github.com/tildaslashalef/stsync/internal/loggy"
)

// setupTestServer serves the OAuth2 token endpoint and hands every other
// request to handler.
func setupTestServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *Client, *int32) {
	t.Helper()
	loggy.NewNoopLogger()

	var tokenCalls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/connect/token", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&tokenCalls, 1)
		require.NoError(t, r.ParseForm())
		if r.Form.Get("client_id") != "cid" || r.Form.Get("client_secret") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"test-token","token_type":"Bearer","expires_in":900}`))
	})
	mux.HandleFunc("/", handler)

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	cfg := config.ServiceTitanConfig{
		BaseURL:      server.URL,
		AuthURL:      server.URL + "/connect/token",
		TenantID:     "4242",
		ClientID:     "cid",
		ClientSecret: "secret",
		AppKey:       "ak1.test",
		Timeout:      5 * time.Second,
		MaxRetries:   2,
	}

	client := NewClient(cfg, WithBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} }))
	return server, client, &tokenCalls
}

func TestRequestAttachesCredentials(t *testing.T) {
	_, client, tokenCalls := setupTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/settings/v2/tenant/4242/technicians", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		assert.Equal(t, "ak1.test", r.Header.Get("ST-App-Key"))
		assert.Equal(t, "2", r.URL.Query().Get("page"))
		_, _ = w.Write([]byte(`{"page":2,"hasMore":false,"data":[{"id":1}]}`))
	})

	resp, err := client.Request(context.Background(), "/settings/v2/tenant/{tenant}/technicians", RequestOptions{
		Query: url.Values{"page": []string{"2"}},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.JSONEq(t, `{"page":2,"hasMore":false,"data":[{"id":1}]}`, string(resp.Data))

	// The token is cached between calls
	_, err = client.Request(context.Background(), "/settings/v2/tenant/{tenant}/technicians", RequestOptions{})
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(tokenCalls))
}

func TestRequestSendsJSONBody(t *testing.T) {
	_, client, _ := setupTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"price":12.5}`, string(body))
		w.WriteHeader(http.StatusOK)
	})

	resp, err := client.Request(context.Background(), "/pricebook/v2/tenant/{tenant}/materials/7", RequestOptions{
		Method: http.MethodPatch,
		Body:   map[string]float64{"price": 12.5},
	})
	require.NoError(t, err)
	assert.Empty(t, resp.Data)
}

func TestRequestRetriesServerErrors(t *testing.T) {
	var calls int32
	_, client, _ := setupTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"data":[]}`))
	})

	_, err := client.Request(context.Background(), "/dispatch/v2/tenant/{tenant}/zones", RequestOptions{})
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestRequestGivesUpAfterMaxRetries(t *testing.T) {
	var calls int32
	_, client, _ := setupTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := client.Request(context.Background(), "/dispatch/v2/tenant/{tenant}/teams", RequestOptions{})
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls)) // first attempt + 2 retries
}

func TestRequestDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	_, client, _ := setupTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]any{"title": "Not Found", "detail": "no such tenant", "status": 404})
	})

	_, err := client.Request(context.Background(), "/jpm/v2/tenant/{tenant}/job-types", RequestOptions{})
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Contains(t, apiErr.Error(), "no such tenant")
	assert.False(t, apiErr.Retryable())
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestRequestRejectedCredentials(t *testing.T) {
	server, _, _ := setupTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("API must not be called without a token")
	})

	client := NewClient(config.ServiceTitanConfig{
		BaseURL:      server.URL,
		AuthURL:      server.URL + "/connect/token",
		TenantID:     "4242",
		ClientID:     "cid",
		ClientSecret: "wrong",
		AppKey:       "ak1.test",
		Timeout:      time.Second,
		MaxRetries:   3,
	}, WithBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} }))

	_, err := client.Request(context.Background(), "/dispatch/v2/tenant/{tenant}/teams", RequestOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fetching access token")
}

func TestRequestHonorsContext(t *testing.T) {
	_, client, _ := setupTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.Request(ctx, "/dispatch/v2/tenant/{tenant}/teams", RequestOptions{})
	assert.Error(t, err)
}

func TestNewLimiter(t *testing.T) {
	unlimited := newLimiter(0, 0)
	assert.Equal(t, 1, unlimited.Burst())

	limited := newLimiter(120, 5)
	assert.InDelta(t, 2.0, float64(limited.Limit()), 0.0001)
	assert.Equal(t, 5, limited.Burst())
}

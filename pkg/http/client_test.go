package http

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientSendAndParse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "BTC-USDT", r.URL.Query().Get("symbol"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"code":"200000","data":"ok"}`))
	}))
	defer srv.Close()

	c := NewClient(WithTimeout(time.Second))
	var out struct {
		Code string `json:"code"`
		Data string `json:"data"`
	}
	err := c.SendAndParse(context.Background(), &RequestOptions{
		Method:      MethodGet,
		URL:         srv.URL + "/api/v1/market/candles",
		QueryParams: map[string][]string{"symbol": {"BTC-USDT"}},
	}, &out)
	require.NoError(t, err)
	assert.Equal(t, "200000", out.Code)
	assert.Equal(t, "ok", out.Data)
}

func TestClientStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "12")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"code":"429000","msg":"too many requests"}`))
	}))
	defer srv.Close()

	c := NewClient(WithHTTPClient(srv.Client()))
	err := c.SendAndParse(context.Background(), &RequestOptions{Method: MethodGet, URL: srv.URL}, nil)

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusTooManyRequests, se.StatusCode)
	assert.Equal(t, 12*time.Second, se.RetryAfter)
	assert.Contains(t, string(se.Body), "429000")
}

package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/zilstream/grants-indexer/internal/listener"
)

type staticReporter listener.Status

func (s staticReporter) Status() listener.Status { return listener.Status(s) }

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealth(t *testing.T) {
	listening := staticReporter{ChainID: 10, State: "listening", IndexedBlock: 120, Subscriptions: 4}
	replaying := staticReporter{ChainID: 42161, State: "replaying"}
	halted := staticReporter{ChainID: 1, State: "listening", Halted: "round 0x1 does not exist"}

	tests := []struct {
		name   string
		chains []ChainReporter
		status string
		code   int
		ready  int
	}{
		{"all listening", []ChainReporter{listening}, "healthy", http.StatusOK, http.StatusOK},
		{"replaying", []ChainReporter{listening, replaying}, "degraded", http.StatusOK, http.StatusServiceUnavailable},
		{"halted", []ChainReporter{replaying, halted}, "unhealthy", http.StatusServiceUnavailable, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthServer(0, tt.chains, zerolog.Nop()).Handler()

			rec := get(t, h, "/health")
			assert.Equal(t, tt.code, rec.Code)
			body := rec.Body.String()
			require.True(t, gjson.Valid(body))
			assert.Equal(t, tt.status, gjson.Get(body, "data.status").String())
			assert.Len(t, gjson.Get(body, "data.chains").Array(), len(tt.chains))

			assert.Equal(t, tt.ready, get(t, h, "/ready").Code)
		})
	}
}

func TestHealthReportsChainProgress(t *testing.T) {
	h := NewHealthServer(0, []ChainReporter{
		staticReporter{ChainID: 10, State: "listening", IndexedBlock: 120, Subscriptions: 4},
	}, zerolog.Nop()).Handler()

	body := get(t, h, "/health").Body.String()
	assert.Equal(t, int64(120), gjson.Get(body, "data.chains.0.indexed_block").Int())
	assert.Equal(t, int64(4), gjson.Get(body, "data.chains.0.subscriptions").Int())
	assert.False(t, gjson.Get(body, "data.chains.0.halted").Exists())
}

func TestLiveAndMetrics(t *testing.T) {
	h := NewHealthServer(0, nil, zerolog.Nop()).Handler()
	assert.Equal(t, "alive", get(t, h, "/live").Body.String())
	assert.Equal(t, http.StatusOK, get(t, h, "/metrics").Code)
}

package metrics

import (
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(stageFailures.WithLabelValues("TextExtracted", "OcrUnavailableError"))
	StageFailure("TextExtracted", "OcrUnavailableError")
	assert.Equal(t, before+1, testutil.ToFloat64(stageFailures.WithLabelValues("TextExtracted", "OcrUnavailableError")))

	before = testutil.ToFloat64(reviewFlags.WithLabelValues("no_company"))
	ReviewFlag("no_company")
	ReviewFlag("no_company")
	assert.Equal(t, before+2, testutil.ToFloat64(reviewFlags.WithLabelValues("no_company")))
}

func TestHTTPRequest_GroupsStatus(t *testing.T) {
	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/documents/{id}", "4xx"))
	HTTPRequest("GET", "/documents/{id}", http.StatusNotFound, 5*time.Millisecond)
	HTTPRequest("GET", "/documents/{id}", http.StatusBadRequest, time.Millisecond)
	assert.Equal(t, before+2, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/documents/{id}", "4xx")))
}

func TestStatusClass(t *testing.T) {
	assert.Equal(t, "2xx", statusClass(200))
	assert.Equal(t, "3xx", statusClass(304))
	assert.Equal(t, "4xx", statusClass(422))
	assert.Equal(t, "5xx", statusClass(503))
}

func TestWebsocketGauge(t *testing.T) {
	before := testutil.ToFloat64(websocketConnections)
	WebsocketConnected()
	assert.Equal(t, before+1, testutil.ToFloat64(websocketConnections))
	WebsocketDisconnected()
	assert.Equal(t, before, testutil.ToFloat64(websocketConnections))
}

func TestRateLimited(t *testing.T) {
	before := testutil.ToFloat64(rateLimitHits.WithLabelValues("minute"))
	RateLimited("minute")
	assert.Equal(t, before+1, testutil.ToFloat64(rateLimitHits.WithLabelValues("minute")))
}

package metrics_test

import (
	"errors"
	"testing"
	"time"

	"github.com/book-expert/tts-fulfillment/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordFulfillment(t *testing.T) {
	t.Parallel()

	success := metrics.FulfillmentsTotal.WithLabelValues("success", "none")
	exhausted := metrics.FulfillmentsTotal.WithLabelValues("failure", "exhausted")
	beforeSuccess := testutil.ToFloat64(success)
	beforeExhausted := testutil.ToFloat64(exhausted)
	beforeChars := testutil.ToFloat64(metrics.FulfilledCharacters)

	metrics.RecordFulfillment("success", "", time.Second, 42)
	metrics.RecordFulfillment("failure", "exhausted", time.Second, 0)

	assert.InDelta(t, beforeSuccess+1, testutil.ToFloat64(success), 0.001)
	assert.InDelta(t, beforeExhausted+1, testutil.ToFloat64(exhausted), 0.001)
	assert.GreaterOrEqual(t, testutil.ToFloat64(metrics.FulfilledCharacters), beforeChars+42)
}

func TestRecordLedgerWrite(t *testing.T) {
	t.Parallel()

	counter := metrics.LedgerWrites.WithLabelValues(metrics.LedgerDropped)
	before := testutil.ToFloat64(counter)

	metrics.RecordLedgerWrite(metrics.LedgerDropped)

	assert.InDelta(t, before+1, testutil.ToFloat64(counter), 0.001)
}

func TestRecordUpload_CountsBytesOnlyOnSuccess(t *testing.T) {
	t.Parallel()

	before := testutil.ToFloat64(metrics.UploadBytes)

	metrics.RecordUpload(1000, time.Millisecond, errors.New("boom"))
	assert.InDelta(t, before, testutil.ToFloat64(metrics.UploadBytes), 0.001)

	metrics.RecordUpload(1000, time.Millisecond, nil)
	assert.InDelta(t, before+1000, testutil.ToFloat64(metrics.UploadBytes), 0.001)
}

func TestRecordHTTPRequest(t *testing.T) {
	t.Parallel()

	counter := metrics.HTTPRequestsTotal.WithLabelValues("GET", "/health", "200")
	before := testutil.ToFloat64(counter)

	metrics.RecordHTTPRequest("GET", "/health", 200, time.Millisecond)

	assert.InDelta(t, before+1, testutil.ToFloat64(counter), 0.001)
}

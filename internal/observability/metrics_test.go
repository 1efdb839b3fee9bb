package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog/log"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("ecrbridge", "GET", "/health", 200, 12*time.Millisecond)
	RecordTransaction("term-a", "purchase", "completed", 2*time.Second)
	RecordConnectivity("term-a", "connected")

	log.Info().Msg("observability/metrics: registration idempotent and recording paths executed")
}

func TestRecordRelayDropIncrementsCounter(t *testing.T) {
	before := testutil.ToFloat64(relayDropped.WithLabelValues("term-drop", "out_of_band"))
	RecordRelayDrop("term-drop", "out_of_band")
	RecordRelayDrop("term-drop", "out_of_band")
	after := testutil.ToFloat64(relayDropped.WithLabelValues("term-drop", "out_of_band"))
	if after-before != 2 {
		t.Fatalf("expected 2 drops recorded, got %v", after-before)
	}
}

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersIncrement(t *testing.T) {
	before := testutil.ToFloat64(DoorTransitions.WithLabelValues("open"))
	DoorTransitions.WithLabelValues("open").Inc()
	after := testutil.ToFloat64(DoorTransitions.WithLabelValues("open"))
	if after-before != 1 {
		t.Errorf("DoorTransitions delta = %v, want 1", after-before)
	}

	BusConnected.Set(1)
	if v := testutil.ToFloat64(BusConnected); v != 1 {
		t.Errorf("BusConnected = %v, want 1", v)
	}
	BusConnected.Set(0)
}

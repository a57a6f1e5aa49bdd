package metrics

import (
	"context"
	"testing"
)

func TestCollectReturnsNonNegativePercentages(t *testing.T) {
	host := Collect(context.Background())

	if host.CPUPercent < 0 || host.MemPercent < 0 {
		t.Fatalf("got negative percentage in %+v", host)
	}
	if host.MemPercent > 100 {
		t.Fatalf("got memPercent %f, want <= 100", host.MemPercent)
	}
}

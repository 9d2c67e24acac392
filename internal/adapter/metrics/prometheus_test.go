package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/rl1809/cart-reservation/internal/core/domain"
)

func TestPrometheus_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPrometheus(reg)

	m.CartMutated(domain.CartActionAdded)
	m.CartMutated(domain.CartActionAdded)
	m.UnitsReserved(3)
	m.CheckoutCompleted("partial")

	if got := testutil.ToFloat64(m.cartMutations.WithLabelValues("added")); got != 2 {
		t.Errorf("expected 2 added mutations, got %v", got)
	}
	if got := testutil.ToFloat64(m.unitsReserved); got != 3 {
		t.Errorf("expected 3 reserved units, got %v", got)
	}
	if got := testutil.ToFloat64(m.checkouts.WithLabelValues("partial")); got != 1 {
		t.Errorf("expected 1 partial checkout, got %v", got)
	}

	count, err := testutil.GatherAndCount(reg)
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	if count == 0 {
		t.Error("expected registered metrics")
	}
}

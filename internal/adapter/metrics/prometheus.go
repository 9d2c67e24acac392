package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/rl1809/cart-reservation/internal/core/domain"
)

const namespace = "cart_reservation"

// Prometheus implements port.Metrics with counters registered on reg.
type Prometheus struct {
	cartMutations *prometheus.CounterVec
	unitsReserved prometheus.Counter
	unitsReleased prometheus.Counter
	shortages     prometheus.Counter
	checkouts     *prometheus.CounterVec
	publishFailed prometheus.Counter
	lockTimeouts  prometheus.Counter
}

func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	m := &Prometheus{
		cartMutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cart_mutations_total",
			Help:      "Successful cart mutations by action.",
		}, []string{"action"}),
		unitsReserved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "units_reserved_total",
			Help:      "Stock units moved from available to reserved.",
		}),
		unitsReleased: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "units_released_total",
			Help:      "Stock units moved from reserved back to available.",
		}),
		shortages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "shortages_total",
			Help:      "Cart lines that could not be reserved at checkout.",
		}),
		checkouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkouts_total",
			Help:      "Checkouts by outcome.",
		}, []string{"outcome"}),
		publishFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_failures_total",
			Help:      "Events that could not be published after retries.",
		}),
		lockTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_timeouts_total",
			Help:      "Operations abandoned while waiting for a cart lock.",
		}),
	}
	reg.MustRegister(
		m.cartMutations,
		m.unitsReserved,
		m.unitsReleased,
		m.shortages,
		m.checkouts,
		m.publishFailed,
		m.lockTimeouts,
	)
	return m
}

func (m *Prometheus) CartMutated(action domain.CartAction) {
	m.cartMutations.WithLabelValues(string(action)).Inc()
}

func (m *Prometheus) UnitsReserved(units int) { m.unitsReserved.Add(float64(units)) }
func (m *Prometheus) UnitsReleased(units int) { m.unitsReleased.Add(float64(units)) }
func (m *Prometheus) ShortageRecorded() { m.shortages.Inc() }
func (m *Prometheus) PublishFailed() { m.publishFailed.Inc() }
func (m *Prometheus) LockTimedOut() { m.lockTimeouts.Inc() }

func (m *Prometheus) CheckoutCompleted(outcome string) {
	m.checkouts.WithLabelValues(outcome).Inc()
}

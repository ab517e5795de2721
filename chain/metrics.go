package chain

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/optakt/deltastore/applog"
)

const namespaceDeltaStore = "deltastore"

// collectors holds the optional prometheus counters exposed by an Engine,
// grounded on the counter/gauge style of the teacher's
// service/metrics/index_metrics.go. Unlike that file's promauto helpers,
// which register into the global default registry and panic on a second
// call, collectors registers into an injected prometheus.Registerer so
// that multiple Engines (as in tests) never collide.
type collectors struct {
	inserts     prometheus.Counter
	deltaBytes  prometheus.Counter
	baselineHit prometheus.Counter
}

// newCollectors builds a collectors set. If reg is nil, the counters are
// still created and incremented but never registered, so nothing is
// exported.
func newCollectors(reg prometheus.Registerer) *collectors {
	c := collectors{
		inserts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespaceDeltaStore,
			Subsystem: "chain",
			Name:      "inserts_total",
			Help:      "number of values inserted into the delta chain engine",
		}),
		deltaBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespaceDeltaStore,
			Subsystem: "chain",
			Name:      "delta_bytes_total",
			Help:      "total delta bytes of inserted records, full-text baselines included",
		}),
		baselineHit: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespaceDeltaStore,
			Subsystem: "chain",
			Name:      "baseline_total",
			Help:      "number of inserts that fell back to a full-text baseline",
		}),
	}

	if reg != nil {
		// Registration failures (e.g. a duplicate collector from a prior
		// Engine sharing the same registry) are not fatal: metrics are a
		// diagnostic aid, not part of the store's correctness contract.
		_ = reg.Register(c.inserts)
		_ = reg.Register(c.deltaBytes)
		_ = reg.Register(c.baselineHit)
	}

	return &c
}

func (c *collectors) observeInsert(r applog.Record) {
	if c == nil {
		return
	}
	c.inserts.Inc()
	c.deltaBytes.Add(float64(len(r.Delta)))
	if r.BaseID.IsEmpty() {
		c.baselineHit.Inc()
	}
}

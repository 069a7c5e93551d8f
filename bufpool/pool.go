// Package bufpool provides a typed byte-buffer pool bucketed by size class.
//
// Buffers are leased in power-of-two capacity classes (the smallest class
// that satisfies the request) and returned to the pool on release. This
// bounds fragmentation and lets the HTTP input/output pipelines reuse
// scratch memory across requests instead of allocating per write/read.
package bufpool

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// minClass is the smallest size class the pool buckets: 512 bytes.
const minClass = 9 // 1<<9 == 512

// maxClass is the largest size class the pool buckets: 1 MiB. Requests
// larger than this are allocated directly and never pooled.
const maxClass = 20 // 1<<20 == 1MiB

// Pool is a thread-safe, size-classed byte buffer pool. The zero value is
// not usable; construct with New.
type Pool struct {
	classes [maxClass - minClass + 1]sync.Pool

	leases   *prometheus.CounterVec
	releases *prometheus.CounterVec
	inUse    *prometheus.GaugeVec
}

// New builds a Pool. If reg is non-nil, per-size-class lease/release
// counters and an in-use gauge are registered on it.
func New(reg prometheus.Registerer) *Pool {
	p := &Pool{
		leases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "httpengine_bufpool_leases_total",
			Help: "Number of buffers leased from the pool, by size class.",
		}, []string{"class"}),
		releases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "httpengine_bufpool_releases_total",
			Help: "Number of buffers returned to the pool, by size class.",
		}, []string{"class"}),
		inUse: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "httpengine_bufpool_in_use",
			Help: "Buffers currently leased and not yet released, by size class.",
		}, []string{"class"}),
	}
	for i := range p.classes {
		class := classCapacity(minClass + i)
		p.classes[i].New = func() interface{} {
			buf := make([]byte, class)
			return &buf
		}
	}
	if reg != nil {
		reg.MustRegister(p.leases, p.releases, p.inUse)
	}
	return p
}

func classCapacity(class int) int {
	return 1 << uint(class)
}

// classFor returns the size-class index for a requested capacity, or -1 if
// the request exceeds the largest pooled class and should be allocated
// directly.
func classFor(n int) int {
	for i := minClass; i <= maxClass; i++ {
		if classCapacity(i) >= n {
			return i - minClass
		}
	}
	return -1
}

// Lease returns a byte slice with length n and capacity rounded up to the
// containing size class. Buffers larger than the pool's largest class are
// allocated directly (never pooled).
func (p *Pool) Lease(n int) []byte {
	idx := classFor(n)
	if idx < 0 {
		return make([]byte, n)
	}
	class := minClass + idx
	buf := p.classes[idx].Get().(*[]byte)
	p.observe(p.leases, class)
	p.inUse.WithLabelValues(classLabel(class)).Inc()
	return (*buf)[:n]
}

// Release returns buf to the pool. Buffers that don't align with a tracked
// size class are dropped (garbage collected normally).
func (p *Pool) Release(buf []byte) {
	c := cap(buf)
	idx := classFor(c)
	if idx < 0 || classCapacity(minClass+idx) != c {
		return
	}
	class := minClass + idx
	full := buf[:c]
	p.classes[idx].Put(&full)
	p.observe(p.releases, class)
	p.inUse.WithLabelValues(classLabel(class)).Dec()
}

func (p *Pool) observe(cv *prometheus.CounterVec, class int) {
	if cv == nil {
		return
	}
	cv.WithLabelValues(classLabel(class)).Inc()
}

func classLabel(class int) string {
	return strconv.Itoa(classCapacity(class))
}

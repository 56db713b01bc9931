// Package metrics exports scheduler and TLS statistics to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"uthreads/sparkos/kernel"
	"uthreads/sparkos/tls"
)

const namespace = "uthreads"

// SchedulerSource is satisfied by *kernel.Kernel.
type SchedulerSource interface {
	Snapshot() kernel.Stats
}

// TLSSource is satisfied by *tls.Manager.
type TLSSource interface {
	Stats() tls.Stats
}

var threadStates = []kernel.Status{kernel.StatusReady, kernel.StatusRunning, kernel.StatusExited}

// Collector implements prometheus.Collector over point-in-time snapshots.
// Nothing is cached between scrapes.
type Collector struct {
	sched SchedulerSource
	tls   TLSSource

	threadsDesc     *prometheus.Desc
	joiningDesc     *prometheus.Desc
	capacityDesc    *prometheus.Desc
	switchesDesc    *prometheus.Desc
	preemptionsDesc *prometheus.Desc
	ticksDesc       *prometheus.Desc
	createdDesc     *prometheus.Desc
	exitedDesc      *prometheus.Desc
	threadFaultDesc *prometheus.Desc

	regionsDesc  *prometheus.Desc
	bindingsDesc *prometheus.Desc
	lineageDesc  *prometheus.Desc
	tlsFaultDesc *prometheus.Desc
	clonesDesc   *prometheus.Desc
	bytesDesc    *prometheus.Desc
}

// NewCollector creates a collector. t may be nil when no TLS manager runs.
func NewCollector(s SchedulerSource, t TLSSource) *Collector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
	}
	return &Collector{
		sched: s,
		tls:   t,

		threadsDesc:     desc("threads", "Threads in the table by scheduling state.", "state"),
		joiningDesc:     desc("threads_joining", "Threads parked in join."),
		capacityDesc:    desc("thread_capacity", "Size of the thread table."),
		switchesDesc:    desc("context_switches_total", "Context switches performed by the scheduler."),
		preemptionsDesc: desc("preemptions_total", "Timer interrupts delivered to a running thread."),
		ticksDesc:       desc("timer_ticks_total", "Last timer tick sequence number seen."),
		createdDesc:     desc("threads_created_total", "Threads created, including the main thread."),
		exitedDesc:      desc("threads_exited_total", "Threads that exited."),
		threadFaultDesc: desc("thread_faults_total", "Threads terminated on a claimed memory fault."),

		regionsDesc:  desc("tls_regions", "Mapped TLS regions."),
		bindingsDesc: desc("tls_bindings", "Threads bound to a TLS region."),
		lineageDesc:  desc("tls_lineages", "Live clone lineages."),
		tlsFaultDesc: desc("tls_faults_total", "Illegal TLS accesses that terminated a thread."),
		clonesDesc:   desc("tls_clones_total", "TLS regions cloned."),
		bytesDesc:    desc("tls_bytes_total", "Bytes moved through TLS reads and writes.", "op"),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.threadsDesc
	ch <- c.joiningDesc
	ch <- c.capacityDesc
	ch <- c.switchesDesc
	ch <- c.preemptionsDesc
	ch <- c.ticksDesc
	ch <- c.createdDesc
	ch <- c.exitedDesc
	ch <- c.threadFaultDesc
	if c.tls != nil {
		ch <- c.regionsDesc
		ch <- c.bindingsDesc
		ch <- c.lineageDesc
		ch <- c.tlsFaultDesc
		ch <- c.clonesDesc
		ch <- c.bytesDesc
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	st := c.sched.Snapshot()

	for _, s := range threadStates {
		ch <- prometheus.MustNewConstMetric(c.threadsDesc, prometheus.GaugeValue, float64(st.Count(s)), s.String())
	}
	joining := 0
	for _, t := range st.Threads {
		if t.Joining {
			joining++
		}
	}
	ch <- prometheus.MustNewConstMetric(c.joiningDesc, prometheus.GaugeValue, float64(joining))
	ch <- prometheus.MustNewConstMetric(c.capacityDesc, prometheus.GaugeValue, float64(st.Capacity))
	ch <- prometheus.MustNewConstMetric(c.switchesDesc, prometheus.CounterValue, float64(st.Switches))
	ch <- prometheus.MustNewConstMetric(c.preemptionsDesc, prometheus.CounterValue, float64(st.Preemptions))
	ch <- prometheus.MustNewConstMetric(c.ticksDesc, prometheus.CounterValue, float64(st.Ticks))
	ch <- prometheus.MustNewConstMetric(c.createdDesc, prometheus.CounterValue, float64(st.Created))
	ch <- prometheus.MustNewConstMetric(c.exitedDesc, prometheus.CounterValue, float64(st.Exited))
	ch <- prometheus.MustNewConstMetric(c.threadFaultDesc, prometheus.CounterValue, float64(st.Faults))

	if c.tls == nil {
		return
	}
	ts := c.tls.Stats()
	ch <- prometheus.MustNewConstMetric(c.regionsDesc, prometheus.GaugeValue, float64(ts.Regions))
	ch <- prometheus.MustNewConstMetric(c.bindingsDesc, prometheus.GaugeValue, float64(ts.Bindings))
	ch <- prometheus.MustNewConstMetric(c.lineageDesc, prometheus.GaugeValue, float64(ts.Lineages))
	ch <- prometheus.MustNewConstMetric(c.tlsFaultDesc, prometheus.CounterValue, float64(ts.Faults))
	ch <- prometheus.MustNewConstMetric(c.clonesDesc, prometheus.CounterValue, float64(ts.Clones))
	ch <- prometheus.MustNewConstMetric(c.bytesDesc, prometheus.CounterValue, float64(ts.BytesRead), "read")
	ch <- prometheus.MustNewConstMetric(c.bytesDesc, prometheus.CounterValue, float64(ts.BytesWritten), "write")
}

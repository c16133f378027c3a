package driver

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/cochaviz/qemud/internal/proc"
)

var (
	domainsDesc = prometheus.NewDesc(
		prometheus.BuildFQName("qemud", "", "domains"),
		"Number of known domains by activity.",
		[]string{"status"},
		nil)
	networksDesc = prometheus.NewDesc(
		prometheus.BuildFQName("qemud", "", "networks"),
		"Number of known networks by activity.",
		[]string{"status"},
		nil)
	domainStateDesc = prometheus.NewDesc(
		prometheus.BuildFQName("qemud", "domain", "state"),
		"Domain state. 0: shut off, 1: running, 2: paused.",
		[]string{"domain", "uuid"},
		nil)
	domainCPUTimeDesc = prometheus.NewDesc(
		prometheus.BuildFQName("qemud", "domain", "cpu_time_seconds_total"),
		"CPU time consumed by the emulator of the domain, in seconds.",
		[]string{"domain"},
		nil)
	domainMaxMemoryDesc = prometheus.NewDesc(
		prometheus.BuildFQName("qemud", "domain", "maximum_memory_bytes"),
		"Maximum memory of the domain, in bytes.",
		[]string{"domain"},
		nil)
	domainVCPUsDesc = prometheus.NewDesc(
		prometheus.BuildFQName("qemud", "domain", "virtual_cpus"),
		"Number of virtual CPUs of the domain.",
		[]string{"domain"},
		nil)
)

// Collector exports driver state to Prometheus. Every scrape takes the
// driver lock once.
type Collector struct {
	d *Driver
}

// NewCollector returns a collector for d.
func NewCollector(d *Driver) *Collector {
	return &Collector{d: d}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- domainsDesc
	ch <- networksDesc
	ch <- domainStateDesc
	ch <- domainCPUTimeDesc
	ch <- domainMaxMemoryDesc
	ch <- domainVCPUsDesc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	d := c.d
	d.mu.Lock()
	defer d.mu.Unlock()

	active, inactive := d.domains.counts()
	ch <- prometheus.MustNewConstMetric(domainsDesc, prometheus.GaugeValue, float64(active), "active")
	ch <- prometheus.MustNewConstMetric(domainsDesc, prometheus.GaugeValue, float64(inactive), "inactive")

	activeNets := d.networks.activeCount()
	ch <- prometheus.MustNewConstMetric(networksDesc, prometheus.GaugeValue, float64(activeNets), "active")
	ch <- prometheus.MustNewConstMetric(networksDesc, prometheus.GaugeValue, float64(len(d.networks.byName)-activeNets), "inactive")

	for _, dom := range d.domains.sorted() {
		name := dom.def.Name
		ch <- prometheus.MustNewConstMetric(domainStateDesc, prometheus.GaugeValue, float64(dom.state), name, dom.def.UUID.String())
		ch <- prometheus.MustNewConstMetric(domainMaxMemoryDesc, prometheus.GaugeValue, float64(dom.def.MaxMemory), name)
		ch <- prometheus.MustNewConstMetric(domainVCPUsDesc, prometheus.GaugeValue, float64(dom.def.VCPUs), name)
		if !dom.active() {
			continue
		}
		cpu, err := proc.CPUTime(dom.pid)
		if err != nil {
			d.logger.Debug("unable to read cputime", "domain", name, "error", err)
			continue
		}
		ch <- prometheus.MustNewConstMetric(domainCPUTimeDesc, prometheus.CounterValue, cpu.Seconds(), name)
	}
}

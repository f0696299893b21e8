// Copyright 2024 The ChunkFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package exporter

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chunkfs/chunkfs/util/log"
)

const (
	PromHandlerPattern = "/metrics"
	namespacePrefix    = "chunkfs"
)

var (
	registerMu sync.Mutex
	registered = make(map[string]prometheus.Collector)
)

func metricName(name string) string {
	return namespacePrefix + "_" + strings.ReplaceAll(name, "-", "_")
}

// Init starts the prometheus endpoint on the given listen address. Empty
// address disables the exporter; counters and gauges still work as plain
// in-process metrics.
func Init(role, listen string) {
	if listen == "" {
		log.LogInfof("exporter: disabled for role(%v)", role)
		return
	}
	http.Handle(PromHandlerPattern, promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{
		Timeout: 60 * time.Second,
	}))
	go func() {
		if err := http.ListenAndServe(listen, nil); err != nil {
			log.LogErrorf("exporter: listen(%v) err(%v)", listen, err)
		}
	}()
	log.LogInfof("exporter: role(%v) serving %v on %v", role, PromHandlerPattern, listen)
}

func register(name string, c prometheus.Collector) prometheus.Collector {
	registerMu.Lock()
	defer registerMu.Unlock()
	if old, ok := registered[name]; ok {
		return old
	}
	if err := prometheus.Register(c); err != nil {
		log.LogErrorf("exporter: register metric(%v) err(%v)", name, err)
	}
	registered[name] = c
	return c
}

// Counter wraps a prometheus counter registered under the chunkfs namespace.
type Counter struct {
	metric prometheus.Counter
}

func NewCounter(name string) *Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: metricName(name)})
	return &Counter{metric: register(metricName(name), c).(prometheus.Counter)}
}

func (c *Counter) Add(val float64) {
	c.metric.Add(val)
}

func (c *Counter) Inc() {
	c.metric.Inc()
}

// Gauge wraps a prometheus gauge registered under the chunkfs namespace.
type Gauge struct {
	metric prometheus.Gauge
}

func NewGauge(name string) *Gauge {
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: metricName(name)})
	return &Gauge{metric: register(metricName(name), g).(prometheus.Gauge)}
}

func (g *Gauge) Set(val float64) {
	g.metric.Set(val)
}

// GaugeVec labels one gauge per data folder.
type GaugeVec struct {
	metric *prometheus.GaugeVec
}

func NewGaugeVec(name string, labels ...string) *GaugeVec {
	g := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: metricName(name)}, labels)
	return &GaugeVec{metric: register(metricName(name), g).(*prometheus.GaugeVec)}
}

func (g *GaugeVec) SetWithLabelValues(val float64, lvs ...string) {
	g.metric.WithLabelValues(lvs...).Set(val)
}

func (g *GaugeVec) DeleteLabelValues(lvs ...string) {
	g.metric.DeleteLabelValues(lvs...)
}

// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package metrics exports master transactions and polled tables to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ffutop/modbus-master/internal/view"
	"github.com/ffutop/modbus-master/master"
	"github.com/ffutop/modbus-master/modbus"
)

const namespace = "modbus_master"

// Metrics holds the collectors of one master.
type Metrics struct {
	transactions *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	polls        *prometheus.CounterVec
	connected    prometheus.Gauge
}

// New creates the collectors and registers them with reg. A nil reg uses
// the default registerer.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		transactions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "transaction",
				Name:      "total",
				Help:      "Modbus transactions by function and outcome.",
			},
			[]string{"function", "code"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "transaction",
				Name:      "duration_seconds",
				Help:      "Modbus transaction duration in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"function"},
		),
		polls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "poll",
				Name:      "total",
				Help:      "Table updates by table and success.",
			},
			[]string{"table", "success"},
		),
		connected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "connected",
				Help:      "1 while the master is connected.",
			},
		),
	}
	for _, c := range []prometheus.Collector{m.transactions, m.duration, m.polls, m.connected} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Observe records one transaction. It has the signature of master.Observer.
func (m *Metrics) Observe(function byte, code master.ErrorCode, elapsed time.Duration) {
	name := modbus.FunctionName(function)
	m.transactions.WithLabelValues(name, code.String()).Inc()
	m.duration.WithLabelValues(name).Observe(elapsed.Seconds())
	switch code {
	case master.NotConnected:
		m.connected.Set(0)
	case master.NoError:
		m.connected.Set(1)
	}
}

// ObservePoll records one table update. It has the signature of
// view.Poller.OnResult.
func (m *Metrics) ObservePoll(r view.Result, err error) {
	success := "true"
	if err != nil {
		success = "false"
	}
	m.polls.WithLabelValues(r.Title, success).Inc()
}

// Handler serves the default gatherer.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor serves g.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

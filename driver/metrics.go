// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package driver

import (
	"github.com/prometheus/client_golang/prometheus"
)

type driverMetrics struct {
	currentRound     prometheus.Gauge
	finalizedRound   prometheus.Gauge
	notarizedBlocks  prometheus.Counter
	notarizedDummies prometheus.Counter
	deliveredRounds  prometheus.Counter
	pullsIssued      prometheus.Counter
	pullFailures     prometheus.Counter
	halted           prometheus.Gauge
}

func newMetrics(registerer prometheus.Registerer) (*driverMetrics, error) {
	m := &driverMetrics{
		currentRound: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bfte_current_round",
			Help: "Round the node is currently working on",
		}),
		finalizedRound: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bfte_finalized_round",
			Help: "Highest finalized round",
		}),
		notarizedBlocks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bfte_notarized_blocks",
			Help: "Number of blocks notarized",
		}),
		notarizedDummies: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bfte_notarized_dummies",
			Help: "Number of rounds closed by dummy",
		}),
		deliveredRounds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bfte_delivered_rounds",
			Help: "Number of finalized rounds delivered to modules",
		}),
		pullsIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bfte_pulls_issued",
			Help: "Number of pull requests issued",
		}),
		pullFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bfte_pull_failures",
			Help: "Number of pull requests that failed",
		}),
		halted: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bfte_halted",
			Help: "1 when the node has halted on an invariant violation",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.currentRound,
		m.finalizedRound,
		m.notarizedBlocks,
		m.notarizedDummies,
		m.deliveredRounds,
		m.pullsIssued,
		m.pullFailures,
		m.halted,
	} {
		if err := registerer.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

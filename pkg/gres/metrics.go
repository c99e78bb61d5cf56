// Copyright The Slurm GRES Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gres

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/joelandman/slurm/pkg/metrics"
)

// NodeStateProvider supplies the current per-node kind states for
// metrics collection.
type NodeStateProvider func() []NodeStateLookup

type collector struct {
	provider   NodeStateProvider
	configured *prometheus.Desc
	available  *prometheus.Desc
	allocated  *prometheus.Desc
}

// NewCollector returns a collector exposing per-node, per-kind
// resource gauges.
func NewCollector(provider NodeStateProvider) prometheus.Collector {
	return &collector{
		provider: provider,
		configured: prometheus.NewDesc(
			"gres_configured",
			"Configured generic resource count by node and kind.",
			[]string{"node", "gres"}, nil,
		),
		available: prometheus.NewDesc(
			"gres_available",
			"Usable generic resource count by node and kind.",
			[]string{"node", "gres"}, nil,
		),
		allocated: prometheus.NewDesc(
			"gres_allocated",
			"Allocated generic resource count by node and kind.",
			[]string{"node", "gres"}, nil,
		),
	}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.configured
	ch <- c.available
	ch <- c.allocated
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	for _, node := range c.provider() {
		for _, ng := range node.List {
			ns := ng.State
			ch <- prometheus.MustNewConstMetric(c.configured,
				prometheus.GaugeValue, float64(ns.ConfiguredCount),
				node.Name, ng.Name)
			ch <- prometheus.MustNewConstMetric(c.available,
				prometheus.GaugeValue, float64(ns.AvailableCount),
				node.Name, ng.Name)
			ch <- prometheus.MustNewConstMetric(c.allocated,
				prometheus.GaugeValue, float64(ns.AllocatedCount),
				node.Name, ng.Name)
		}
	}
}

// RegisterCollector registers the gres collector with the shared
// metrics registry.
func RegisterCollector(provider NodeStateProvider) error {
	return metrics.Register("gres", NewCollector(provider),
		metrics.WithGroup("gres"))
}

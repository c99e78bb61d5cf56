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

package collectors

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	logger "github.com/joelandman/slurm/pkg/log"
	"github.com/joelandman/slurm/pkg/metrics"
)

var log = logger.Get("metrics")

// NewVersionInfoCollector returns a collector exposing a constant '1'
// gauge labeled with the given version and build information.
func NewVersionInfoCollector(version, build string) prometheus.Collector {
	return prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "version_info",
			Help: "A metric with constant '1' value labeled by version and build info.",
			ConstLabels: prometheus.Labels{
				"version": version,
				"build":   build,
			},
		},
		func() float64 { return 1 },
	)
}

// RegisterVersionInfo registers a version info collector in the
// standard group of the default registry.
func RegisterVersionInfo(version, build string) error {
	return metrics.Register("versioninfo", NewVersionInfoCollector(version, build),
		standardOptions()...)
}

func standardOptions() []metrics.RegisterOption {
	return []metrics.RegisterOption{
		metrics.WithGroup("standard"),
		metrics.WithCollectorOptions(
			metrics.WithoutNamespace(),
			metrics.WithoutSubsystem(),
		),
	}
}

func init() {
	standard := map[string]prometheus.Collector{
		"buildinfo": collectors.NewBuildInfoCollector(),
		"golang":    collectors.NewGoCollector(),
		"process":   collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	}

	for name, collector := range standard {
		if err := metrics.Register(name, collector, standardOptions()...); err != nil {
			log.Error("failed to register %s collector: %v", name, err)
		}
	}
}

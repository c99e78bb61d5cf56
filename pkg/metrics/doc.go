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

// Package metrics provides a thin framework for collecting and
// exporting metrics, implemented as a set of wrappers around
// prometheus types. It enforces metric namespacing, allows grouping
// collectors, supports runtime configuration of which collectors are
// enabled, and allows periodic polling of computationally expensive
// collectors which would be too costly to run on every scrape.
//
// A collector is registered under a name, optionally into a named
// group:
//
//	metrics.MustRegister("gres", collector, metrics.WithGroup("gres"))
//
// A Gatherer is then created for serving the registry over HTTP:
//
//	g, err := metrics.NewGatherer(metrics.WithMetrics([]string{"*"}, nil))
//	if err != nil {
//	    ...
//	}
//	http.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
package metrics

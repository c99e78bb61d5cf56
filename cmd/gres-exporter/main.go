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

// gres-exporter serves a node's generic-resource state as prometheus
// metrics, revalidating the node when matching device nodes come and
// go.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/joelandman/slurm/pkg/gres"
	"github.com/joelandman/slurm/pkg/healthz"
	logger "github.com/joelandman/slurm/pkg/log"
	"github.com/joelandman/slurm/pkg/metrics"
	"github.com/joelandman/slurm/pkg/metrics/collectors"
	"github.com/joelandman/slurm/pkg/udev"
)

// set by the build
var (
	version = "unknown"
	build   = "unknown"
)

var log = logger.Get("gres-exporter")

type exporter struct {
	sync.Mutex
	registry *gres.Registry
	nodeName string
	declared string
	units    []*gres.DiscoveredUnit
	geom     gres.Geometry
	nodeList []*gres.NodeGres
	downFor  string
}

func main() {
	var (
		confPath = flag.String("conf", "", "path to the gres discovery config")
		declared = flag.String("gres", "", "node's declared resource string, e.g. gpu:tesla:4")
		nodeName = flag.String("node", "localhost", "node name for NodeName= scoping")
		kinds    = flag.String("kinds", "gpu", "comma-separated resource kinds to configure")
		sockets  = flag.Int("sockets", 1, "socket count of the node")
		cores    = flag.Int("cores-per-socket", 1, "cores per socket")
		threads  = flag.Int("threads-per-core", 1, "threads per core")
		address  = flag.String("address", ":8891", "HTTP address to serve metrics on")
		enabled  = flag.String("metrics", "*", "comma-separated globs of collectors to enable")
		watchDev = flag.Bool("watch-devices", false, "revalidate on udev device node events")
		debug    = flag.String("debug", "", "debug logging source patterns")
	)
	flag.Parse()

	if *debug != "" {
		logger.SetLevel(logger.LevelDebug)
		if err := logger.Configure(&logger.Config{Debug: []string{*debug}}); err != nil {
			log.Fatal("invalid -debug: %v", err)
		}
	}

	registry, err := gres.NewRegistry(*kinds)
	if err != nil {
		log.Fatal("failed to configure resource kinds: %v", err)
	}
	defer registry.Close()

	exp := &exporter{
		registry: registry,
		nodeName: *nodeName,
		declared: *declared,
		geom: gres.Geometry{
			Sockets:        *sockets,
			CoresPerSocket: *cores,
			ThreadsPerCore: *threads,
		},
	}

	if *confPath != "" {
		exp.units = loadConfig(registry, *confPath, *nodeName, *declared)
	}
	exp.revalidate()

	if err := gres.RegisterCollector(exp.provider); err != nil {
		log.Fatal("failed to register gres collector: %v", err)
	}
	if err := collectors.RegisterVersionInfo(version, build); err != nil {
		log.Fatal("failed to register version collector: %v", err)
	}
	healthz.RegisterHealthChecker("gres", exp.healthCheck)

	if *watchDev {
		exp.watchDevices()
	}

	gatherer, err := metrics.NewGatherer(
		metrics.WithNamespace("slurm"),
		metrics.WithMetrics(strings.Split(*enabled, ","), nil),
	)
	if err != nil {
		log.Fatal("failed to create metrics gatherer: %v", err)
	}
	defer gatherer.Stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	healthz.Setup(mux)

	log.Info("serving node %s gres state on %s", *nodeName, *address)
	if err := http.ListenAndServe(*address, mux); err != nil {
		log.Fatal("HTTP server failed: %v", err)
	}
}

func loadConfig(registry *gres.Registry, confPath, nodeName, declared string) []*gres.DiscoveredUnit {
	f, err := os.Open(confPath)
	if err != nil {
		log.Fatal("failed to open config: %v", err)
	}
	conf, err := gres.ParseConf(f, nodeName)
	f.Close()
	if err != nil {
		log.Fatal("failed to parse %s: %v", confPath, err)
	}
	if err := gres.ValidateUnits(conf.Units); err != nil {
		log.Fatal("invalid discovery config: %v", err)
	}
	declaredKinds, err := gres.ParseDeclared(declared)
	if err != nil {
		log.Fatal("invalid -gres: %v", err)
	}
	gres.CheckMismatch(nodeName, declaredKinds, conf.Units)
	units, err := registry.MergeConfig(nodeName, declaredKinds, conf.Units)
	if err != nil {
		log.Fatal("failed to reconcile config: %v", err)
	}
	return units
}

// revalidate re-checks device files and rebuilds the node state,
// keeping whatever allocations the previous state carried.
func (exp *exporter) revalidate() {
	exp.Lock()
	defer exp.Unlock()

	if err := gres.StatDeviceFiles(exp.units); err != nil {
		log.Warn("device check: %v", err)
	}

	list, reason, err := exp.registry.ValidateNode(exp.nodeName, exp.declared,
		exp.units, exp.geom, false, exp.nodeList)
	if err != nil {
		log.Error("node validation: %v", err)
	}
	if reason != "" {
		log.Warn("node %s would be marked down: %s", exp.nodeName, reason)
	}
	exp.nodeList = list
	exp.downFor = reason
}

func (exp *exporter) provider() []gres.NodeStateLookup {
	exp.Lock()
	defer exp.Unlock()
	return []gres.NodeStateLookup{{Name: exp.nodeName, List: exp.nodeList}}
}

func (exp *exporter) healthCheck() (healthz.Status, error) {
	exp.Lock()
	defer exp.Unlock()
	if exp.downFor != "" {
		return healthz.Degraded, fmt.Errorf("node %s down: %s", exp.nodeName, exp.downFor)
	}
	return healthz.Healthy, nil
}

// watchDevices revalidates the node whenever a device node matching
// one of the configured device files appears or disappears.
func (exp *exporter) watchDevices() {
	var patterns []string
	for _, u := range exp.units {
		for _, path := range u.Files {
			patterns = append(patterns, strings.TrimPrefix(path, "/dev/"))
		}
	}
	if len(patterns) == 0 {
		log.Info("no device files configured, not watching devices")
		return
	}

	monitor, err := udev.NewMonitor(udev.WithDeviceNodes(patterns...))
	if err != nil {
		log.Error("failed to create device monitor: %v", err)
		return
	}

	events := make(chan *udev.Event, 16)
	monitor.Start(events)

	go func() {
		for evt := range events {
			log.Info("device %s %s, revalidating node", evt.Devname, evt.Action)
			exp.revalidate()
		}
	}()
}

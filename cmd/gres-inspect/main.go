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

// gres-inspect reconciles a generic-resource discovery config against
// a node's declared resource string and reports what a scheduler would
// see, optionally fitting a job request against the result.
package main

import (
	"flag"
	"fmt"
	"os"

	"sigs.k8s.io/yaml"

	"github.com/joelandman/slurm/pkg/gres"
	logger "github.com/joelandman/slurm/pkg/log"
)

var log = logger.Get("gres-inspect")

type nodeReport struct {
	Node     string     `json:"node"`
	Declared string     `json:"declared"`
	Gres     string     `json:"gres"`
	Used     string     `json:"used"`
	Kinds    []kindInfo `json:"kinds"`
}

type kindInfo struct {
	Name       string `json:"name"`
	Configured uint64 `json:"configured"`
	Found      uint64 `json:"found"`
	Available  uint64 `json:"available"`
	Allocated  uint64 `json:"allocated"`
	TopoCount  int    `json:"topoCount"`
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
		request  = flag.String("request", "", "per-node job request to fit, e.g. gpu:2")
		asYAML   = flag.Bool("yaml", false, "emit the report as YAML")
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

	var units []*gres.DiscoveredUnit
	if *confPath != "" {
		f, err := os.Open(*confPath)
		if err != nil {
			log.Fatal("failed to open config: %v", err)
		}
		conf, err := gres.ParseConf(f, *nodeName)
		f.Close()
		if err != nil {
			log.Fatal("failed to parse %s: %v", *confPath, err)
		}
		if err := gres.ValidateUnits(conf.Units); err != nil {
			log.Fatal("invalid discovery config: %v", err)
		}
		declaredKinds, err := gres.ParseDeclared(*declared)
		if err != nil {
			log.Fatal("invalid -gres: %v", err)
		}
		gres.CheckMismatch(*nodeName, declaredKinds, conf.Units)
		units, err = registry.MergeConfig(*nodeName, declaredKinds, conf.Units)
		if err != nil {
			log.Fatal("failed to reconcile config: %v", err)
		}
	}

	geom := gres.Geometry{
		Sockets:        *sockets,
		CoresPerSocket: *cores,
		ThreadsPerCore: *threads,
	}
	nodeList, reason, err := registry.ValidateNode(*nodeName, *declared, units,
		geom, false, nil)
	if err != nil {
		log.Error("node validation: %v", err)
	}
	if reason != "" {
		log.Warn("node %s would be marked down: %s", *nodeName, reason)
	}

	report := buildReport(*nodeName, *declared, nodeList, geom)
	if *asYAML {
		out, err := yaml.Marshal(report)
		if err != nil {
			log.Fatal("failed to marshal report: %v", err)
		}
		fmt.Print(string(out))
	} else {
		printReport(report)
	}

	if *request != "" {
		fitRequest(registry, *request, nodeList, geom)
	}
}

func buildReport(nodeName, declared string, list []*gres.NodeGres,
	geom gres.Geometry) *nodeReport {

	report := &nodeReport{
		Node:     nodeName,
		Declared: declared,
		Gres:     gres.NodeGresString(list, geom),
		Used:     gres.NodeGresUsed(list),
	}
	for _, ng := range list {
		ns := ng.State
		found := ns.FoundCount
		if found == gres.NoVal64 {
			found = 0
		}
		report.Kinds = append(report.Kinds, kindInfo{
			Name:       ng.Name,
			Configured: ns.ConfiguredCount,
			Found:      found,
			Available:  ns.AvailableCount,
			Allocated:  ns.AllocatedCount,
			TopoCount:  len(ns.Topo),
		})
	}
	return report
}

func printReport(report *nodeReport) {
	fmt.Printf("node %s\n", report.Node)
	fmt.Printf("  declared: %s\n", report.Declared)
	fmt.Printf("  gres:     %s\n", report.Gres)
	if report.Used != "" {
		fmt.Printf("  used:     %s\n", report.Used)
	}
	for _, k := range report.Kinds {
		fmt.Printf("  %s: configured=%d found=%d available=%d allocated=%d topo=%d\n",
			k.Name, k.Configured, k.Found, k.Available, k.Allocated, k.TopoCount)
	}
}

func fitRequest(registry *gres.Registry, request string, nodeList []*gres.NodeGres,
	geom gres.Geometry) {

	req := gres.NewJobRequest()
	req.TresPerNode = &request
	jobList, err := registry.ValidateJobRequest(req, nil)
	if err != nil {
		log.Fatal("invalid -request: %v", err)
	}

	args := &gres.FitArgs{
		CoreStart: 0,
		CoreEnd:   geom.Cores() - 1,
		NodeName:  "inspect",
	}
	cores := registry.TestNode(jobList, nodeList, args)
	switch cores {
	case 0:
		fmt.Printf("request %q does not fit\n", request)
	case gres.NoVal:
		fmt.Printf("request %q fits, no core restriction\n", request)
	default:
		fmt.Printf("request %q fits using %d cores\n", request, cores)
	}

	sockArgs := &gres.SockArgs{
		Sockets:        geom.Sockets,
		CoresPerSocket: geom.CoresPerSocket,
		SocketsPerNode: gres.NoVal,
		NodeName:       "inspect",
	}
	sockList, _ := registry.BuildSockGres(jobList, nodeList, sockArgs)
	if sockList == nil {
		return
	}
	if s := gres.SockGresString(sockList, -1); s != "" {
		fmt.Printf("  any socket: %s\n", s)
	}
	for sock := 0; sock < geom.Sockets; sock++ {
		if s := gres.SockGresString(sockList, sock); s != "" {
			fmt.Printf("  socket %d:   %s\n", sock, s)
		}
	}
}

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
	"fmt"
	"strings"

	"github.com/joelandman/slurm/pkg/bitmap"
	"github.com/joelandman/slurm/pkg/utils/cpuset"
)

// TopoEntry groups device units sharing one (type, core-affinity,
// link-group) combination.
type TopoEntry struct {
	TypeID     uint32
	TypeName   string
	CoreBitmap *bitmap.Bitmap
	UnitBitmap *bitmap.Bitmap
	CountAvail uint64
	CountAlloc uint64
}

// TypeEntry tracks a per-type sub-count when only type partitioning,
// not per-unit topology, is known.
type TypeEntry struct {
	TypeID     uint32
	TypeName   string
	CountAvail uint64
	CountAlloc uint64
}

// NodeState is the per-node ledger for one resource kind.
type NodeState struct {
	// ConfiguredCount is the administrator-declared quantity.
	ConfiguredCount uint64
	// FoundCount is the hardware-reported quantity, NoVal64 until
	// the node first registers.
	FoundCount uint64
	// AvailableCount and AllocatedCount are the settled totals.
	AvailableCount uint64
	AllocatedCount uint64
	// NoConsume marks kinds whose allocation does not deplete the
	// available pool.
	NoConsume bool
	// UnitAlloc marks allocated device units, when units are
	// individually addressable.
	UnitAlloc *bitmap.Bitmap
	// Topo has one entry per distinct unit group; nil when no
	// per-unit topology is known.
	Topo []*TopoEntry
	// Types partitions the quantity by type when only types, not
	// unit topology, are known.
	Types []*TypeEntry
	// Links is the unit-to-unit link distance matrix.
	Links [][]int

	// unitCount the topology was last built against.
	unitCount int
	// confShare is the amount this node currently contributes to
	// the kind's TotalConfigured.
	confShare uint64
}

// Geometry is the node's core layout.
type Geometry struct {
	Sockets        int
	CoresPerSocket int
	ThreadsPerCore int
}

// Cores returns the physical core count.
func (g Geometry) Cores() int {
	return g.Sockets * g.CoresPerSocket
}

// CPUs returns the hardware thread count.
func (g Geometry) CPUs() int {
	t := g.ThreadsPerCore
	if t < 1 {
		t = 1
	}
	return g.Cores() * t
}

// NewNodeState returns an empty ledger with FoundCount marked unknown.
func NewNodeState() *NodeState {
	return &NodeState{ConfiguredCount: NoVal64, FoundCount: NoVal64}
}

// InitNodeFromConfig builds count-only ledger entries for every
// configured kind from the node's declared string, before hardware
// discovery has reported. List cardinality always equals the number of
// configured kinds.
func (r *Registry) InitNodeFromConfig(nodeName, declared string, list []*NodeGres) ([]*NodeGres, error) {
	kinds, err := ParseDeclared(declared)
	if err != nil {
		return list, err
	}
	for _, kind := range r.Kinds() {
		ng := findNodeGres(list, kind.ID)
		if ng == nil {
			ng = &NodeGres{ID: kind.ID, Name: kind.Name, State: NewNodeState()}
			list = append(list, ng)
		}
		ns := ng.State
		if ns.ConfiguredCount == NoVal64 {
			total := uint64(0)
			if dk := kinds[kind.Name]; dk != nil {
				total = dk.Total
			}
			ns.ConfiguredCount = total
			if ns.AvailableCount == NoVal64 || ns.AvailableCount == 0 {
				ns.AvailableCount = total
			}
		}
	}
	return list, nil
}

// ValidateNode reconciles hardware-reported inventory against the
// node's declared string, rebuilding topology and settling available
// counts. Kinds are processed in registry order so the shared kind
// always sees the sharing kind settled. On a count shortfall without
// override mode the returned reason is non-empty and the node should
// be marked down for that kind; the prior ledger is kept.
func (r *Registry) ValidateNode(nodeName, declared string, units []*DiscoveredUnit,
	geom Geometry, override bool, list []*NodeGres) ([]*NodeGres, string, error) {

	kindsDeclared, err := ParseDeclared(declared)
	if err != nil {
		return list, "", err
	}

	reason := ""
	var firstErr error
	var sharing *NodeState

	for _, kind := range r.Kinds() {
		ng := findNodeGres(list, kind.ID)
		if ng == nil {
			ng = &NodeGres{ID: kind.ID, Name: kind.Name, State: NewNodeState()}
			list = append(list, ng)
		}
		ns := ng.State

		confCount := uint64(0)
		if dk := kindsDeclared[kind.Name]; dk != nil {
			confCount = dk.Total
		}
		ns.ConfiguredCount = confCount

		kindUnits := unitsForKind(units, kind.Name)
		found := uint64(0)
		hasFile, hasType := false, false
		for _, u := range kindUnits {
			found += u.Count
			if u.HasFile() {
				hasFile = true
			}
			if u.HasType() {
				hasType = true
			}
		}
		ns.FoundCount = found
		if hasFile {
			kind.HasFile = true
		}
		if hasType {
			kind.HasType = true
		}

		if hasFile && found > MaxUnitBitmap {
			log.Error("node %s: gres/%s count %d exceeds %d, tracking by count only",
				nodeName, kind.Name, found, MaxUnitBitmap)
			hasFile = false
		}

		if found < confCount && !override {
			msg := fmt.Sprintf("gres/%s count reported lower than configured (%d < %d)",
				kind.Name, found, confCount)
			log.Error("node %s: %s", nodeName, msg)
			if reason == "" {
				reason = msg
			}
			if firstErr == nil {
				firstErr = fmt.Errorf("%w: node %s: %s", ErrConfMismatch, nodeName, msg)
			}
			continue
		}

		avail := confCount
		if override && found > confCount {
			avail = found
			ns.ConfiguredCount = found
		}
		if found > confCount && !override {
			log.Debug("node %s: gres/%s discovered %d, clipping to declared %d",
				nodeName, kind.Name, found, confCount)
		}
		ns.AvailableCount = avail

		// revalidation replaces this node's share of the total
		// rather than adding to it again
		kind.TotalConfigured -= ns.confShare
		kind.TotalConfigured += avail
		ns.confShare = avail

		if hasFile || hasType {
			rebuildTopo(nodeName, kind, ns, kindUnits, geom)
		} else {
			ns.Topo = nil
			ns.Types = nil
			ns.Links = nil
		}

		devCount := int(avail)
		if kind.Shared() && sharing != nil {
			devCount = int(sharing.AvailableCount)
		}
		if hasFile {
			if ns.UnitAlloc == nil {
				ns.UnitAlloc = bitmap.New(devCount)
			} else if ns.UnitAlloc.Size() != devCount {
				ns.UnitAlloc = ns.UnitAlloc.Resize(devCount)
			}
		}

		if kind.Sharing() {
			sharing = ns
		}
		if kind.Shared() && sharing != nil {
			syncSharedUnits(nodeName, kind.Name, ns, sharing)
		}
	}

	DumpNodeState(nodeName, list)
	return list, reason, firstErr
}

func unitsForKind(units []*DiscoveredUnit, name string) []*DiscoveredUnit {
	var out []*DiscoveredUnit
	for _, u := range units {
		if u.Name == name {
			out = append(out, u)
		}
	}
	return out
}

// rebuildTopo rebuilds the per-unit topology and type arrays from the
// discovered units, when the unit population changed. Allocation
// counters of surviving types are preserved by type id.
func rebuildTopo(nodeName string, kind *Kind, ns *NodeState,
	units []*DiscoveredUnit, geom Geometry) {

	unitCount := 0
	for _, u := range units {
		unitCount += int(u.Count)
	}
	if unitCount == ns.unitCount && len(ns.Topo) > 0 {
		// No population change, no rebuild. Idempotent revalidation
		// must not drift state.
		return
	}

	oldTypeAlloc := map[uint32]uint64{}
	for _, t := range ns.Types {
		oldTypeAlloc[t.TypeID] = t.CountAlloc
	}
	oldTopoAlloc := map[uint32]uint64{}
	for _, t := range ns.Topo {
		oldTopoAlloc[t.TypeID] += t.CountAlloc
	}

	ns.Topo = nil
	ns.Types = nil
	ns.Links = nil
	ns.unitCount = unitCount

	base := 0
	var linkVecs [][]int
	typeSums := map[uint32]*TypeEntry{}
	var typeOrder []uint32

	for _, u := range units {
		if u.Count == 0 {
			continue
		}
		entry := &TopoEntry{
			TypeName:   u.TypeName,
			CountAvail: u.Count,
		}
		if u.TypeName != "" {
			entry.TypeID = BuildID(u.TypeName)
		}
		if u.HasFile() || u.HasType() {
			ub := bitmap.New(unitCount)
			for i := 0; i < int(u.Count); i++ {
				ub.Set(base + i)
			}
			entry.UnitBitmap = ub
		}
		if u.Cores != "" {
			entry.CoreBitmap = parseCoreAffinity(nodeName, kind.Name, u, geom)
		}
		if u.Links != "" {
			if vec, err := validateLinks(u.Links, unitCount); err != nil {
				log.Warn("node %s: gres/%s: %v, dropping link vector",
					nodeName, kind.Name, err)
			} else {
				linkVecs = append(linkVecs, vec)
			}
		}
		ns.Topo = append(ns.Topo, entry)
		base += int(u.Count)

		if u.TypeName != "" {
			te := typeSums[entry.TypeID]
			if te == nil {
				te = &TypeEntry{TypeID: entry.TypeID, TypeName: u.TypeName}
				typeSums[entry.TypeID] = te
				typeOrder = append(typeOrder, entry.TypeID)
			}
			te.CountAvail += u.Count
		}
	}

	for _, id := range typeOrder {
		te := typeSums[id]
		te.CountAlloc = oldTypeAlloc[id]
		ns.Types = append(ns.Types, te)
	}
	for _, t := range ns.Topo {
		// Allocation totals survive a rebuild by type; per-entry
		// placement within a type does not.
		if alloc, ok := oldTopoAlloc[t.TypeID]; ok && alloc > 0 {
			take := alloc
			if take > t.CountAvail {
				take = t.CountAvail
			}
			t.CountAlloc = take
			oldTopoAlloc[t.TypeID] -= take
		}
	}
	if len(linkVecs) == unitCount {
		ns.Links = linkVecs
	}
}

// parseCoreAffinity parses a unit's declared core range against the
// node geometry. An affinity declared in hardware threads is resampled
// down to cores. A malformed range drops the affinity with a warning,
// the record is otherwise kept.
func parseCoreAffinity(nodeName, kindName string, u *DiscoveredUnit, geom Geometry) *bitmap.Bitmap {
	cores := geom.Cores()
	cpus := geom.CPUs()
	size := cores
	if u.CPUCount > 0 {
		size = u.CPUCount
	}

	cset, err := cpuset.Parse(u.Cores)
	if err != nil {
		log.Warn("node %s: gres/%s: malformed core affinity %q, using any core",
			nodeName, kindName, u.Cores)
		return nil
	}
	max := 0
	for _, id := range cset.List() {
		if id > max {
			max = id
		}
	}
	if max >= size {
		if max < cpus {
			size = cpus
		} else {
			log.Warn("node %s: gres/%s: core affinity %q out of range for %d cores, using any core",
				nodeName, kindName, u.Cores, cores)
			return nil
		}
	}

	b := bitmap.New(size)
	for _, id := range cset.List() {
		b.Set(id)
	}
	if size != cores {
		b = b.Rebuild(cores)
	}
	return b
}

// syncSharedUnits rebuilds the shared kind's topology 1:1 against the
// sharing kind's current unit count, redistributing the configured
// slice quantity evenly across the units and clearing entries beyond
// the new bound.
func syncSharedUnits(nodeName, kindName string, shared, sharing *NodeState) {
	unitCount := int(sharing.AvailableCount)
	if unitCount == 0 {
		shared.Topo = nil
		shared.unitCount = 0
		return
	}

	total := shared.AvailableCount
	alloc := shared.AllocatedCount

	topo := make([]*TopoEntry, unitCount)
	remAvail, remAlloc := total, alloc
	for i := 0; i < unitCount; i++ {
		availShare := remAvail / uint64(unitCount-i)
		allocShare := remAlloc / uint64(unitCount-i)
		remAvail -= availShare
		remAlloc -= allocShare

		units := bitmap.New(unitCount)
		units.Set(i)
		entry := &TopoEntry{
			UnitBitmap: units,
			CountAvail: availShare,
			CountAlloc: allocShare,
		}
		for _, st := range sharing.Topo {
			if st.UnitBitmap.Test(i) {
				entry.CoreBitmap = st.CoreBitmap.Copy()
				break
			}
		}
		topo[i] = entry
	}
	shared.Topo = topo
	shared.unitCount = unitCount
	log.Debug("node %s: gres/%s topology rebuilt against %d sharing units",
		nodeName, kindName, unitCount)
}

// ReconfigNode applies a live declared-string change without hardware
// rediscovery. Count changes are rejected for kinds with per-unit
// device files, since device identities cannot be remapped while jobs
// may hold references to specific unit indices.
func (r *Registry) ReconfigNode(nodeName, declared string, geom Geometry,
	list []*NodeGres) ([]*NodeGres, error) {

	kindsDeclared, err := ParseDeclared(declared)
	if err != nil {
		return list, err
	}
	for _, kind := range r.Kinds() {
		ng := findNodeGres(list, kind.ID)
		if ng == nil {
			ng = &NodeGres{ID: kind.ID, Name: kind.Name, State: NewNodeState()}
			list = append(list, ng)
		}
		ns := ng.State

		newCount := uint64(0)
		if dk := kindsDeclared[kind.Name]; dk != nil {
			newCount = dk.Total
		}
		if newCount == ns.ConfiguredCount {
			continue
		}
		if kind.HasFile {
			return list, fmt.Errorf("%w: node %s gres/%s %d -> %d",
				ErrFileCountChange, nodeName, kind.Name,
				ns.ConfiguredCount, newCount)
		}
		if newCount < ns.AllocatedCount {
			return list, fmt.Errorf("%w: node %s gres/%s new count %d below allocated %d",
				ErrConfMismatch, nodeName, kind.Name, newCount, ns.AllocatedCount)
		}
		log.Info("node %s: gres/%s count %d -> %d", nodeName, kind.Name,
			ns.ConfiguredCount, newCount)
		ns.ConfiguredCount = newCount
		ns.AvailableCount = newCount
		if ns.UnitAlloc != nil {
			ns.UnitAlloc = ns.UnitAlloc.Resize(int(newCount))
		}
	}
	return list, nil
}

// DeallocAllNode zeroes every allocation counter and bitmap. Used once
// at controller restart before replaying recovered job state.
func DeallocAllNode(list []*NodeGres) {
	for _, ng := range list {
		ns := ng.State
		ns.AllocatedCount = 0
		if ns.UnitAlloc != nil {
			ns.UnitAlloc.ClearAll()
		}
		for _, t := range ns.Topo {
			t.CountAlloc = 0
		}
		for _, t := range ns.Types {
			t.CountAlloc = 0
		}
	}
}

// Dup returns a deep copy of the ledger.
func (ns *NodeState) Dup() *NodeState {
	if ns == nil {
		return nil
	}
	n := &NodeState{
		ConfiguredCount: ns.ConfiguredCount,
		FoundCount:      ns.FoundCount,
		AvailableCount:  ns.AvailableCount,
		AllocatedCount:  ns.AllocatedCount,
		NoConsume:       ns.NoConsume,
		UnitAlloc:       ns.UnitAlloc.Copy(),
		unitCount:       ns.unitCount,
	}
	for _, t := range ns.Topo {
		n.Topo = append(n.Topo, &TopoEntry{
			TypeID:     t.TypeID,
			TypeName:   t.TypeName,
			CoreBitmap: t.CoreBitmap.Copy(),
			UnitBitmap: t.UnitBitmap.Copy(),
			CountAvail: t.CountAvail,
			CountAlloc: t.CountAlloc,
		})
	}
	for _, t := range ns.Types {
		c := *t
		n.Types = append(n.Types, &c)
	}
	for _, vec := range ns.Links {
		n.Links = append(n.Links, append([]int(nil), vec...))
	}
	return n
}

// NodeGresString rebuilds the canonical declared-format string for the
// settled node state, with socket-affinity annotations per distinct
// topology group and counts reduced to K/M/G/T/P suffixes when exact.
func NodeGresString(list []*NodeGres, geom Geometry) string {
	var parts []string
	for _, ng := range list {
		ns := ng.State
		if ns.AvailableCount == 0 || ns.AvailableCount == NoVal64 {
			continue
		}
		if len(ns.Topo) > 0 {
			for _, t := range ns.Topo {
				parts = append(parts, topoGresString(ng.Name, t, geom))
			}
			continue
		}
		if len(ns.Types) > 0 {
			for _, t := range ns.Types {
				cnt, suffix := countSuffix(t.CountAvail)
				parts = append(parts, fmt.Sprintf("%s:%s:%d%s",
					ng.Name, t.TypeName, cnt, suffix))
			}
			continue
		}
		cnt, suffix := countSuffix(ns.AvailableCount)
		parts = append(parts, fmt.Sprintf("%s:%d%s", ng.Name, cnt, suffix))
	}
	return strings.Join(parts, ",")
}

func topoGresString(name string, t *TopoEntry, geom Geometry) string {
	cnt, suffix := countSuffix(t.CountAvail)
	s := name
	if t.TypeName != "" {
		s += ":" + t.TypeName
	}
	s += fmt.Sprintf(":%d%s", cnt, suffix)
	if socks := socketRanges(t.CoreBitmap, geom); socks != "" {
		s += "(S:" + socks + ")"
	}
	return s
}

// socketRanges maps a core-affinity bitmap to the sockets it touches.
func socketRanges(cores *bitmap.Bitmap, geom Geometry) string {
	if cores == nil || geom.Sockets == 0 || geom.CoresPerSocket == 0 {
		return ""
	}
	socks := bitmap.New(geom.Sockets)
	for c := 0; c < cores.Size(); c++ {
		if cores.Test(c) {
			socks.Set(c / geom.CoresPerSocket)
		}
	}
	return socks.String()
}

// NodeGresUsed formats the allocated quantities for display, with unit
// index ranges for individually tracked kinds.
func NodeGresUsed(list []*NodeGres) string {
	var parts []string
	for _, ng := range list {
		ns := ng.State
		if ns.AvailableCount == 0 || ns.AvailableCount == NoVal64 {
			continue
		}
		if ns.UnitAlloc != nil && !IsShared(ng.Name) {
			parts = append(parts, fmt.Sprintf("%s:%d(IDX:%s)",
				ng.Name, ns.AllocatedCount, ns.UnitAlloc))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s:%d", ng.Name, ns.AllocatedCount))
	}
	return strings.Join(parts, ",")
}

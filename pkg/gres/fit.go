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
	"github.com/joelandman/slurm/pkg/bitmap"
)

// FitArgs are the shared inputs of the node fit tests.
type FitArgs struct {
	// UseTotal treats every unit as free, ignoring running jobs.
	UseTotal bool
	// CoreBitmap marks the cores still selectable on the node; nil
	// means no core restriction. The fit tests clear bits of cores
	// they rule out.
	CoreBitmap *bitmap.Bitmap
	// CoreStart and CoreEnd delimit this node's cores inside
	// CoreBitmap, inclusive.
	CoreStart, CoreEnd int
	// DisableBinding skips core-affinity driven selection.
	DisableBinding bool

	JobID    uint32
	NodeName string
}

// SockGres describes what one resource kind can contribute on one
// node, broken down by socket. Quantities with no core affinity, or
// with affinity to every socket, land in the any-socket bucket.
type SockGres struct {
	ID       uint32
	TypeID   uint32
	Name     string
	TypeName string

	Job  *JobState
	Node *NodeState

	SockCnt int

	// TotalCount is the usable quantity across all buckets.
	TotalCount uint64
	// MaxNodeGres caps the node quantity for shared kinds, which
	// draw from a single device.
	MaxNodeGres uint64

	AnySockCount uint64
	AnySockUnits *bitmap.Bitmap
	CountBySock  []uint64
	UnitsBySock  []*bitmap.Bitmap
}

// minNodeGres returns the smallest quantity the job needs on any one
// node it runs on.
func minNodeGres(js *JobState) uint64 {
	min := uint64(0)
	if js.GresPerJob > 0 {
		min = 1
	}
	if js.GresPerNode > min {
		min = js.GresPerNode
	}
	if js.GresPerSocket > min {
		min = js.GresPerSocket
	}
	if js.GresPerTask > min {
		min = js.GresPerTask
	}
	return min
}

// ValidateNodeCores resamples every topology core bitmap of the kind
// to the scheduler's current core count for the node. Widths drift
// when a node re-registers with different hardware threading.
func ValidateNodeCores(ns *NodeState, coreCnt int, nodeName string) {
	for _, te := range ns.Topo {
		if te.CoreBitmap == nil || te.CoreBitmap.Size() == coreCnt {
			continue
		}
		log.Warn("node %s: resampling gres core affinity from %d to %d cores",
			nodeName, te.CoreBitmap.Size(), coreCnt)
		te.CoreBitmap = te.CoreBitmap.Rebuild(coreCnt)
	}
}

// TestNode returns how many cores of the node the job can use given
// its resource request, the minimum over the requested kinds. NoVal
// means no kind restricts core selection; 0 means the node cannot
// serve the job. A kind absent from the node is an immediate 0.
func (r *Registry) TestNode(jobList []*JobGres, nodeList []*NodeGres, args *FitArgs) uint32 {
	if len(jobList) == 0 {
		return NoVal
	}
	if len(nodeList) == 0 {
		return 0
	}

	coreCnt := uint32(NoVal)
	topoSet := false
	for _, jg := range jobList {
		ng := findNodeGres(nodeList, jg.ID)
		if ng == nil {
			return 0
		}
		cnt := r.jobTest(jg, ng.State, args, &topoSet)
		if cnt != NoVal && cnt < coreCnt {
			coreCnt = cnt
		}
		if coreCnt == 0 {
			return 0
		}
	}
	return coreCnt
}

// jobTest evaluates one kind against one node. Three strategies apply
// in order: with cores already pinned by an earlier kind, sum what the
// pinned cores reach; with per-unit topology, greedily select the
// units exposing the most additional cores and clear the rest; with
// counts only, compare quantities.
func (r *Registry) jobTest(jg *JobGres, ns *NodeState, args *FitArgs, topoSet *bool) uint32 {
	js := jg.State
	useTotal := args.UseTotal
	if ns.NoConsume {
		useTotal = true
	}
	shared := IsShared(jg.Name)
	// A shared kind with any active allocation must keep using the
	// one busy device.
	useBusyDev := !useTotal && shared && ns.AllocatedCount != 0

	minGres := minNodeGres(js)

	switch {
	case minGres > 0 && len(ns.Topo) > 0 && *topoSet:
		return r.jobTestPinned(jg, ns, args, useTotal, useBusyDev, shared, minGres)
	case minGres > 0 && len(ns.Topo) > 0 && !args.DisableBinding:
		return r.jobTestTopo(jg, ns, args, useTotal, useBusyDev, shared, minGres, topoSet)
	case js.TypeName != "":
		return jobTestByType(js, ns, useTotal, minGres)
	default:
		avail := ns.AvailableCount
		if !useTotal {
			avail = remaining(avail, ns.AllocatedCount)
		}
		if minGres > avail {
			return 0
		}
		return NoVal
	}
}

// remaining clamps avail minus alloc at zero instead of wrapping.
func remaining(avail, alloc uint64) uint64 {
	if alloc >= avail {
		return 0
	}
	return avail - alloc
}

// jobTestPinned sums the quantity reachable from cores an earlier
// kind already selected. Shared kinds take the largest single topo
// entry instead of the sum.
func (r *Registry) jobTestPinned(jg *JobGres, ns *NodeState, args *FitArgs,
	useTotal, useBusyDev, shared bool, minGres uint64) uint32 {

	js := jg.State
	if args.CoreBitmap != nil {
		coreCtld := args.CoreEnd - args.CoreStart + 1
		if coreCtld < 1 {
			log.Error("gres/%s: job %d has no cores on node %s",
				jg.Name, args.JobID, args.NodeName)
			return 0
		}
		ValidateNodeCores(ns, coreCtld, args.NodeName)
	}

	avail, max := uint64(0), uint64(0)
	for _, te := range ns.Topo {
		if js.TypeName != "" && (te.TypeName == "" || te.TypeID != js.TypeID) {
			continue
		}
		if useBusyDev && te.CountAlloc == 0 {
			continue
		}
		cnt := te.CountAvail
		if !useTotal {
			cnt = remaining(cnt, te.CountAlloc)
		}
		if te.CoreBitmap == nil {
			avail += cnt
			if shared && avail > max {
				max = avail
			}
			continue
		}
		for j := 0; j < te.CoreBitmap.Size(); j++ {
			if args.CoreBitmap != nil && !args.CoreBitmap.Test(args.CoreStart+j) {
				continue
			}
			if !te.CoreBitmap.Test(j) {
				continue
			}
			avail += cnt
			if shared && avail > max {
				max = avail
			}
			break
		}
	}
	if shared {
		avail = max
	}
	if minGres > avail {
		return 0
	}
	return NoVal
}

// jobTestTopo picks the topology entries serving the job while keeping
// the most cores selectable, then clears every unselected core.
func (r *Registry) jobTestTopo(jg *JobGres, ns *NodeState, args *FitArgs,
	useTotal, useBusyDev, shared bool, minGres uint64, topoSet *bool) uint32 {

	js := jg.State
	avail := ns.AvailableCount
	if !useTotal {
		avail = remaining(avail, ns.AllocatedCount)
	}
	if minGres > avail {
		return 0
	}

	coreCtld := args.CoreEnd - args.CoreStart + 1
	if args.CoreBitmap != nil {
		if coreCtld < 1 {
			log.Error("gres/%s: job %d has no cores on node %s",
				jg.Name, args.JobID, args.NodeName)
			return 0
		}
		ValidateNodeCores(ns, coreCtld, args.NodeName)
	} else {
		for _, te := range ns.Topo {
			if te.CoreBitmap != nil {
				coreCtld = te.CoreBitmap.Size()
				break
			}
		}
	}

	allocCores := bitmap.New(coreCtld)
	if args.CoreBitmap != nil {
		for j := 0; j < coreCtld; j++ {
			if args.CoreBitmap.Test(args.CoreStart + j) {
				allocCores.Set(j)
			}
		}
	} else {
		allocCores.SetAll()
	}
	availCores := allocCores.Copy()

	// Cores each topo entry could contribute under the current core
	// restriction.
	coresAvail := make([]uint32, len(ns.Topo))
	coresAddnt := make([]uint32, len(ns.Topo))
	for i, te := range ns.Topo {
		if te.CountAvail == 0 {
			continue
		}
		if useBusyDev && te.CountAlloc == 0 {
			continue
		}
		if !useTotal && te.CountAlloc >= te.CountAvail {
			continue
		}
		if js.TypeName != "" && (te.TypeName == "" || te.TypeID != js.TypeID) {
			continue
		}
		if te.CoreBitmap == nil {
			coresAvail[i] = uint32(args.CoreEnd - args.CoreStart + 1)
			continue
		}
		for j := 0; j < te.CoreBitmap.Size(); j++ {
			if args.CoreBitmap != nil && !args.CoreBitmap.Test(args.CoreStart+j) {
				continue
			}
			if te.CoreBitmap.Test(j) {
				coresAvail[i]++
			}
		}
	}

	// Greedy selection: each round picks the entry adding the most
	// cores beyond those already selected.
	var (
		coreCnt   uint32
		gresAvail uint64
		gresTotal uint64
		topInx    = -1
	)
	for gresAvail < minGres {
		topInx = -1
		for j, te := range ns.Topo {
			if gresAvail == 0 || coresAvail[j] == 0 || te.CoreBitmap == nil {
				coresAddnt[j] = coresAvail[j]
			} else {
				coresAddnt[j] = coresAvail[j] -
					uint32(allocCores.Overlap(te.CoreBitmap))
			}
			if topInx == -1 {
				if coresAvail[j] != 0 {
					topInx = j
				}
			} else if coresAddnt[j] > coresAddnt[topInx] {
				topInx = j
			}
		}
		if topInx < 0 || coresAvail[topInx] == 0 {
			if gresTotal < minGres {
				coreCnt = 0
			}
			break
		}
		coresAvail[topInx] = 0
		te := ns.Topo[topInx]
		gresTmp := te.CountAvail
		if !useTotal && gresTmp >= te.CountAlloc {
			gresTmp -= te.CountAlloc
		} else if !useTotal {
			gresTmp = 0
		}
		if gresTmp == 0 {
			log.Error("gres/%s: topology allocation error on node %s",
				jg.Name, args.NodeName)
			break
		}
		switch {
		case shared:
			// The specific device is settled after the loop.
		case te.CoreBitmap == nil:
			allocCores.SetAll()
		case gresAvail > 0:
			allocCores.Or(te.CoreBitmap)
			if args.CoreBitmap != nil {
				allocCores.And(availCores)
			}
		default:
			allocCores.And(te.CoreBitmap)
		}
		if shared {
			if gresTmp > gresTotal {
				gresTotal = gresTmp
			}
			gresAvail = gresTotal
		} else {
			// Take one unit per round so core coverage, not
			// unit count, drives the selection.
			gresAvail++
			gresTotal += gresTmp
			coreCnt = uint32(allocCores.SetCount())
		}
	}
	if shared && topInx >= 0 && gresAvail >= minGres {
		if te := ns.Topo[topInx]; te.CoreBitmap == nil {
			allocCores.SetAll()
		} else {
			allocCores.Or(te.CoreBitmap)
			if args.CoreBitmap != nil {
				allocCores.And(availCores)
			}
		}
		coreCnt = uint32(allocCores.SetCount())
	}
	if args.CoreBitmap != nil && coreCnt > 0 {
		*topoSet = true
		for i := 0; i < coreCtld; i++ {
			if !allocCores.Test(i) {
				args.CoreBitmap.Clear(args.CoreStart + i)
			}
		}
	}
	return coreCnt
}

// jobTestByType compares quantities for a typed request on a node
// without per-unit topology.
func jobTestByType(js *JobState, ns *NodeState, useTotal bool, minGres uint64) uint32 {
	var te *TypeEntry
	for _, t := range ns.Types {
		if t.TypeName != "" && t.TypeID == js.TypeID {
			te = t
			break
		}
	}
	if te == nil {
		return 0
	}
	avail := te.CountAvail
	if !useTotal {
		avail = remaining(avail, te.CountAlloc)
	}
	kindAvail := ns.AvailableCount
	if !useTotal {
		kindAvail = remaining(kindAvail, ns.AllocatedCount)
	}
	if kindAvail < avail {
		avail = kindAvail
	}
	if minGres > avail {
		return 0
	}
	return NoVal
}

// SockArgs are the inputs of the per-socket breakdown.
type SockArgs struct {
	UseTotal bool
	// CoreBitmap marks the selectable cores of this node only,
	// socket-major. The breakdown clears cores it rules out.
	CoreBitmap     *bitmap.Bitmap
	Sockets        int
	CoresPerSocket int
	// EnforceBinding only counts quantities with direct core access.
	EnforceBinding bool
	// SocketsPerNode is the expected socket span, NoVal if open.
	SocketsPerNode uint32

	JobID    uint32
	NodeName string
}

// BuildSockGres breaks down, socket by socket, what each requested
// kind can contribute on the node. It returns nil when any kind cannot
// be served, clearing the core bitmap so the node drops out of
// selection. The returned socket bitmap marks sockets the job must
// keep to satisfy per-node quantities.
func (r *Registry) BuildSockGres(jobList []*JobGres, nodeList []*NodeGres,
	args *SockArgs) ([]*SockGres, *bitmap.Bitmap) {

	if len(jobList) == 0 {
		return nil, nil
	}
	var (
		out        []*SockGres
		reqSockMap *bitmap.Bitmap
	)
	for _, jg := range jobList {
		ng := findNodeGres(nodeList, jg.ID)
		if ng == nil {
			return nil, nil
		}
		js, ns := jg.State, ng.State

		// Socket packing only matters when a per-job quantity
		// leaves the per-node split open.
		spn := uint32(NoVal)
		if js.GresPerJob > 0 && js.GresPerSocket == 0 {
			spn = args.SocketsPerNode
		}

		var sg *SockGres
		switch {
		case args.CoreBitmap != nil && args.CoreBitmap.FirstSet() < 0:
			sg = nil
		case len(ns.Topo) > 0:
			altNS, altSharing := r.altKindState(jg.ID, nodeList, args.UseTotal)
			sg = buildSockGresByTopo(jg, ns, args, spn, &reqSockMap, altNS, altSharing)
		case len(ns.Types) > 0:
			sg = buildSockGresByType(js, ns, args.UseTotal)
		default:
			sg = buildSockGresBasic(js, ns, args.UseTotal)
		}
		if sg == nil {
			if args.CoreBitmap != nil {
				args.CoreBitmap.ClearAll()
			}
			return nil, nil
		}
		sg.ID = jg.ID
		sg.Name = jg.Name
		sg.TypeID = js.TypeID
		sg.TypeName = js.TypeName
		sg.Job = js
		sg.Node = ns
		out = append(out, sg)
	}
	DumpSockGres(args.NodeName, out)
	return out, reqSockMap
}

// altKindState returns the node state of the kind sharing devices with
// the given one (gpu for mps and vice versa), and whether that
// alternate is the sharing kind.
func (r *Registry) altKindState(id uint32, nodeList []*NodeGres,
	useTotal bool) (*NodeState, bool) {

	if useTotal || !r.HaveSharedKinds() {
		return nil, false
	}
	var altID uint32
	switch id {
	case r.SharingID():
		altID = r.SharedID()
	case r.SharedID():
		altID = r.SharingID()
	default:
		return nil, false
	}
	ng := findNodeGres(nodeList, altID)
	if ng == nil {
		return nil, false
	}
	return ng.State, altID == r.SharingID()
}

func buildSockGresByTopo(jg *JobGres, ns *NodeState, args *SockArgs, spn uint32,
	reqSockMap **bitmap.Bitmap, altNS *NodeState, altSharing bool) *SockGres {

	js := jg.State
	if ns.AvailableCount == 0 {
		return nil
	}
	shared := IsShared(jg.Name)
	useBusyDev := !args.UseTotal && shared && ns.AllocatedCount != 0

	sockets, cps := args.Sockets, args.CoresPerSocket
	sg := &SockGres{
		SockCnt:     sockets,
		CountBySock: make([]uint64, sockets),
		UnitsBySock: make([]*bitmap.Bitmap, sockets),
	}
	match := false
	for _, te := range ns.Topo {
		if js.TypeName != "" && js.TypeID != te.TypeID {
			continue
		}
		if useBusyDev && te.CountAlloc == 0 {
			continue
		}
		consume := !args.UseTotal && !ns.NoConsume
		if consume && te.CountAlloc >= te.CountAvail {
			continue
		}
		avail := te.CountAvail
		if consume {
			avail -= te.CountAlloc
		}
		if avail == 0 {
			continue
		}

		// With both gpu and mps configured, units already granted
		// to the other kind are off the table.
		if altNS != nil && altNS.UnitAlloc != nil && te.UnitBitmap != nil {
			c := uint64(te.UnitBitmap.Overlap(altNS.UnitAlloc))
			if c > 0 {
				if altSharing {
					// Units handed to whole-device jobs
					// are gone entirely.
					continue
				}
				avail -= c
				if avail == 0 {
					continue
				}
			}
		}

		// A shared kind draws from one device per node.
		if shared && avail > sg.MaxNodeGres {
			sg.MaxNodeGres = avail
		}

		// Affinity to every socket degenerates to no affinity.
		allSockets := false
		if te.CoreBitmap != nil {
			allSockets = true
			for s := 0; s < sockets && allSockets; s++ {
				onSocket := false
				for c := 0; c < cps; c++ {
					if te.CoreBitmap.Test(s*cps + c) {
						onSocket = true
						break
					}
				}
				allSockets = onSocket
			}
		}

		if te.CoreBitmap == nil || allSockets {
			sg.AnySockCount += avail
			sg.TotalCount += avail
			if te.UnitBitmap != nil {
				if sg.AnySockUnits == nil {
					sg.AnySockUnits = te.UnitBitmap.Copy()
				} else {
					sg.AnySockUnits.Or(te.UnitBitmap)
				}
			}
			match = true
			continue
		}

		totCores := sockets * cps
		if args.CoreBitmap != nil && args.CoreBitmap.Size() < totCores {
			totCores = args.CoreBitmap.Size()
		}
		if te.CoreBitmap.Size() < totCores {
			totCores = te.CoreBitmap.Size()
		}
		remaining := avail
		for s := 0; s < sockets && remaining > 0; s++ {
			if args.EnforceBinding && args.CoreBitmap != nil {
				free := false
				for c := 0; c < cps; c++ {
					if args.CoreBitmap.Test(s*cps + c) {
						free = true
						break
					}
				}
				if !free {
					continue
				}
			}
			for c := 0; c < cps; c++ {
				j := s*cps + c
				if j >= totCores {
					break
				}
				if !te.CoreBitmap.Test(j) {
					continue
				}
				if te.UnitBitmap == nil {
					log.Error("gres/%s: unit bitmap missing on node %s",
						jg.Name, args.NodeName)
					continue
				}
				if sg.UnitsBySock[s] == nil {
					sg.UnitsBySock[s] = te.UnitBitmap.Copy()
				} else {
					sg.UnitsBySock[s].Or(te.UnitBitmap)
				}
				sg.CountBySock[s] += remaining
				sg.TotalCount += remaining
				remaining = 0
				match = true
				break
			}
		}
	}

	// Per-socket quantity: zero out sockets that cannot carry it and
	// trim any excess on the others.
	if match && js.GresPerSocket > 0 {
		for s := 0; s < sockets; s++ {
			switch {
			case sg.CountBySock[s] < js.GresPerSocket:
				sg.TotalCount -= sg.CountBySock[s]
				sg.CountBySock[s] = 0
				if args.EnforceBinding && args.CoreBitmap != nil {
					args.CoreBitmap.ClearRange(s*cps, s*cps+cps-1)
				}
			case sg.CountBySock[s] > js.GresPerSocket:
				sg.TotalCount -= sg.CountBySock[s] - js.GresPerSocket
				sg.CountBySock[s] = js.GresPerSocket
			}
		}
	}

	// Honor the socket span by dropping the lowest-quantity sockets.
	if match && args.EnforceBinding && args.CoreBitmap != nil &&
		spn != NoVal && int(spn) < sockets {
		availSock := 0
		availFlag := make([]bool, sockets)
		for s := 0; s < sockets; s++ {
			if sg.CountBySock[s] == 0 {
				continue
			}
			for c := 0; c < cps; c++ {
				if args.CoreBitmap.Test(s*cps + c) {
					availSock++
					availFlag[s] = true
					break
				}
			}
		}
		for availSock > int(spn) {
			low := -1
			for s := 0; s < sockets; s++ {
				if !availFlag[s] {
					continue
				}
				if low == -1 || sg.CountBySock[s] < sg.CountBySock[low] {
					low = s
				}
			}
			if low == -1 {
				break
			}
			args.CoreBitmap.ClearRange(low*cps, low*cps+cps-1)
			sg.TotalCount -= sg.CountBySock[low]
			sg.CountBySock[low] = 0
			availSock--
			availFlag[low] = false
		}
	}

	minGres := uint64(1)
	if match {
		if js.GresPerNode > minGres {
			minGres = js.GresPerNode
		}
		if js.GresPerTask > minGres {
			minGres = js.GresPerTask
		}
		if sg.TotalCount < minGres {
			match = false
		}
	}

	// With the socket span open, mark the sockets the job must keep
	// so task placement does not strand the quantity.
	addGres := int64(minGres) - int64(sg.AnySockCount)
	if match && args.CoreBitmap != nil && spn == NoVal && addGres > 0 &&
		js.GresPerNode > 0 {
		best := -1
		availFlag := make([]bool, sockets)
		for s := 0; s < sockets; s++ {
			if sg.CountBySock[s] == 0 {
				continue
			}
			for c := 0; c < cps; c++ {
				if !args.CoreBitmap.Test(s*cps + c) {
					continue
				}
				availFlag[s] = true
				if best == -1 || sg.CountBySock[s] > sg.CountBySock[best] {
					best = s
				}
				break
			}
		}
		for best != -1 && addGres > 0 {
			if *reqSockMap == nil {
				*reqSockMap = bitmap.New(sockets)
			}
			(*reqSockMap).Set(best)
			addGres -= int64(sg.CountBySock[best])
			availFlag[best] = false
			if addGres <= 0 {
				break
			}
			best = -1
			for s := 0; s < sockets; s++ {
				if sg.CountBySock[s] == 0 || !availFlag[s] {
					continue
				}
				if best == -1 || sg.CountBySock[s] > sg.CountBySock[best] {
					best = s
				}
			}
		}
	}

	if !match {
		return nil
	}
	return sg
}

func buildSockGresByType(js *JobState, ns *NodeState, useTotal bool) *SockGres {
	minGres := uint64(1)
	if js.GresPerNode > minGres {
		minGres = js.GresPerNode
	}
	if js.GresPerSocket > minGres {
		minGres = js.GresPerSocket
	}
	if js.GresPerTask > minGres {
		minGres = js.GresPerTask
	}
	sg := &SockGres{}
	match := false
	for _, te := range ns.Types {
		if js.TypeName != "" && js.TypeID != te.TypeID {
			continue
		}
		if !useTotal && te.CountAlloc >= te.CountAvail {
			continue
		}
		avail := te.CountAvail
		if !useTotal {
			avail -= te.CountAlloc
		}
		kindAvail := ns.AvailableCount
		if !useTotal {
			kindAvail -= ns.AllocatedCount
		}
		if kindAvail < avail {
			avail = kindAvail
		}
		if avail < minGres {
			continue
		}
		sg.AnySockCount += avail
		sg.TotalCount += avail
		match = true
	}
	if !match {
		return nil
	}
	return sg
}

func buildSockGresBasic(js *JobState, ns *NodeState, useTotal bool) *SockGres {
	if js.TypeName != "" {
		return nil
	}
	if !useTotal && ns.AllocatedCount >= ns.AvailableCount {
		return nil
	}
	minGres := uint64(1)
	if js.GresPerNode > minGres {
		minGres = js.GresPerNode
	}
	if js.GresPerSocket > minGres {
		minGres = js.GresPerSocket
	}
	if js.GresPerTask > minGres {
		minGres = js.GresPerTask
	}
	avail := ns.AvailableCount
	if !useTotal {
		avail -= ns.AllocatedCount
	}
	if avail < minGres {
		return nil
	}
	return &SockGres{AnySockCount: avail, TotalCount: avail}
}

// SockGresString renders the usable quantities of one socket, or the
// any-socket bucket for a negative index.
func SockGresString(list []*SockGres, sockInx int) string {
	out := ""
	sep := ""
	for _, sg := range list {
		var cnt uint64
		if sockInx < 0 {
			cnt = sg.AnySockCount
		} else if sockInx < len(sg.CountBySock) {
			cnt = sg.CountBySock[sockInx]
		}
		if cnt == 0 {
			continue
		}
		out += sep + sg.Name
		if sg.TypeName != "" {
			out += ":" + sg.TypeName
		}
		out += ":" + fmtUint(cnt)
		sep = " "
	}
	return out
}

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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joelandman/slurm/pkg/bitmap"
)

// gpuTopoNode builds a node with 4 gpus on 2 sockets of 4 cores each:
// units 0-1 wired to cores 0-3, units 2-3 to cores 4-7.
func gpuTopoNode() *NodeState {
	return &NodeState{
		ConfiguredCount: 4,
		AvailableCount:  4,
		Topo: []*TopoEntry{
			{
				CoreBitmap: bitmap.NewFromIndices(8, 0, 1, 2, 3),
				UnitBitmap: bitmap.NewFromIndices(4, 0, 1),
				CountAvail: 2,
			},
			{
				CoreBitmap: bitmap.NewFromIndices(8, 4, 5, 6, 7),
				UnitBitmap: bitmap.NewFromIndices(4, 2, 3),
				CountAvail: 2,
			},
		},
	}
}

func gpuNodeList(ns *NodeState) []*NodeGres {
	return []*NodeGres{{ID: BuildID("gpu"), Name: "gpu", State: ns}}
}

func gpuJobList(js *JobState) []*JobGres {
	return []*JobGres{{ID: BuildID("gpu"), Name: "gpu", State: js}}
}

func allCores(n int) *bitmap.Bitmap {
	b := bitmap.New(n)
	b.SetAll()
	return b
}

func TestTestNodeEdges(t *testing.T) {
	r := testRegistry(t)

	// no request means no restriction
	require.Equal(t, NoVal, r.TestNode(nil, gpuNodeList(gpuTopoNode()), &FitArgs{}))

	// no node state means no fit
	require.Equal(t, uint32(0), r.TestNode(gpuJobList(&JobState{GresPerNode: 1}), nil, &FitArgs{}))

	// a kind absent from the node means no fit
	jobList := []*JobGres{{ID: BuildID("nic"), Name: "nic", State: &JobState{GresPerNode: 1}}}
	require.Equal(t, uint32(0), r.TestNode(jobList, gpuNodeList(gpuTopoNode()), &FitArgs{}))
}

func TestTestNodeByCount(t *testing.T) {
	r := testRegistry(t)

	ns := &NodeState{AvailableCount: 4, AllocatedCount: 3}
	nodeList := gpuNodeList(ns)

	// 1 unit free, 2 wanted
	jobList := gpuJobList(&JobState{GresPerNode: 2})
	require.Equal(t, uint32(0), r.TestNode(jobList, nodeList, &FitArgs{}))

	// ignoring running jobs the node has all 4
	require.Equal(t, NoVal, r.TestNode(jobList, nodeList, &FitArgs{UseTotal: true}))

	// a no-consume kind never depletes
	ns.NoConsume = true
	require.Equal(t, NoVal, r.TestNode(jobList, nodeList, &FitArgs{}))
}

func TestTestNodeByType(t *testing.T) {
	r := testRegistry(t)

	ns := &NodeState{
		AvailableCount: 4,
		Types: []*TypeEntry{
			{TypeID: BuildID("tesla"), TypeName: "tesla", CountAvail: 3, CountAlloc: 2},
			{TypeID: BuildID("volta"), TypeName: "volta", CountAvail: 1},
		},
	}
	nodeList := gpuNodeList(ns)

	jobList := gpuJobList(&JobState{
		TypeID: BuildID("tesla"), TypeName: "tesla", GresPerNode: 1,
	})
	require.Equal(t, NoVal, r.TestNode(jobList, nodeList, &FitArgs{}))

	jobList[0].State.GresPerNode = 2
	require.Equal(t, uint32(0), r.TestNode(jobList, nodeList, &FitArgs{}))
	require.Equal(t, NoVal, r.TestNode(jobList, nodeList, &FitArgs{UseTotal: true}))

	// a type the node does not carry
	jobList = gpuJobList(&JobState{
		TypeID: BuildID("pascal"), TypeName: "pascal", GresPerNode: 1,
	})
	require.Equal(t, uint32(0), r.TestNode(jobList, nodeList, &FitArgs{}))
}

func TestTestNodeTopo(t *testing.T) {
	r := testRegistry(t)

	// one gpu wanted: the greedy pass settles on the socket 0 group
	// and rules out the socket 1 cores
	args := &FitArgs{CoreBitmap: allCores(8), CoreStart: 0, CoreEnd: 7}
	got := r.TestNode(gpuJobList(&JobState{GresPerNode: 1}), gpuNodeList(gpuTopoNode()), args)
	require.Equal(t, uint32(4), got)
	require.Equal(t, "0-3", args.CoreBitmap.String())

	// three gpus span both groups, keeping every core selectable
	args = &FitArgs{CoreBitmap: allCores(8), CoreStart: 0, CoreEnd: 7}
	got = r.TestNode(gpuJobList(&JobState{GresPerNode: 3}), gpuNodeList(gpuTopoNode()), args)
	require.Equal(t, uint32(8), got)
	require.Equal(t, "0-7", args.CoreBitmap.String())

	// more than the node has
	args = &FitArgs{CoreBitmap: allCores(8), CoreStart: 0, CoreEnd: 7}
	got = r.TestNode(gpuJobList(&JobState{GresPerNode: 5}), gpuNodeList(gpuTopoNode()), args)
	require.Equal(t, uint32(0), got)
}

func TestTestNodeTopoAllocated(t *testing.T) {
	r := testRegistry(t)

	// socket 0 group fully allocated, selection must go to socket 1
	ns := gpuTopoNode()
	ns.Topo[0].CountAlloc = 2
	ns.AllocatedCount = 2

	args := &FitArgs{CoreBitmap: allCores(8), CoreStart: 0, CoreEnd: 7}
	got := r.TestNode(gpuJobList(&JobState{GresPerNode: 1}), gpuNodeList(ns), args)
	require.Equal(t, uint32(4), got)
	require.Equal(t, "4-7", args.CoreBitmap.String())

	// with binding disabled only the quantities are compared
	args = &FitArgs{CoreBitmap: allCores(8), CoreStart: 0, CoreEnd: 7, DisableBinding: true}
	got = r.TestNode(gpuJobList(&JobState{GresPerNode: 2}), gpuNodeList(ns), args)
	require.Equal(t, NoVal, got)
	require.Equal(t, "0-7", args.CoreBitmap.String())
}

func TestTestNodePinned(t *testing.T) {
	r := testRegistry(t)

	nicReachable := &NodeState{
		AvailableCount: 1,
		Topo: []*TopoEntry{
			{
				CoreBitmap: bitmap.NewFromIndices(8, 0, 1),
				UnitBitmap: bitmap.NewFromIndices(1, 0),
				CountAvail: 1,
			},
		},
	}

	jobList := []*JobGres{
		{ID: BuildID("gpu"), Name: "gpu", State: &JobState{GresPerNode: 1}},
		{ID: BuildID("nic"), Name: "nic", State: &JobState{GresPerNode: 1}},
	}
	nodeList := []*NodeGres{
		{ID: BuildID("gpu"), Name: "gpu", State: gpuTopoNode()},
		{ID: BuildID("nic"), Name: "nic", State: nicReachable},
	}

	// the gpu pass pins cores 0-3, which still reach the nic
	args := &FitArgs{CoreBitmap: allCores(8), CoreStart: 0, CoreEnd: 7}
	require.Equal(t, uint32(4), r.TestNode(jobList, nodeList, args))

	// a nic only reachable from the cleared cores fails the job
	nicReachable.Topo[0].CoreBitmap = bitmap.NewFromIndices(8, 6, 7)
	args = &FitArgs{CoreBitmap: allCores(8), CoreStart: 0, CoreEnd: 7}
	require.Equal(t, uint32(0), r.TestNode(jobList, nodeList, args))
}

func mpsTopoNode() *NodeState {
	ns := &NodeState{
		ConfiguredCount: 100,
		AvailableCount:  100,
	}
	for i := 0; i < 4; i++ {
		cores := bitmap.NewFromIndices(8, 0, 1, 2, 3)
		if i >= 2 {
			cores = bitmap.NewFromIndices(8, 4, 5, 6, 7)
		}
		ns.Topo = append(ns.Topo, &TopoEntry{
			CoreBitmap: cores,
			UnitBitmap: bitmap.NewFromIndices(4, i),
			CountAvail: 25,
		})
	}
	return ns
}

func TestTestNodeShared(t *testing.T) {
	r := testRegistry(t)

	ns := mpsTopoNode()
	nodeList := []*NodeGres{{ID: BuildID("mps"), Name: "mps", State: ns}}
	jobList := []*JobGres{{ID: BuildID("mps"), Name: "mps", State: &JobState{GresPerNode: 20}}}

	// slices come from a single device; the selectable cores stay
	// open since every candidate core still reaches the node
	args := &FitArgs{CoreBitmap: allCores(8), CoreStart: 0, CoreEnd: 7}
	require.Equal(t, uint32(8), r.TestNode(jobList, nodeList, args))
	require.Equal(t, "0-7", args.CoreBitmap.String())

	// no single device carries 30 slices even though the node has 100
	jobList[0].State.GresPerNode = 30
	args = &FitArgs{CoreBitmap: allCores(8), CoreStart: 0, CoreEnd: 7}
	require.Equal(t, uint32(0), r.TestNode(jobList, nodeList, args))
}

func TestTestNodeSharedBusyDevice(t *testing.T) {
	r := testRegistry(t)

	// device 2 already serves slices, further shared allocations must
	// stay on it
	ns := mpsTopoNode()
	ns.Topo[2].CountAlloc = 5
	ns.AllocatedCount = 5

	nodeList := []*NodeGres{{ID: BuildID("mps"), Name: "mps", State: ns}}
	jobList := []*JobGres{{ID: BuildID("mps"), Name: "mps", State: &JobState{GresPerNode: 10}}}

	args := &FitArgs{CoreBitmap: allCores(8), CoreStart: 0, CoreEnd: 7}
	require.Equal(t, uint32(8), r.TestNode(jobList, nodeList, args))

	// the busy device has 20 slices left, the idle ones do not count
	jobList[0].State.GresPerNode = 22
	args = &FitArgs{CoreBitmap: allCores(8), CoreStart: 0, CoreEnd: 7}
	require.Equal(t, uint32(0), r.TestNode(jobList, nodeList, args))
}

func TestTestNodeOversubscribed(t *testing.T) {
	r := testRegistry(t)

	// an oversubscribed kind reads as zero remaining, not a wrapped
	// huge count
	ns := &NodeState{AvailableCount: 1, AllocatedCount: 2}
	nodeList := []*NodeGres{{ID: BuildID("gpu"), Name: "gpu", State: ns}}
	jobList := []*JobGres{{ID: BuildID("gpu"), Name: "gpu", State: &JobState{GresPerNode: 1}}}

	require.Equal(t, uint32(0), r.TestNode(jobList, nodeList, &FitArgs{}))

	// same for a typed request against an oversubscribed type entry
	ns = &NodeState{
		AvailableCount: 4,
		Types: []*TypeEntry{
			{TypeName: "tesla", TypeID: BuildID("tesla"), CountAvail: 1, CountAlloc: 2},
		},
	}
	nodeList = []*NodeGres{{ID: BuildID("gpu"), Name: "gpu", State: ns}}
	jobList = []*JobGres{{ID: BuildID("gpu"), Name: "gpu", State: &JobState{
		GresPerNode: 1, TypeName: "tesla", TypeID: BuildID("tesla"),
	}}}

	require.Equal(t, uint32(0), r.TestNode(jobList, nodeList, &FitArgs{}))
}

func TestValidateNodeCores(t *testing.T) {
	ns := &NodeState{
		Topo: []*TopoEntry{
			{CoreBitmap: bitmap.NewFromIndices(16, 0, 1, 2, 3)},
			{CoreBitmap: nil},
		},
	}
	ValidateNodeCores(ns, 8, "node0")
	require.Equal(t, 8, ns.Topo[0].CoreBitmap.Size())
	require.Equal(t, "0-1", ns.Topo[0].CoreBitmap.String())
	require.Nil(t, ns.Topo[1].CoreBitmap)
}

func sockArgs() *SockArgs {
	return &SockArgs{
		CoreBitmap:     allCores(8),
		Sockets:        2,
		CoresPerSocket: 4,
		SocketsPerNode: NoVal,
		NodeName:       "node0",
	}
}

func TestBuildSockGres(t *testing.T) {
	r := testRegistry(t)

	args := sockArgs()
	list, reqSock := r.BuildSockGres(gpuJobList(&JobState{GresPerNode: 2}),
		gpuNodeList(gpuTopoNode()), args)
	require.Len(t, list, 1)

	sg := list[0]
	require.Equal(t, "gpu", sg.Name)
	require.Equal(t, uint64(4), sg.TotalCount)
	require.Equal(t, uint64(0), sg.AnySockCount)
	require.Equal(t, []uint64{2, 2}, sg.CountBySock)
	require.Equal(t, "0-1", sg.UnitsBySock[0].String())
	require.Equal(t, "2-3", sg.UnitsBySock[1].String())

	// one socket covers per-node, the best one is marked required
	require.NotNil(t, reqSock)
	require.Equal(t, 1, reqSock.SetCount())
}

func TestBuildSockGresEdges(t *testing.T) {
	r := testRegistry(t)

	// empty request
	list, _ := r.BuildSockGres(nil, gpuNodeList(gpuTopoNode()), sockArgs())
	require.Nil(t, list)

	// kind missing from the node
	jobList := []*JobGres{{ID: BuildID("nic"), Name: "nic", State: &JobState{GresPerNode: 1}}}
	list, _ = r.BuildSockGres(jobList, gpuNodeList(gpuTopoNode()), sockArgs())
	require.Nil(t, list)

	// no cores left kills the node
	args := sockArgs()
	args.CoreBitmap.ClearAll()
	list, _ = r.BuildSockGres(gpuJobList(&JobState{GresPerNode: 1}),
		gpuNodeList(gpuTopoNode()), args)
	require.Nil(t, list)

	// an unservable quantity clears the core bitmap so the node
	// drops out of selection
	args = sockArgs()
	list, _ = r.BuildSockGres(gpuJobList(&JobState{GresPerNode: 5}),
		gpuNodeList(gpuTopoNode()), args)
	require.Nil(t, list)
	require.Equal(t, 0, args.CoreBitmap.SetCount())
}

func TestBuildSockGresAnySocket(t *testing.T) {
	r := testRegistry(t)

	// no affinity and all-socket affinity both land in the
	// any-socket bucket
	ns := &NodeState{
		AvailableCount: 3,
		Topo: []*TopoEntry{
			{
				UnitBitmap: bitmap.NewFromIndices(3, 0),
				CountAvail: 1,
			},
			{
				CoreBitmap: allCores(8),
				UnitBitmap: bitmap.NewFromIndices(3, 1, 2),
				CountAvail: 2,
			},
		},
	}
	list, _ := r.BuildSockGres(gpuJobList(&JobState{GresPerNode: 1}),
		gpuNodeList(ns), sockArgs())
	require.Len(t, list, 1)

	sg := list[0]
	require.Equal(t, uint64(3), sg.AnySockCount)
	require.Equal(t, uint64(3), sg.TotalCount)
	require.Equal(t, "0-2", sg.AnySockUnits.String())
	require.Equal(t, []uint64{0, 0}, sg.CountBySock)
}

func TestBuildSockGresPerSocket(t *testing.T) {
	r := testRegistry(t)

	// both sockets carry the per-socket quantity, excess is trimmed
	list, _ := r.BuildSockGres(gpuJobList(&JobState{GresPerSocket: 1}),
		gpuNodeList(gpuTopoNode()), sockArgs())
	require.Len(t, list, 1)
	require.Equal(t, []uint64{1, 1}, list[0].CountBySock)
	require.Equal(t, uint64(2), list[0].TotalCount)

	// no socket carries 3, binding enforcement clears their cores
	args := sockArgs()
	args.EnforceBinding = true
	list, _ = r.BuildSockGres(gpuJobList(&JobState{GresPerSocket: 3}),
		gpuNodeList(gpuTopoNode()), args)
	require.Nil(t, list)
	require.Equal(t, 0, args.CoreBitmap.SetCount())
}

func TestBuildSockGresSocketSpan(t *testing.T) {
	r := testRegistry(t)

	// a per-job request limited to one socket drops the weaker socket
	args := sockArgs()
	args.EnforceBinding = true
	args.SocketsPerNode = 1

	ns := gpuTopoNode()
	ns.Topo[0].CountAvail = 1
	ns.AvailableCount = 3

	list, _ := r.BuildSockGres(gpuJobList(&JobState{GresPerJob: 2}),
		gpuNodeList(ns), args)
	require.Len(t, list, 1)
	require.Equal(t, []uint64{0, 2}, list[0].CountBySock)
	require.Equal(t, uint64(2), list[0].TotalCount)
	require.Equal(t, "4-7", args.CoreBitmap.String())
}

func TestBuildSockGresAltKind(t *testing.T) {
	r := testRegistry(t)

	// gpus 0-1 already lent out as mps slices are not available as
	// whole devices
	mps := &NodeState{
		AvailableCount: 100,
		AllocatedCount: 10,
		UnitAlloc:      bitmap.NewFromIndices(4, 0, 1),
	}
	nodeList := []*NodeGres{
		{ID: BuildID("gpu"), Name: "gpu", State: gpuTopoNode()},
		{ID: BuildID("mps"), Name: "mps", State: mps},
	}

	list, _ := r.BuildSockGres(gpuJobList(&JobState{GresPerNode: 2}),
		nodeList, sockArgs())
	require.Len(t, list, 1)
	require.Equal(t, []uint64{0, 2}, list[0].CountBySock)
	require.Equal(t, uint64(2), list[0].TotalCount)

	// whole-device grants block mps slices on those devices entirely
	gpu := gpuTopoNode()
	gpu.UnitAlloc = bitmap.NewFromIndices(4, 2, 3)
	gpu.AllocatedCount = 2
	nodeList = []*NodeGres{
		{ID: BuildID("gpu"), Name: "gpu", State: gpu},
		{ID: BuildID("mps"), Name: "mps", State: mpsTopoNode()},
	}
	jobList := []*JobGres{{ID: BuildID("mps"), Name: "mps", State: &JobState{GresPerNode: 20}}}
	list, _ = r.BuildSockGres(jobList, nodeList, sockArgs())
	require.Len(t, list, 1)
	require.Equal(t, []uint64{50, 0}, list[0].CountBySock)
	require.Equal(t, uint64(25), list[0].MaxNodeGres)
}

func TestBuildSockGresByType(t *testing.T) {
	r := testRegistry(t)

	ns := &NodeState{
		AvailableCount: 4,
		Types: []*TypeEntry{
			{TypeID: BuildID("tesla"), TypeName: "tesla", CountAvail: 3},
			{TypeID: BuildID("volta"), TypeName: "volta", CountAvail: 1},
		},
	}
	jobList := gpuJobList(&JobState{
		TypeID: BuildID("tesla"), TypeName: "tesla", GresPerNode: 2,
	})
	list, _ := r.BuildSockGres(jobList, gpuNodeList(ns), sockArgs())
	require.Len(t, list, 1)
	require.Equal(t, uint64(3), list[0].AnySockCount)
	require.Equal(t, uint64(3), list[0].TotalCount)

	jobList[0].State.GresPerNode = 4
	list, _ = r.BuildSockGres(jobList, gpuNodeList(ns), sockArgs())
	require.Nil(t, list)
}

func TestBuildSockGresBasic(t *testing.T) {
	r := testRegistry(t)

	ns := &NodeState{AvailableCount: 4, AllocatedCount: 1}
	list, _ := r.BuildSockGres(gpuJobList(&JobState{GresPerNode: 3}),
		gpuNodeList(ns), sockArgs())
	require.Len(t, list, 1)
	require.Equal(t, uint64(3), list[0].AnySockCount)

	list, _ = r.BuildSockGres(gpuJobList(&JobState{GresPerNode: 4}),
		gpuNodeList(ns), sockArgs())
	require.Nil(t, list)
}

func TestSockGresString(t *testing.T) {
	list := []*SockGres{
		{
			Name:         "gpu",
			TypeName:     "tesla",
			AnySockCount: 1,
			CountBySock:  []uint64{2, 0},
		},
		{
			Name:        "nic",
			CountBySock: []uint64{1, 1},
		},
	}
	require.Equal(t, "gpu:tesla:2 nic:1", SockGresString(list, 0))
	require.Equal(t, "nic:1", SockGresString(list, 1))
	require.Equal(t, "gpu:tesla:1", SockGresString(list, -1))
	require.Equal(t, "", SockGresString(list, 5))
}

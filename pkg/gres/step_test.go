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

// jobWithGres builds a granted two-node job holding 2 gpus per node,
// tracked by device-unit bitmaps.
func jobWithGres() []*JobGres {
	return []*JobGres{
		{
			ID: BuildID("gpu"), Name: "gpu",
			State: &JobState{
				GresPerNode:    2,
				TotalGres:      4,
				NodeCount:      2,
				CountNodeAlloc: []uint64{2, 2},
				BitAlloc: []*bitmap.Bitmap{
					bitmap.NewFromIndices(4, 0, 1),
					bitmap.NewFromIndices(4, 2, 3),
				},
			},
		},
	}
}

func TestValidateStepRequest(t *testing.T) {
	r := testRegistry(t)

	req := NewStepRequest()
	req.TresPerNode = str("gres:gpu:1")
	list, err := r.ValidateStepRequest(req, jobWithGres())
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, uint64(1), list[0].State.GresPerNode)
}

func TestValidateStepRequestAgainstJob(t *testing.T) {
	r := testRegistry(t)

	type testCase struct {
		name string
		req  func(*StepRequest)
		job  func([]*JobGres)
		fail string
	}
	for _, tc := range []*testCase{
		{
			name: "kind not granted to the job",
			req:  func(req *StepRequest) { req.TresPerNode = str("nic:1") },
			fail: "not granted",
		},
		{
			name: "per-node exceeds job per-node",
			req:  func(req *StepRequest) { req.TresPerNode = str("gpu:3") },
			fail: "per-node count 3 exceeds job's 2",
		},
		{
			name: "per-step exceeds job total",
			req:  func(req *StepRequest) { req.TresPerStep = str("gpu:5") },
			fail: "per-step count 5 exceeds job's 4",
		},
		{
			name: "cpus-per-gres exceeds job's",
			req:  func(req *StepRequest) { req.CpusPerTres = str("gpu:4") },
			job: func(jobList []*JobGres) {
				jobList[0].State.CpusPerGres = 2
			},
			fail: "cpus-per-gres 4 exceeds job's 2",
		},
		{
			name: "mem-per-gres exceeds job's",
			req:  func(req *StepRequest) { req.MemPerTres = str("gpu:2048") },
			job: func(jobList []*JobGres) {
				jobList[0].State.MemPerGres = 1024
			},
			fail: "mem-per-gres 2048 exceeds job's 1024",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			jobList := jobWithGres()
			if tc.job != nil {
				tc.job(jobList)
			}
			req := NewStepRequest()
			tc.req(req)
			_, err := r.ValidateStepRequest(req, jobList)
			require.ErrorIs(t, err, ErrInvalidGres)
			require.Contains(t, err.Error(), tc.fail)
		})
	}

	// a dimension the job leaves unset does not constrain the step
	req := NewStepRequest()
	req.CpusPerTres = str("gpu:4")
	list, err := r.ValidateStepRequest(req, jobWithGres())
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestValidateStepRequestFlags(t *testing.T) {
	r := testRegistry(t)

	jobList := jobWithGres()
	jobList[0].State.Flags = FlagNoConsume
	req := NewStepRequest()
	req.TresPerNode = str("gpu:1")
	list, err := r.ValidateStepRequest(req, jobList)
	require.NoError(t, err)
	require.Equal(t, FlagNoConsume, list[0].State.Flags)
}

func TestValidateStepRequestNtasks(t *testing.T) {
	r := testRegistry(t)

	req := NewStepRequest()
	req.NumTasks = 4
	req.NtasksPerTres = 2
	list, err := r.ValidateStepRequest(req, jobWithGres())
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "gpu", list[0].Name)
	require.Equal(t, uint64(2), list[0].State.GresPerStep)

	req = NewStepRequest()
	req.NumTasks = 3
	req.NtasksPerTres = 2
	_, err = r.ValidateStepRequest(req, jobWithGres())
	require.ErrorIs(t, err, ErrInvalidGres)
}

func TestStepGetGresCnt(t *testing.T) {
	js := jobWithGres()[0].State

	require.Equal(t, uint64(2), stepGetGresCnt(js, 0, false))

	// a running step holds one unit on node 0
	js.BitStepAlloc = []*bitmap.Bitmap{bitmap.NewFromIndices(4, 0)}
	require.Equal(t, uint64(1), stepGetGresCnt(js, 0, false))
	require.Equal(t, uint64(2), stepGetGresCnt(js, 0, true))

	// count-only job falls back to the count arrays
	cjs := &JobState{
		NodeCount:      1,
		CountNodeAlloc: []uint64{4},
		CountStepAlloc: []uint64{1},
	}
	require.Equal(t, uint64(3), stepGetGresCnt(cjs, 0, false))
	require.Equal(t, uint64(4), stepGetGresCnt(cjs, 0, true))

	// no allocation records at all
	require.Equal(t, NoVal64, stepGetGresCnt(&JobState{}, 0, false))
}

func TestTestStep(t *testing.T) {
	type testCase struct {
		name        string
		state       *StepState
		nodeIndex   int
		cpusPerTask uint16
		maxRemNodes int
		result      uint64
	}
	for _, tc := range []*testCase{
		{
			name:        "no constraining dimension",
			state:       &StepState{},
			cpusPerTask: NoVal16,
			maxRemNodes: 2,
			result:      NoVal64,
		},
		{
			name:        "per-node satisfied",
			state:       &StepState{GresPerNode: 2},
			cpusPerTask: NoVal16,
			maxRemNodes: 2,
			result:      NoVal64,
		},
		{
			name:        "per-node unsatisfied",
			state:       &StepState{GresPerNode: 3},
			cpusPerTask: NoVal16,
			maxRemNodes: 2,
			result:      0,
		},
		{
			name:        "per-task limits cpus",
			state:       &StepState{GresPerTask: 1},
			cpusPerTask: 4,
			maxRemNodes: 2,
			result:      8,
		},
		{
			name:        "per-step only binds on the last node",
			state:       &StepState{GresPerStep: 3},
			cpusPerTask: NoVal16,
			maxRemNodes: 2,
			result:      NoVal64,
		},
		{
			name:        "per-step unsatisfiable on the last node",
			state:       &StepState{GresPerStep: 3},
			cpusPerTask: NoVal16,
			maxRemNodes: 1,
			result:      0,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			jobList := jobWithGres()
			stepList := []*StepGres{
				{ID: BuildID("gpu"), Name: "gpu", State: tc.state},
			}
			got := TestStep(stepList, jobList, tc.nodeIndex, true,
				tc.cpusPerTask, tc.maxRemNodes, false)
			require.Equal(t, tc.result, got)
		})
	}

	// a step kind missing from the job's grant means no fit
	stepList := []*StepGres{
		{ID: BuildID("nic"), Name: "nic", State: &StepState{}},
	}
	require.Equal(t, uint64(0), TestStep(stepList, jobWithGres(), 0, true, NoVal16, 1, false))
}

func TestTestStepAccumulation(t *testing.T) {
	jobList := jobWithGres()
	ss := &StepState{GresPerStep: 4}
	stepList := []*StepGres{{ID: BuildID("gpu"), Name: "gpu", State: ss}}

	// first node contributes 2, so the remaining need on the last
	// node is 2 and node 1 satisfies it
	require.Equal(t, NoVal64, TestStep(stepList, jobList, 0, true, NoVal16, 2, false))
	ss.TotalGres = 2
	require.Equal(t, NoVal64, TestStep(stepList, jobList, 1, false, NoVal16, 1, false))

	// without the earlier contribution the last node cannot cover 4
	require.Equal(t, uint64(0), TestStep(stepList, jobList, 1, true, NoVal16, 1, false))
}

func TestAllocDeallocStep(t *testing.T) {
	jobList := jobWithGres()
	js := jobList[0].State
	ss := &StepState{GresPerNode: 1}
	stepList := []*StepGres{{ID: BuildID("gpu"), Name: "gpu", State: ss}}

	require.NoError(t, AllocStep(stepList, jobList, 0, true, 1))
	require.Equal(t, uint64(1), ss.TotalGres)
	require.Equal(t, []uint64{1, 0}, ss.CountNodeAlloc)
	require.Equal(t, "0", ss.BitAlloc[0].String())
	require.Equal(t, "0", js.BitStepAlloc[0].String())
	require.True(t, ss.NodeInUse.Test(0))

	require.NoError(t, AllocStep(stepList, jobList, 1, false, 1))
	require.Equal(t, uint64(2), ss.TotalGres)
	require.Equal(t, "2", ss.BitAlloc[1].String())

	// a second step takes the next free unit on node 0
	ss2 := &StepState{GresPerNode: 1}
	stepList2 := []*StepGres{{ID: BuildID("gpu"), Name: "gpu", State: ss2}}
	require.NoError(t, AllocStep(stepList2, jobList, 0, true, 1))
	require.Equal(t, "1", ss2.BitAlloc[0].String())
	require.Equal(t, "0-1", js.BitStepAlloc[0].String())

	// node 0 is now exhausted
	ss3 := &StepState{GresPerNode: 1}
	stepList3 := []*StepGres{{ID: BuildID("gpu"), Name: "gpu", State: ss3}}
	require.Error(t, AllocStep(stepList3, jobList, 0, true, 1))

	// releasing the first step frees its unit for reuse
	require.NoError(t, DeallocStep(stepList, jobList))
	require.Equal(t, uint64(0), ss.TotalGres)
	require.Equal(t, "1", js.BitStepAlloc[0].String())
	require.Equal(t, 0, ss.NodeInUse.SetCount())

	require.NoError(t, AllocStep(stepList3, jobList, 0, true, 1))
	require.Equal(t, "0", ss3.BitAlloc[0].String())
}

func TestAllocStepCountOnly(t *testing.T) {
	jobList := []*JobGres{
		{
			ID: BuildID("nic"), Name: "nic",
			State: &JobState{
				NodeCount:      1,
				CountNodeAlloc: []uint64{4},
			},
		},
	}
	ss := &StepState{GresPerTask: 1}
	stepList := []*StepGres{{ID: BuildID("nic"), Name: "nic", State: ss}}

	require.NoError(t, AllocStep(stepList, jobList, 0, true, 3))
	require.Equal(t, uint64(3), ss.TotalGres)
	require.Equal(t, []uint64{3}, jobList[0].State.CountStepAlloc)

	// only one unit left, a step wanting two cannot start
	ss2 := &StepState{GresPerNode: 2}
	stepList2 := []*StepGres{{ID: BuildID("nic"), Name: "nic", State: ss2}}
	require.Error(t, AllocStep(stepList2, jobList, 0, true, 1))

	require.NoError(t, DeallocStep(stepList, jobList))
	require.Equal(t, []uint64{0}, jobList[0].State.CountStepAlloc)
}

func TestAllocStepOutsideAllocation(t *testing.T) {
	jobList := jobWithGres()
	ss := &StepState{GresPerNode: 1}
	stepList := []*StepGres{{ID: BuildID("gpu"), Name: "gpu", State: ss}}
	require.Error(t, AllocStep(stepList, jobList, 5, true, 1))
}

func TestStepGresCount(t *testing.T) {
	list := []*StepGres{
		{
			ID: BuildID("gpu"), Name: "gpu",
			State: &StepState{CountNodeAlloc: []uint64{1, 1}},
		},
	}
	require.Equal(t, uint64(2), StepGresCount(list, "gpu"))
	require.Equal(t, NoVal64, StepGresCount(list, "nic"))
}

func TestStepStateDupExtract(t *testing.T) {
	ss := &StepState{
		GresPerNode:    1,
		TotalGres:      2,
		NodeCount:      2,
		NodeInUse:      bitmap.NewFromIndices(2, 0, 1),
		CountNodeAlloc: []uint64{1, 1},
		BitAlloc: []*bitmap.Bitmap{
			bitmap.NewFromIndices(4, 0),
			bitmap.NewFromIndices(4, 2),
		},
	}

	dup := ss.Dup()
	dup.BitAlloc[0].Set(1)
	dup.NodeInUse.Clear(0)
	require.False(t, ss.BitAlloc[0].Test(1))
	require.True(t, ss.NodeInUse.Test(0))

	one := ss.Extract(1)
	require.Equal(t, uint32(1), one.NodeCount)
	require.Equal(t, []uint64{1}, one.CountNodeAlloc)
	require.Equal(t, "2", one.BitAlloc[0].String())
	require.True(t, one.NodeInUse.Test(0))

	var nilState *StepState
	require.Nil(t, nilState.Dup())
	require.Nil(t, nilState.Extract(0))
}

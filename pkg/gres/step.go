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

	"github.com/joelandman/slurm/pkg/bitmap"
)

// StepState is one resource kind's per-step request and allocation.
type StepState struct {
	TypeID   uint32
	TypeName string
	Flags    JobFlags

	CpusPerGres   uint16
	GresPerStep   uint64
	GresPerNode   uint64
	GresPerSocket uint64
	GresPerTask   uint64
	MemPerGres    uint64

	// TotalGres accumulates the quantity granted across the step's
	// nodes while the step is being placed.
	TotalGres uint64

	NodeCount      uint32
	NodeInUse      *bitmap.Bitmap
	CountNodeAlloc []uint64
	BitAlloc       []*bitmap.Bitmap
}

// StepRequest is the input to step request validation. Field semantics
// match JobRequest.
type StepRequest struct {
	CpusPerTres   *string
	TresPerStep   *string
	TresPerNode   *string
	TresPerSocket *string
	TresPerTask   *string
	MemPerTres    *string
	NtasksPerTres uint16

	NumTasks    uint32
	MinNodes    uint32
	CpusPerTask uint16
}

// NewStepRequest returns a request with every geometry field unset.
func NewStepRequest() *StepRequest {
	return &StepRequest{
		NtasksPerTres: NoVal16,
		NumTasks:      NoVal,
		MinNodes:      NoVal,
		CpusPerTask:   NoVal16,
	}
}

// findStepGres returns the record matching kind id and type id, or nil.
func findStepGres(list []*StepGres, id, typeID uint32) *StepGres {
	for _, sg := range list {
		if sg.ID == id && sg.State.TypeID == typeID {
			return sg
		}
	}
	return nil
}

func (r *Registry) getStepGres(list []*StepGres, spec gresSpec) ([]*StepGres, *StepGres) {
	kind := r.LookupName(spec.name)
	typeID := uint32(0)
	if spec.typeName != "" {
		typeID = BuildID(spec.typeName)
	}
	if sg := findStepGres(list, kind.ID, typeID); sg != nil {
		return list, sg
	}
	sg := &StepGres{
		ID:   kind.ID,
		Name: kind.Name,
		State: &StepState{
			TypeID:   typeID,
			TypeName: spec.typeName,
		},
	}
	return append(list, sg), sg
}

// ValidateStepRequest parses a step's resource request and checks it
// against the owning job's per-kind records. Every step quantity must
// be covered by the job's matching quantity, and a step may not name a
// kind the job was not granted.
func (r *Registry) ValidateStepRequest(req *StepRequest, jobList []*JobGres) ([]*StepGres, error) {
	var list []*StepGres

	fields := []struct {
		spec *string
		set  func(*StepState, uint64)
	}{
		{req.CpusPerTres, func(ss *StepState, cnt uint64) { ss.CpusPerGres = uint16(cnt) }},
		{req.TresPerStep, func(ss *StepState, cnt uint64) { ss.GresPerStep = cnt }},
		{req.TresPerNode, func(ss *StepState, cnt uint64) { ss.GresPerNode = cnt }},
		{req.TresPerSocket, func(ss *StepState, cnt uint64) { ss.GresPerSocket = cnt }},
		{req.TresPerTask, func(ss *StepState, cnt uint64) { ss.GresPerTask = cnt }},
		{req.MemPerTres, func(ss *StepState, cnt uint64) { ss.MemPerGres = cnt }},
	}
	for _, f := range fields {
		if f.spec == nil || *f.spec == "" {
			continue
		}
		specs, err := r.parseGresList(*f.spec)
		if err != nil {
			return nil, err
		}
		for _, spec := range specs {
			var sg *StepGres
			list, sg = r.getStepGres(list, spec)
			f.set(sg.State, spec.count)
		}
	}

	if req.NtasksPerTres != NoVal16 && req.NumTasks != NoVal {
		gpus := uint64(req.NumTasks) / uint64(req.NtasksPerTres)
		if uint64(req.NumTasks) != gpus*uint64(req.NtasksPerTres) {
			return nil, fmt.Errorf("%w: step ntasks %d not a multiple of ntasks-per-gpu %d",
				ErrInvalidGres, req.NumTasks, req.NtasksPerTres)
		}
		specs, err := r.parseGresList(fmt.Sprintf("gres:gpu:%d", gpus))
		if err != nil {
			return nil, err
		}
		for _, spec := range specs {
			var sg *StepGres
			list, sg = r.getStepGres(list, spec)
			sg.State.GresPerStep = spec.count
		}
	}

	for _, sg := range list {
		if err := validateStepCounts(sg, jobList); err != nil {
			return nil, err
		}
	}
	return list, nil
}

// validateStepCounts checks one step record against the job's grant.
// A typed step record matches the job's record of the same type; an
// untyped one matches the job's untyped record.
func validateStepCounts(sg *StepGres, jobList []*JobGres) error {
	ss := sg.State
	jg := findJobGres(jobList, sg.ID, ss.TypeID)
	if jg == nil {
		return fmt.Errorf("%w: step requests gres/%s not granted to the job",
			ErrInvalidGres, stepGresName(sg))
	}
	js := jg.State

	type pair struct {
		what      string
		step, job uint64
	}
	checks := []pair{
		{"cpus-per-gres", uint64(ss.CpusPerGres), uint64(js.CpusPerGres)},
		{"mem-per-gres", ss.MemPerGres, js.MemPerGres},
		{"per-step count", ss.GresPerStep, js.TotalGres},
		{"per-node count", ss.GresPerNode, js.GresPerNode},
		{"per-socket count", ss.GresPerSocket, js.GresPerSocket},
		{"per-task count", ss.GresPerTask, js.GresPerTask},
	}
	for _, c := range checks {
		if c.step == 0 || c.job == 0 {
			continue
		}
		if c.step > c.job {
			return fmt.Errorf("%w: step gres/%s %s %d exceeds job's %d",
				ErrInvalidGres, stepGresName(sg), c.what, c.step, c.job)
		}
	}
	ss.Flags = js.Flags
	return nil
}

func stepGresName(sg *StepGres) string {
	if sg.State.TypeName != "" {
		return sg.Name + ":" + sg.State.TypeName
	}
	return sg.Name
}

// stepGetGresCnt returns the quantity of one kind the job still has
// free on the node, preferring the device-unit bitmaps when present.
// NoVal64 means the job carries no usable allocation records at all.
func stepGetGresCnt(js *JobState, nodeIndex int, ignoreAlloc bool) uint64 {
	if nodeIndex < len(js.BitAlloc) && js.BitAlloc[nodeIndex] != nil {
		cnt := uint64(js.BitAlloc[nodeIndex].SetCount())
		if !ignoreAlloc && nodeIndex < len(js.BitStepAlloc) &&
			js.BitStepAlloc[nodeIndex] != nil {
			cnt -= uint64(js.BitStepAlloc[nodeIndex].SetCount())
		}
		return cnt
	}
	if nodeIndex < len(js.CountNodeAlloc) {
		cnt := js.CountNodeAlloc[nodeIndex]
		if !ignoreAlloc && nodeIndex < len(js.CountStepAlloc) {
			cnt -= js.CountStepAlloc[nodeIndex]
		}
		return cnt
	}
	return NoVal64
}

// stepTest returns how many cpus the step could use on the node given
// the free quantity, NoVal64 when the record imposes no cpu limit, and
// 0 when the step cannot run on the node now. The per-step quantity
// only constrains the last node being considered, counted against what
// earlier nodes already contributed.
func stepTest(ss *StepState, js *JobState, nodeIndex int, firstStepNode bool,
	cpusPerTask uint16, maxRemNodes int, ignoreAlloc bool) uint64 {

	gresCnt := stepGetGresCnt(js, nodeIndex, ignoreAlloc)
	if gresCnt == NoVal64 {
		return 0
	}
	if firstStepNode {
		ss.TotalGres = 0
	}

	minGres := uint64(1)
	if ss.GresPerNode > minGres {
		minGres = ss.GresPerNode
	}
	if ss.GresPerSocket > minGres {
		minGres = ss.GresPerSocket
	}
	if ss.GresPerTask > minGres {
		minGres = ss.GresPerTask
	}
	if ss.GresPerStep > 0 && maxRemNodes == 1 {
		rem := uint64(0)
		if ss.GresPerStep > ss.TotalGres {
			rem = ss.GresPerStep - ss.TotalGres
		}
		if rem > minGres {
			minGres = rem
		}
	}
	if gresCnt < minGres {
		return 0
	}
	if ss.GresPerTask > 0 {
		tasks := gresCnt / ss.GresPerTask
		cpt := uint64(1)
		if cpusPerTask != NoVal16 && cpusPerTask > 0 {
			cpt = uint64(cpusPerTask)
		}
		return tasks * cpt
	}
	return NoVal64
}

// TestStep returns the cpu count usable by the step on one node of the
// job's allocation, the minimum across the step's kinds. NoVal64 means
// no kind imposes a limit; 0 means the node cannot serve the step now.
// With ignoreAlloc set, quantities consumed by running steps are
// treated as free.
func TestStep(stepList []*StepGres, jobList []*JobGres, nodeIndex int,
	firstStepNode bool, cpusPerTask uint16, maxRemNodes int, ignoreAlloc bool) uint64 {

	cpuCnt := uint64(NoVal64)
	for _, sg := range stepList {
		jg := findJobGres(jobList, sg.ID, sg.State.TypeID)
		if jg == nil {
			return 0
		}
		cnt := stepTest(sg.State, jg.State, nodeIndex, firstStepNode,
			cpusPerTask, maxRemNodes, ignoreAlloc)
		if cnt < cpuCnt {
			cpuCnt = cnt
		}
		if cpuCnt == 0 {
			return 0
		}
	}
	return cpuCnt
}

// AllocStep consumes job-held device units for the step on one node,
// recording them in both the step state and the job's step overlays.
func AllocStep(stepList []*StepGres, jobList []*JobGres, nodeIndex int,
	firstStepNode bool, tasksOnNode uint32) error {

	for _, sg := range stepList {
		jg := findJobGres(jobList, sg.ID, sg.State.TypeID)
		if jg == nil {
			return fmt.Errorf("%w: step gres/%s missing from job allocation",
				ErrInvalidGres, stepGresName(sg))
		}
		if err := allocStepKind(sg, jg.State, nodeIndex, firstStepNode, tasksOnNode); err != nil {
			return err
		}
	}
	return nil
}

func allocStepKind(sg *StepGres, js *JobState, nodeIndex int,
	firstStepNode bool, tasksOnNode uint32) error {

	ss := sg.State
	if firstStepNode {
		ss.TotalGres = 0
	}

	want := uint64(0)
	switch {
	case ss.GresPerNode > 0:
		want = ss.GresPerNode
	case ss.GresPerTask > 0:
		want = ss.GresPerTask * uint64(tasksOnNode)
	case ss.GresPerStep > 0:
		if ss.GresPerStep > ss.TotalGres {
			want = ss.GresPerStep - ss.TotalGres
		}
	default:
		want = stepGetGresCnt(js, nodeIndex, false)
		if want == NoVal64 {
			want = 0
		}
	}
	if want == 0 {
		return nil
	}

	if nodeIndex >= int(js.NodeCount) {
		return fmt.Errorf("%w: node index %d outside job allocation",
			ErrInvalidGres, nodeIndex)
	}
	growStepArrays(ss, int(js.NodeCount))

	if nodeIndex < len(js.BitAlloc) && js.BitAlloc[nodeIndex] != nil {
		jb := js.BitAlloc[nodeIndex]
		if len(js.BitStepAlloc) < len(js.BitAlloc) {
			js.BitStepAlloc = append(js.BitStepAlloc,
				make([]*bitmap.Bitmap, len(js.BitAlloc)-len(js.BitStepAlloc))...)
		}
		if js.BitStepAlloc[nodeIndex] == nil {
			js.BitStepAlloc[nodeIndex] = bitmap.New(jb.Size())
		}
		sb := bitmap.New(jb.Size())
		got := uint64(0)
		for i := 0; i < jb.Size() && got < want; i++ {
			if jb.Test(i) && !js.BitStepAlloc[nodeIndex].Test(i) {
				sb.Set(i)
				js.BitStepAlloc[nodeIndex].Set(i)
				got++
			}
		}
		if got < want {
			return fmt.Errorf("%w: gres/%s: %d units free on node %d, step needs %d",
				ErrInvalidGres, stepGresName(sg), got, nodeIndex, want)
		}
		ss.BitAlloc[nodeIndex] = sb
		ss.CountNodeAlloc[nodeIndex] = got
		ss.TotalGres += got
		ss.NodeInUse.Set(nodeIndex)
		return nil
	}

	free := stepGetGresCnt(js, nodeIndex, false)
	if free == NoVal64 || free < want {
		return fmt.Errorf("%w: gres/%s: node %d cannot supply %d units to the step",
			ErrInvalidGres, stepGresName(sg), nodeIndex, want)
	}
	if len(js.CountStepAlloc) < len(js.CountNodeAlloc) {
		js.CountStepAlloc = append(js.CountStepAlloc,
			make([]uint64, len(js.CountNodeAlloc)-len(js.CountStepAlloc))...)
	}
	js.CountStepAlloc[nodeIndex] += want
	ss.CountNodeAlloc[nodeIndex] = want
	ss.TotalGres += want
	ss.NodeInUse.Set(nodeIndex)
	return nil
}

func growStepArrays(ss *StepState, nodes int) {
	if ss.NodeCount == 0 {
		ss.NodeCount = uint32(nodes)
	}
	if ss.NodeInUse == nil {
		ss.NodeInUse = bitmap.New(nodes)
	}
	if len(ss.CountNodeAlloc) < nodes {
		ss.CountNodeAlloc = append(ss.CountNodeAlloc,
			make([]uint64, nodes-len(ss.CountNodeAlloc))...)
	}
	if len(ss.BitAlloc) < nodes {
		ss.BitAlloc = append(ss.BitAlloc,
			make([]*bitmap.Bitmap, nodes-len(ss.BitAlloc))...)
	}
}

// DeallocStep returns the step's holdings to the job's free pool.
func DeallocStep(stepList []*StepGres, jobList []*JobGres) error {
	for _, sg := range stepList {
		jg := findJobGres(jobList, sg.ID, sg.State.TypeID)
		if jg == nil {
			log.Warn("dealloc: step gres/%s missing from job, skipping", stepGresName(sg))
			continue
		}
		js, ss := jg.State, sg.State
		for i := 0; i < len(ss.BitAlloc); i++ {
			if ss.BitAlloc[i] == nil {
				continue
			}
			if i < len(js.BitStepAlloc) && js.BitStepAlloc[i] != nil {
				if js.BitStepAlloc[i].Size() != ss.BitAlloc[i].Size() {
					return fmt.Errorf("%w: gres/%s step/job bitmap width mismatch on node %d",
						ErrBitmapMismatch, stepGresName(sg), i)
				}
				js.BitStepAlloc[i].AndNot(ss.BitAlloc[i])
			}
			ss.BitAlloc[i] = nil
		}
		for i := 0; i < len(ss.CountNodeAlloc); i++ {
			if ss.CountNodeAlloc[i] == 0 {
				continue
			}
			if i < len(js.CountStepAlloc) {
				if js.CountStepAlloc[i] >= ss.CountNodeAlloc[i] {
					js.CountStepAlloc[i] -= ss.CountNodeAlloc[i]
				} else {
					js.CountStepAlloc[i] = 0
				}
			}
			ss.CountNodeAlloc[i] = 0
		}
		ss.TotalGres = 0
		if ss.NodeInUse != nil {
			ss.NodeInUse.ClearAll()
		}
	}
	return nil
}

// StepGresCount returns the total quantity of the named kind held by
// the step across its nodes, or NoVal64 if the kind is absent.
func StepGresCount(list []*StepGres, name string) uint64 {
	id := BuildID(name)
	total, found := uint64(0), false
	for _, sg := range list {
		if sg.ID != id {
			continue
		}
		found = true
		for _, cnt := range sg.State.CountNodeAlloc {
			total += cnt
		}
		if len(sg.State.CountNodeAlloc) == 0 {
			total += sg.State.TotalGres
		}
	}
	if !found {
		return NoVal64
	}
	return total
}

// Dup returns a deep copy of the step state.
func (ss *StepState) Dup() *StepState {
	if ss == nil {
		return nil
	}
	n := *ss
	if ss.NodeInUse != nil {
		n.NodeInUse = ss.NodeInUse.Copy()
	}
	n.CountNodeAlloc = append([]uint64(nil), ss.CountNodeAlloc...)
	n.BitAlloc = dupBitmaps(ss.BitAlloc)
	return &n
}

// Extract returns a single-node view of the step state for the given
// node of the step's allocation.
func (ss *StepState) Extract(nodeIndex int) *StepState {
	if ss == nil {
		return nil
	}
	n := *ss
	n.NodeCount = 1
	n.NodeInUse = bitmap.New(1)
	n.NodeInUse.Set(0)
	n.CountNodeAlloc, n.BitAlloc = nil, nil
	if nodeIndex < len(ss.CountNodeAlloc) {
		n.CountNodeAlloc = []uint64{ss.CountNodeAlloc[nodeIndex]}
	}
	if nodeIndex < len(ss.BitAlloc) && ss.BitAlloc[nodeIndex] != nil {
		n.BitAlloc = []*bitmap.Bitmap{ss.BitAlloc[nodeIndex].Copy()}
	}
	return &n
}

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
	"encoding/binary"
	"fmt"

	"github.com/joelandman/slurm/pkg/bitmap"
)

// Wire protocol versions. Version 2 adds the per-record task ratio to
// job records; readers of version 1 payloads mark it unset.
const (
	ProtocolVersionMin uint16 = 1
	ProtocolVersion    uint16 = 2
)

// Buffer is a big-endian wire codec with a sticky error. Write
// methods append at the current offset, read methods consume from it.
// After any failed read every further read reports zero values; check
// Err once at the end.
type Buffer struct {
	b   []byte
	off int
	err error
}

// NewBuffer returns a codec over the payload, positioned at its start.
func NewBuffer(payload []byte) *Buffer {
	return &Buffer{b: payload}
}

// Bytes returns the accumulated payload.
func (p *Buffer) Bytes() []byte { return p.b }

// Err returns the first read failure, if any.
func (p *Buffer) Err() error { return p.err }

// Offset returns the current read/write position.
func (p *Buffer) Offset() int { return p.off }

// SetOffset repositions the buffer, used to patch placeholders.
func (p *Buffer) SetOffset(off int) { p.off = off }

// Remaining returns the unread byte count.
func (p *Buffer) Remaining() int { return len(p.b) - p.off }

func (p *Buffer) grow(n int) []byte {
	if p.off+n > len(p.b) {
		p.b = append(p.b, make([]byte, p.off+n-len(p.b))...)
	}
	s := p.b[p.off : p.off+n]
	p.off += n
	return s
}

func (p *Buffer) take(n int) []byte {
	if p.err != nil {
		return nil
	}
	if p.off+n > len(p.b) {
		p.err = fmt.Errorf("%w: %d bytes wanted, %d remain", ErrUnpack, n, p.Remaining())
		return nil
	}
	s := p.b[p.off : p.off+n]
	p.off += n
	return s
}

func (p *Buffer) Pack8(v uint8)   { p.grow(1)[0] = v }
func (p *Buffer) Pack16(v uint16) { binary.BigEndian.PutUint16(p.grow(2), v) }
func (p *Buffer) Pack32(v uint32) { binary.BigEndian.PutUint32(p.grow(4), v) }
func (p *Buffer) Pack64(v uint64) { binary.BigEndian.PutUint64(p.grow(8), v) }

func (p *Buffer) Unpack8() uint8 {
	if s := p.take(1); s != nil {
		return s[0]
	}
	return 0
}

func (p *Buffer) Unpack16() uint16 {
	if s := p.take(2); s != nil {
		return binary.BigEndian.Uint16(s)
	}
	return 0
}

func (p *Buffer) Unpack32() uint32 {
	if s := p.take(4); s != nil {
		return binary.BigEndian.Uint32(s)
	}
	return 0
}

func (p *Buffer) Unpack64() uint64 {
	if s := p.take(8); s != nil {
		return binary.BigEndian.Uint64(s)
	}
	return 0
}

// PackStr writes a length-prefixed string; NoVal length marks the
// empty string so readers can keep the distinction cheaply.
func (p *Buffer) PackStr(s string) {
	if s == "" {
		p.Pack32(NoVal)
		return
	}
	p.Pack32(uint32(len(s)))
	copy(p.grow(len(s)), s)
}

func (p *Buffer) UnpackStr() string {
	n := p.Unpack32()
	if p.err != nil || n == NoVal || n == 0 {
		return ""
	}
	if int(n) > p.Remaining() {
		p.err = fmt.Errorf("%w: string length %d exceeds payload", ErrUnpack, n)
		return ""
	}
	return string(p.take(int(n)))
}

// Pack64Array writes a u32 element count followed by the elements.
func (p *Buffer) Pack64Array(vals []uint64) {
	p.Pack32(uint32(len(vals)))
	for _, v := range vals {
		p.Pack64(v)
	}
}

func (p *Buffer) Unpack64Array() []uint64 {
	n := p.Unpack32()
	if p.err != nil || n == 0 {
		return nil
	}
	if int(n)*8 > p.Remaining() {
		p.err = fmt.Errorf("%w: array length %d exceeds payload", ErrUnpack, n)
		return nil
	}
	out := make([]uint64, n)
	for i := range out {
		out[i] = p.Unpack64()
	}
	return out
}

// PackBitmap writes the bit width and a hex rendering of the bitmap;
// a nil bitmap is a bare NoVal width.
func (p *Buffer) PackBitmap(b *bitmap.Bitmap) {
	if b == nil {
		p.Pack32(NoVal)
		return
	}
	p.Pack32(uint32(b.Size()))
	p.PackStr(b.HexString())
}

func (p *Buffer) UnpackBitmap() *bitmap.Bitmap {
	n := p.Unpack32()
	if p.err != nil || n == NoVal {
		return nil
	}
	s := p.UnpackStr()
	if p.err != nil {
		return nil
	}
	b, err := bitmap.ParseHex(s, int(n))
	if err != nil {
		p.err = fmt.Errorf("%w: %v", ErrUnpack, err)
		return nil
	}
	return b
}

// packRecCount writes the u16 record-count placeholder and returns a
// patch function to call once the count is known.
func (p *Buffer) packRecCount() func(uint16) {
	top := p.Offset()
	p.Pack16(0)
	return func(cnt uint16) {
		tail := p.Offset()
		p.SetOffset(top)
		p.Pack16(cnt)
		p.SetOffset(tail)
	}
}

// PackNodeState serializes a node's per-kind state. Only the settled
// quantity and the unit bitmap width survive a restart; allocations
// are rebuilt from recovered jobs.
func PackNodeState(p *Buffer, list []*NodeGres) {
	patch := p.packRecCount()
	cnt := uint16(0)
	for _, ng := range list {
		ns := ng.State
		p.Pack32(Magic)
		p.Pack32(ng.ID)
		p.Pack64(ns.AvailableCount)
		width := uint16(0)
		if ns.UnitAlloc != nil {
			width = uint16(ns.UnitAlloc.Size())
		}
		p.Pack16(width)
		cnt++
	}
	patch(cnt)
}

// UnpackNodeState restores node records written by PackNodeState.
// Records of kinds no longer configured are logged and skipped, not
// fatal, since the configured kind set may have changed across the
// restart.
func (r *Registry) UnpackNodeState(p *Buffer, nodeName string) ([]*NodeGres, error) {
	recCnt := p.Unpack16()
	var list []*NodeGres
	for ; recCnt > 0 && p.Remaining() > 0; recCnt-- {
		magic := p.Unpack32()
		if p.err == nil && magic != Magic {
			return nil, fmt.Errorf("%w: bad magic in node record from %s",
				ErrUnpack, nodeName)
		}
		id := p.Unpack32()
		avail := p.Unpack64()
		width := p.Unpack16()
		if p.err != nil {
			return nil, fmt.Errorf("node %s: %w", nodeName, p.err)
		}
		kind := r.Lookup(id)
		if kind == nil {
			log.Error("no kind configured to unpack id %d from node %s",
				id, nodeName)
			continue
		}
		ns := NewNodeState()
		ns.AvailableCount = avail
		if width > 0 {
			ns.UnitAlloc = bitmap.New(int(width))
		}
		list = append(list, &NodeGres{ID: kind.ID, Name: kind.Name, State: ns})
	}
	return list, nil
}

// PackJobState serializes a job's per-kind request and grant records.
// The step-consumption overlays are only written with details set;
// they are scheduler-internal and omitted from payloads sent to
// compute nodes.
func PackJobState(p *Buffer, list []*JobGres, details bool, version uint16) {
	patch := p.packRecCount()
	cnt := uint16(0)
	for _, jg := range list {
		js := jg.State
		p.Pack32(Magic)
		p.Pack32(jg.ID)
		p.Pack16(js.CpusPerGres)
		p.Pack16(uint16(js.Flags))
		p.Pack64(js.GresPerJob)
		p.Pack64(js.GresPerNode)
		p.Pack64(js.GresPerSocket)
		p.Pack64(js.GresPerTask)
		p.Pack64(js.MemPerGres)
		if version >= ProtocolVersion {
			p.Pack16(js.NtasksPerGres)
		}
		p.Pack64(js.TotalGres)
		p.PackStr(js.TypeName)
		p.Pack32(js.NodeCount)

		if js.CountNodeAlloc != nil {
			p.Pack8(1)
			p.Pack64Array(js.CountNodeAlloc)
		} else {
			p.Pack8(0)
		}
		if js.BitAlloc != nil {
			p.Pack8(1)
			for i := uint32(0); i < js.NodeCount; i++ {
				p.PackBitmap(nodeBitmap(js.BitAlloc, int(i)))
			}
		} else {
			p.Pack8(0)
		}
		if details && js.BitStepAlloc != nil {
			p.Pack8(1)
			for i := uint32(0); i < js.NodeCount; i++ {
				p.PackBitmap(nodeBitmap(js.BitStepAlloc, int(i)))
			}
		} else {
			p.Pack8(0)
		}
		if details && js.CountStepAlloc != nil {
			p.Pack8(1)
			for i := uint32(0); i < js.NodeCount; i++ {
				if int(i) < len(js.CountStepAlloc) {
					p.Pack64(js.CountStepAlloc[i])
				} else {
					p.Pack64(0)
				}
			}
		} else {
			p.Pack8(0)
		}
		cnt++
	}
	patch(cnt)
}

func nodeBitmap(bits []*bitmap.Bitmap, i int) *bitmap.Bitmap {
	if i < len(bits) {
		return bits[i]
	}
	return nil
}

// UnpackJobState restores job records written by PackJobState.
func (r *Registry) UnpackJobState(p *Buffer, jobID uint32, version uint16) ([]*JobGres, error) {
	recCnt := p.Unpack16()
	var list []*JobGres
	for ; recCnt > 0 && p.Remaining() > 0; recCnt-- {
		magic := p.Unpack32()
		if p.err == nil && magic != Magic {
			return nil, fmt.Errorf("%w: bad magic in job %d record", ErrUnpack, jobID)
		}
		id := p.Unpack32()
		js := &JobState{}
		js.CpusPerGres = p.Unpack16()
		js.Flags = JobFlags(p.Unpack16())
		js.GresPerJob = p.Unpack64()
		js.GresPerNode = p.Unpack64()
		js.GresPerSocket = p.Unpack64()
		js.GresPerTask = p.Unpack64()
		js.MemPerGres = p.Unpack64()
		if version >= ProtocolVersion {
			js.NtasksPerGres = p.Unpack16()
		} else {
			js.NtasksPerGres = NoVal16
		}
		js.TotalGres = p.Unpack64()
		js.TypeName = p.UnpackStr()
		if js.TypeName != "" {
			js.TypeID = BuildID(js.TypeName)
		}
		js.NodeCount = p.Unpack32()
		if p.err == nil && js.NodeCount > NoVal {
			return nil, fmt.Errorf("%w: job %d node count %d", ErrUnpack, jobID, js.NodeCount)
		}

		if p.Unpack8() != 0 {
			js.CountNodeAlloc = p.Unpack64Array()
		}
		if p.Unpack8() != 0 {
			js.BitAlloc = make([]*bitmap.Bitmap, js.NodeCount)
			for i := range js.BitAlloc {
				js.BitAlloc[i] = p.UnpackBitmap()
			}
		}
		if p.Unpack8() != 0 {
			js.BitStepAlloc = make([]*bitmap.Bitmap, js.NodeCount)
			for i := range js.BitStepAlloc {
				js.BitStepAlloc[i] = p.UnpackBitmap()
			}
		}
		if p.Unpack8() != 0 {
			js.CountStepAlloc = make([]uint64, js.NodeCount)
			for i := range js.CountStepAlloc {
				js.CountStepAlloc[i] = p.Unpack64()
			}
		}
		if p.err != nil {
			return nil, fmt.Errorf("job %d: %w", jobID, p.err)
		}

		kind := r.Lookup(id)
		if kind == nil {
			log.Error("no kind configured to unpack id %d from job %d", id, jobID)
			continue
		}
		list = append(list, &JobGres{ID: kind.ID, Name: kind.Name, State: js})
	}
	return list, nil
}

// PackStepState serializes a step's per-kind records.
func PackStepState(p *Buffer, list []*StepGres) {
	patch := p.packRecCount()
	cnt := uint16(0)
	for _, sg := range list {
		ss := sg.State
		p.Pack32(Magic)
		p.Pack32(sg.ID)
		p.Pack16(ss.CpusPerGres)
		p.Pack16(uint16(ss.Flags))
		p.Pack64(ss.GresPerStep)
		p.Pack64(ss.GresPerNode)
		p.Pack64(ss.GresPerSocket)
		p.Pack64(ss.GresPerTask)
		p.Pack64(ss.MemPerGres)
		p.Pack64(ss.TotalGres)
		p.PackStr(ss.TypeName)
		p.Pack32(ss.NodeCount)
		p.PackBitmap(ss.NodeInUse)
		if ss.CountNodeAlloc != nil {
			p.Pack8(1)
			p.Pack64Array(ss.CountNodeAlloc)
		} else {
			p.Pack8(0)
		}
		if ss.BitAlloc != nil {
			p.Pack8(1)
			for i := uint32(0); i < ss.NodeCount; i++ {
				p.PackBitmap(nodeBitmap(ss.BitAlloc, int(i)))
			}
		} else {
			p.Pack8(0)
		}
		cnt++
	}
	patch(cnt)
}

// UnpackStepState restores step records written by PackStepState.
func (r *Registry) UnpackStepState(p *Buffer, jobID, stepID uint32) ([]*StepGres, error) {
	recCnt := p.Unpack16()
	var list []*StepGres
	for ; recCnt > 0 && p.Remaining() > 0; recCnt-- {
		magic := p.Unpack32()
		if p.err == nil && magic != Magic {
			return nil, fmt.Errorf("%w: bad magic in step %d.%d record",
				ErrUnpack, jobID, stepID)
		}
		id := p.Unpack32()
		ss := &StepState{}
		ss.CpusPerGres = p.Unpack16()
		ss.Flags = JobFlags(p.Unpack16())
		ss.GresPerStep = p.Unpack64()
		ss.GresPerNode = p.Unpack64()
		ss.GresPerSocket = p.Unpack64()
		ss.GresPerTask = p.Unpack64()
		ss.MemPerGres = p.Unpack64()
		ss.TotalGres = p.Unpack64()
		ss.TypeName = p.UnpackStr()
		if ss.TypeName != "" {
			ss.TypeID = BuildID(ss.TypeName)
		}
		ss.NodeCount = p.Unpack32()
		ss.NodeInUse = p.UnpackBitmap()
		if p.Unpack8() != 0 {
			ss.CountNodeAlloc = p.Unpack64Array()
		}
		if p.Unpack8() != 0 {
			ss.BitAlloc = make([]*bitmap.Bitmap, ss.NodeCount)
			for i := range ss.BitAlloc {
				ss.BitAlloc[i] = p.UnpackBitmap()
			}
		}
		if p.err != nil {
			return nil, fmt.Errorf("step %d.%d: %w", jobID, stepID, p.err)
		}

		kind := r.Lookup(id)
		if kind == nil {
			log.Error("no kind configured to unpack id %d from step %d.%d",
				id, jobID, stepID)
			continue
		}
		list = append(list, &StepGres{ID: kind.ID, Name: kind.Name, State: ss})
	}
	return list, nil
}

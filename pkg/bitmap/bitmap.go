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

// Package bitmap implements fixed-width bit vectors for tracking device
// units and cores. Unlike a CPUSet, a Bitmap has an explicit width, so
// two bitmaps of differing size never compare equal even when the same
// bits are set. The width is part of the wire format.
package bitmap

import (
	"fmt"
	"math/bits"
	"strconv"
	"strings"
)

const wordBits = 64

// Bitmap is a fixed-width bit vector.
type Bitmap struct {
	size  int
	words []uint64
}

// New returns a zeroed Bitmap of the given width.
func New(size int) *Bitmap {
	if size < 0 {
		size = 0
	}
	return &Bitmap{
		size:  size,
		words: make([]uint64, (size+wordBits-1)/wordBits),
	}
}

// NewFromIndices returns a Bitmap of the given width with the listed
// bits set. Out of range indices are ignored.
func NewFromIndices(size int, indices ...int) *Bitmap {
	b := New(size)
	for _, i := range indices {
		b.Set(i)
	}
	return b
}

// Size returns the width of the bitmap.
func (b *Bitmap) Size() int {
	if b == nil {
		return 0
	}
	return b.size
}

// Set sets the given bit. Out of range indices are ignored.
func (b *Bitmap) Set(i int) {
	if i < 0 || i >= b.size {
		return
	}
	b.words[i/wordBits] |= 1 << (i % wordBits)
}

// Clear clears the given bit. Out of range indices are ignored.
func (b *Bitmap) Clear(i int) {
	if i < 0 || i >= b.size {
		return
	}
	b.words[i/wordBits] &^= 1 << (i % wordBits)
}

// Test returns true if the given bit is set.
func (b *Bitmap) Test(i int) bool {
	if b == nil || i < 0 || i >= b.size {
		return false
	}
	return b.words[i/wordBits]&(1<<(i%wordBits)) != 0
}

// SetCount returns the number of set bits.
func (b *Bitmap) SetCount() int {
	if b == nil {
		return 0
	}
	cnt := 0
	for _, w := range b.words {
		cnt += bits.OnesCount64(w)
	}
	return cnt
}

// FirstSet returns the index of the lowest set bit, or -1 if none.
func (b *Bitmap) FirstSet() int {
	if b == nil {
		return -1
	}
	for i, w := range b.words {
		if w != 0 {
			return i*wordBits + bits.TrailingZeros64(w)
		}
	}
	return -1
}

// Overlap returns the number of bits set in both bitmaps.
func (b *Bitmap) Overlap(other *Bitmap) int {
	if b == nil || other == nil {
		return 0
	}
	n := len(b.words)
	if len(other.words) < n {
		n = len(other.words)
	}
	cnt := 0
	for i := 0; i < n; i++ {
		cnt += bits.OnesCount64(b.words[i] & other.words[i])
	}
	return cnt
}

// Or sets in b every bit set in other. Bits beyond b's width are dropped.
func (b *Bitmap) Or(other *Bitmap) {
	if other == nil {
		return
	}
	n := len(b.words)
	if len(other.words) < n {
		n = len(other.words)
	}
	for i := 0; i < n; i++ {
		b.words[i] |= other.words[i]
	}
	b.trim()
}

// And clears in b every bit not set in other.
func (b *Bitmap) And(other *Bitmap) {
	for i := range b.words {
		if other == nil || i >= len(other.words) {
			b.words[i] = 0
		} else {
			b.words[i] &= other.words[i]
		}
	}
}

// AndNot clears in b every bit set in other.
func (b *Bitmap) AndNot(other *Bitmap) {
	if other == nil {
		return
	}
	n := len(b.words)
	if len(other.words) < n {
		n = len(other.words)
	}
	for i := 0; i < n; i++ {
		b.words[i] &^= other.words[i]
	}
}

// ClearAll clears every bit.
func (b *Bitmap) ClearAll() {
	for i := range b.words {
		b.words[i] = 0
	}
}

// SetAll sets every bit.
func (b *Bitmap) SetAll() {
	for i := range b.words {
		b.words[i] = ^uint64(0)
	}
	b.trim()
}

// ClearRange clears bits [from, to] inclusive.
func (b *Bitmap) ClearRange(from, to int) {
	for i := from; i <= to; i++ {
		b.Clear(i)
	}
}

// Copy returns a deep copy. Copy of nil is nil.
func (b *Bitmap) Copy() *Bitmap {
	if b == nil {
		return nil
	}
	n := New(b.size)
	copy(n.words, b.words)
	return n
}

// Equal returns true if both bitmaps have the same width and bits.
// Two nil bitmaps are equal.
func (b *Bitmap) Equal(other *Bitmap) bool {
	if b == nil || other == nil {
		return b == nil && other == nil
	}
	if b.size != other.size {
		return false
	}
	for i := range b.words {
		if b.words[i] != other.words[i] {
			return false
		}
	}
	return true
}

// trim clears any bits beyond the width in the last word.
func (b *Bitmap) trim() {
	if rem := b.size % wordBits; rem != 0 && len(b.words) > 0 {
		b.words[len(b.words)-1] &= (1 << rem) - 1
	}
}

// Resize returns a copy widened or narrowed to the new width with bit
// indices preserved. Bits beyond the new width are dropped.
func (b *Bitmap) Resize(newSize int) *Bitmap {
	if b == nil {
		return New(newSize)
	}
	n := New(newSize)
	for i := 0; i < b.size && i < newSize; i++ {
		if b.Test(i) {
			n.Set(i)
		}
	}
	return n
}

// Rebuild resamples the bitmap to a new width, preserving set ranges by
// ratio. Shrinking ORs each group of old bits into one new bit, growing
// replicates each old bit over the expansion ratio. This is approximate
// by construction; an exact index mapping does not exist across a width
// change.
func (b *Bitmap) Rebuild(newSize int) *Bitmap {
	if b == nil {
		return nil
	}
	n := New(newSize)
	if newSize == 0 || b.size == 0 {
		return n
	}
	if newSize == b.size {
		copy(n.words, b.words)
		return n
	}
	if newSize > b.size {
		ratio := newSize / b.size
		if ratio < 1 {
			ratio = 1
		}
		for i := 0; i < b.size; i++ {
			if !b.Test(i) {
				continue
			}
			for j := 0; j < ratio; j++ {
				n.Set(i*ratio + j)
			}
		}
		return n
	}
	ratio := b.size / newSize
	if ratio < 1 {
		ratio = 1
	}
	for i := 0; i < newSize; i++ {
		for j := 0; j < ratio; j++ {
			if b.Test(i*ratio + j) {
				n.Set(i)
				break
			}
		}
	}
	return n
}

// String returns the set bits as comma-separated ranges ("0-3,7").
func (b *Bitmap) String() string {
	if b == nil {
		return ""
	}
	var sb strings.Builder
	first := true
	for i := 0; i < b.size; i++ {
		if !b.Test(i) {
			continue
		}
		j := i
		for j+1 < b.size && b.Test(j+1) {
			j++
		}
		if !first {
			sb.WriteByte(',')
		}
		first = false
		if j > i {
			fmt.Fprintf(&sb, "%d-%d", i, j)
		} else {
			fmt.Fprintf(&sb, "%d", i)
		}
		i = j
	}
	return sb.String()
}

// HexString returns the bitmap in the hex bitstring format: "0x" plus
// big-endian nibbles covering the full width, lowest bit last. The
// format is self-describing down to nibble granularity so it stays
// readable on size mismatch.
func (b *Bitmap) HexString() string {
	if b == nil {
		return ""
	}
	nibbles := (b.size + 3) / 4
	if nibbles == 0 {
		nibbles = 1
	}
	buf := make([]byte, nibbles)
	for i := 0; i < nibbles; i++ {
		v := 0
		for j := 0; j < 4; j++ {
			if b.Test(i*4 + j) {
				v |= 1 << j
			}
		}
		buf[nibbles-1-i] = "0123456789abcdef"[v]
	}
	return "0x" + string(buf)
}

// ParseHex parses a hex bitstring into a bitmap of the given width.
func ParseHex(s string, size int) (*Bitmap, error) {
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	if s == "" {
		return nil, fmt.Errorf("bitmap: empty hex bitstring")
	}
	b := New(size)
	nibbles := len(s)
	for i := 0; i < nibbles; i++ {
		v, err := strconv.ParseUint(string(s[nibbles-1-i]), 16, 8)
		if err != nil {
			return nil, fmt.Errorf("bitmap: invalid hex bitstring %q", s)
		}
		for j := 0; j < 4; j++ {
			if v&(1<<j) != 0 {
				b.Set(i*4 + j)
			}
		}
	}
	return b, nil
}

// Parse parses a range list string ("0-3,7") into a bitmap of the
// given width.
func Parse(s string, size int) (*Bitmap, error) {
	b := New(size)
	if strings.TrimSpace(s) == "" {
		return b, nil
	}
	for _, tok := range strings.Split(s, ",") {
		tok = strings.TrimSpace(tok)
		lo, hi, ok := strings.Cut(tok, "-")
		from, err := strconv.Atoi(lo)
		if err != nil {
			return nil, fmt.Errorf("bitmap: invalid range %q", tok)
		}
		to := from
		if ok {
			if to, err = strconv.Atoi(hi); err != nil {
				return nil, fmt.Errorf("bitmap: invalid range %q", tok)
			}
		}
		if from < 0 || to >= size || from > to {
			return nil, fmt.Errorf("bitmap: range %q out of bounds 0-%d", tok, size-1)
		}
		for i := from; i <= to; i++ {
			b.Set(i)
		}
	}
	return b, nil
}

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

package hostlist_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	. "github.com/joelandman/slurm/pkg/hostlist"
)

func TestExpand(t *testing.T) {
	type testCase struct {
		name    string
		pattern string
		result  []string
		fail    bool
	}
	for _, tc := range []*testCase{
		{
			name:    "no brackets",
			pattern: "/dev/nvidia0",
			result:  []string{"/dev/nvidia0"},
		},
		{
			name:    "simple range",
			pattern: "/dev/nvidia[0-3]",
			result: []string{
				"/dev/nvidia0", "/dev/nvidia1", "/dev/nvidia2", "/dev/nvidia3",
			},
		},
		{
			name:    "ranges and singles",
			pattern: "/dev/dri/card[0-1,4]",
			result:  []string{"/dev/dri/card0", "/dev/dri/card1", "/dev/dri/card4"},
		},
		{
			name:    "zero padding preserved",
			pattern: "node[01-03]",
			result:  []string{"node01", "node02", "node03"},
		},
		{
			name:    "suffix after brackets",
			pattern: "tile[0-1]gt",
			result:  []string{"tile0gt", "tile1gt"},
		},
		{
			name:    "multiple bracket groups",
			pattern: "a[0-1]b[0-1]",
			result:  []string{"a0b0", "a0b1", "a1b0", "a1b1"},
		},
		{
			name:    "unbalanced open bracket",
			pattern: "/dev/nvidia[0-3",
			fail:    true,
		},
		{
			name:    "unbalanced close bracket",
			pattern: "/dev/nvidia0-3]",
			fail:    true,
		},
		{
			name:    "descending range",
			pattern: "node[3-1]",
			fail:    true,
		},
		{
			name:    "non-numeric range",
			pattern: "node[a-b]",
			fail:    true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			names, err := Expand(tc.pattern)
			if tc.fail {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.result, names)
		})
	}
}

func TestCount(t *testing.T) {
	cnt, err := Count("/dev/nvidia[0-7]")
	require.NoError(t, err)
	require.Equal(t, 8, cnt)

	cnt, err = Count("/dev/nvidia0")
	require.NoError(t, err)
	require.Equal(t, 1, cnt)
}

func TestCompress(t *testing.T) {
	type testCase struct {
		name   string
		names  []string
		result string
	}
	for _, tc := range []*testCase{
		{
			name:   "empty",
			names:  nil,
			result: "",
		},
		{
			name:   "single name",
			names:  []string{"/dev/nvidia0"},
			result: "/dev/nvidia0",
		},
		{
			name:   "contiguous run",
			names:  []string{"/dev/nvidia0", "/dev/nvidia1", "/dev/nvidia2"},
			result: "/dev/nvidia[0-2]",
		},
		{
			name:   "gap breaks the run",
			names:  []string{"/dev/nvidia0", "/dev/nvidia1", "/dev/nvidia4"},
			result: "/dev/nvidia[0-1],/dev/nvidia4",
		},
		{
			name:   "zero padding preserved",
			names:  []string{"node01", "node02", "node03"},
			result: "node[01-03]",
		},
		{
			name:   "no digits joins verbatim",
			names:  []string{"foo", "bar"},
			result: "foo,bar",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.result, Compress(tc.names))
		})
	}
}

func TestTruncate(t *testing.T) {
	pattern, err := Truncate("/dev/nvidia[0-7]", 3)
	require.NoError(t, err)
	require.Equal(t, "/dev/nvidia[0-2]", pattern)

	// already within bounds, pattern kept as is
	pattern, err = Truncate("/dev/nvidia[0-1]", 4)
	require.NoError(t, err)
	require.Equal(t, "/dev/nvidia[0-1]", pattern)
}

func TestMatch(t *testing.T) {
	require.True(t, Match("node[01-08]", "node03"))
	require.True(t, Match("localhost", "localhost"))
	require.False(t, Match("node[01-08]", "node3"))
	require.False(t, Match("node[01-08]", "node09"))
	require.False(t, Match("node[", "node1"))
}

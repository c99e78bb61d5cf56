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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseConf(t *testing.T) {
	conf := `
# discovery config
AutoDetect=nvml
Name=gpu Type=tesla File=/dev/nvidia[0-1] Cores=0-7 Links=-1,2
Name=gpu Type=tesla File=/dev/nvidia[2-3] Cores=8-15 Links=2,-1
NodeName=node[01-08] Name=nic Count=2
NodeName=other[0-3] Name=fpga Count=1
Name=license Count=2k Flags=CountOnly
`
	nc, err := ParseConf(strings.NewReader(conf), "node03")
	require.NoError(t, err)
	require.Equal(t, AutoDetectNVML, nc.AutoDetect)
	require.Len(t, nc.Units, 4)

	gpu := nc.Units[0]
	require.Equal(t, "gpu", gpu.Name)
	require.Equal(t, "tesla", gpu.TypeName)
	require.True(t, gpu.HasType())
	require.True(t, gpu.HasFile())
	require.Equal(t, uint64(2), gpu.Count)
	require.Equal(t, []string{"/dev/nvidia0", "/dev/nvidia1"}, gpu.Files)
	require.Equal(t, "0-7", gpu.Cores)
	require.NotZero(t, gpu.Flags&ConfExplicitCores)

	nic := nc.Units[2]
	require.Equal(t, "nic", nic.Name)
	require.Equal(t, uint64(2), nic.Count)
	require.False(t, nic.HasFile())

	lic := nc.Units[3]
	require.Equal(t, uint64(2048), lic.Count)
	require.NotZero(t, lic.Flags&ConfCountOnly)
}

func TestParseConfRecords(t *testing.T) {
	type testCase struct {
		name  string
		line  string
		check func(t *testing.T, u *DiscoveredUnit)
		fail  bool
	}
	for _, tc := range []*testCase{
		{
			name: "count defaults to 1",
			line: "Name=fpga",
			check: func(t *testing.T, u *DiscoveredUnit) {
				require.Equal(t, uint64(1), u.Count)
			},
		},
		{
			name: "count from file expansion",
			line: "Name=gpu File=/dev/nvidia[0-3]",
			check: func(t *testing.T, u *DiscoveredUnit) {
				require.Equal(t, uint64(4), u.Count)
			},
		},
		{
			name: "count matching file expansion accepted",
			line: "Name=gpu File=/dev/nvidia[0-3] Count=4",
			check: func(t *testing.T, u *DiscoveredUnit) {
				require.Equal(t, uint64(4), u.Count)
			},
		},
		{
			name: "multiple files become one unit",
			line: "Name=gpu MultipleFiles=/dev/dri/card[0-1]",
			check: func(t *testing.T, u *DiscoveredUnit) {
				require.Equal(t, uint64(1), u.Count)
				require.Len(t, u.Files, 2)
				require.NotZero(t, u.Flags&ConfMultipleFiles)
			},
		},
		{
			name: "legacy CPUs spelling",
			line: "Name=gpu CPUs=0-3",
			check: func(t *testing.T, u *DiscoveredUnit) {
				require.Equal(t, "0-3", u.Cores)
				require.NotZero(t, u.Flags&ConfExplicitCores)
			},
		},
		{
			name: "count conflicting with file expansion",
			line: "Name=gpu File=/dev/nvidia[0-3] Count=2",
			fail: true,
		},
		{
			name: "file and multiple files together",
			line: "Name=gpu File=/dev/nvidia0 MultipleFiles=/dev/nvidia[1-2]",
			fail: true,
		},
		{
			name: "record without name",
			line: "Count=2",
			fail: true,
		},
		{
			name: "malformed token",
			line: "Name=gpu bogus",
			fail: true,
		},
		{
			name: "unknown autodetect mode",
			line: "AutoDetect=crystalball",
			fail: true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			nc, err := ParseConf(strings.NewReader(tc.line), "node0")
			if tc.fail {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Len(t, nc.Units, 1)
			tc.check(t, nc.Units[0])
		})
	}
}

func TestParseConfNodeScope(t *testing.T) {
	conf := "NodeName=node[0-3] Name=gpu Count=4"

	nc, err := ParseConf(strings.NewReader(conf), "node2")
	require.NoError(t, err)
	require.Len(t, nc.Units, 1)

	nc, err = ParseConf(strings.NewReader(conf), "node9")
	require.NoError(t, err)
	require.Empty(t, nc.Units)
}

func TestValidateUnits(t *testing.T) {
	units := []*DiscoveredUnit{
		{Name: "gpu", Count: 2, Flags: ConfHasFile | ConfHasType},
		{Name: "gpu", Count: 1},
		{Name: "nic", Count: 1},
	}
	err := ValidateUnits(units)
	require.Error(t, err)
	// both the File and the Type skew are reported together
	require.Contains(t, err.Error(), "with and without File")
	require.Contains(t, err.Error(), "with and without Type")

	require.NoError(t, ValidateUnits([]*DiscoveredUnit{
		{Name: "gpu", Count: 2, Flags: ConfHasFile},
		{Name: "gpu", Count: 1, Flags: ConfHasFile},
	}))
	require.NoError(t, ValidateUnits(nil))
}

func TestValidateLinks(t *testing.T) {
	vec, err := validateLinks("-1,0,2,2", 4)
	require.NoError(t, err)
	require.Equal(t, []int{-1, 0, 2, 2}, vec)

	vec, err = validateLinks("", 4)
	require.NoError(t, err)
	require.Nil(t, vec)

	_, err = validateLinks("-1,0", 4)
	require.ErrorIs(t, err, ErrConfMismatch)
	_, err = validateLinks("0,0", 2)
	require.ErrorIs(t, err, ErrConfMismatch)
	_, err = validateLinks("-1,-1", 2)
	require.ErrorIs(t, err, ErrConfMismatch)
	_, err = validateLinks("-1,1024", 2)
	require.ErrorIs(t, err, ErrConfMismatch)
	_, err = validateLinks("-1,x", 2)
	require.ErrorIs(t, err, ErrConfMismatch)
}

func TestStatDeviceFiles(t *testing.T) {
	savedStat, savedSleep := statFn, sleepFn
	defer func() { statFn, sleepFn = savedStat, savedSleep }()

	tries := map[string]int{}
	statFn = func(path string) error {
		tries[path]++
		switch path {
		case "/dev/late":
			if tries[path] < 3 {
				return fmt.Errorf("no such file")
			}
			return nil
		case "/dev/gone":
			return fmt.Errorf("no such file")
		}
		return nil
	}
	sleepFn = func(time.Duration) {}

	err := StatDeviceFiles([]*DiscoveredUnit{
		{Name: "gpu", Files: []string{"/dev/ok", "/dev/late"}},
	})
	require.NoError(t, err)
	require.Equal(t, 3, tries["/dev/late"])

	err = StatDeviceFiles([]*DiscoveredUnit{
		{Name: "gpu", Files: []string{"/dev/gone"}},
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "/dev/gone")
	require.Equal(t, deviceWaitTries, tries["/dev/gone"])
}

func TestParseDeclared(t *testing.T) {
	kinds, err := ParseDeclared("gpu:tesla:2,gpu:volta:1,gpu:1,nic:4")
	require.NoError(t, err)
	require.Len(t, kinds, 2)

	gpu := kinds["gpu"]
	require.Equal(t, uint64(4), gpu.Total)
	require.Equal(t, uint64(1), gpu.Untyped)
	require.Equal(t, []TypedCount{
		{Type: "tesla", Count: 2},
		{Type: "volta", Count: 1},
	}, gpu.Typed)

	nic := kinds["nic"]
	require.Equal(t, uint64(4), nic.Total)
	require.Equal(t, uint64(4), nic.Untyped)

	// type alone implies count 1
	kinds, err = ParseDeclared("gpu:tesla")
	require.NoError(t, err)
	require.Equal(t, []TypedCount{{Type: "tesla", Count: 1}}, kinds["gpu"].Typed)

	kinds, err = ParseDeclared("  ")
	require.NoError(t, err)
	require.Empty(t, kinds)

	_, err = ParseDeclared("gpu:tesla:x")
	require.ErrorIs(t, err, ErrInvalidGres)
	_, err = ParseDeclared(":2")
	require.ErrorIs(t, err, ErrInvalidGres)
	_, err = ParseDeclared("gpu:a:b:c")
	require.ErrorIs(t, err, ErrInvalidGres)
}

func TestMergeConfig(t *testing.T) {
	r, err := NewRegistry("gpu,nic")
	require.NoError(t, err)

	declared, err := ParseDeclared("gpu:tesla:2,nic:2")
	require.NoError(t, err)

	units := []*DiscoveredUnit{
		{
			Name: "gpu", TypeName: "tesla", Count: 4,
			File:  "/dev/nvidia[0-3]",
			Files: []string{"/dev/nvidia0", "/dev/nvidia1", "/dev/nvidia2", "/dev/nvidia3"},
			Flags: ConfHasFile | ConfHasType,
		},
	}

	merged, err := r.MergeConfig("node0", declared, units)
	require.NoError(t, err)
	require.Len(t, merged, 2)

	// declaration covers 2 of the 4 discovered devices, the file
	// expansion is truncated to match
	gpu := merged[0]
	require.Equal(t, "gpu", gpu.Name)
	require.Equal(t, uint64(2), gpu.Count)
	require.Equal(t, []string{"/dev/nvidia0", "/dev/nvidia1"}, gpu.Files)
	require.Equal(t, "/dev/nvidia[0-1]", gpu.File)

	// nic has no discovered units, it becomes a synthetic count record
	nic := merged[1]
	require.Equal(t, "nic", nic.Name)
	require.Equal(t, uint64(2), nic.Count)
	require.False(t, nic.HasFile())
}

func TestMergeConfigPlaceholders(t *testing.T) {
	r, err := NewRegistry("gpu,nic,fpga")
	require.NoError(t, err)

	declared, err := ParseDeclared("gpu:1")
	require.NoError(t, err)

	merged, err := r.MergeConfig("node0", declared, nil)
	require.NoError(t, err)
	// one record per configured kind, zero-count placeholders for the
	// kinds the node does not declare
	require.Len(t, merged, 3)
	require.Equal(t, uint64(1), merged[0].Count)
	require.Equal(t, uint64(0), merged[1].Count)
	require.Equal(t, uint64(0), merged[2].Count)
}

func TestMergeConfigSharedWithoutFile(t *testing.T) {
	r, err := NewRegistry("gpu,mps")
	require.NoError(t, err)

	declared, err := ParseDeclared("gpu:2,mps:200")
	require.NoError(t, err)

	// the gpu record has no device files, so mps has nothing to
	// attach its slices to and is dropped to a placeholder
	units := []*DiscoveredUnit{{Name: "gpu", Count: 2}}
	merged, err := r.MergeConfig("node0", declared, units)
	require.NoError(t, err)
	require.Len(t, merged, 2)
	require.Equal(t, "mps", merged[1].Name)
	require.Equal(t, uint64(0), merged[1].Count)

	// with file-backed gpus the mps declaration survives
	declared, err = ParseDeclared("gpu:2,mps:200")
	require.NoError(t, err)
	units = []*DiscoveredUnit{
		{
			Name: "gpu", Count: 2,
			Files: []string{"/dev/nvidia0", "/dev/nvidia1"},
			Flags: ConfHasFile,
		},
	}
	merged, err = r.MergeConfig("node0", declared, units)
	require.NoError(t, err)
	require.Len(t, merged, 2)
	require.Equal(t, "mps", merged[1].Name)
	require.Equal(t, uint64(200), merged[1].Count)
}

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
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/joelandman/slurm/pkg/hostlist"
)

// ConfFlags mark properties of a discovered configuration record.
type ConfFlags uint8

const (
	// ConfHasFile marks records with per-unit device files.
	ConfHasFile ConfFlags = 1 << iota
	// ConfHasType marks records constrained to a type/model.
	ConfHasType
	// ConfCountOnly marks records explicitly flagged CountOnly.
	ConfCountOnly
	// ConfMultipleFiles marks records whose single unit spans
	// several device files.
	ConfMultipleFiles
	// ConfExplicitCores marks records whose core affinity came from
	// configuration rather than autodetection.
	ConfExplicitCores
)

// AutoDetectMode selects the hardware autodetection backend.
type AutoDetectMode string

const (
	AutoDetectOff  AutoDetectMode = "off"
	AutoDetectNVML AutoDetectMode = "nvml"
	AutoDetectRSMI AutoDetectMode = "rsmi"
)

// DiscoveredUnit is one hardware-discovery configuration record:
// count, optional type, optional device files, optional core affinity
// and link distances. Several may exist for one resource kind.
type DiscoveredUnit struct {
	Name     string
	TypeName string
	Count    uint64
	// Cores is the declared core-affinity range list; it is parsed
	// against the node's core count during node validation.
	Cores string
	// CPUCount is the core count the affinity was declared against.
	CPUCount int
	// File is the device file pattern, Files its expansion.
	File  string
	Files []string
	// Links is the declared link-distance vector ("-1,0,2,2").
	Links string
	Flags ConfFlags
}

// HasFile returns true if the record carries device files.
func (u *DiscoveredUnit) HasFile() bool {
	return u.Flags&ConfHasFile != 0
}

// HasType returns true if the record is type-constrained.
func (u *DiscoveredUnit) HasType() bool {
	return u.Flags&ConfHasType != 0
}

// NodeConf is the parsed per-node discovery configuration.
type NodeConf struct {
	AutoDetect AutoDetectMode
	Units      []*DiscoveredUnit
}

// deviceWait is the bounded wait for device files to appear. Device
// files can show up late when drivers are still loading at boot.
var (
	deviceWaitTries = 20
	deviceWaitDelay = time.Second
	statFn          = func(path string) error {
		var st unix.Stat_t
		return unix.Stat(path, &st)
	}
	sleepFn = time.Sleep
)

// ParseConf parses the line-oriented hardware-discovery configuration
// for one node. Records scoped with NodeName= apply only when the
// pattern covers nodeName. Malformed syntax is an error; the caller
// treats it as fatal since a malformed admin config cannot safely
// default.
func ParseConf(r io.Reader, nodeName string) (*NodeConf, error) {
	conf := &NodeConf{AutoDetect: AutoDetectOff}
	scanner := bufio.NewScanner(r)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		unit, autodetect, err := parseConfLine(line, nodeName)
		if err != nil {
			return nil, errors.Wrapf(err, "line %d", lineno)
		}
		if autodetect != "" {
			conf.AutoDetect = autodetect
		}
		if unit != nil {
			conf.Units = append(conf.Units, unit)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "reading discovery config")
	}
	return conf, nil
}

func parseConfLine(line, nodeName string) (*DiscoveredUnit, AutoDetectMode, error) {
	kv := map[string]string{}
	for _, tok := range strings.Fields(line) {
		key, value, ok := strings.Cut(tok, "=")
		if !ok {
			return nil, "", fmt.Errorf("%w: malformed token %q", ErrConfMismatch, tok)
		}
		kv[strings.ToLower(key)] = value
	}

	if mode, ok := kv["autodetect"]; ok && len(kv) == 1 {
		switch m := AutoDetectMode(strings.ToLower(mode)); m {
		case AutoDetectOff, AutoDetectNVML, AutoDetectRSMI:
			return nil, m, nil
		default:
			return nil, "", fmt.Errorf("%w: unknown AutoDetect mode %q",
				ErrConfMismatch, mode)
		}
	}

	if pattern, ok := kv["nodename"]; ok {
		if !hostlist.Match(pattern, nodeName) {
			return nil, "", nil
		}
	}

	name, ok := kv["name"]
	if !ok || name == "" {
		return nil, "", fmt.Errorf("%w: record without Name", ErrConfMismatch)
	}
	unit := &DiscoveredUnit{Name: strings.ToLower(name)}

	if t, ok := kv["type"]; ok && t != "" {
		unit.TypeName = t
		unit.Flags |= ConfHasType
	}
	if cores, ok := kv["cores"]; ok {
		unit.Cores = cores
		unit.Flags |= ConfExplicitCores
	} else if cores, ok := kv["cpus"]; ok {
		// CPUs= is the legacy spelling of Cores=
		unit.Cores = cores
		unit.Flags |= ConfExplicitCores
	}
	if links, ok := kv["links"]; ok {
		unit.Links = links
	}
	if flags, ok := kv["flags"]; ok {
		for _, f := range strings.Split(flags, ",") {
			if strings.EqualFold(f, "CountOnly") {
				unit.Flags |= ConfCountOnly
			}
		}
	}

	file, hasFile := kv["file"]
	if !hasFile {
		file, hasFile = kv["files"]
	}
	if multi, ok := kv["multiplefiles"]; ok {
		if hasFile {
			return nil, "", fmt.Errorf("%w: both File and MultipleFiles given",
				ErrConfMismatch)
		}
		files, err := hostlist.Expand(multi)
		if err != nil {
			return nil, "", err
		}
		unit.File = multi
		unit.Files = files
		unit.Count = 1
		unit.Flags |= ConfHasFile | ConfMultipleFiles
	} else if hasFile {
		files, err := hostlist.Expand(file)
		if err != nil {
			return nil, "", err
		}
		unit.File = file
		unit.Files = files
		unit.Count = uint64(len(files))
		unit.Flags |= ConfHasFile
	}

	if count, ok := kv["count"]; ok {
		cnt, err := parseCount(count)
		if err != nil {
			return nil, "", err
		}
		if unit.HasFile() && unit.Flags&ConfMultipleFiles == 0 &&
			cnt != unit.Count {
			return nil, "", fmt.Errorf("%w: Count=%d does not match File expansion of %d",
				ErrConfMismatch, cnt, unit.Count)
		}
		unit.Count = cnt
	} else if unit.Count == 0 {
		unit.Count = 1
	}

	return unit, "", nil
}

// validateLinks checks a link-distance vector: comma-separated ints in
// [-2, MaxLink] with exactly one -1 (the unit itself). Returns the
// parsed vector.
func validateLinks(links string, unitCount int) ([]int, error) {
	if links == "" {
		return nil, nil
	}
	fields := strings.Split(links, ",")
	if unitCount > 0 && len(fields) != unitCount {
		return nil, fmt.Errorf("%w: link vector %q has %d entries, want %d",
			ErrConfMismatch, links, len(fields), unitCount)
	}
	vec := make([]int, len(fields))
	self := 0
	for i, f := range fields {
		v, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil || v < -2 || v > MaxLink {
			return nil, fmt.Errorf("%w: invalid link value %q", ErrConfMismatch, f)
		}
		if v == -1 {
			self++
		}
		vec[i] = v
	}
	if self != 1 {
		return nil, fmt.Errorf("%w: link vector %q needs exactly one -1",
			ErrConfMismatch, links)
	}
	return vec, nil
}

// ValidateUnits enforces per-kind record consistency: within one kind
// either every record declares device files or none does, and either
// every record declares a type or none does.
func ValidateUnits(units []*DiscoveredUnit) error {
	var result *multierror.Error
	type kindInfo struct{ withFile, withoutFile, withType, withoutType int }
	kinds := map[string]*kindInfo{}
	for _, u := range units {
		ki := kinds[u.Name]
		if ki == nil {
			ki = &kindInfo{}
			kinds[u.Name] = ki
		}
		if u.HasFile() {
			ki.withFile++
		} else {
			ki.withoutFile++
		}
		if u.HasType() {
			ki.withType++
		} else {
			ki.withoutType++
		}
	}
	for name, ki := range kinds {
		if ki.withFile > 0 && ki.withoutFile > 0 {
			result = multierror.Append(result, fmt.Errorf(
				"%w: gres/%s has records both with and without File",
				ErrConfMismatch, name))
		}
		if ki.withType > 0 && ki.withoutType > 0 {
			result = multierror.Append(result, fmt.Errorf(
				"%w: gres/%s has records both with and without Type",
				ErrConfMismatch, name))
		}
	}
	return result.ErrorOrNil()
}

// StatDeviceFiles waits for every declared device file to appear, up
// to the bounded retry budget per file. Missing files are reported
// together; the caller decides whether that downs the node.
func StatDeviceFiles(units []*DiscoveredUnit) error {
	var result *multierror.Error
	for _, u := range units {
		for _, path := range u.Files {
			if err := waitForDevice(path); err != nil {
				result = multierror.Append(result, errors.Wrapf(err,
					"gres/%s device %s", u.Name, path))
			}
		}
	}
	return result.ErrorOrNil()
}

func waitForDevice(path string) error {
	var err error
	for i := 0; i < deviceWaitTries; i++ {
		if err = statFn(path); err == nil {
			return nil
		}
		if i == 0 {
			log.Info("waiting for device %s to appear", path)
		}
		sleepFn(deviceWaitDelay)
	}
	return err
}

// TypedCount is one typed sub-quantity from the declared string.
type TypedCount struct {
	Type  string
	Count uint64
}

// DeclaredKind is the parsed declared quantity of one resource kind.
type DeclaredKind struct {
	Name    string
	Typed   []TypedCount
	Untyped uint64
	Total   uint64
}

// ParseDeclared parses a node's declared resource string
// ("gpu:tesla:2,gpu:volta:1,nic:4") into per-kind typed/untyped
// sub-counts. A type without a count implies count 1. Counts accept
// K/M/G/T/P suffixes as powers of 1024.
func ParseDeclared(declared string) (map[string]*DeclaredKind, error) {
	kinds := map[string]*DeclaredKind{}
	if strings.TrimSpace(declared) == "" {
		return kinds, nil
	}
	for _, tok := range strings.Split(declared, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		name, typeName, count, err := splitGresToken(tok)
		if err != nil {
			return nil, err
		}
		dk := kinds[name]
		if dk == nil {
			dk = &DeclaredKind{Name: name}
			kinds[name] = dk
		}
		if typeName != "" {
			dk.Typed = append(dk.Typed, TypedCount{Type: typeName, Count: count})
		} else {
			dk.Untyped += count
		}
		dk.Total += count
	}
	return kinds, nil
}

// splitGresToken splits one "name[:type][:count[suffix]]" token. With
// two colons the middle field is the type; with one colon the field is
// a count if it parses as one, otherwise a type with implied count 1.
func splitGresToken(tok string) (name, typeName string, count uint64, err error) {
	fields := strings.Split(tok, ":")
	name = strings.ToLower(strings.TrimSpace(fields[0]))
	if name == "" {
		return "", "", 0, fmt.Errorf("%w: empty name in %q", ErrInvalidGres, tok)
	}
	switch len(fields) {
	case 1:
		return name, "", 1, nil
	case 2:
		if cnt, cntErr := parseCount(fields[1]); cntErr == nil {
			return name, "", cnt, nil
		}
		return name, fields[1], 1, nil
	case 3:
		cnt, cntErr := parseCount(fields[2])
		if cntErr != nil {
			return "", "", 0, cntErr
		}
		return name, fields[1], cnt, nil
	}
	return "", "", 0, fmt.Errorf("%w: malformed token %q", ErrInvalidGres, tok)
}

// CheckMismatch compares declared quantities against discovered units
// and logs a skew warning when hardware reports more than the
// administrator declared. Under-declaration is legal but usually an
// oversight.
func CheckMismatch(nodeName string, declared map[string]*DeclaredKind, units []*DiscoveredUnit) {
	discovered := map[string]uint64{}
	discoveredTyped := map[string]map[string]uint64{}
	for _, u := range units {
		discovered[u.Name] += u.Count
		if u.TypeName != "" {
			if discoveredTyped[u.Name] == nil {
				discoveredTyped[u.Name] = map[string]uint64{}
			}
			discoveredTyped[u.Name][u.TypeName] += u.Count
		}
	}
	for name, total := range discovered {
		dk := declared[name]
		declTotal := uint64(0)
		if dk != nil {
			declTotal = dk.Total
		}
		if total > declTotal {
			log.Warn("node %s: gres/%s discovered %d exceeds declared %d",
				nodeName, name, total, declTotal)
		}
		if dk == nil {
			continue
		}
		for _, tc := range dk.Typed {
			if got := discoveredTyped[name][tc.Type]; got > 0 && got < tc.Count {
				log.Warn("node %s: gres/%s:%s declared %d but discovered %d",
					nodeName, name, tc.Type, tc.Count, got)
			}
		}
	}
}

// setFileSubset truncates a discovered unit's device file expansion to
// the given count, keeping expansion order.
func setFileSubset(u *DiscoveredUnit, count uint64) error {
	if !u.HasFile() || uint64(len(u.Files)) <= count {
		u.Count = count
		return nil
	}
	pattern, err := hostlist.Truncate(u.File, int(count))
	if err != nil {
		return err
	}
	u.File = pattern
	u.Files = u.Files[:count]
	u.Count = count
	return nil
}

// MergeConfig reconciles declared quantities with discovered units
// into the canonical per-node unit list, in registry kind order. For
// every declared quantity, matching discovered units are consumed
// (truncating file expansions when the declaration covers fewer
// devices); declared quantity with no discovered match becomes a
// synthetic count-only record; kinds with zero declared quantity get a
// single zero-count placeholder so list cardinality stays equal to the
// number of configured kinds. Shared-kind records whose sharing device
// has no file are dropped.
func (r *Registry) MergeConfig(nodeName string, declared map[string]*DeclaredKind,
	units []*DiscoveredUnit) ([]*DiscoveredUnit, error) {

	if err := ValidateUnits(units); err != nil {
		return nil, err
	}
	CheckMismatch(nodeName, declared, units)

	sharingHasFile := false
	for _, u := range units {
		if IsSharing(u.Name) && u.HasFile() {
			sharingHasFile = true
		}
	}

	var merged []*DiscoveredUnit
	for _, kind := range r.Kinds() {
		dk := declared[kind.Name]
		if dk == nil || dk.Total == 0 {
			merged = append(merged, &DiscoveredUnit{Name: kind.Name})
			continue
		}
		if kind.Shared() && !sharingHasFile {
			// A shared kind needs file-backed sharing devices to
			// attach its slices to.
			hasOwn := false
			for _, u := range units {
				if u.Name == kind.Name {
					hasOwn = true
				}
			}
			if !hasOwn {
				log.Warn("node %s: dropping gres/%s, no file-backed sharing device",
					nodeName, kind.Name)
				merged = append(merged, &DiscoveredUnit{Name: kind.Name})
				continue
			}
		}

		quantities := append([]TypedCount(nil), dk.Typed...)
		if dk.Untyped > 0 {
			quantities = append(quantities, TypedCount{Count: dk.Untyped})
		}
		for _, q := range quantities {
			rem := q.Count
			for _, u := range units {
				if rem == 0 {
					break
				}
				if u.Name != kind.Name || u.Count == 0 ||
					!strings.EqualFold(u.TypeName, q.Type) {
					continue
				}
				take := u.Count
				if take > rem {
					take = rem
				}
				nu := *u
				nu.Files = append([]string(nil), u.Files...)
				if take < u.Count {
					if err := setFileSubset(&nu, take); err != nil {
						return nil, err
					}
				}
				merged = append(merged, &nu)
				u.Count -= take
				rem -= take
			}
			if rem > 0 {
				// Declared devices the hardware config does not
				// know about: track by count alone.
				merged = append(merged, &DiscoveredUnit{
					Name:     kind.Name,
					TypeName: q.Type,
					Count:    rem,
					Flags:    typedFlag(q.Type),
				})
			}
		}
	}
	return merged, nil
}

func typedFlag(typeName string) ConfFlags {
	if typeName != "" {
		return ConfHasType
	}
	return 0
}

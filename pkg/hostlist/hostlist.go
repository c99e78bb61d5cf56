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

// Package hostlist expands bracketed range expressions of the form
// "prefix[0-3,7]suffix", as used for device file paths and node name
// patterns ("/dev/nvidia[0-3]", "node[01-08]").
package hostlist

import (
	"fmt"
	"strconv"
	"strings"
)

// Expand expands a bracketed range expression into the full list of
// names. A name without brackets expands to itself. Numeric zero
// padding in the range bounds is preserved.
func Expand(pattern string) ([]string, error) {
	open := strings.IndexByte(pattern, '[')
	if open < 0 {
		if strings.IndexByte(pattern, ']') >= 0 {
			return nil, fmt.Errorf("hostlist: unbalanced brackets in %q", pattern)
		}
		return []string{pattern}, nil
	}
	close := strings.IndexByte(pattern[open:], ']')
	if close < 0 {
		return nil, fmt.Errorf("hostlist: unbalanced brackets in %q", pattern)
	}
	close += open

	prefix, rangespec, rest := pattern[:open], pattern[open+1:close], pattern[close+1:]
	suffixes, err := Expand(rest)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, tok := range strings.Split(rangespec, ",") {
		tok = strings.TrimSpace(tok)
		lo, hi, ranged := strings.Cut(tok, "-")
		from, err := strconv.Atoi(lo)
		if err != nil {
			return nil, fmt.Errorf("hostlist: invalid range %q in %q", tok, pattern)
		}
		to := from
		if ranged {
			if to, err = strconv.Atoi(hi); err != nil {
				return nil, fmt.Errorf("hostlist: invalid range %q in %q", tok, pattern)
			}
		}
		if to < from {
			return nil, fmt.Errorf("hostlist: descending range %q in %q", tok, pattern)
		}
		width := 0
		if len(lo) > 1 && lo[0] == '0' {
			width = len(lo)
		}
		for i := from; i <= to; i++ {
			num := strconv.Itoa(i)
			if width > 0 && len(num) < width {
				num = strings.Repeat("0", width-len(num)) + num
			}
			for _, suffix := range suffixes {
				names = append(names, prefix+num+suffix)
			}
		}
	}
	return names, nil
}

// Count returns the number of names the pattern expands to.
func Count(pattern string) (int, error) {
	names, err := Expand(pattern)
	if err != nil {
		return 0, err
	}
	return len(names), nil
}

// Truncate rewrites the pattern so that it expands to at most max
// names, preserving expansion order.
func Truncate(pattern string, max int) (string, error) {
	names, err := Expand(pattern)
	if err != nil {
		return "", err
	}
	if len(names) <= max {
		return pattern, nil
	}
	return Compress(names[:max]), nil
}

// Compress folds a list of names back into a bracketed range
// expression where possible. Names that do not share a common
// prefix/suffix numeric shape are joined verbatim.
func Compress(names []string) string {
	if len(names) == 0 {
		return ""
	}

	type numbered struct {
		prefix, suffix string
		num, width     int
	}
	split := func(name string) (numbered, bool) {
		// fold on the last run of digits in the name
		last := -1
		for i := 0; i < len(name); i++ {
			if name[i] >= '0' && name[i] <= '9' {
				last = i
			}
		}
		if last < 0 {
			return numbered{}, false
		}
		start := last
		for start > 0 && name[start-1] >= '0' && name[start-1] <= '9' {
			start--
		}
		num, err := strconv.Atoi(name[start : last+1])
		if err != nil {
			return numbered{}, false
		}
		width := 0
		if last+1-start > 1 && name[start] == '0' {
			width = last + 1 - start
		}
		return numbered{prefix: name[:start], suffix: name[last+1:], num: num, width: width}, true
	}

	var out []string
	i := 0
	for i < len(names) {
		n, ok := split(names[i])
		if !ok {
			out = append(out, names[i])
			i++
			continue
		}
		j := i
		for j+1 < len(names) {
			m, ok := split(names[j+1])
			if !ok || m.prefix != n.prefix || m.suffix != n.suffix ||
				m.num != n.num+(j+1-i) || m.width != n.width {
				break
			}
			j++
		}
		format := func(v int) string {
			s := strconv.Itoa(v)
			if n.width > 0 && len(s) < n.width {
				s = strings.Repeat("0", n.width-len(s)) + s
			}
			return s
		}
		if j > i {
			out = append(out, fmt.Sprintf("%s[%s-%s]%s",
				n.prefix, format(n.num), format(n.num+j-i), n.suffix))
		} else {
			out = append(out, names[i])
		}
		i = j + 1
	}
	return strings.Join(out, ",")
}

// Match reports whether name is covered by the bracketed pattern.
func Match(pattern, name string) bool {
	names, err := Expand(pattern)
	if err != nil {
		return false
	}
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

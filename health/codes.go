// Copyright 2023 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package health

import (
	"fmt"
	"strconv"
	"strings"
)

// CodeSet is a set of HTTP status codes written as a comma separated list of
// codes and inclusive ranges, such as "200-299,301".
type CodeSet struct {
	text   string
	ranges [][2]int
}

// DefaultCodes accepts any 2xx status.
//
//nolint:gochecknoglobals
var DefaultCodes = CodeSet{text: "200-299", ranges: [][2]int{{200, 299}}}

// ParseCodes parses a code set. An empty string yields DefaultCodes.
func ParseCodes(text string) (CodeSet, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return DefaultCodes, nil
	}
	set := CodeSet{text: text}
	for _, part := range strings.Split(text, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lo, hi, isRange := strings.Cut(part, "-")
		low, err := parseCode(lo)
		if err != nil {
			return CodeSet{}, err
		}
		high := low
		if isRange {
			if high, err = parseCode(hi); err != nil {
				return CodeSet{}, err
			}
			if high < low {
				return CodeSet{}, fmt.Errorf("invalid status code range %q", part)
			}
		}
		set.ranges = append(set.ranges, [2]int{low, high})
	}
	if len(set.ranges) == 0 {
		return CodeSet{}, fmt.Errorf("no status codes in %q", text)
	}
	return set, nil
}

func parseCode(s string) (int, error) {
	code, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || code < 100 || code > 999 {
		return 0, fmt.Errorf("invalid status code %q", s)
	}
	return code, nil
}

// Contains reports whether status is in the set. The zero CodeSet behaves
// like DefaultCodes.
func (c CodeSet) Contains(status int) bool {
	ranges := c.ranges
	if ranges == nil {
		ranges = DefaultCodes.ranges
	}
	for _, r := range ranges {
		if status >= r[0] && status <= r[1] {
			return true
		}
	}
	return false
}

func (c CodeSet) String() string {
	if c.ranges == nil {
		return DefaultCodes.text
	}
	return c.text
}

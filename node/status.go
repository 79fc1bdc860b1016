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

package node

import "github.com/Bikeman868/Gravity-sub000/analytics"

// Status is a point-in-time description of a node for dashboards and logs.
type Status struct {
	Name     string         `json:"name"`
	Kind     Kind           `json:"kind"`
	Disabled bool           `json:"disabled"`
	Offline  bool           `json:"offline"`
	Outputs  []OutputStatus `json:"outputs,omitempty"`
	// Detail holds type specific information.
	Detail any `json:"detail,omitempty"`
}

// OutputStatus describes one output of a node.
type OutputStatus struct {
	Name        string          `json:"name"`
	Disabled    bool            `json:"disabled"`
	Bound       bool            `json:"bound"`
	Connections int64           `json:"connections"`
	Sessions    int64           `json:"sessions"`
	Traffic     analytics.Stats `json:"traffic"`
}

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

// Package health classifies backend addresses as usable or not.
//
// A [Check] describes the synthetic request sent to each address and the
// [CodeSet] of status codes that count as success. The outcome of every check
// is fed to a [Tracker], which applies hysteresis: an address only becomes
// unhealthy after a configured number of consecutive failures, and a single
// success makes it healthy again.
package health

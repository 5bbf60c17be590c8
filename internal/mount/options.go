// Copyright 2024 The ipfs-mfs-fuse Authors. All Rights Reserved.
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

// Package mount parses the repeated "-o key[=value]" command-line option
// into the map[string]string shape fuse.MountConfig.Options expects.
package mount

import "strings"

// ParseOptions parses a comma-separated option string (as accepted by the
// standard mount(8) "-o" flag, e.g. "rw,noatime,uid=501") and merges the
// entries into m. A bare flag like "rw" is recorded with an empty value.
func ParseOptions(m map[string]string, s string) {
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if eq := strings.IndexByte(part, '='); eq >= 0 {
			m[part[:eq]] = part[eq+1:]
		} else {
			m[part] = ""
		}
	}
}

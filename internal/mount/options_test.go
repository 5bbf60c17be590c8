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

package mount

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseOptionsBareAndKeyed(t *testing.T) {
	m := map[string]string{}
	ParseOptions(m, "rw,noatime,uid=501")
	assert.Equal(t, "", m["rw"])
	assert.Equal(t, "", m["noatime"])
	assert.Equal(t, "501", m["uid"])
}

func TestParseOptionsMergesAcrossCalls(t *testing.T) {
	m := map[string]string{}
	ParseOptions(m, "rw")
	ParseOptions(m, "allow_root")
	assert.Contains(t, m, "rw")
	assert.Contains(t, m, "allow_root")
}

func TestParseOptionsIgnoresEmptySegments(t *testing.T) {
	m := map[string]string{}
	ParseOptions(m, "rw,,noatime")
	assert.Len(t, m, 2)
}

// Copyright 2025 Poiesic Systems
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


package badger

import (
	"fmt"
)

// Key prefixes for different data types
const (
	pipelinePrefix = "pipe"
	contentPrefix  = "cont"
)

// makePipelineKey generates a key for a pipeline snapshot.
// Format: prefix:index:documentID
func makePipelineKey(index, documentID string) []byte {
	return []byte(fmt.Sprintf("%s:%s:%s", pipelinePrefix, index, documentID))
}

// makePipelineIndexPrefix generates the prefix shared by every pipeline of an index.
func makePipelineIndexPrefix(index string) []byte {
	return []byte(fmt.Sprintf("%s:%s:", pipelinePrefix, index))
}

// makeContentKey generates a key for a stored file.
// Format: prefix:index:containerID/fileName
func makeContentKey(index, containerID, fileName string) []byte {
	return []byte(fmt.Sprintf("%s:%s:%s/%s", contentPrefix, index, containerID, fileName))
}

// makeContainerPrefix generates the prefix shared by every file of a container.
func makeContainerPrefix(index, containerID string) []byte {
	return []byte(fmt.Sprintf("%s:%s:%s/", contentPrefix, index, containerID))
}

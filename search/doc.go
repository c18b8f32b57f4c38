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


// Package search provides query-time retrieval over saved memory records.
//
// The Searcher embeds the query text once, runs a similarity query against
// every configured memory db and merges the matches by record id, keeping
// the best relevance seen for each record. Results are ranked by a score
// that adds a small boost when every significant query word appears
// verbatim in the record text.
package search

/*
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 * Copyright the virt-backup contributors.
 *
 */

package catalog_test

import (
	"sort"
	"testing"

	"github.com/virtbackup/virtbackup/pkg/catalog"
)

// TestMatcherPatternGrammar is spec §8 scenario S5.
func TestMatcherPatternGrammar(t *testing.T) {
	domains := []string{"a", "b", "vm-10", "matching", "matching2"}
	m, err := catalog.NewMatcher([]string{`r:^matching\d?$`, "!matching2", "nonexisting"})
	if err != nil {
		t.Fatalf("NewMatcher: %v", err)
	}

	got := m.Filter(domains)
	sort.Strings(got)
	want := []string{"matching"}
	if len(got) != len(want) || got[0] != want[0] {
		t.Fatalf("Filter(%v) = %v, want %v", domains, got, want)
	}
}

func TestMatcherBareName(t *testing.T) {
	m, err := catalog.NewMatcher([]string{"vm1"})
	if err != nil {
		t.Fatalf("NewMatcher: %v", err)
	}
	if !m.Match("vm1") {
		t.Error("expected exact bare-name match for vm1")
	}
	if m.Match("vm10") {
		t.Error("bare name must not prefix-match vm10")
	}
}

func TestMatcherReservedGroupPattern(t *testing.T) {
	m, err := catalog.NewMatcher([]string{"g:nightly"})
	if err != nil {
		t.Fatalf("NewMatcher: %v", err)
	}
	if m.Match("nightly") {
		t.Error("g: patterns are reserved and must never match (spec §9 open question)")
	}
}

func TestMatcherNoPatternsMatchesNothing(t *testing.T) {
	m, err := catalog.NewMatcher(nil)
	if err != nil {
		t.Fatalf("NewMatcher: %v", err)
	}
	if m.Match("vm1") {
		t.Error("an empty pattern list has no non-negated match, so nothing is included")
	}
}

func TestMatcherInvalidRegexErrors(t *testing.T) {
	if _, err := catalog.NewMatcher([]string{"r:("}); err == nil {
		t.Fatal("expected an error for an unparsable regex pattern")
	}
}

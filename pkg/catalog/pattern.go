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

package catalog

import (
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

// pattern is one parsed entry of a host-pattern list (spec §4.7): a bare
// name, `r:<regex>`, or `g:<group>` (reserved, matches nothing until
// groups-of-groups are specified), any of which may be negated with a
// leading `!`.
type pattern struct {
	negate bool
	match  func(domain string) bool
}

func parsePattern(raw string) (pattern, error) {
	p := pattern{}
	body := raw
	if strings.HasPrefix(body, "!") {
		p.negate = true
		body = body[1:]
	}

	switch {
	case strings.HasPrefix(body, "r:"):
		expr := body[len("r:"):]
		re, err := regexp.Compile(expr)
		if err != nil {
			return pattern{}, errors.Wrapf(err, "compiling host pattern regex %q", expr)
		}
		p.match = re.MatchString
	case strings.HasPrefix(body, "g:"):
		// Reserved: groups-of-groups aren't specified yet, so this never
		// matches (spec §9 open question).
		p.match = func(string) bool { return false }
	default:
		name := body
		p.match = func(domain string) bool { return domain == name }
	}
	return p, nil
}

// Matcher filters domain names against a combined set of host patterns
// (spec §4.7): include = union(non-negated matches) \ union(negated matches).
type Matcher struct {
	included []pattern
	excluded []pattern
}

// NewMatcher parses raw into a Matcher. A malformed `r:` regex is reported
// immediately rather than silently matching nothing.
func NewMatcher(raws []string) (*Matcher, error) {
	m := &Matcher{}
	for _, raw := range raws {
		p, err := parsePattern(raw)
		if err != nil {
			return nil, err
		}
		if p.negate {
			m.excluded = append(m.excluded, p)
		} else {
			m.included = append(m.included, p)
		}
	}
	return m, nil
}

// Match reports whether domain is included by m.
func (m *Matcher) Match(domain string) bool {
	included := false
	for _, p := range m.included {
		if p.match(domain) {
			included = true
			break
		}
	}
	if !included {
		return false
	}
	for _, p := range m.excluded {
		if p.match(domain) {
			return false
		}
	}
	return true
}

// Filter returns the subset of domains matched by m, preserving order.
func (m *Matcher) Filter(domains []string) []string {
	out := make([]string, 0, len(domains))
	for _, d := range domains {
		if m.Match(d) {
			out = append(out, d)
		}
	}
	return out
}

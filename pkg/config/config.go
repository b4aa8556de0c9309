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

// Package config loads the YAML configuration of spec §6.4: a top-level
// connection URI/credentials plus a map of named backup groups, each with
// its own host-pattern list, packager defaults and retention caps. It also
// performs the warn-only compression->packager rewrite of §4.8's
// "Config migration (group-level)".
package config

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"sigs.k8s.io/yaml"

	"github.com/virtbackup/virtbackup/pkg/catalog"
	"github.com/virtbackup/virtbackup/pkg/packager"
	"github.com/virtbackup/virtbackup/pkg/snapshot"
)

// Config is the root of a virtbackup configuration file (spec §6.4).
type Config struct {
	URI      string
	Username string
	Password string
	Threads  int
	Groups   map[string]GroupConfig
}

// GroupConfig describes one backup group, after `default` has been
// shallow-merged in and any legacy fields migrated (spec §6.4, §4.8).
type GroupConfig struct {
	Target       string           `json:"target,omitempty"`
	Packager     string           `json:"packager,omitempty"`
	PackagerOpts packager.Options `json:"packager_opts,omitempty"`
	Hosts        []HostEntry      `json:"hosts,omitempty"`

	Hourly  Cap `json:"hourly,omitempty"`
	Daily   Cap `json:"daily,omitempty"`
	Weekly  Cap `json:"weekly,omitempty"`
	Monthly Cap `json:"monthly,omitempty"`
	Yearly  Cap `json:"yearly,omitempty"`

	Autostart string `json:"autostart,omitempty"`

	// Legacy fields understood only by the compression->packager
	// migration below; never populated by a config written by this
	// build (spec §4.8 "Config migration").
	Compression    string `json:"compression,omitempty"`
	CompressionLvl int    `json:"compression_lvl,omitempty"`
}

// HostEntry is one entry of a group's `hosts` list (spec §6.4): either a
// bare pattern string, or an object naming a host plus a per-host disks
// allowlist and quiesce override (SPEC_FULL.md supplements 1 and 3).
type HostEntry struct {
	Pattern string
	Disks   []string
	Quiesce string // "", "fallback", "strict", or "skip"
}

// UnmarshalJSON accepts either a bare pattern string or a
// {host, disks?, quiesce?} object.
func (h *HostEntry) UnmarshalJSON(data []byte) error {
	var asString string
	if err := json.Unmarshal(data, &asString); err == nil {
		h.Pattern = asString
		return nil
	}

	var obj struct {
		Host    string   `json:"host"`
		Disks   []string `json:"disks,omitempty"`
		Quiesce string   `json:"quiesce,omitempty"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return errors.Wrap(err, "decoding host entry")
	}
	h.Pattern = obj.Host
	h.Disks = obj.Disks
	h.Quiesce = obj.Quiesce
	return nil
}

// MarshalJSON round-trips a HostEntry back to whichever shape it was
// decoded from, so re-serializing an unmodified config is a no-op.
func (h HostEntry) MarshalJSON() ([]byte, error) {
	if len(h.Disks) == 0 && h.Quiesce == "" {
		return json.Marshal(h.Pattern)
	}
	return json.Marshal(struct {
		Host    string   `json:"host"`
		Disks   []string `json:"disks,omitempty"`
		Quiesce string   `json:"quiesce,omitempty"`
	}{h.Pattern, h.Disks, h.Quiesce})
}

// QuiescePolicy resolves this host's quiesce override to the snapshot
// package's enum, defaulting to QuiesceFallback (spec §4.3's documented
// retry-once behavior) when unset.
func (h HostEntry) QuiescePolicy() (snapshot.QuiescePolicy, error) {
	return ParseQuiescePolicy(h.Quiesce)
}

// ParseQuiescePolicy maps the config's tri-state quiesce toggle
// (SPEC_FULL.md supplement 1) onto pkg/snapshot's QuiescePolicy enum.
func ParseQuiescePolicy(v string) (snapshot.QuiescePolicy, error) {
	switch v {
	case "", "fallback":
		return snapshot.QuiesceFallback, nil
	case "strict":
		return snapshot.QuiesceRequired, nil
	case "skip":
		return snapshot.QuiesceOff, nil
	default:
		return snapshot.QuiesceOff, errors.Errorf("unknown quiesce policy %q (want fallback, strict or skip)", v)
	}
}

// Cap is one retention period's cap: a non-negative integer, or the
// sentinel catalog.Unbounded for the config string "*" (spec §4.7).
type Cap int

// UnmarshalJSON accepts either a JSON number or the string "*".
func (c *Cap) UnmarshalJSON(data []byte) error {
	var asString string
	if err := json.Unmarshal(data, &asString); err == nil {
		if asString != "*" {
			return errors.Errorf("invalid retention cap %q, want a non-negative integer or \"*\"", asString)
		}
		*c = catalog.Unbounded
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return errors.Wrap(err, "decoding retention cap")
	}
	if n < 0 {
		return errors.Errorf("retention cap %d must not be negative", n)
	}
	*c = Cap(n)
	return nil
}

// MarshalJSON writes the Unbounded sentinel back out as "*".
func (c Cap) MarshalJSON() ([]byte, error) {
	if int(c) == catalog.Unbounded {
		return json.Marshal("*")
	}
	return json.Marshal(int(c))
}

// Policy converts a group's five retention fields into a catalog.Policy.
func (g GroupConfig) Policy() catalog.Policy {
	return catalog.Policy{
		Hourly:  int(g.Hourly),
		Daily:   int(g.Daily),
		Weekly:  int(g.Weekly),
		Monthly: int(g.Monthly),
		Yearly:  int(g.Yearly),
	}
}

// AutostartSchedule parses the group's autostart cron expression, if any.
// A blank Autostart yields (nil, nil): the group simply has no schedule.
func (g GroupConfig) AutostartSchedule() (cron.Schedule, error) {
	if g.Autostart == "" {
		return nil, nil
	}
	sched, err := cron.ParseStandard(g.Autostart)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing autostart cron expression %q", g.Autostart)
	}
	return sched, nil
}

// NextAutostart reports the next time after from that the group's
// autostart schedule fires. ok is false if the group has no schedule.
func (g GroupConfig) NextAutostart(from time.Time) (next time.Time, ok bool, err error) {
	sched, err := g.AutostartSchedule()
	if err != nil {
		return time.Time{}, false, err
	}
	if sched == nil {
		return time.Time{}, false, nil
	}
	return sched.Next(from), true, nil
}

// HostPatterns extracts the plain pattern strings a group's hosts resolve
// to, for catalog.NewMatcher.
func (g GroupConfig) HostPatterns() []string {
	patterns := make([]string, len(g.Hosts))
	for i, h := range g.Hosts {
		patterns[i] = h.Pattern
	}
	return patterns
}

// migrateLegacyPackagerFields rewrites a group's compression/compression_lvl
// fields into packager/packager_opts in place (spec §4.8 "Config migration
// (group-level, warn-only)"), returning a non-empty warning string if it
// changed anything. The file on disk is never touched; only the in-memory
// record is rewritten, mirroring the original's compat_layers behavior
// (SPEC_FULL.md supplement 2).
func migrateLegacyPackagerFields(group map[string]interface{}) string {
	raw, ok := group["compression"]
	if !ok {
		return ""
	}
	delete(group, "compression")
	lvl, hasLvl := group["compression_lvl"]
	delete(group, "compression_lvl")

	opts := map[string]interface{}{}
	if hasLvl {
		opts["compression_lvl"] = lvl
	}

	compression, isString := raw.(string)
	var kind string
	switch {
	case !isString: // YAML/JSON null: c=None
		kind = "directory"
	case compression == "tar":
		kind = "tar"
	default:
		kind = "tar"
		opts["compression"] = compression
	}

	group["packager"] = kind
	group["packager_opts"] = opts
	return fmt.Sprintf("legacy compression=%q rewritten to packager=%q (in memory only; config file left untouched)", compression, kind)
}

// Load parses a YAML configuration document, shallow-merging `default`
// into every group (spec §6.4) and applying the warn-only legacy-field
// migration. Warnings produced are returned so the caller can log them
// however it logs everything else.
func Load(data []byte) (*Config, []string, error) {
	var raw struct {
		URI      string                     `json:"uri"`
		Username string                     `json:"username,omitempty"`
		Password string                     `json:"password,omitempty"`
		Threads  int                        `json:"threads,omitempty"`
		Default  map[string]interface{}     `json:"default,omitempty"`
		Groups   map[string]json.RawMessage `json:"groups"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, nil, errors.Wrap(err, "parsing yaml configuration")
	}

	cfg := &Config{
		URI:      raw.URI,
		Username: raw.Username,
		Password: raw.Password,
		Threads:  raw.Threads,
		Groups:   map[string]GroupConfig{},
	}

	names := make([]string, 0, len(raw.Groups))
	for name := range raw.Groups {
		names = append(names, name)
	}
	sort.Strings(names)

	var warnings []string
	for _, name := range names {
		merged := map[string]interface{}{}
		for k, v := range raw.Default {
			merged[k] = v
		}
		var groupRaw map[string]interface{}
		if err := json.Unmarshal(raw.Groups[name], &groupRaw); err != nil {
			return nil, nil, errors.Wrapf(err, "decoding group %q", name)
		}
		for k, v := range groupRaw {
			merged[k] = v
		}

		if w := migrateLegacyPackagerFields(merged); w != "" {
			warnings = append(warnings, fmt.Sprintf("group %q: %s", name, w))
		}

		mergedJSON, err := json.Marshal(merged)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "re-encoding group %q", name)
		}
		var gc GroupConfig
		if err := json.Unmarshal(mergedJSON, &gc); err != nil {
			return nil, nil, errors.Wrapf(err, "decoding group %q", name)
		}
		cfg.Groups[name] = gc
	}

	return cfg, warnings, nil
}

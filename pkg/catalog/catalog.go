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

// Package catalog implements the backup group's directory-wide view of
// spec §4.7: scanning every domain's definitions and pending-info beneath
// a backup_dir, host-pattern filtering, time-bucketed retention, broken-
// backup cleanup and nearest-date lookups.
package catalog

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/virtbackup/virtbackup/pkg/backup"
	"github.com/virtbackup/virtbackup/pkg/hypervisor"
	"github.com/virtbackup/virtbackup/pkg/logging"
	"github.com/virtbackup/virtbackup/pkg/metadata"
	"github.com/virtbackup/virtbackup/pkg/packager"
	"github.com/virtbackup/virtbackup/pkg/vberrors"
)

// Catalog scans a group's backup_dir, laid out per §6.2 as one subdirectory
// per domain holding that domain's definitions and pending-info.
type Catalog struct {
	BackupDir string
	logger    *logging.Logger
}

// New builds a Catalog rooted at backupDir. logger may be nil.
func New(backupDir string, logger *logging.Logger) *Catalog {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Catalog{BackupDir: backupDir, logger: logger.With("component", "catalog")}
}

// brokenRecord pairs a parsed pending-info with the domain directory it was
// found in, so it can later be resumed for clean_broken.
type brokenRecord struct {
	dir  string
	name string
	pend *metadata.Pending
}

// Name is the backup name (spec §4.8 `name_of` format) the broken
// pending-info was recorded under.
func (r *brokenRecord) Name() string { return r.name }

// Pending exposes the parsed pending-info record itself.
func (r *brokenRecord) Pending() *metadata.Pending { return r.pend }

// Scan walks backup_dir/*/*.json for definitions and backup_dir/*/*.json.pending
// for broken backups (spec §4.7 scan). Parse failures are logged and the
// file skipped. Results are grouped by domain_name.
func (c *Catalog) Scan() (completed map[string][]*backup.CompleteBackup, broken map[string][]*brokenRecord, err error) {
	completed = map[string][]*backup.CompleteBackup{}
	broken = map[string][]*brokenRecord{}

	entries, err := os.ReadDir(c.BackupDir)
	if err != nil {
		if os.IsNotExist(err) {
			return completed, broken, nil
		}
		return nil, nil, err
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		domainDir := filepath.Join(c.BackupDir, entry.Name())
		files, err := os.ReadDir(domainDir)
		if err != nil {
			c.logger.Warn("reading domain directory failed", "dir", domainDir, "err", err)
			continue
		}

		for _, f := range files {
			if f.IsDir() {
				continue
			}
			base := f.Name()
			switch {
			case strings.HasSuffix(base, ".json.pending"):
				name := strings.TrimSuffix(base, ".json.pending")
				pend, err := metadata.LoadPending(metadata.PendingPath(domainDir, name))
				if err != nil {
					c.logger.Warn("parsing pending-info failed, skipping", "file", base, "err", err)
					continue
				}
				if pend == nil {
					continue
				}
				broken[pend.DomainName] = append(broken[pend.DomainName], &brokenRecord{dir: domainDir, name: name, pend: pend})
			case strings.HasSuffix(base, ".json"):
				name := strings.TrimSuffix(base, ".json")
				cb, err := backup.LoadCompleteBackup(domainDir, name)
				if err != nil {
					c.logger.Warn("parsing definition failed, skipping", "file", base, "err", err)
					continue
				}
				domainName := cb.Definition().DomainName
				completed[domainName] = append(completed[domainName], cb)
			}
		}
	}
	return completed, broken, nil
}

// ScanFiltered is Scan followed by a host-pattern filter over the completed
// set's domain names (spec §4.7's "host-pattern matching filters included
// domains").
func (c *Catalog) ScanFiltered(patterns []string) (map[string][]*backup.CompleteBackup, error) {
	completed, _, err := c.Scan()
	if err != nil {
		return nil, err
	}
	if len(patterns) == 0 {
		return completed, nil
	}
	matcher, err := NewMatcher(patterns)
	if err != nil {
		return nil, err
	}
	out := map[string][]*backup.CompleteBackup{}
	for domain, backups := range completed {
		if matcher.Match(domain) {
			out[domain] = backups
		}
	}
	return out, nil
}

// CleanBroken resumes every pending-info file found during a scan and runs
// clean_aborted on it (spec §4.7 clean_broken). Per-backup failures are
// logged and skipped; scanning continues for the rest.
func (c *Catalog) CleanBroken(ctx context.Context, conn hypervisor.Connection, opts backup.Options) error {
	_, broken, err := c.Scan()
	if err != nil {
		return err
	}
	for domain, records := range broken {
		for _, rec := range records {
			pb, err := backup.ResumeFromPending(conn, rec.dir, rec.pend, opts)
			if err != nil {
				c.logger.Warn("resuming broken backup failed", "domain", domain, "name", rec.name, "err", err)
				continue
			}
			if err := pb.CleanAborted(ctx); err != nil {
				c.logger.Warn("clean_aborted failed", "domain", domain, "name", rec.name, "err", err)
			}
		}
	}
	return nil
}

// ApplyRetentionTo runs ApplyRetention over one domain's backups and
// deletes everything retention doesn't keep, via complete.delete (spec
// §4.7 step 3). Per-backup deletion failures are logged and skipped; the
// rest of the domain's backups are still processed.
func (c *Catalog) ApplyRetentionTo(backups []*backup.CompleteBackup, policy Policy, cancel *packager.CancelFlag) error {
	_, remove := ApplyRetention(backups, policy)
	for _, b := range remove {
		if err := b.Delete(cancel); err != nil {
			c.logger.Warn("deleting backup past retention failed", "name", b.Definition().Name, "err", err)
		}
	}
	return nil
}

// GetBackupAtDate returns the backup for domain whose date is exactly date,
// or BackupNotFound (spec §4.7 get_backup_at_date).
func GetBackupAtDate(backups []*backup.CompleteBackup, domain string, date int64) (*backup.CompleteBackup, error) {
	for _, b := range backups {
		if b.Definition().Date == date {
			return b, nil
		}
	}
	return nil, &vberrors.BackupNotFound{Domain: domain}
}

func abs64(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}

// GetNNearest returns the n backups with the smallest |b.date - date|,
// nearest first (spec §4.7 get_n_nearest).
func GetNNearest(backups []*backup.CompleteBackup, date int64, n int) []*backup.CompleteBackup {
	sorted := make([]*backup.CompleteBackup, len(backups))
	copy(sorted, backups)
	sort.SliceStable(sorted, func(i, j int) bool {
		return abs64(sorted[i].Definition().Date-date) < abs64(sorted[j].Definition().Date-date)
	})
	if n >= 0 && n < len(sorted) {
		sorted = sorted[:n]
	}
	return sorted
}

// NearestBefore returns the backup with the greatest date <= date, or
// BackupNotFound if every backup is strictly after date.
func NearestBefore(backups []*backup.CompleteBackup, domain string, date int64) (*backup.CompleteBackup, error) {
	var best *backup.CompleteBackup
	for _, b := range backups {
		d := b.Definition().Date
		if d > date {
			continue
		}
		if best == nil || d > best.Definition().Date {
			best = b
		}
	}
	if best == nil {
		return nil, &vberrors.BackupNotFound{Domain: domain}
	}
	return best, nil
}

// NearestAfter returns the backup with the smallest date >= date, or
// BackupNotFound if every backup is strictly before date.
func NearestAfter(backups []*backup.CompleteBackup, domain string, date int64) (*backup.CompleteBackup, error) {
	var best *backup.CompleteBackup
	for _, b := range backups {
		d := b.Definition().Date
		if d < date {
			continue
		}
		if best == nil || d < best.Definition().Date {
			best = b
		}
	}
	if best == nil {
		return nil, &vberrors.BackupNotFound{Domain: domain}
	}
	return best, nil
}

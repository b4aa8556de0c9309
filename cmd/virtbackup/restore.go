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

package main

import (
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/virtbackup/virtbackup/pkg/backup"
	"github.com/virtbackup/virtbackup/pkg/catalog"
	"github.com/virtbackup/virtbackup/pkg/logging"
	"github.com/virtbackup/virtbackup/pkg/vberrors"
)

var restoreDate string

var restoreCmd = &cobra.Command{
	Use:   "restore <group> <domain> <target_dir>",
	Short: "Restore a domain's backup into target_dir",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		groupName, domain, targetDir := args[0], args[1], args[2]

		logger := logging.New()
		cfg, err := loadConfig(logger)
		if err != nil {
			return err
		}
		gc, ok := cfg.Groups[groupName]
		if !ok {
			return errors.Errorf("unknown backup group %q", groupName)
		}

		cat := catalog.New(gc.Target, logger)
		backups, err := cat.ScanFiltered(nil)
		if err != nil {
			return errors.Wrap(err, "scanning backup catalog")
		}
		domainBackups, ok := backups[domain]
		if !ok || len(domainBackups) == 0 {
			return &vberrors.BackupNotFound{Domain: domain}
		}

		cb, err := selectBackup(domainBackups, domain, restoreDate)
		if err != nil {
			return err
		}

		if err := cb.RestoreTo(targetDir, nil); err != nil {
			return errors.Wrapf(err, "restoring %q into %q", cb.Definition().Name, targetDir)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(restoreCmd)
	restoreCmd.Flags().StringVar(&restoreDate, "date", "", "RFC3339 timestamp of the backup to restore (defaults to the most recent)")
}

// selectBackup picks the exact backup named by an RFC3339 --date, or the
// most recent backup of domain when date is blank.
func selectBackup(backups []*backup.CompleteBackup, domain, date string) (*backup.CompleteBackup, error) {
	if date == "" {
		latest := backups[0]
		for _, b := range backups[1:] {
			if b.Definition().Date > latest.Definition().Date {
				latest = b
			}
		}
		return latest, nil
	}

	t, err := time.Parse(time.RFC3339, date)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing --date %q", date)
	}
	return catalog.GetBackupAtDate(backups, domain, t.Unix())
}

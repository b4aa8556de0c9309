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
	"fmt"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/virtbackup/virtbackup/pkg/catalog"
	"github.com/virtbackup/virtbackup/pkg/logging"
)

var (
	listAll    bool
	listShort  bool
	listDomain []string
)

var listCmd = &cobra.Command{
	Use:   "list [groups...]",
	Short: "List backups recorded in the named groups (or every group)",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := logging.New()
		cfg, err := loadConfig(logger)
		if err != nil {
			return err
		}
		groups, err := selectGroups(cfg, args)
		if err != nil {
			return err
		}

		names := make([]string, 0, len(groups))
		for name := range groups {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			gc := groups[name]
			cat := catalog.New(gc.Target, logger)

			completed, broken, err := cat.Scan()
			if err != nil {
				return errors.Wrapf(err, "scanning group %q", name)
			}

			domains := make([]string, 0, len(completed))
			for domain := range completed {
				domains = append(domains, domain)
			}
			sort.Strings(domains)

			for _, domain := range domains {
				if !domainWanted(domain) {
					continue
				}
				backups := completed[domain]
				sort.Slice(backups, func(i, j int) bool {
					return backups[i].Definition().Date < backups[j].Definition().Date
				})
				if listShort {
					fmt.Printf("%s/%s: %d backup(s)\n", name, domain, len(backups))
					continue
				}
				for _, b := range backups {
					def := b.Definition()
					fmt.Printf("%s/%s\t%s\t%s\n", name, domain, def.Name, time.Unix(def.Date, 0).Local().Format(time.RFC3339))
				}
			}

			if listAll {
				for domain, records := range broken {
					if !domainWanted(domain) {
						continue
					}
					for _, rec := range records {
						fmt.Printf("%s/%s\t%s\t(broken)\n", name, domain, rec.Name())
					}
				}
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
	listCmd.Flags().BoolVar(&listAll, "all", false, "also list broken (unresumed) backups")
	listCmd.Flags().BoolVar(&listShort, "short", false, "print one summary line per domain instead of one line per backup")
	listCmd.Flags().StringArrayVarP(&listDomain, "domain", "D", nil, "restrict output to the named domain (repeatable)")
}

func domainWanted(domain string) bool {
	if len(listDomain) == 0 {
		return true
	}
	for _, d := range listDomain {
		if d == domain {
			return true
		}
	}
	return false
}

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
	"context"
	"sort"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/virtbackup/virtbackup/pkg/backup"
	"github.com/virtbackup/virtbackup/pkg/catalog"
	"github.com/virtbackup/virtbackup/pkg/config"
	"github.com/virtbackup/virtbackup/pkg/group"
	"github.com/virtbackup/virtbackup/pkg/hypervisor"
	"github.com/virtbackup/virtbackup/pkg/logging"
	"github.com/virtbackup/virtbackup/pkg/packager"
	"github.com/virtbackup/virtbackup/pkg/snapshot"
	"github.com/virtbackup/virtbackup/pkg/vberrors"
)

var backupCmd = &cobra.Command{
	Use:   "backup [groups...]",
	Short: "Run a live backup of every domain in the named groups (or every group)",
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

		conn, err := hypervisor.Connect(cfg.URI)
		if err != nil {
			return errors.Wrap(err, "connecting to hypervisor")
		}
		defer conn.Close()

		ctx, cancelEventLoop := context.WithCancel(cmd.Context())
		defer cancelEventLoop()
		go func() { _ = conn.RunEventLoop(ctx) }()

		liveDomains, err := conn.ListDomainNames()
		if err != nil {
			return errors.Wrap(err, "enumerating live domains")
		}

		return runGroups(ctx, conn, cfg, groups, liveDomains, logger)
	},
}

func init() {
	rootCmd.AddCommand(backupCmd)
}

// runGroups builds one group.Group per named config group, matching its
// host patterns against liveDomains (spec §6.4 hosts, SPEC_FULL.md
// supplement 3's per-host disks allowlist), and runs each to completion.
// Per-domain failures are aggregated across groups into a single
// BackupsFailureInGroup so later groups still run; an invalid host pattern
// or any other group-level error stops the run at that group.
func runGroups(ctx context.Context, conn hypervisor.Connection, cfg *config.Config, groups map[string]config.GroupConfig, liveDomains []string, logger *logging.Logger) error {
	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	sort.Strings(names)

	allErrs := map[string]error{}
	var allCompleted []string

	for _, name := range names {
		gc := groups[name]
		g := group.New(name, gc.Target, backup.Options{
			PackagerKind: packagerKindOf(gc),
			PackagerOpts: gc.PackagerOpts,
			Quiesce:      snapshot.QuiesceFallback,
			Logger:       logger,
		}, logger)

		matcher, err := catalog.NewMatcher(gc.HostPatterns())
		if err != nil {
			return errors.Wrapf(err, "group %q: invalid host pattern", name)
		}

		for _, domain := range matcher.Filter(liveDomains) {
			disks, quiesce := hostOverridesFor(gc, domain)
			if err := g.AddDomain(conn, domain, disks, backup.Options{Quiesce: quiesce}); err != nil {
				logger.Warn("adding domain to group failed", "group", name, "domain", domain, "err", err)
				allErrs[name+"/"+domain] = err
			}
		}
		g.PropagateDefaults()

		threads := cfg.Threads
		var runErr error
		if threads > 1 {
			runErr = g.StartMultithread(ctx, threads)
		} else {
			runErr = g.Start(ctx)
		}
		if runErr == nil {
			continue
		}
		if failure, ok := runErr.(*vberrors.BackupsFailureInGroup); ok {
			allCompleted = append(allCompleted, failure.Completed...)
			for domain, err := range failure.Errors {
				allErrs[name+"/"+domain] = err
			}
			continue
		}
		return errors.Wrapf(runErr, "group %q", name)
	}

	if len(allErrs) > 0 {
		return &vberrors.BackupsFailureInGroup{Completed: allCompleted, Errors: allErrs}
	}
	return nil
}

// packagerKindOf resolves a group's configured packager, defaulting to
// directory when unset (spec §4.2's default per the original's behavior).
func packagerKindOf(gc config.GroupConfig) packager.Kind {
	if gc.Packager == "" {
		return packager.KindDirectory
	}
	return packager.Kind(gc.Packager)
}

// hostOverridesFor looks up the per-host disks allowlist and quiesce
// override for domain within a group's host entries (SPEC_FULL.md
// supplement 3). Only QuiesceRequired survives as an override: the zero
// value QuiesceOff doubles as ApplyDefaults's "not set" sentinel
// (backup.PendingBackup.ApplyDefaults), so a host-level "skip" cannot be
// distinguished from no override at all and instead falls back to the
// group's QuiesceFallback default.
func hostOverridesFor(gc config.GroupConfig, domain string) (disks []string, quiesce snapshot.QuiescePolicy) {
	for _, h := range gc.Hosts {
		if h.Pattern != domain {
			continue
		}
		if q, err := h.QuiescePolicy(); err == nil {
			quiesce = q
		}
		return h.Disks, quiesce
	}
	return nil, snapshot.QuiesceOff
}

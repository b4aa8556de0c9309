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
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/virtbackup/virtbackup/pkg/config"
	"github.com/virtbackup/virtbackup/pkg/logging"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "virtbackup",
	Short: "Live-snapshot backup and restore for libvirt-managed domains",
	Long: `virtbackup coordinates libvirt external snapshots, streamed disk
copies and block-commit reconciliation into scheduled, retained backups of
running virtual machines, grouped and configured per host.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", envOrDefault("VIRTBACKUP_CONFIG", "/etc/virtbackup/config.yaml"), "path to the YAML configuration file")
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// loadConfig reads and parses the configuration named by --config, logging
// any legacy-field migration warnings it produced along the way.
func loadConfig(logger *logging.Logger) (*config.Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, errors.Wrapf(err, "reading configuration %q", configPath)
	}
	cfg, warnings, err := config.Load(data)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing configuration %q", configPath)
	}
	for _, w := range warnings {
		logger.Warn(w)
	}
	return cfg, nil
}

// selectGroups resolves the group names an invocation asked for against
// the config's known groups, defaulting to every configured group when
// none are named. An unknown name is a configuration error.
func selectGroups(cfg *config.Config, names []string) (map[string]config.GroupConfig, error) {
	if len(names) == 0 {
		return cfg.Groups, nil
	}
	out := make(map[string]config.GroupConfig, len(names))
	for _, name := range names {
		gc, ok := cfg.Groups[name]
		if !ok {
			return nil, errors.Errorf("unknown backup group %q", name)
		}
		out[name] = gc
	}
	return out, nil
}

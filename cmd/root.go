// Copyright 2025 Google LLC
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

// Package cmd wires the command line onto the encrypted filesystem core:
// flag and config-file parsing via viper, then the mount sequence in
// mount.go. Password entry and key unwrapping are collaborator concerns;
// see resolveKey for the placeholder that stands in for them.
package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/last-saiyan/rencfs/cfg"
)

var (
	cfgFile       string
	bindErr       error
	configFileErr error
	unmarshalErr  error
	mountConfig   cfg.Config
)

var rootCmd = &cobra.Command{
	Use:   "rencfs [flags] mount_point",
	Short: "Mount an encrypted directory tree as a local filesystem",
	Long: `rencfs exposes an encrypted on-disk store (a directory of
AEAD-sealed inodes, contents, and directory entries) as a conventional
filesystem via FUSE. Every byte at rest is ciphertext; the mount needs
only the data directory, a staging directory on the same host
filesystem, and the 256-bit key.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if bindErr != nil {
			return bindErr
		}
		if configFileErr != nil {
			return configFileErr
		}
		if unmarshalErr != nil {
			return unmarshalErr
		}
		if err := cfg.ValidateConfig(&mountConfig); err != nil {
			return err
		}
		mountPoint, err := filepath.Abs(args[0])
		if err != nil {
			return fmt.Errorf("canonicalizing mount point: %w", err)
		}
		return runMount(cmd.Context(), mountPoint, &mountConfig)
	},
}

// Execute runs the root command, exiting nonzero on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config-file", "", "Path to the config-file")
	bindErr = cfg.BindFlags(rootCmd.PersistentFlags())
}

func initConfig() {
	defaults := cfg.GetDefaultLoggingConfig()
	viper.SetDefault("logging.log-rotate.max-file-size-mb", defaults.LogRotate.MaxFileSizeMB)
	viper.SetDefault("logging.log-rotate.backup-file-count", defaults.LogRotate.BackupFileCount)
	viper.SetDefault("logging.log-rotate.compress", defaults.LogRotate.Compress)

	if cfgFile != "" {
		resolved, err := filepath.Abs(cfgFile)
		if err != nil {
			configFileErr = fmt.Errorf("error while resolving config file path: %w", err)
			return
		}
		viper.SetConfigFile(resolved)
		viper.SetConfigType("yaml")
		if err := viper.ReadInConfig(); err != nil {
			configFileErr = fmt.Errorf("error while reading config file: %w", err)
			return
		}
	}
	unmarshalErr = viper.Unmarshal(&mountConfig, viper.DecodeHook(cfg.DecodeHook()), func(decoderConfig *mapstructure.DecoderConfig) {
		// The Config struct carries yaml tags so the config file and the
		// flag names share one vocabulary.
		decoderConfig.TagName = "yaml"
	})
}

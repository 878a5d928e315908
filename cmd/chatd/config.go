// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianChat/services/chat"
)

// envPrefix prefixes every configuration environment variable.
const envPrefix = "CHAT"

// loadConfig builds the effective configuration.
//
// # Description
//
// The built-in defaults are rendered to YAML and read first, so every key
// is known to viper and can be overridden from the environment. The file at
// path, when given, is merged on top. Environment variables win over both.
//
// # Inputs
//
//   - path: YAML config file. Empty skips the file.
//
// # Outputs
//
//   - chat.Config: The merged configuration.
//   - error: Non-nil if the file cannot be read or a value does not decode.
func loadConfig(path string) (chat.Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	base, err := yaml.Marshal(chat.DefaultConfig())
	if err != nil {
		return chat.Config{}, fmt.Errorf("render default config: %w", err)
	}
	if err := v.ReadConfig(bytes.NewReader(base)); err != nil {
		return chat.Config{}, fmt.Errorf("read default config: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return chat.Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg chat.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return chat.Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

func newConfigCmd(opts *rootOptions) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the chat service configuration",
	}
	configCmd.AddCommand(&cobra.Command{
		Use:   "print",
		Short: "Print the effective configuration as YAML with secrets redacted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts.configPath)
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(cfg.Redacted())
			if err != nil {
				return fmt.Errorf("render config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	})
	return configCmd
}

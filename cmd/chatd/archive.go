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
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianChat/services/chat"
	"github.com/AleutianAI/AleutianChat/services/chat/archive"
)

// errJournalBroken is returned when the loss journal hash chain is broken.
var errJournalBroken = errors.New("loss journal hash chain is broken")

func newArchiveCmd(opts *rootOptions) *cobra.Command {
	var (
		journalPath string
		force       bool
		dryRun      bool
	)
	replayCmd := &cobra.Command{
		Use:   "replay",
		Short: "Re-submit records from the loss journal to the archive backend",
		Long: `replay reads every entry of the loss journal and writes its record to the
configured archive backend with the normal retry policy. Records already
present are left untouched, so replaying twice is safe. The journal itself
is not modified.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts.configPath)
			if err != nil {
				return err
			}
			if journalPath == "" {
				journalPath = cfg.Archive.JournalPath
			}

			valid, at, err := archive.VerifyLossJournal(journalPath)
			if err != nil {
				return err
			}
			if !valid && !force {
				return fmt.Errorf("%w at entry %d (use --force to replay anyway)", errJournalBroken, at)
			}
			entries, err := archive.ReadLossJournal(journalPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if dryRun {
				for _, e := range entries {
					fmt.Fprintf(out, "%d\t%s\t%s\t%s\n", e.Sequence, e.Record.SessionKey, e.Record.RecordID, e.Reason)
				}
				fmt.Fprintf(out, "%d records would be replayed\n", len(entries))
				return nil
			}

			ctx := commandContext(cmd)
			writer, closeArchive, err := chat.OpenArchive(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeArchive(ctx)

			var failed int
			for _, e := range entries {
				if err := writer.WriteWithRetry(ctx, e.Record); err != nil {
					failed++
					fmt.Fprintf(cmd.ErrOrStderr(), "record %s (session %s): %v\n", e.Record.RecordID, e.Record.SessionKey, err)
				}
			}
			fmt.Fprintf(out, "replayed %d of %d records to %s\n", len(entries)-failed, len(entries), writer.Backend().Name())
			if failed > 0 {
				return fmt.Errorf("%d records could not be replayed", failed)
			}
			return nil
		},
	}
	replayCmd.Flags().StringVar(&journalPath, "journal", "", "loss journal path (default: archive.journal_path)")
	replayCmd.Flags().BoolVar(&force, "force", false, "replay even if the hash chain is broken")
	replayCmd.Flags().BoolVar(&dryRun, "dry-run", false, "list the records without writing them")

	archiveCmd := &cobra.Command{
		Use:   "archive",
		Short: "Archive maintenance",
	}
	archiveCmd.AddCommand(replayCmd)
	return archiveCmd
}

func newJournalCmd(opts *rootOptions) *cobra.Command {
	var journalPath string
	verifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "Check the loss journal hash chain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if journalPath == "" {
				cfg, err := loadConfig(opts.configPath)
				if err != nil {
					return err
				}
				journalPath = cfg.Archive.JournalPath
			}
			entries, err := archive.ReadLossJournal(journalPath)
			if err != nil {
				return err
			}
			valid, at, err := archive.VerifyLossJournal(journalPath)
			if err != nil {
				return err
			}
			if !valid {
				return fmt.Errorf("%w at entry %d of %d", errJournalBroken, at, len(entries))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %d entries in %s\n", len(entries), journalPath)
			return nil
		},
	}
	verifyCmd.Flags().StringVar(&journalPath, "journal", "", "loss journal path (default: archive.journal_path)")

	journalCmd := &cobra.Command{
		Use:   "journal",
		Short: "Loss journal tools",
	}
	journalCmd.AddCommand(verifyCmd)
	return journalCmd
}

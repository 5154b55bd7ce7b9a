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
	"fmt"

	"github.com/spf13/cobra"
)

func newSweepCmd(g *globalOptions) *cobra.Command {
	var (
		asJSON bool
		verify []string
	)
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Deactivate poorly performing learned patterns",
		Long: `Sweep deactivates learned patterns seen at least min_occurrences times
whose success rate is below min_success_rate, unless a reviewer verified
them. Patterns passed with --verify are marked verified first.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := newLogger(g, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			// Maintenance never needs the remote stages.
			local := *g
			local.noEmbedding = true
			local.noLLM = true
			svc, err := buildService(ctx, &local, logger)
			if err != nil {
				return err
			}
			defer svc.Close()

			for _, id := range verify {
				if err := svc.VerifyPattern(ctx, id); err != nil {
					return fmt.Errorf("verify %s: %w", id, err)
				}
			}

			res, err := svc.Sweep(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON || !isTerminal(out) {
				return writeJSON(out, res)
			}
			_, err = fmt.Fprintln(out, renderSweep(res))
			return err
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON even on a terminal")
	cmd.Flags().StringSliceVar(&verify, "verify", nil, "Learned pattern ids to mark verified before sweeping")
	return cmd
}

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
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
)

func newClassifyCmd(g *globalOptions) *cobra.Command {
	var (
		history   []string
		asJSON    bool
		warmFirst bool
	)
	cmd := &cobra.Command{
		Use:   "classify <query...>",
		Short: "Classify one query and print the routing decision",
		Long: `Classify runs one query through the cascade. When the result needs
clarification, the generated request is recorded and printed with its
interaction id. Output is styled on a terminal and JSON otherwise.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(g, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			svc, err := buildService(ctx, g, logger)
			if err != nil {
				return err
			}
			defer svc.Close()

			if warmFirst {
				if err := svc.Initialize(ctx); err != nil {
					logger.Warn("Warm-up incomplete", slog.String("error", err.Error()))
				}
			}

			res, err := svc.Classify(ctx, strings.Join(args, " "), history)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON || !isTerminal(out) {
				return writeJSON(out, res)
			}
			_, err = fmt.Fprintln(out, renderClassification(res))
			return err
		},
	}
	f := cmd.Flags()
	f.StringArrayVar(&history, "history", nil, "Prior conversation turn, oldest first (repeatable)")
	f.BoolVar(&asJSON, "json", false, "Print JSON even on a terminal")
	f.BoolVar(&warmFirst, "warm", false, "Warm the embedding index before classifying")
	return cmd
}

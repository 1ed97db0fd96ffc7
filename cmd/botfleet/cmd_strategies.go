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
	"io"
	"log/slog"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/botfleet/cmd/botfleet/config"
	"github.com/AleutianAI/botfleet/cmd/botfleet/internal/naming"
	"github.com/AleutianAI/botfleet/cmd/botfleet/internal/strategy"
)

func newStrategiesCmd(g *globals) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "strategies",
		Short: "Show which configured strategies resolve and the names they deploy under",
		RunE: g.run(func(cmd *cobra.Command, args []string) error {
			cfg, _, err := g.loadConfig(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			rows, missing, err := strategyRows(cfg, all)
			if err != nil {
				return err
			}
			g.printer.Table([]string{"STRATEGY", "KIND", "SLUG", "CONTAINER SUFFIX", "PORT"}, rows)
			for _, id := range missing {
				g.printer.Warning(id + ": not found under " + cfg.Paths.StrategyRoot)
			}
			return nil
		}),
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "Also list strategies on disk that are not configured")
	return cmd
}

// strategyRows reports the configured strategies in deployment order with
// the port each would publish, followed (with all) by unconfigured ones.
func strategyRows(cfg config.FleetConfig, all bool) ([][]string, []string, error) {
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	res, err := strategy.Resolve(cfg.Paths.StrategyRoot, cfg.Strategies, quiet)
	if err != nil && !errors.Is(err, strategy.ErrNoneResolved) {
		return nil, nil, err
	}

	configured := make(map[string]bool, len(res.Entries))
	var rows [][]string
	for i, e := range res.Entries {
		configured[e.Identifier] = true
		names := naming.Derive(e.Identifier)
		rows = append(rows, []string{
			e.Identifier,
			e.Kind.String(),
			names.Slug,
			names.ContainerSuffix,
			strconv.Itoa(cfg.Ports.WorkerBase + i),
		})
	}

	if all {
		found, err := strategy.Discover(cfg.Paths.StrategyRoot)
		if err != nil {
			return nil, nil, err
		}
		for _, d := range found {
			if configured[d.Identifier] {
				continue
			}
			names := naming.Derive(d.Identifier)
			rows = append(rows, []string{
				d.Identifier,
				fmt.Sprintf("%s (not configured)", d.Kind),
				names.Slug,
				names.ContainerSuffix,
				"-",
			})
		}
	}
	return rows, res.Missing, nil
}

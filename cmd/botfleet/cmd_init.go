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

	"github.com/AleutianAI/botfleet/cmd/botfleet/config"
)

func newInitCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "init [strategy...]",
		Short: "Write a default botfleet.yaml listing the given strategies",
		Example: `  botfleet init ichiV1 MACDCCI Strategy005
  botfleet init -c staging.yaml ichiV1`,
		RunE: g.run(func(cmd *cobra.Command, args []string) error {
			if err := config.WriteDefault(g.configPath, args); err != nil {
				return err
			}
			g.printer.Success(fmt.Sprintf("wrote %s with %d strategies", g.configPath, len(args)))
			if len(args) == 0 {
				g.printer.Info("add strategies to the `strategies:` list before running `botfleet synthesize`")
			}
			return nil
		}),
	}
}

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
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/botfleet/cmd/botfleet/config"
	"github.com/AleutianAI/botfleet/cmd/botfleet/internal/archive"
	"github.com/AleutianAI/botfleet/cmd/botfleet/internal/synth"
)

type synthesizeFlags struct {
	watch       bool
	upload      string
	credentials string
}

func newSynthesizeCmd(g *globals) *cobra.Command {
	f := &synthesizeFlags{}
	cmd := &cobra.Command{
		Use:     "synthesize",
		Aliases: []string{"synth", "generate"},
		Short:   "Generate the compose document and strategy archive from botfleet.yaml",
		Long: `synthesize resolves every configured strategy under the strategy root,
packages the sources into a deterministic archive and rewrites the compose
document: one console service plus one bot service per resolved strategy.
Strategies that cannot be found are skipped with a warning.`,
		RunE: g.run(func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			cfg, logger, err := g.loadConfig(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			var publisher archive.Publisher
			gcs, err := newPublisher(ctx, f)
			if err != nil {
				return err
			}
			if gcs != nil {
				defer gcs.Close()
				publisher = gcs
			}

			if err := g.synthesizeOnce(ctx, cfg, logger, publisher, f.upload); err != nil {
				return err
			}
			if !f.watch {
				return nil
			}

			g.printer.Info("watching " + g.configPath + " and " + cfg.Paths.StrategyRoot + " (Ctrl-C to stop)")
			return synth.Watch(ctx, synth.WatchOptions{
				ConfigPath:   g.configPath,
				StrategyRoot: cfg.Paths.StrategyRoot,
				Logger:       logger,
			}, func() {
				// the config itself may have changed
				next, err := config.Load(g.configPath)
				if err != nil {
					g.printer.Error(err.Error())
					return
				}
				if err := g.synthesizeOnce(ctx, next, logger, publisher, f.upload); err != nil {
					g.printer.Error(err.Error())
				}
			})
		}),
	}
	cmd.Flags().BoolVarP(&f.watch, "watch", "w", false, "Regenerate whenever the config or a strategy source changes")
	cmd.Flags().StringVar(&f.upload, "upload", "", "Also publish the archive to gs://bucket/prefix")
	cmd.Flags().StringVar(&f.credentials, "credentials", "", "Service account key for --upload (default: application default credentials)")
	return cmd
}

func newPublisher(ctx context.Context, f *synthesizeFlags) (*archive.GCSPublisher, error) {
	if f.upload == "" {
		return nil, nil
	}
	if _, _, err := archive.ParseGCSURL(f.upload); err != nil {
		return nil, err
	}
	return archive.NewGCSPublisher(ctx, f.credentials)
}

func (g *globals) synthesizeOnce(ctx context.Context, cfg config.FleetConfig, logger *slog.Logger, publisher archive.Publisher, dest string) error {
	res, err := synth.Generate(ctx, synth.OptionsFromConfig(cfg, logger))
	if err != nil {
		return err
	}

	for _, id := range res.Missing {
		g.printer.Warning("strategy " + id + " not found under " + cfg.Paths.StrategyRoot + ", skipped")
	}
	g.printer.Table([]string{"ROLE", "SERVICE", "CONTAINER", "PORT"}, serviceRows(res.Document))

	verb := "unchanged"
	if res.Changed {
		verb = "written"
	}
	g.printer.Success(fmt.Sprintf("%s %s (%d bots)", res.ComposePath, verb, len(res.Document.Workers)))
	g.printer.Success(fmt.Sprintf("%s %d files, sha256 %s", res.Archive.Path, res.Archive.Files, res.Archive.SHA256))

	if publisher != nil {
		url, err := publisher.Publish(ctx, res.Archive.Path, dest)
		if err != nil {
			return err
		}
		g.printer.Success("published " + url)
	}
	return nil
}

func serviceRows(doc *synth.Document) [][]string {
	rows := make([][]string, 0, len(doc.Workers)+1)
	for _, s := range doc.Services() {
		rows = append(rows, []string{
			s.Role,
			s.Slug,
			s.ResolvedContainerName(doc.DefaultPrefix),
			strconv.Itoa(s.Port),
		})
	}
	return rows
}

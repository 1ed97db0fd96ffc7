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
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/botfleet/cmd/botfleet/config"
	"github.com/AleutianAI/botfleet/cmd/botfleet/internal/synth"
	"github.com/AleutianAI/botfleet/pkg/console"
)

// EnvBotPassword supplies the bot API password for console auto-login.
const EnvBotPassword = "BOTFLEET_BOT_PASSWORD"

func newConsoleCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "console",
		Short: "Seed the console's bot list and login state",
	}
	cmd.AddCommand(newConsoleBootstrapCmd(g), newConsoleServeCmd(g))
	return cmd
}

type consoleFlags struct {
	origin  string
	policy  string
	memory  bool
	wait    time.Duration
	listen  string
	noLogin bool
}

func (f *consoleFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.policy, "policy", "", "Credential prefill policy (default from config)")
	cmd.Flags().BoolVar(&f.memory, "memory", false, "Keep console state in memory instead of the store directory")
	cmd.Flags().BoolVar(&f.noLogin, "no-login", false, "Disable auto-login even if configured")
}

func newConsoleBootstrapCmd(g *globals) *cobra.Command {
	f := &consoleFlags{}
	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Reconcile the stored bot list for one console origin and print it",
		RunE: g.run(func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			cfg, logger, err := g.loadConfig(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			b, store, err := newBootstrapper(cfg, f, logger, nil)
			if err != nil {
				return err
			}
			defer release(b, store)

			origin := f.origin
			if origin == "" {
				origin = fmt.Sprintf("http://localhost:%d", cfg.Ports.Console)
			}
			out, err := b.Run(ctx, origin)
			if err != nil {
				return err
			}

			var logins map[string]error
			if len(out.Pending) > 0 {
				logins = waitLogins(out, f.wait)
			}
			g.printer.Title("Console " + out.Origin)
			records, err := b.Records(out.Origin).Records(ctx)
			if err != nil {
				return err
			}
			g.printer.Table([]string{"SLOT", "BOT", "API URL", "USER", "TOKENS", "SELECTED"}, recordRows(records, out.Selected))
			for _, id := range console.SortedIDs(logins) {
				if err := logins[id]; err != nil {
					g.printer.Warning(fmt.Sprintf("%s: login failed: %v", id, err))
				} else {
					g.printer.Success(id + ": logged in")
				}
			}
			if !out.Wrote {
				g.printer.Info("stored bot list already up to date")
			}
			return nil
		}),
	}
	f.register(cmd)
	cmd.Flags().StringVar(&f.origin, "origin", "", "Console origin, e.g. http://host:8080 (default: localhost and the console port)")
	cmd.Flags().DurationVar(&f.wait, "wait", 30*time.Second, "How long to wait for auto-login before printing")
	return cmd
}

func newConsoleServeCmd(g *globals) *cobra.Command {
	f := &consoleFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve bootstrap results to the console front-end over HTTP",
		RunE: g.run(func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			cfg, logger, err := g.loadConfig(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			metrics := console.NewMetrics()
			b, store, err := newBootstrapper(cfg, f, logger, metrics)
			if err != nil {
				return err
			}
			defer release(b, store)

			srv, err := console.NewServer(console.ServerConfig{
				Bootstrapper: b,
				Metrics:      metrics,
				Logger:       logger,
				Origins:      cfg.Bootstrap.Origins,
				LoginTimeout: f.wait,
			})
			if err != nil {
				return err
			}
			if len(cfg.Bootstrap.Origins) == 0 {
				g.printer.Warning("bootstrap.origins is empty: every bootstrap request will be refused")
			}
			httpServer := &http.Server{
				Addr:              f.listen,
				Handler:           srv.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errc := make(chan error, 1)
			go func() {
				logger.Info("console API listening", "addr", f.listen)
				errc <- httpServer.ListenAndServe()
			}()
			g.printer.Success("console API on " + f.listen)

			select {
			case err := <-errc:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			case <-ctx.Done():
			}
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			logger.Info("console API shutting down")
			return httpServer.Shutdown(shutdownCtx)
		}),
	}
	f.register(cmd)
	cmd.Flags().StringVar(&f.listen, "listen", "127.0.0.1:8079", "Listen address")
	cmd.Flags().DurationVar(&f.wait, "login-timeout", 30*time.Second, "How long /api/bootstrap/login waits for auto-login")
	return cmd
}

// newBootstrapper builds a Bootstrapper for the fleet in the synthesized
// compose document. The caller closes the returned store.
func newBootstrapper(cfg config.FleetConfig, f *consoleFlags, logger *slog.Logger, metrics *console.Metrics) (*console.Bootstrapper, console.Store, error) {
	doc, err := synth.Load(cfg.Paths.ComposeFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, fmt.Errorf("%s not found (run `botfleet synthesize` first): %w", cfg.Paths.ComposeFile, err)
		}
		return nil, nil, err
	}

	policyName := cfg.Bootstrap.Policy
	if f.policy != "" {
		policyName = f.policy
	}
	policy, err := console.ParsePolicy(policyName)
	if err != nil {
		return nil, nil, err
	}

	var store console.Store
	if f.memory {
		store = console.NewMemoryStore()
	} else {
		bs, err := console.OpenBadgerStore(console.BadgerConfig{Dir: cfg.Bootstrap.StoreDir, Logger: logger})
		if err != nil {
			return nil, nil, err
		}
		store = bs
	}

	password := cfg.Bootstrap.Password
	if v, ok := os.LookupEnv(EnvBotPassword); ok {
		password = v
	}
	autoLogin := cfg.Bootstrap.AutoLogin && !f.noLogin
	if autoLogin && password == "" {
		logger.Warn("auto-login enabled without a password", "env", EnvBotPassword)
	}

	b, err := console.NewBootstrapper(console.Options{
		Bots:         fleetBots(doc),
		Policy:       policy,
		PathTemplate: cfg.Bootstrap.PathTemplate,
		AutoLogin:    autoLogin,
		Credentials:  console.Credentials{Username: cfg.Bootstrap.Username, Password: password},
		Store:        store,
		Logger:       logger,
		Metrics:      metrics,
	})
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return b, store, nil
}

func fleetBots(doc *synth.Document) []console.Bot {
	bots := make([]console.Bot, 0, len(doc.Workers))
	for _, w := range doc.Workers {
		bots = append(bots, console.Bot{Name: w.Identifier, Slug: w.Slug})
	}
	return bots
}

// release waits for detached logins, then closes the store they write to.
func release(b *console.Bootstrapper, store console.Store) {
	b.Wait()
	store.Close()
}

// waitLogins waits at most d for pass 2. Slots still pending when d runs
// out are reported as such; their logins keep running until release.
func waitLogins(out *console.Outcome, d time.Duration) map[string]error {
	done := make(chan map[string]error, 1)
	go func() { done <- out.Wait() }()
	select {
	case res := <-done:
		return res
	case <-time.After(d):
		res := make(map[string]error, len(out.Pending))
		for _, id := range out.Pending {
			res[id] = errors.New("still pending")
		}
		return res
	}
}

func recordRows(records map[string]console.BotRecord, selected string) [][]string {
	ids := console.SortedIDs(records)
	rows := make([][]string, 0, len(ids))
	for _, id := range ids {
		r := records[id]
		tokens := "none"
		switch {
		case r.HasTokens():
			tokens = "access+refresh"
		case r.HasAnyToken():
			tokens = "partial"
		}
		mark := ""
		if id == selected {
			mark = "*"
		}
		rows = append(rows, []string{id, r.BotName, r.APIURL, r.Username, tokens, mark})
	}
	return rows
}

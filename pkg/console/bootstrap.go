// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package console

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultPathTemplate routes each bot through the console's reverse proxy.
const DefaultPathTemplate = "/bot/{slug}"

// ErrInvalidOrigin is returned for an origin that is not an absolute
// http(s) URL.
var ErrInvalidOrigin = errors.New("invalid console origin")

// Credentials is the fixed pair pass 2 logs in with.
type Credentials struct {
	Username string
	Password string
}

// Options configures a Bootstrapper.
type Options struct {
	Bots         []Bot
	Policy       Policy
	PathTemplate string

	// AutoLogin enables pass 2.
	AutoLogin   bool
	Credentials Credentials
	Login       Authenticator

	Store   Store
	Logger  *slog.Logger
	Metrics *Metrics
}

// Bootstrapper seeds console state for a fleet.
type Bootstrapper struct {
	opts   Options
	logger *slog.Logger

	mu     sync.Mutex
	stores map[string]*RecordStore

	// inflight counts pass-2 runs still writing to the store.
	inflight sync.WaitGroup
}

// NewBootstrapper validates opts and returns a Bootstrapper.
func NewBootstrapper(opts Options) (*Bootstrapper, error) {
	if opts.Store == nil {
		return nil, errors.New("console: store is required")
	}
	if opts.PathTemplate == "" {
		opts.PathTemplate = DefaultPathTemplate
	}
	if opts.AutoLogin && opts.Login == nil {
		opts.Login = NewLoginClient(10 * time.Second)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bootstrapper{
		opts:   opts,
		logger: logger.With("component", "console"),
		stores: make(map[string]*RecordStore),
	}, nil
}

// Records returns the RecordStore of origin. All callers share one instance
// per origin, so its mutex covers every writer in this process.
func (b *Bootstrapper) Records(origin string) *RecordStore {
	b.mu.Lock()
	defer b.mu.Unlock()
	rs, ok := b.stores[origin]
	if !ok {
		rs = NewRecordStore(b.opts.Store, origin)
		b.stores[origin] = rs
	}
	return rs
}

// Outcome describes one bootstrap.
type Outcome struct {
	Origin   string               `json:"origin"`
	Records  map[string]BotRecord `json:"records"`
	Selected string               `json:"selected"`

	// Wrote is true when pass 1 changed the persisted mapping.
	Wrote bool `json:"wrote"`

	// SelectedDefault is true when pass 1 selected the first slot.
	SelectedDefault bool `json:"selectedDefault"`

	// Pending lists the slots pass 2 is logging in.
	Pending []string `json:"pending,omitempty"`

	done   chan struct{}
	mu     sync.Mutex
	logins map[string]error
}

// Wait blocks until pass 2 has finished and returns each pending slot's
// login error (nil on success). It returns immediately when pass 2 did not
// run.
func (o *Outcome) Wait() map[string]error {
	if o.done != nil {
		<-o.done
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]error, len(o.logins))
	for id, err := range o.logins {
		out[id] = err
	}
	return out
}

func (o *Outcome) recordLogin(id string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.logins[id] = err
}

// Run bootstraps the console served at origin.
//
// # Description
//
// Pass 1 runs synchronously: endpoints are derived from origin, the policy
// is applied to the persisted records, the mapping is written only if it
// differs by value, and bot.1 is selected when no slot is selected.
//
// When AutoLogin is enabled, pass 2 then starts in the background: every
// slot still lacking both tokens gets its own login request, all in
// parallel. A success stores the tokens into that slot only if the slot is
// still empty; a failure is logged and dropped. Pass 2 is detached from
// ctx's cancellation; Bootstrapper.Wait blocks until it is done.
//
// # Inputs
//
//   - ctx: Bounds pass 1.
//   - origin: Absolute http(s) URL of the console page.
//
// # Outputs
//
//   - *Outcome: Pass 1 result. Call Wait to block on pass 2.
//   - error: ErrInvalidOrigin, or a store error from pass 1.
//
// # Limitations
//
// Pass 2 has no concurrency limit and no retry.
func (b *Bootstrapper) Run(ctx context.Context, origin string) (*Outcome, error) {
	start := time.Now()
	origin, err := NormalizeOrigin(origin)
	if err != nil {
		return nil, err
	}
	rs := b.Records(origin)

	existing, err := rs.Records(ctx)
	if err != nil {
		return nil, fmt.Errorf("read console records: %w", err)
	}
	endpoints := make([]string, len(b.opts.Bots))
	for i, bot := range b.opts.Bots {
		endpoints[i] = Endpoint(origin, b.opts.PathTemplate, bot.Slug)
	}
	desired := Desired(b.opts.Bots, endpoints, existing, b.opts.Policy, b.opts.Credentials.Username)

	wrote, err := rs.Merge(ctx, desired)
	if err != nil {
		return nil, fmt.Errorf("write console records: %w", err)
	}

	out := &Outcome{Origin: origin, Records: desired, Wrote: wrote, logins: make(map[string]error)}
	if len(b.opts.Bots) > 0 {
		out.SelectedDefault, err = rs.SelectIfUnset(ctx, SlotID(0))
		if err != nil {
			return nil, fmt.Errorf("select default bot: %w", err)
		}
	}
	if out.Selected, _, err = rs.SelectedBot(ctx); err != nil {
		return nil, fmt.Errorf("read selected bot: %w", err)
	}

	b.logger.Info("console bootstrapped",
		"origin", origin,
		"bots", len(desired),
		"policy", b.opts.Policy.String(),
		"wrote", wrote,
		"selected", out.Selected,
	)
	b.opts.Metrics.observeRun(wrote, time.Since(start))

	if b.opts.AutoLogin {
		for _, id := range SortedIDs(desired) {
			if rec := desired[id]; !rec.HasAnyToken() {
				out.Pending = append(out.Pending, id)
			}
		}
	}
	if len(out.Pending) > 0 {
		out.done = make(chan struct{})
		b.inflight.Add(1)
		go func() {
			defer b.inflight.Done()
			b.loginAll(context.WithoutCancel(ctx), rs, out)
		}()
	}
	return out, nil
}

// Wait blocks until every pass 2 started by Run has finished. Call it
// before closing the store.
func (b *Bootstrapper) Wait() {
	b.inflight.Wait()
}

func (b *Bootstrapper) loginAll(ctx context.Context, rs *RecordStore, out *Outcome) {
	defer close(out.done)

	var g errgroup.Group
	for _, id := range out.Pending {
		rec := out.Records[id]
		g.Go(func() error {
			err := b.login(ctx, rs, rec)
			out.recordLogin(rec.ID, err)
			b.opts.Metrics.observeLogin(err)
			if err != nil {
				b.logger.Warn("bot login failed", "bot", rec.ID, "api_url", rec.APIURL, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (b *Bootstrapper) login(ctx context.Context, rs *RecordStore, rec BotRecord) error {
	creds := b.opts.Credentials
	tokens, err := b.opts.Login.Login(ctx, rec.APIURL, creds.Username, creds.Password)
	if err != nil {
		return err
	}
	_, err = rs.UpdateRecord(ctx, rec.ID, func(r *BotRecord) bool {
		if r.HasAnyToken() {
			return false
		}
		r.Username = creds.Username
		r.AccessToken = tokens.AccessToken
		r.RefreshToken = tokens.RefreshToken
		return true
	})
	return err
}

// NormalizeOrigin validates origin and strips any path, query or trailing
// slash.
func NormalizeOrigin(origin string) (string, error) {
	u, err := url.Parse(origin)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidOrigin, origin)
	}
	return u.Scheme + "://" + u.Host, nil
}

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
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Fixtures
// =============================================================================

var threeBots = []Bot{
	{Name: "ichiV1", Slug: "ichi-v1"},
	{Name: "MACDCCI", Slug: "macdcci"},
	{Name: "Strategy005", Slug: "strategy-005"},
}

const origin = "http://fleet.local:8080"

type fakeAuth struct {
	calls atomic.Int32
	fail  map[string]bool
}

func (a *fakeAuth) Login(_ context.Context, apiURL, username, password string) (Tokens, error) {
	a.calls.Add(1)
	for slug := range a.fail {
		if strings.HasSuffix(apiURL, "/"+slug) {
			return Tokens{}, errors.New("connection refused")
		}
	}
	return Tokens{AccessToken: "acc-" + apiURL, RefreshToken: "ref-" + username + password}, nil
}

func newBootstrapper(t *testing.T, store Store, opts Options) *Bootstrapper {
	t.Helper()
	if opts.Bots == nil {
		opts.Bots = threeBots
	}
	opts.Store = store
	b, err := NewBootstrapper(opts)
	require.NoError(t, err)
	return b
}

// =============================================================================
// Stores
// =============================================================================

func TestStores(t *testing.T) {
	badgerStore, err := OpenBadgerStore(BadgerConfig{InMemory: true})
	require.NoError(t, err)

	stores := map[string]Store{
		"memory": NewMemoryStore(),
		"badger": badgerStore,
	}
	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			defer store.Close()

			_, ok, err := store.Get(ctx, "missing")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, store.Put(ctx, "k", []byte("v1")))
			require.NoError(t, store.Put(ctx, "k", []byte("v2")))
			v, ok, err := store.Get(ctx, "k")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, "v2", string(v))

			require.NoError(t, store.Delete(ctx, "k"))
			_, ok, err = store.Get(ctx, "k")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestBadgerStore_Persists(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := OpenBadgerStore(BadgerConfig{Dir: dir, SyncWrites: true})
	require.NoError(t, err)
	require.NoError(t, NewRecordStore(store, origin).Select(ctx, "bot.2"))
	require.NoError(t, store.Close())

	store, err = OpenBadgerStore(BadgerConfig{Dir: dir})
	require.NoError(t, err)
	defer store.Close()
	selected, ok, err := NewRecordStore(store, origin).SelectedBot(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "bot.2", selected)

	_, err = OpenBadgerStore(BadgerConfig{})
	assert.Error(t, err)
}

func TestMemoryStore_Closed(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Close())
	assert.ErrorIs(t, store.Put(context.Background(), "k", nil), ErrStoreClosed)
}

// =============================================================================
// RecordStore
// =============================================================================

func TestRecordStore_MergeWritesOnlyOnChange(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	rs := NewRecordStore(store, origin)

	desired := map[string]BotRecord{"bot.1": {ID: "bot.1", BotName: "a"}}
	wrote, err := rs.Merge(ctx, desired)
	require.NoError(t, err)
	assert.True(t, wrote)

	wrote, err = rs.Merge(ctx, map[string]BotRecord{"bot.1": {ID: "bot.1", BotName: "a"}})
	require.NoError(t, err)
	assert.False(t, wrote)
	assert.Equal(t, 1, store.Writes())

	// namespaces are independent
	other, err := NewRecordStore(store, "http://other:8080").Records(ctx)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestRecordStore_UpdateRecordTouchesOneSlot(t *testing.T) {
	ctx := context.Background()
	rs := NewRecordStore(NewMemoryStore(), "")
	_, err := rs.Merge(ctx, map[string]BotRecord{
		"bot.1": {ID: "bot.1", BotName: "a"},
		"bot.2": {ID: "bot.2", BotName: "b"},
	})
	require.NoError(t, err)

	updated, err := rs.UpdateRecord(ctx, "bot.2", func(r *BotRecord) bool {
		r.AccessToken = "tok"
		return true
	})
	require.NoError(t, err)
	assert.True(t, updated)

	updated, err = rs.UpdateRecord(ctx, "bot.9", func(r *BotRecord) bool { return true })
	require.NoError(t, err)
	assert.False(t, updated)

	records, err := rs.Records(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tok", records["bot.2"].AccessToken)
	assert.Equal(t, BotRecord{ID: "bot.1", BotName: "a"}, records["bot.1"])

	require.NoError(t, rs.Clear(ctx))
	records, err = rs.Records(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestSortedIDs(t *testing.T) {
	ids := SortedIDs(map[string]BotRecord{"bot.10": {}, "bot.2": {}, "custom": {}, "bot.1": {}})
	assert.Equal(t, []string{"bot.1", "bot.2", "bot.10", "custom"}, ids)
}

// =============================================================================
// Policies
// =============================================================================

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("Propagate-Master")
	require.NoError(t, err)
	assert.Equal(t, PropagateMaster, p)
	assert.Equal(t, "preserve_existing", PreserveExisting.String())

	_, err = ParsePolicy("share_everything")
	assert.ErrorIs(t, err, ErrUnknownPolicy)
}

func TestDesired_Policies(t *testing.T) {
	bots := threeBots[:2]
	endpoints := []string{"http://h/bot/ichi-v1", "http://h/bot/macdcci"}
	existing := map[string]BotRecord{
		"bot.2": {ID: "bot.2", Username: "alice", AccessToken: "a2", RefreshToken: "r2", AutoRefresh: false},
	}

	none := Desired(bots, endpoints, existing, NoPrefill, "freqtrader")
	assert.Equal(t, BotRecord{ID: "bot.1", BotName: "ichiV1", APIURL: "http://h/bot/ichi-v1", AutoRefresh: true, SortIndex: 0}, none["bot.1"])
	assert.Equal(t, "a2", none["bot.2"].AccessToken)
	assert.False(t, none["bot.2"].AutoRefresh)

	preserve := Desired(bots, endpoints, existing, PreserveExisting, "freqtrader")
	assert.Equal(t, "freqtrader", preserve["bot.1"].Username)
	assert.Empty(t, preserve["bot.1"].AccessToken)
	assert.Equal(t, "alice", preserve["bot.2"].Username)

	master := Desired(bots, endpoints, existing, PropagateMaster, "freqtrader")
	assert.Equal(t, "alice", master["bot.1"].Username)
	assert.Equal(t, "a2", master["bot.1"].AccessToken)
	assert.Equal(t, "r2", master["bot.1"].RefreshToken)
	assert.Equal(t, existing["bot.2"].AccessToken, master["bot.2"].AccessToken)
}

func TestDesired_DropsDepartedSlots(t *testing.T) {
	existing := map[string]BotRecord{"bot.3": {ID: "bot.3", AccessToken: "x", RefreshToken: "y"}}
	got := Desired(threeBots[:1], []string{"http://h/bot/ichi-v1"}, existing, PropagateMaster, "")
	assert.Len(t, got, 1)
	// the departed slot still served as master for this run
	assert.Equal(t, "x", got["bot.1"].AccessToken)
}

// =============================================================================
// Bootstrapper
// =============================================================================

func TestBootstrapper_SecondRunWritesNothing(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	b := newBootstrapper(t, store, Options{Policy: PropagateMaster})

	first, err := b.Run(ctx, origin)
	require.NoError(t, err)
	assert.True(t, first.Wrote)
	assert.True(t, first.SelectedDefault)
	assert.Equal(t, "bot.1", first.Selected)
	assert.Equal(t, "http://fleet.local:8080/bot/macdcci", first.Records["bot.2"].APIURL)
	writes := store.Writes()

	second, err := b.Run(ctx, origin+"/some/page?x=1")
	require.NoError(t, err)
	assert.False(t, second.Wrote)
	assert.False(t, second.SelectedDefault)
	assert.Equal(t, writes, store.Writes())
	assert.Empty(t, second.Wait())
}

func TestBootstrapper_PropagatesWithoutOverwrite(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	rs := NewRecordStore(store, origin)
	_, err := rs.Merge(ctx, map[string]BotRecord{
		"bot.2": {ID: "bot.2", Username: "u2", AccessToken: "A", RefreshToken: "RA"},
		"bot.3": {ID: "bot.3", Username: "u3", AccessToken: "B", RefreshToken: "RB"},
	})
	require.NoError(t, err)

	out, err := newBootstrapper(t, store, Options{Policy: PropagateMaster}).Run(ctx, origin)
	require.NoError(t, err)

	records, err := rs.Records(ctx)
	require.NoError(t, err)
	assert.Equal(t, out.Records, records)
	assert.Equal(t, "A", records["bot.1"].AccessToken)
	assert.Equal(t, "u2", records["bot.1"].Username)
	assert.Equal(t, "A", records["bot.2"].AccessToken)
	assert.Equal(t, "B", records["bot.3"].AccessToken)
	assert.Equal(t, "RB", records["bot.3"].RefreshToken)
}

func TestBootstrapper_KeepsExistingSelection(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, NewRecordStore(store, origin).Select(ctx, "bot.3"))

	out, err := newBootstrapper(t, store, Options{}).Run(ctx, origin)
	require.NoError(t, err)
	assert.Equal(t, "bot.3", out.Selected)
	assert.False(t, out.SelectedDefault)
}

func TestBootstrapper_RejectsBadOrigin(t *testing.T) {
	b := newBootstrapper(t, NewMemoryStore(), Options{})
	for _, bad := range []string{"", "fleet.local:8080", "ftp://fleet.local"} {
		_, err := b.Run(context.Background(), bad)
		assert.ErrorIs(t, err, ErrInvalidOrigin, bad)
	}
	_, err := NewBootstrapper(Options{})
	assert.Error(t, err)
}

func TestBootstrapper_AutoLoginSwallowsFailures(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	rs := NewRecordStore(store, origin)
	_, err := rs.Merge(ctx, map[string]BotRecord{
		"bot.1": {ID: "bot.1", Username: "kept", AccessToken: "old", RefreshToken: "old-r"},
	})
	require.NoError(t, err)

	auth := &fakeAuth{fail: map[string]bool{"macdcci": true}}
	b := newBootstrapper(t, store, Options{
		Policy:      NoPrefill,
		AutoLogin:   true,
		Credentials: Credentials{Username: "freqtrader", Password: "pw"},
		Login:       auth,
		Metrics:     NewMetrics(),
	})

	out, err := b.Run(ctx, origin)
	require.NoError(t, err)
	assert.Equal(t, []string{"bot.2", "bot.3"}, out.Pending)

	results := out.Wait()
	require.Len(t, results, 2)
	assert.Error(t, results["bot.2"])
	assert.NoError(t, results["bot.3"])
	assert.Equal(t, int32(2), auth.calls.Load())

	records, err := rs.Records(ctx)
	require.NoError(t, err)
	assert.Equal(t, "old", records["bot.1"].AccessToken)
	assert.Empty(t, records["bot.2"].AccessToken)
	assert.Equal(t, "acc-http://fleet.local:8080/bot/strategy-005", records["bot.3"].AccessToken)
	assert.Equal(t, "ref-freqtraderpw", records["bot.3"].RefreshToken)
	assert.Equal(t, "freqtrader", records["bot.3"].Username)
}

// gatedAuth holds every login until release is closed.
type gatedAuth struct {
	release chan struct{}
}

func (a *gatedAuth) Login(ctx context.Context, apiURL, _, _ string) (Tokens, error) {
	<-a.release
	return Tokens{AccessToken: "acc-" + apiURL, RefreshToken: "ref"}, nil
}

func TestBootstrapper_WaitCoversDetachedLogins(t *testing.T) {
	store := NewMemoryStore()
	auth := &gatedAuth{release: make(chan struct{})}
	b := newBootstrapper(t, store, Options{
		AutoLogin:   true,
		Credentials: Credentials{Username: "freqtrader", Password: "pw"},
		Login:       auth,
	})

	// the request context ending does not stop pass 2
	ctx, cancel := context.WithCancel(context.Background())
	out, err := b.Run(ctx, origin)
	require.NoError(t, err)
	require.Len(t, out.Pending, 3)
	cancel()

	waited := make(chan struct{})
	go func() {
		b.Wait()
		close(waited)
	}()
	isClosed := func() bool {
		select {
		case <-waited:
			return true
		default:
			return false
		}
	}
	assert.Never(t, isClosed, 50*time.Millisecond, 5*time.Millisecond)

	close(auth.release)
	require.Eventually(t, isClosed, time.Second, 5*time.Millisecond)

	// every token landed before Wait returned, so closing now loses nothing
	records, err := b.Records(origin).Records(context.Background())
	require.NoError(t, err)
	require.NoError(t, store.Close())
	for _, id := range out.Pending {
		assert.True(t, records[id].HasTokens(), id)
	}
}

func TestBootstrapper_WaitWithoutAutoLogin(t *testing.T) {
	b := newBootstrapper(t, NewMemoryStore(), Options{})
	_, err := b.Run(context.Background(), origin)
	require.NoError(t, err)
	b.Wait()
}

// =============================================================================
// LoginClient
// =============================================================================

func TestLoginClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		switch {
		case r.Method != http.MethodPost || r.URL.Path != "/bot/ichi-v1/api/v1/token/login":
			w.WriteHeader(http.StatusNotFound)
		case !ok || user != "freqtrader" || pass != "secret":
			w.WriteHeader(http.StatusUnauthorized)
		default:
			_ = json.NewEncoder(w).Encode(map[string]string{"access_token": "AT", "refresh_token": "RT"})
		}
	}))
	defer srv.Close()

	client := NewLoginClient(time.Second)
	tokens, err := client.Login(context.Background(), srv.URL+"/bot/ichi-v1/", "freqtrader", "secret")
	require.NoError(t, err)
	assert.Equal(t, Tokens{AccessToken: "AT", RefreshToken: "RT"}, tokens)

	_, err = client.Login(context.Background(), srv.URL+"/bot/ichi-v1", "freqtrader", "wrong")
	assert.ErrorIs(t, err, ErrLoginRejected)
}

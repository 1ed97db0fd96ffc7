// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package runtime

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/botfleet/cmd/botfleet/config"
	"github.com/AleutianAI/botfleet/cmd/botfleet/internal/infra/compose"
	"github.com/AleutianAI/botfleet/cmd/botfleet/internal/strategy"
	"github.com/AleutianAI/botfleet/cmd/botfleet/internal/synth"
)

// writeDocument renders a two-worker document into a temp dir.
func writeDocument(t *testing.T) string {
	t.Helper()
	cfg := config.Default()
	opts := synth.OptionsFromConfig(cfg, nil)
	doc, err := synth.Synthesize(opts, []strategy.Entry{
		{Identifier: "ichiV1", Kind: strategy.KindFile},
		{Identifier: "MACDCCI", Kind: strategy.KindDirectory},
	})
	require.NoError(t, err)
	data, err := doc.Render()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "docker-compose.yml")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func names(services []Service) []string {
	out := make([]string, len(services))
	for i, s := range services {
		out[i] = s.Name
	}
	return out
}

func TestFakeRegistry_UpInterpolatesEnv(t *testing.T) {
	f := NewFakeRegistry()
	file := writeDocument(t)
	ctx := context.Background()

	_, err := f.Up(ctx, compose.Project{
		Name: "botfleet-staging",
		File: file,
		Env: map[string]string{
			"CONTAINER_PREFIX": "freqtrade_staging",
			"CONSOLE_PORT":     "9080",
			"BOT_1_PORT":       "9081",
			"BOT_2_PORT":       "9082",
			"IMAGE_TAG":        "v7",
		},
	})
	require.NoError(t, err)

	got := f.Containers("botfleet-staging")
	assert.Equal(t, []string{"freqtrade_staging_frequi", "freqtrade_staging_ichi_v1", "freqtrade_staging_macdcci"}, names(got))
	assert.Equal(t, []int{9081}, got[1].Ports)
	assert.Equal(t, "freqtradeorg/freqtrade:v7", got[1].Image)
	assert.Equal(t, "ichiv1", got[1].Labels[ServiceLabel])

	status, err := f.Status(ctx, compose.Project{Name: "botfleet-staging"})
	require.NoError(t, err)
	require.Len(t, status, 3)
	assert.True(t, status[0].Running())
}

func TestFakeRegistry_UpTwiceKeepsOneContainerPerService(t *testing.T) {
	f := NewFakeRegistry()
	p := compose.Project{Name: "botfleet-production", File: writeDocument(t)}

	_, err := f.Up(context.Background(), p)
	require.NoError(t, err)
	first := f.Containers("")
	_, err = f.Up(context.Background(), p)
	require.NoError(t, err)

	assert.Equal(t, first, f.Containers(""))
}

func TestFakeRegistry_EnforcesDaemonRules(t *testing.T) {
	file := writeDocument(t)

	t.Run("port already allocated", func(t *testing.T) {
		f := NewFakeRegistry()
		f.Seed(Service{Name: "orphan", Project: "old", Ports: []int{8081}})
		_, err := f.Up(context.Background(), compose.Project{Name: "botfleet-production", File: file})
		require.Error(t, err)
		assert.ErrorIs(t, err, compose.ErrCommandFailed)
		assert.Contains(t, err.Error(), "port is already allocated")
	})

	t.Run("name in use by another project", func(t *testing.T) {
		f := NewFakeRegistry()
		f.Seed(Service{Name: "freqtrade_macdcci", Project: "other", State: "exited"})
		_, err := f.Up(context.Background(), compose.Project{Name: "botfleet-production", File: file})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "already in use")
	})
}

func TestFakeRegistry_DownAndRemove(t *testing.T) {
	f := NewFakeRegistry()
	ctx := context.Background()
	keep := f.Seed(Service{Name: "prod_bot", Project: "botfleet-production", Ports: []int{8081}})
	f.Seed(Service{Name: "staging_bot", Project: "botfleet-staging", Ports: []int{9081}})
	stray := f.Seed(Service{Name: "stray", Ports: []int{9082}})

	_, err := f.Down(ctx, compose.Project{Name: "botfleet-staging"})
	require.NoError(t, err)
	require.NoError(t, f.Remove(ctx, stray.ID))
	assert.ErrorIs(t, f.Remove(ctx, stray.ID), ErrNotFound)

	all, err := f.ListServices(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{keep.Name}, names(all))
	assert.Equal(t, []string{"down botfleet-staging", "rm stray"}, f.Operations())
}

func TestFakeRegistry_LoginAndPrune(t *testing.T) {
	f := NewFakeRegistry()
	f.Credentials = map[string]string{"ghcr.io": "deployer:right"}
	ctx := context.Background()

	assert.NoError(t, f.Login(ctx, "ghcr.io", "deployer", []byte("right")))
	err := f.Login(ctx, "ghcr.io", "deployer", []byte("wrong"))
	assert.True(t, errors.Is(err, compose.ErrRegistryAuth))

	f.AddDanglingImages(3)
	report, err := f.PruneImages(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.ImagesDeleted)
	report, err = f.PruneImages(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.ImagesDeleted)
}

func TestServicesOnPort(t *testing.T) {
	services := []Service{
		{Name: "a", Ports: []int{8080, 8081}},
		{Name: "b", Ports: []int{8082}},
		{Name: "c"},
	}
	assert.Equal(t, []string{"a"}, names(ServicesOnPort(services, 8081)))
	assert.Empty(t, ServicesOnPort(services, 9999))
}

func TestInterpolate(t *testing.T) {
	env := map[string]string{"IMAGE_TAG": "v1", "EMPTY": ""}
	assert.Equal(t, "img:v1", interpolate("img:${IMAGE_TAG:-stable}", env))
	assert.Equal(t, "img:stable", interpolate("img:${OTHER:-stable}", env))
	assert.Equal(t, "x", interpolate("${EMPTY:-x}", env))
}

func TestDockerRegistry_Ping(t *testing.T) {
	daemon := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/_ping") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Api-Version", "1.45")
		w.Header().Set("Ostype", "linux")
		_, _ = w.Write([]byte("OK"))
	}))
	addr := strings.TrimPrefix(daemon.URL, "http://")

	reg, err := NewDockerRegistry("tcp://" + addr)
	require.NoError(t, err)
	require.NoError(t, reg.Ping(context.Background()))

	daemon.Close()
	err = reg.Ping(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "docker ping")
}

func TestFakeRegistry_Ping(t *testing.T) {
	f := NewFakeRegistry()
	assert.NoError(t, f.Ping(context.Background()))
	f.PingErr = errors.New("daemon down")
	assert.EqualError(t, f.Ping(context.Background()), "daemon down")
	assert.Empty(t, f.Operations())
}

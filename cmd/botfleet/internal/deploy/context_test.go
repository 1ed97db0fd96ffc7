// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package deploy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/botfleet/cmd/botfleet/config"
)

func TestParseEnvironment(t *testing.T) {
	tests := []struct {
		in      string
		want    Environment
		wantErr bool
	}{
		{"production", Production, false},
		{"PROD", Production, false},
		{"staging", Staging, false},
		{" Stage ", Staging, false},
		{"qa", Production, true},
	}
	for _, tt := range tests {
		got, err := ParseEnvironment(tt.in)
		if tt.wantErr {
			assert.ErrorIs(t, err, ErrUnknownEnvironment, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestDetectEnvironment(t *testing.T) {
	tests := []struct {
		name       string
		explicit   string
		vars       map[string]string
		want       Environment
		wantSource string
	}{
		{"default", "", nil, Production, "default"},
		{"flag wins", "staging", map[string]string{"DEPLOY_ENV": "production"}, Staging, "flag"},
		{"deploy env", "", map[string]string{"DEPLOY_ENV": "stage", "GITHUB_REF_NAME": "main"}, Staging, "DEPLOY_ENV"},
		{"ci main", "", map[string]string{"GITHUB_REF_NAME": "main"}, Production, "GITHUB_REF_NAME"},
		{"ci master", "", map[string]string{"GITHUB_REF_NAME": "master"}, Production, "GITHUB_REF_NAME"},
		{"ci feature branch", "", map[string]string{"GITHUB_REF_NAME": "feature/x"}, Staging, "GITHUB_REF_NAME"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, source, err := DetectEnvironment(tt.explicit, MapLookup(tt.vars))
			require.NoError(t, err)
			assert.Equal(t, tt.want, env)
			assert.Equal(t, tt.wantSource, source)
		})
	}

	_, _, err := DetectEnvironment("", MapLookup(map[string]string{"DEPLOY_ENV": "nope"}))
	assert.ErrorIs(t, err, ErrUnknownEnvironment)
}

func TestProjectNamesNeverCollide(t *testing.T) {
	assert.Equal(t, "botfleet-production", ProjectName("botfleet", Production))
	assert.Equal(t, "botfleet-staging", ProjectName("botfleet", Staging))
	assert.Equal(t, "freqtrade", ContainerPrefix("freqtrade", Production))
	assert.Equal(t, "freqtrade_staging", ContainerPrefix("freqtrade", Staging))
	assert.Equal(t, Staging, Production.Sibling())
	assert.Equal(t, Production, Staging.Sibling())
}

var fiveBots = []string{"console", "bot.1", "bot.2", "bot.3", "bot.4", "bot.5"}

func TestDefaultPortTable(t *testing.T) {
	deployCfg := config.Default().Deploy

	prod := DefaultPortTable(Production, fiveBots, deployCfg)
	assert.Equal(t, []int{8080, 8081, 8082, 8083, 8084, 8085}, prod.Ports())

	staging := DefaultPortTable(Staging, fiveBots, deployCfg)
	assert.Equal(t, []int{9080, 9081, 9082, 9083, 9084, 9085}, staging.Ports())

	assert.Equal(t, "9080", staging.Env()["CONSOLE_PORT"])
	assert.Equal(t, "9085", staging.Env()["BOT_5_PORT"])
}

func TestPortTable_ApplyOverrides(t *testing.T) {
	deployCfg := config.Default().Deploy

	table := DefaultPortTable(Production, fiveBots, deployCfg)
	require.NoError(t, table.ApplyOverrides(MapLookup(map[string]string{
		"CONSOLE_PORT": "80",
		"BOT_3_PORT":   " 7003 ",
		"BOT_9_PORT":   "1", // no such role
	})))
	assert.Equal(t, []int{80, 8081, 8082, 7003, 8084, 8085}, table.Ports())

	table = DefaultPortTable(Production, fiveBots, deployCfg)
	err := table.ApplyOverrides(MapLookup(map[string]string{"BOT_1_PORT": "http"}))
	assert.ErrorIs(t, err, ErrInvalidPort)

	table = DefaultPortTable(Production, fiveBots, deployCfg)
	err = table.ApplyOverrides(MapLookup(map[string]string{"BOT_1_PORT": "70000"}))
	assert.ErrorIs(t, err, ErrInvalidPort)

	table = DefaultPortTable(Production, fiveBots, deployCfg)
	err = table.ApplyOverrides(MapLookup(map[string]string{"BOT_2_PORT": "8080"}))
	assert.ErrorIs(t, err, ErrPortConflict)
	assert.Contains(t, err.Error(), "console")
}

func TestNewContext(t *testing.T) {
	f := newFixture(t)
	dctx := f.context(t, Staging, map[string]string{
		"IMAGE_TAG":         "2024.7",
		"REGISTRY_USERNAME": "deployer",
		"REGISTRY_PASSWORD": "pw",
	})

	assert.Equal(t, "botfleet-staging", dctx.ProjectName)
	assert.Equal(t, "botfleet-production", dctx.SiblingProject)
	assert.Equal(t, "2024.7", dctx.ImageTag)
	assert.Equal(t, []string{"console", "bot.1", "bot.2"}, dctx.Ports.Roles())
	assert.Equal(t, []string{"freqtrade_staging_frequi", "freqtrade_staging_ichi_v1", "freqtrade_staging_macdcci"}, dctx.Containers)
	assert.True(t, dctx.Registry.Present())
	require.NoError(t, dctx.Registry.WithPassword(func(pw []byte) error {
		assert.Equal(t, "pw", string(pw))
		return nil
	}))

	p := dctx.Project()
	assert.Equal(t, "2024.7", p.Env["IMAGE_TAG"])
	assert.Equal(t, "freqtrade_staging", p.Env["CONTAINER_PREFIX"])
	assert.Equal(t, "9082", p.Env["BOT_2_PORT"])
	assert.NoError(t, dctx.Validate())

	noCreds := f.context(t, Production, nil)
	assert.False(t, noCreds.Registry.Present())
	assert.Equal(t, "stable", noCreds.ImageTag)
}

func TestStateAndStepStrings(t *testing.T) {
	assert.Equal(t, "ReleasingPorts", StateReleasingPorts.String())
	assert.Equal(t, "Failed", StateFailed.String())
	assert.Equal(t, "Building", Build.String())
	assert.Equal(t, StepResult{Kind: StepFatal, Reason: "x 1"}, Fatal("x %d", 1))
	assert.Equal(t, "warning", Warning("w").Kind.String())
}

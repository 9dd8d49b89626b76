package hypergrid

import (
	"errors"
	"testing"

	"github.com/longbridgeapp/assert"

	"github.com/hyp3rd/hypergrid/internal/cluster"
	"github.com/hyp3rd/hypergrid/internal/sentinel"
)

func TestConfig_DefaultIsValid(t *testing.T) {
	cfg := DefaultConfig()
	assert.Nil(t, cfg.Validate())
}

func TestConfig_Validate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty address", func(c *Config) { c.Address = " " }},
		{"no segments", func(c *Config) { c.NumSegments = 0 }},
		{"no owners", func(c *Config) { c.NumOwners = 0 }},
		{"no workers", func(c *Config) { c.WorkerPoolSize = 0 }},
		{"negative reaper", func(c *Config) { c.ReaperInterval = -1 }},
		{"negative transfer timeout", func(c *Config) { c.TransferTimeout = -1 }},
		{"bad seed", func(c *Config) { c.Seeds = []string{"=127.0.0.1:1"} }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			assert.NotNil(t, cfg.Validate())
		})
	}
}

func TestParseSeed(t *testing.T) {
	id, addr, err := ParseSeed(" n1=10.0.0.1:11222 ")
	assert.Nil(t, err)
	assert.Equal(t, "n1", id)
	assert.Equal(t, "10.0.0.1:11222", addr)

	id, addr, err = ParseSeed("10.0.0.2:11222")
	assert.Nil(t, err)
	assert.Equal(t, "", id)
	assert.Equal(t, "10.0.0.2:11222", addr)

	_, _, err = ParseSeed("")
	assert.True(t, errors.Is(err, sentinel.ErrParamCannotBeEmpty))

	_, _, err = ParseSeed("n1=")
	assert.NotNil(t, err)
}

func TestSeedMap_DerivesMissingIDs(t *testing.T) {
	seeds, err := SeedMap([]string{"n1=10.0.0.1:11222", "10.0.0.2:11222"})
	assert.Nil(t, err)
	assert.Equal(t, map[string]string{
		"n1":                                 "10.0.0.1:11222",
		cluster.DeriveID("10.0.0.2:11222"): "10.0.0.2:11222",
	}, seeds)

	_, err = SeedMap([]string{"=x"})
	assert.NotNil(t, err)
}

package main

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/longbridgeapp/assert"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/hyp3rd/hypergrid"
	"github.com/hyp3rd/hypergrid/internal/sentinel"
	"github.com/hyp3rd/hypergrid/pkg/transport"
)

// setFlag changes a flag for one test and restores its default afterwards.
func setFlag(t *testing.T, fs *pflag.FlagSet, name, value string) {
	t.Helper()

	f := fs.Lookup(name)
	assert.NotNil(t, f)
	assert.Nil(t, fs.Set(name, value))

	t.Cleanup(func() {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	})
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := loadConfig()
	assert.Nil(t, err)

	def := hypergrid.DefaultConfig()
	assert.Equal(t, def.NumSegments, cfg.NumSegments)
	assert.Equal(t, def.TransferTimeout, cfg.TransferTimeout)
	assert.Equal(t, def.Client.AttemptTimeout, cfg.Client.AttemptTimeout)
	assert.Equal(t, def.Caches, cfg.Caches)
}

func TestLoadConfig_Env(t *testing.T) {
	t.Setenv("HYPERGRID_NUM_SEGMENTS", "64")
	t.Setenv("HYPERGRID_CLIENT_MAX_RETRIES", "3")
	t.Setenv("HYPERGRID_SEEDS", "n1=10.0.0.1:11222,n2=10.0.0.2:11222")

	cfg, err := loadConfig()
	assert.Nil(t, err)
	assert.Equal(t, 64, cfg.NumSegments)
	assert.Equal(t, 3, cfg.Client.MaxRetries)
	assert.Equal(t, []string{"n1=10.0.0.1:11222", "n2=10.0.0.2:11222"}, cfg.Seeds)
}

func TestLoadConfig_Flags(t *testing.T) {
	setFlag(t, serveCmd.Flags(), "heartbeat-interval", "2s")
	setFlag(t, serveCmd.Flags(), "transfer-timeout", "5s")
	setFlag(t, serveCmd.Flags(), "redis-addr", "127.0.0.1:6379")
	setFlag(t, rootCmd.PersistentFlags(), "client-backoff-max", "1s")

	cfg, err := loadConfig()
	assert.Nil(t, err)
	assert.Equal(t, 2*time.Second, cfg.Heartbeat.Interval)
	assert.Equal(t, 5*time.Second, cfg.TransferTimeout)
	assert.Equal(t, "127.0.0.1:6379", cfg.Redis.Addr)
	assert.Equal(t, time.Second, cfg.Client.BackoffMax)
}

func TestLoadConfig_FlagBeatsEnv(t *testing.T) {
	t.Setenv("HYPERGRID_NUM_OWNERS", "4")
	setFlag(t, serveCmd.Flags(), "num-owners", "1")

	cfg, err := loadConfig()
	assert.Nil(t, err)
	assert.Equal(t, 1, cfg.NumOwners)
}

func TestLoadConfig_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grid.yaml")
	body := "node_id: n7\nnum_owners: 3\nheartbeat:\n  dead_after: 42s\nclient:\n  max_version_retries: 9\n"
	assert.Nil(t, os.WriteFile(path, []byte(body), 0o600))

	cfgFile = path

	t.Cleanup(func() {
		cfgFile = ""

		viper.SetConfigType("yaml")
		_ = viper.ReadConfig(strings.NewReader(""))
	})

	assert.Nil(t, rootCmd.PersistentPreRunE(rootCmd, nil))

	cfg, err := loadConfig()
	assert.Nil(t, err)
	assert.Equal(t, "n7", cfg.NodeID)
	assert.Equal(t, 3, cfg.NumOwners)
	assert.Equal(t, 42*time.Second, cfg.Heartbeat.DeadAfter)
	assert.Equal(t, 9, cfg.Client.MaxVersionRetries)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	cfgFile = filepath.Join(t.TempDir(), "absent.yaml")

	t.Cleanup(func() { cfgFile = "" })

	assert.NotNil(t, rootCmd.PersistentPreRunE(rootCmd, nil))
}

func TestLoadConfig_Invalid(t *testing.T) {
	t.Setenv("HYPERGRID_WORKER_POOL_SIZE", "0")

	_, err := loadConfig()
	assert.NotNil(t, err)
}

func freeAddr(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	assert.Nil(t, err)

	addr := ln.Addr().String()
	assert.Nil(t, ln.Close())

	return addr
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer

	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)

	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})

	err := rootCmd.ExecuteContext(context.Background())

	return out.String(), err
}

func TestRemoteCommands(t *testing.T) {
	addr := freeAddr(t)

	cfg := hypergrid.DefaultConfig()
	cfg.NodeID = "n1"
	cfg.Address = addr
	cfg.Heartbeat.Interval = 0
	cfg.ReaperInterval = 0

	node, err := hypergrid.NewNode(cfg)
	assert.Nil(t, err)

	srv := transport.NewServer(addr, node)
	assert.Nil(t, srv.Start(context.Background()))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		_ = srv.Stop(ctx)
		_ = node.Stop(ctx)
	})

	t.Setenv("HYPERGRID_SEEDS", "n1="+addr)
	t.Setenv("HYPERGRID_LOG_LEVEL", "error")

	out, err := run(t, "put", "greeting", "hello")
	assert.Nil(t, err)
	assert.True(t, strings.HasPrefix(out, "version "))

	out, err = run(t, "get", "greeting")
	assert.Nil(t, err)
	assert.True(t, strings.HasPrefix(out, "hello\t(version "))

	out, err = run(t, "size")
	assert.Nil(t, err)
	assert.Equal(t, "1\n", out)

	out, err = run(t, "remove", "greeting")
	assert.Nil(t, err)
	assert.Equal(t, "true\n", out)

	_, err = run(t, "get", "greeting")
	assert.True(t, errors.Is(err, sentinel.ErrKeyNotFound))
}

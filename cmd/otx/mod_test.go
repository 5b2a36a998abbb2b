package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wiesiekpap/opentxs-sub020/core/message"
	"github.com/wiesiekpap/opentxs-sub020/internal/testing/fake"
	"github.com/wiesiekpap/opentxs-sub020/transport/otxgrpc"
)

func TestOtx_Scenario(t *testing.T) {
	notary, path := startNotary(t)

	out := new(bytes.Buffer)
	cfg := appConfig{Out: out}

	err := run([]string{"otx", "--config", path, "nym", "register", "--nym", "alice"}, cfg)
	require.NoError(t, err)
	require.Contains(t, out.String(), "registerNym succeeded")
	require.NotZero(t, notary.Count(message.RegisterNym))

	acct := notary.OpenAccount("alice", "usd", 100)

	err = run([]string{"otx", "--config", path, "account", "deposit-cash",
		"--nym", "alice", "--account", string(acct.ID), "--amount", "5"}, cfg)
	require.NoError(t, err)
	require.Contains(t, out.String(), "depositCash succeeded")
	require.Equal(t, int64(105), notary.Balance(acct.ID))

	out.Reset()

	err = run([]string{"otx", "--config", path, "account", "show", "--account", string(acct.ID)}, cfg)
	require.NoError(t, err)
	require.Contains(t, out.String(), "balance: 105")
	require.Contains(t, out.String(), "unit: usd")

	err = run([]string{"otx", "--config", path, "task", "--type", "checkNym",
		"--nym", "alice", "--target", "alice"}, cfg)
	require.NoError(t, err)
	require.Contains(t, out.String(), "checkNym succeeded")
	require.Equal(t, 1, notary.Count(message.CheckNym))
}

func TestOtx_Failures(t *testing.T) {
	notary, path := startNotary(t)

	cfg := appConfig{Out: io.Discard}

	err := run([]string{"otx", "--config", path, "task", "--type", "mint", "--nym", "alice"}, cfg)
	require.EqualError(t, err, "unknown operation 'mint'")

	err = run([]string{"otx", "--config", path, "account", "transfer", "--nym", "alice",
		"--account", "acct", "--to", "other", "--amount", "0"}, cfg)
	require.Error(t, err)
	require.Contains(t, err.Error(), "sendTransfer failed")

	err = run([]string{"otx", "--config", path, "nym", "check", "--nym", "alice",
		"--notary", "unknown", "--target", "bob"}, cfg)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown notary unknown")

	err = run([]string{"otx", "--config", filepath.Join(t.TempDir(), "missing.yml"), "nym", "nymbox",
		"--nym", "alice"}, cfg)
	require.Error(t, err)
	require.Contains(t, err.Error(), "couldn't load config")

	require.Zero(t, notary.Count(message.CheckNym))
}

func TestOtx_Daemon(t *testing.T) {
	notary, path := startNotary(t)

	sigs := make(chan os.Signal, 1)
	out := &syncBuffer{}

	done := make(chan error, 1)
	go func() {
		done <- run([]string{"otx", "--config", path, "run",
			"--nym", "alice", "--nym", "bob", "--refresh", "20ms"},
			appConfig{Out: out, Signals: sigs})
	}()

	require.Eventually(t, func() bool {
		return notary.Count(message.RegisterNym) > 0 && strings.Contains(out.String(), "engine started")
	}, 10*time.Second, 10*time.Millisecond)

	before := notary.Count(message.GetNymbox)

	require.Eventually(t, func() bool {
		return notary.Count(message.GetNymbox) >= before+6
	}, 10*time.Second, 10*time.Millisecond)

	sigs <- syscall.SIGTERM

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon didn't stop")
	}

	require.Contains(t, out.String(), "registering alice on notary")
	require.Contains(t, out.String(), "registering bob on notary")
	require.Contains(t, out.String(), "engine stopped")
}

func TestApp_ServeMetrics(t *testing.T) {
	a := newApp(appConfig{})

	srv, err := a.serveMetrics("127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, srv.Close())
}

func TestLoadConfig(t *testing.T) {
	cfg, err := loadConfig("")
	require.NoError(t, err)
	require.Equal(t, defaultDataDir, cfg.DataDir)
	require.Equal(t, "info", cfg.LogLevel)
	require.Equal(t, 3, cfg.Client.RetryBudget)

	path := writeConfig(t, `
data_dir: /tmp/otx
log_level: debug
notaries:
  notary: 127.0.0.1:2000
admin_passwords:
  notary: secret
client:
  retry_budget: 5
  introduction_server: notary
`)

	cfg, err = loadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "/tmp/otx", cfg.DataDir)
	require.Equal(t, "debug", cfg.level().String())
	require.Equal(t, "127.0.0.1:2000", cfg.Notaries["notary"])
	require.Equal(t, "secret", cfg.AdminPasswords["notary"])
	require.Equal(t, 5, cfg.Client.RetryBudget)
	require.Equal(t, filepath.Join("/tmp/otx", "wallet.db"), cfg.walletPath())

	_, err = loadConfig(writeConfig(t, "log_level: loud\n"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid log level")

	_, err = loadConfig(writeConfig(t, "unknown: field\n"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "couldn't parse config")
}

// -----------------------------------------------------------------------------
// Utility functions

func startNotary(t *testing.T) (*fake.Notary, string) {
	notary := fake.NewNotary("notary")

	srv, err := otxgrpc.NewServer("127.0.0.1:0", notary, nil)
	require.NoError(t, err)

	go srv.Serve()
	t.Cleanup(srv.Stop)

	path := writeConfig(t, fmt.Sprintf(`
data_dir: %s
log_level: error
notaries:
  notary: %s
client:
  request_timeout: 2s
  idle_interval: 10ms
  tick_interval: 10ms
  introduction_server: notary
`, t.TempDir(), srv.Addr()))

	return notary, path
}

func writeConfig(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "otx.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	return path
}

type syncBuffer struct {
	sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.Lock()
	defer b.Unlock()

	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.Lock()
	defer b.Unlock()

	return b.buf.String()
}

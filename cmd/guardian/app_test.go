package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"

	"github.com/davidleathers/guardian-core/internal/api/health"
	"github.com/davidleathers/guardian-core/internal/domain/activity"
	"github.com/davidleathers/guardian-core/internal/domain/credential"
	"github.com/davidleathers/guardian-core/internal/domain/errors"
	ld "github.com/davidleathers/guardian-core/internal/domain/lockdown"
	"github.com/davidleathers/guardian-core/internal/infrastructure/config"
	"github.com/davidleathers/guardian-core/internal/infrastructure/identity"
	"github.com/davidleathers/guardian-core/internal/metrics"
	"github.com/davidleathers/guardian-core/internal/service/pipeline"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	hash, err := identity.HashSecret(credential.MethodPIN, "4821")
	require.NoError(t, err)
	cfg := config.Defaults()
	cfg.Auth.PINHash = hash
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config) *app {
	t.Helper()
	clock := activity.NewMockClock(time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC))
	a, err := newApp(context.Background(), cfg, zaptest.NewLogger(t), metrics.NewRegistry(), clock)
	require.NoError(t, err)
	t.Cleanup(a.close)
	return a
}

func TestConsole_LockdownRoundTrip(t *testing.T) {
	a := newTestApp(t, testConfig(t))

	in := strings.NewReader(strings.Join([]string{
		"hello",
		"",
		"open chrome",
		"panic mode",
		"what's the time",
		"authenticate 4821",
		"confirm recovery 4821",
		"what's the time",
	}, "\n"))
	var out bytes.Buffer

	require.NoError(t, a.console(context.Background(), in, &out))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	assert.Equal(t, []string{
		"[normal] Hello. Guardian is listening.",
		"[normal] open_application dispatched",
		"[locked] panic success",
		"[locked] access denied",
		"[recovery] authenticate success",
		"[normal] confirm_recovery success",
		"[normal] It is 12:00",
	}, lines)
	assert.Equal(t, ld.StateNormal, a.ctrl.State())
	assert.NotContains(t, out.String(), "4821")
}

func TestConsole_StopsWithContext(t *testing.T) {
	a := newTestApp(t, testConfig(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// a reader that never returns would block forever without ctx
	r, w := io.Pipe()
	defer w.Close()
	assert.NoError(t, a.console(ctx, r, &bytes.Buffer{}))
}

func TestNewApp_RequiresEnrolledPIN(t *testing.T) {
	cfg := config.Defaults()
	_, err := newApp(context.Background(), cfg, zaptest.NewLogger(t), nil, activity.RealClock{})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfiguration))
}

func TestNewApp_FileStorageSurvivesRestart(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Driver = "file"
	cfg.Storage.FilePath = t.TempDir() + "/activity.jsonl"

	first := newTestApp(t, cfg)
	var out bytes.Buffer
	require.NoError(t, first.console(context.Background(), strings.NewReader("hello\nwho are you"), &out))
	last := first.log.LastSequence()
	require.NotZero(t, last)
	first.close()

	second := newTestApp(t, cfg)
	assert.Equal(t, last, second.log.LastSequence())
}

func TestApp_ReadinessReflectsLockdown(t *testing.T) {
	a := newTestApp(t, testConfig(t))
	checks := a.health.Run(context.Background())
	require.Contains(t, checks, "lockdown")
	assert.Equal(t, health.StatusPass, checks["lockdown"].Status)

	var out bytes.Buffer
	require.NoError(t, a.console(context.Background(), strings.NewReader("panic mode"), &out))

	checks = a.health.Run(context.Background())
	assert.Equal(t, health.StatusWarn, checks["lockdown"].Status)
	assert.Equal(t, "locked", checks["lockdown"].Metadata["state"])
	assert.NotContains(t, checks, "database")
}

func TestApp_ProtectedPathChangeIsLogged(t *testing.T) {
	cfg := testConfig(t)
	dir := t.TempDir()
	cfg.Monitor.ProtectedPaths = []string{dir}
	cfg.Monitor.WatchDebounce = 20 * time.Millisecond

	a, err := newApp(context.Background(), cfg, zaptest.NewLogger(t), metrics.NewRegistry(), activity.RealClock{})
	require.NoError(t, err)
	t.Cleanup(a.close)
	require.NotNil(t, a.watcher)

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.monitor.Run(gctx) })
	g.Go(func() error { return a.watcher.Run(gctx) })
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, g.Wait())
	})
	<-a.watcher.Ready()

	target := filepath.Join(dir, "keys.txt")
	require.NoError(t, os.WriteFile(target, []byte("secret"), 0o600))

	require.Eventually(t, func() bool {
		for _, ev := range a.log.Tail(10) {
			if ev.Source == activity.SourceSystemMonitor && ev.Payload["path"] == target {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
}

func TestNewApp_WatcherDisabledWithoutPaths(t *testing.T) {
	a := newTestApp(t, testConfig(t))
	assert.Nil(t, a.watcher)
}

func TestNewApp_RejectsMissingProtectedPath(t *testing.T) {
	cfg := testConfig(t)
	cfg.Monitor.ProtectedPaths = []string{filepath.Join(t.TempDir(), "absent")}
	_, err := newApp(context.Background(), cfg, zaptest.NewLogger(t), nil, activity.RealClock{})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfiguration))
}

func TestRender_HidesCauses(t *testing.T) {
	err := errors.NewStorageError("failed to append activity event").WithCause(assert.AnError)
	got := render(pipeline.Result{State: ld.StateElevated}, err)
	assert.Equal(t, "[elevated] failed to append activity event", got)
}

func TestHashPinCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetArgs([]string{"hash-pin"})
	rootCmd.SetIn(strings.NewReader("4821\n"))
	rootCmd.SetOut(&out)
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		rootCmd.SetIn(nil)
		rootCmd.SetOut(nil)
	})

	require.NoError(t, rootCmd.Execute())
	hash := strings.TrimSpace(out.String())
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("4821")))

	rootCmd.SetIn(strings.NewReader("12\n"))
	assert.Error(t, rootCmd.Execute())
}

package app

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maskbrowser/internal/browser"
	"maskbrowser/internal/geo"
	"maskbrowser/internal/injection"
	"maskbrowser/internal/proxy"
	"maskbrowser/internal/rpa"
	"maskbrowser/internal/shared/config"
	"maskbrowser/internal/shared/types"
	"maskbrowser/internal/tunnel"
)

const exitIP = "203.0.113.7"

type fakePage struct {
	mu        sync.Mutex
	injects   bool
	timezone  string
	navigated []string
	closed    bool
}

func (p *fakePage) AddInitScript(ctx context.Context, script string) error { return nil }

func (p *fakePage) Evaluate(ctx context.Context, js string) (json.RawMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if js == injection.VerifyExpression && p.injects {
		return json.RawMessage(`{"applied":true,"source":"init-script","timezone":"` + p.timezone + `"}`), nil
	}
	return json.RawMessage("null"), nil
}

func (p *fakePage) OnLifecycle(event injection.LifecycleEvent, fn func()) {}

func (p *fakePage) Navigate(ctx context.Context, url, waitUntil string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.navigated = append(p.navigated, url)
	return nil
}

func (p *fakePage) WaitForSelector(ctx context.Context, selector string, timeout time.Duration) error {
	return nil
}

func (p *fakePage) Screenshot(ctx context.Context, opts browser.ScreenshotOptions) ([]byte, error) {
	return []byte("png"), nil
}

func (p *fakePage) Click(ctx context.Context, selector, button string, clickCount int) error {
	return nil
}

func (p *fakePage) Hover(ctx context.Context, selector string) error                { return nil }
func (p *fakePage) MouseMove(ctx context.Context, x, y float64) error               { return nil }
func (p *fakePage) Clear(ctx context.Context, selector string) error                { return nil }
func (p *fakePage) KeyPress(ctx context.Context, key string) error                  { return nil }
func (p *fakePage) Scroll(ctx context.Context, dx, dy float64) error                { return nil }
func (p *fakePage) HTML(ctx context.Context) (string, error)                        { return "<html></html>", nil }
func (p *fakePage) URL() string                                                     { return "about:blank" }
func (p *fakePage) Type(ctx context.Context, s, text string, d time.Duration) error { return nil }

func (p *fakePage) MouseClick(ctx context.Context, x, y float64, button string, clickCount int) error {
	return nil
}

func (p *fakePage) ElementBox(ctx context.Context, selector string) (browser.Box, error) {
	return browser.Box{Width: 10, Height: 10}, nil
}

func (p *fakePage) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePage) navigations() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.navigated...)
}

func (p *fakePage) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type fakeSession struct{ page *fakePage }

func (s *fakeSession) Page() browser.Page { return s.page }
func (s *fakeSession) Close() error       { return s.page.Close() }

type fakeLauncher struct {
	mu      sync.Mutex
	injects bool
	err     error
	opts    []browser.LaunchOptions
	pages   map[string]*fakePage
}

func (l *fakeLauncher) Launch(ctx context.Context, opts browser.LaunchOptions) (browser.Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.opts = append(l.opts, opts)
	if l.err != nil {
		return nil, l.err
	}
	p := &fakePage{injects: l.injects, timezone: opts.Identity.Timezone}
	if l.pages == nil {
		l.pages = make(map[string]*fakePage)
	}
	l.pages[opts.ProfileID] = p
	return &fakeSession{page: p}, nil
}

func (l *fakeLauncher) page(profileID string) *fakePage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pages[profileID]
}

type directDialer struct{ d net.Dialer }

func (d *directDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	return d.d.DialContext(ctx, network, addr)
}

type fixture struct {
	dir      string
	cfg      *types.Config
	launcher *fakeLauncher
	srv      *AppServer
}

// newFixture 组装一个不访问外网的 AppServer: 上游拨号直连, 出口回显来自本地 httptest,
// 地理信息预先写入 buntdb 缓存。
func newFixture(t *testing.T, echo http.HandlerFunc) *fixture {
	t.Helper()
	dir := t.TempDir()

	echoSrv := httptest.NewServer(echo)
	t.Cleanup(echoSrv.Close)

	cache, err := geo.OpenBuntCache(filepath.Join(dir, "geo.db"))
	require.NoError(t, err)
	cache.PutIfAbsent(exitIP, geo.Record{IP: exitIP, Timezone: "Europe/Berlin", Country: "DE", City: "Berlin", UTCOffset: 3600, Success: true, Provider: "test"})
	require.NoError(t, cache.Close())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "settings.json"),
		[]byte(`{"injection":{"retry_interval_ms":5,"max_attempts":4}}`), 0644))

	cfg := config.Default()
	cfg.ProbeTarget = echoSrv.Listener.Addr().String()
	cfg.EchoEndpoints = echoSrv.URL
	cfg.TestTimeoutMs = 2000
	cfg.CacheFile = "geo.db"
	cfg.Providers = ""
	cfg.DataDir = dir

	f := &fixture{dir: dir, cfg: cfg, launcher: &fakeLauncher{injects: true}}
	srv, err := New(cfg, dir, Deps{
		Launcher: f.launcher,
		Dialers: func(proxy.Descriptor, time.Duration) (tunnel.Dialer, error) {
			return &directDialer{}, nil
		},
	})
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)
	f.srv = srv
	return f
}

func echoIP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"ip":"` + exitIP + `"}`))
}

func waitReady(t *testing.T, sess *Session) {
	t.Helper()
	select {
	case <-sess.Ready():
	case <-time.After(3 * time.Second):
		t.Fatal("session never became ready")
	}
}

func TestLaunchProfile_ComposesIdentityFromExitIP(t *testing.T) {
	f := newFixture(t, echoIP)

	sess, err := f.srv.LaunchProfile(context.Background(), types.ProfileSpec{
		ID: "p1", Name: "berlin", Proxy: "10.0.0.1:1080:user:secret", Scheme: "socks5", Enabled: true,
		Platform: "windows", DeviceType: "desktop", StartURL: "https://example.test/",
	})
	require.NoError(t, err)

	assert.Equal(t, "Europe/Berlin", sess.Identity.Timezone)
	assert.Equal(t, "de-DE", sess.Identity.Locale)
	assert.Equal(t, exitIP, sess.Tunnel.ExitIP())
	assert.True(t, sess.Geo.Success)

	require.Len(t, f.launcher.opts, 1)
	opts := f.launcher.opts[0]
	assert.Equal(t, sess.Tunnel.ProxyURL(), opts.ProxyURL)
	assert.True(t, strings.HasPrefix(opts.ProxyURL, "socks5://127.0.0.1:"), opts.ProxyURL)
	assert.Equal(t, "Europe/Berlin", opts.Identity.Timezone)

	waitReady(t, sess)
	assert.True(t, sess.Injection().Applied)

	page := f.launcher.page("p1")
	require.Eventually(t, func() bool {
		return len(page.navigations()) == 1
	}, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, "https://example.test/", page.navigations()[0])

	info := f.srv.Sessions()
	require.Len(t, info, 1)
	assert.NotContains(t, info[0].Upstream, "secret")
	assert.True(t, info[0].Injected)
	assert.Equal(t, exitIP, info[0].ExitIP)
}

func TestLaunchProfile_WithoutProxyLaunchesDirect(t *testing.T) {
	f := newFixture(t, echoIP)

	sess, err := f.srv.LaunchProfile(context.Background(), types.ProfileSpec{ID: "direct", Platform: "windows", Enabled: true})
	require.NoError(t, err)
	assert.True(t, sess.Direct())
	assert.Empty(t, f.srv.Tunnels().Handles())

	assert.Contains(t, []string{"Win32", "Win64"}, sess.Identity.Navigator.Platform)
	widths := []int{1920, 1366, 2560, 1440, 1680, 3840}
	near := false
	for _, w := range widths {
		if d := sess.Identity.Screen.Width - w; d >= -10 && d <= 10 {
			near = true
		}
	}
	assert.True(t, near, "width %d", sess.Identity.Screen.Width)

	assert.Equal(t, "Europe/Berlin", sess.Identity.Timezone)
	require.Len(t, f.launcher.opts, 1)
	assert.Empty(t, f.launcher.opts[0].ProxyURL)

	waitReady(t, sess)
	info, ok := f.srv.SessionInfo("direct")
	require.True(t, ok)
	assert.Empty(t, info.Upstream)
	assert.Empty(t, info.LocalProxy)
	assert.Equal(t, exitIP, info.ExitIP)
	assert.True(t, info.Injected)

	require.NoError(t, f.srv.CloseProfile("direct"))
	assert.True(t, f.launcher.page("direct").isClosed())

	saved, err := f.srv.SaveProfile(types.ProfileSpec{Name: "no proxy", Enabled: true})
	require.NoError(t, err)
	_, err = f.srv.LaunchByID(context.Background(), saved.ID)
	require.NoError(t, err)
}

func TestLaunchProfile_WithoutProxyFallsBackToUTC(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	sess, err := f.srv.LaunchProfile(context.Background(), types.ProfileSpec{ID: "direct", Platform: "windows", Enabled: true})
	require.NoError(t, err)
	assert.Equal(t, geo.FallbackTimezone, sess.Identity.Timezone)
	assert.Equal(t, "en-US", sess.Identity.Locale)
	assert.False(t, sess.Geo.Success)
}

func TestLaunchProfile_RejectsDuplicate(t *testing.T) {
	f := newFixture(t, echoIP)
	spec := types.ProfileSpec{ID: "dup", Proxy: "10.0.0.1:8080", Scheme: "http", Enabled: true}

	_, err := f.srv.LaunchProfile(context.Background(), spec)
	require.NoError(t, err)
	_, err = f.srv.LaunchProfile(context.Background(), spec)
	assert.ErrorIs(t, err, ErrProfileRunning)
	assert.Len(t, f.srv.Tunnels().Handles(), 1)
}

func TestLaunchProfile_BadProxy(t *testing.T) {
	f := newFixture(t, echoIP)

	_, err := f.srv.LaunchProfile(context.Background(), types.ProfileSpec{ID: "bad", Proxy: "not a proxy", Enabled: true})
	require.Error(t, err)
	assert.ErrorIs(t, err, proxy.ErrFormat)
	assert.Empty(t, f.launcher.opts)
	assert.Empty(t, f.srv.Tunnels().Handles())
}

func TestLaunchProfile_EchoFailureFallsBackToUTC(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	sess, err := f.srv.LaunchProfile(context.Background(), types.ProfileSpec{ID: "utc", Proxy: "10.0.0.1:1080", Scheme: "socks5", Enabled: true})
	require.NoError(t, err)
	assert.Equal(t, geo.FallbackTimezone, sess.Identity.Timezone)
	assert.False(t, sess.Geo.Success)
	assert.Empty(t, sess.Tunnel.ExitIP())
}

func TestLaunchProfile_BrowserFailureClosesTunnel(t *testing.T) {
	f := newFixture(t, echoIP)
	f.launcher.err = errors.New("chrome exploded")

	_, err := f.srv.LaunchProfile(context.Background(), types.ProfileSpec{ID: "boom", Proxy: "10.0.0.1:1080", Scheme: "socks5", Enabled: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chrome exploded")
	assert.Empty(t, f.srv.Tunnels().Handles())
	_, running := f.srv.Session("boom")
	assert.False(t, running)
}

func TestLaunchProfile_IncompleteInjectionKeepsSession(t *testing.T) {
	f := newFixture(t, echoIP)
	f.launcher.injects = false

	sess, err := f.srv.LaunchProfile(context.Background(), types.ProfileSpec{ID: "bare", Proxy: "10.0.0.1:1080", Scheme: "socks5", Enabled: true, StartURL: "https://example.test/"})
	require.NoError(t, err)
	waitReady(t, sess)

	report := sess.Injection()
	assert.False(t, report.Applied)
	assert.ErrorIs(t, report.Err, injection.ErrIncomplete)

	_, running := f.srv.Session("bare")
	assert.True(t, running)
	page := f.launcher.page("bare")
	require.Eventually(t, func() bool {
		return len(page.navigations()) == 1
	}, 3*time.Second, 5*time.Millisecond)
}

func TestCloseProfile_CancelsJobsAndReleasesResources(t *testing.T) {
	f := newFixture(t, echoIP)
	require.NoError(t, f.srv.Tasks().Put(&rpa.Task{
		ID:   "slow",
		Name: "slow",
		Steps: []rpa.Step{
			{ID: "w", Type: rpa.StepWait, Config: json.RawMessage(`{"kind":"time","durationMs":10000}`)},
		},
	}))

	sess, err := f.srv.LaunchProfile(context.Background(), types.ProfileSpec{ID: "p1", Proxy: "10.0.0.1:1080", Scheme: "socks5", Enabled: true})
	require.NoError(t, err)
	waitReady(t, sess)

	job, err := f.srv.RunTask("p1", "slow", 0)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		j, _ := f.srv.Jobs().Get(job.ID)
		return j.Status == rpa.StatusRunning
	}, 3*time.Second, 5*time.Millisecond)

	require.NoError(t, f.srv.CloseProfile("p1"))

	require.Eventually(t, func() bool {
		j, _ := f.srv.Jobs().Get(job.ID)
		return j.Status == rpa.StatusCancelled
	}, 3*time.Second, 5*time.Millisecond)
	assert.True(t, f.launcher.page("p1").isClosed())
	assert.Empty(t, f.srv.Tunnels().Handles())

	assert.ErrorIs(t, f.srv.CloseProfile("p1"), ErrProfileNotRunning)
	_, err = f.srv.RunTask("p1", "slow", 0)
	assert.ErrorIs(t, err, ErrProfileNotRunning)
}

func TestRunTask_CompletesOnRunningSession(t *testing.T) {
	f := newFixture(t, echoIP)
	require.NoError(t, f.srv.Tasks().Put(&rpa.Task{
		ID: "nav",
		Steps: []rpa.Step{
			{ID: "open", Type: rpa.StepNavigate, Config: json.RawMessage(`{"url":"https://example.test/{{tz}}"}`)},
		},
		Variables: map[string]string{"tz": "berlin"},
	}))

	_, err := f.srv.LaunchProfile(context.Background(), types.ProfileSpec{ID: "p1", Proxy: "10.0.0.1:1080", Scheme: "socks5", Enabled: true})
	require.NoError(t, err)

	job, err := f.srv.RunTask("p1", "nav", 5)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		j, _ := f.srv.Jobs().Get(job.ID)
		return j.Status == rpa.StatusCompleted
	}, 3*time.Second, 5*time.Millisecond)
	assert.Contains(t, f.launcher.page("p1").navigations(), "https://example.test/berlin")
}

func TestProfiles_PersistAcrossRestarts(t *testing.T) {
	f := newFixture(t, echoIP)

	_, err := f.srv.SaveProfile(types.ProfileSpec{Name: "broken", Proxy: "::::"})
	assert.ErrorIs(t, err, proxy.ErrFormat)

	b, err := f.srv.SaveProfile(types.ProfileSpec{Name: "b", Proxy: "10.0.0.2:1080", Scheme: "socks5", Enabled: true})
	require.NoError(t, err)
	require.NotEmpty(t, b.ID)
	a, err := f.srv.SaveProfile(types.ProfileSpec{Name: "a", Proxy: "http://10.0.0.3:3128", Enabled: false})
	require.NoError(t, err)

	_, err = f.srv.LaunchByID(context.Background(), a.ID)
	assert.ErrorIs(t, err, ErrProfileDisabled)
	_, err = f.srv.LaunchByID(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrProfileNotFound)

	_, err = f.srv.LaunchByID(context.Background(), b.ID)
	require.NoError(t, err)
	require.NoError(t, f.srv.DeleteProfile(b.ID))
	_, running := f.srv.Session(b.ID)
	assert.False(t, running)
	assert.ErrorIs(t, f.srv.DeleteProfile(b.ID), ErrProfileNotFound)

	f.srv.Stop()

	again, err := New(f.cfg, f.dir, Deps{Launcher: f.launcher})
	require.NoError(t, err)
	require.NoError(t, again.Start())
	defer again.Stop()

	list := again.ListProfiles()
	require.Len(t, list, 1)
	assert.Equal(t, a.ID, list[0].ID)
	assert.Equal(t, "a", list[0].Name)
}

func TestLoadProfiles_AssignsMissingIDs(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "profiles.json"),
		[]byte(`[{"name":"anon","proxy":"10.0.0.1:1080","scheme":"socks5","enabled":true}]`), 0644))

	srv, err := New(config.Default(), dir, Deps{Launcher: &fakeLauncher{}})
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	defer srv.Stop()

	list := srv.ListProfiles()
	require.Len(t, list, 1)
	require.NotEmpty(t, list[0].ID)

	data, err := os.ReadFile(filepath.Join(dir, "profiles.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), list[0].ID)
}

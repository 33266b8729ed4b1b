package uapool

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	winUA     = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36"
	macUA     = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.3 Safari/605.1.15"
	iphoneUA  = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_3 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.3 Mobile/15E148 Safari/604.1"
	androidUA = "Mozilla/5.0 (Linux; Android 13; SM-S911B) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Mobile Safari/537.36"
	linuxUA   = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36"
	tvUA      = "Mozilla/5.0 (Linux; Tizen 6.5) AppleWebKit/537.36 (KHTML, like Gecko) SamsungBrowser/4.0 Chrome/85.0.4183.93 TV Safari/537.36"
)

func TestClassify(t *testing.T) {
	cases := map[string]string{
		winUA:     "windows",
		macUA:     "macos",
		iphoneUA:  "ios",
		androidUA: "android",
		linuxUA:   "linux",
		tvUA:      "tv",
	}
	for ua, want := range cases {
		got, ok := Classify(ua)
		assert.True(t, ok, ua)
		assert.Equal(t, want, got, ua)
	}

	_, ok := Classify("curl/8.4.0")
	assert.False(t, ok)
}

func TestPool_AddIgnoresDuplicates(t *testing.T) {
	p := NewPool()
	assert.Equal(t, 2, p.Add([]*Entry{{UA: winUA, Platform: "windows"}, {UA: macUA, Platform: "macos"}}))
	assert.Equal(t, 0, p.Add([]*Entry{{UA: winUA, Platform: "windows"}, {UA: "", Platform: "linux"}}))
	assert.Equal(t, []string{winUA}, p.Get("windows"))
	assert.Empty(t, p.Get("android"))

	got := p.Get("windows")
	got[0] = "mutated"
	assert.Equal(t, winUA, p.Get("windows")[0])

	p.Reset()
	assert.Empty(t, p.Counts())
}

func TestFileStorage_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ua.txt")
	fs := NewFileStorage(path)

	empty, err := fs.Load()
	require.NoError(t, err)
	assert.Empty(t, empty)

	seen := time.Unix(1700000000, 0)
	in := map[string]*Entry{
		winUA: {UA: winUA, Platform: "windows", Source: "test", FirstSeen: seen},
		// UA 中的分隔符必须原样保留
		"Mozilla/5.0 (X11; Linux x86_64) Odd|Browser/1.0": {UA: "Mozilla/5.0 (X11; Linux x86_64) Odd|Browser/1.0", Platform: "linux", Source: "test"},
	}
	require.NoError(t, fs.Save(in))

	out, err := fs.Load()
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "windows", out[winUA].Platform)
	assert.True(t, out[winUA].FirstSeen.Equal(seen))
	assert.Contains(t, out, "Mozilla/5.0 (X11; Linux x86_64) Odd|Browser/1.0")
}

func TestFileStorage_SkipsMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ua.txt")
	content := "# comment\nwindows|x|notanumber|" + winUA + "\nbroken line\nmacos|x|0|" + macUA + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	out, err := NewFileStorage(path).Load()
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "macos", out[macUA].Platform)
}

func TestFileSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "list.txt")
	require.NoError(t, os.WriteFile(path, []byte(winUA+"\n\ncurl/8.0\n  "+androidUA+"  \n"), 0644))

	entries, err := NewFileSource(path).Scrape(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "windows", entries[0].Platform)
	assert.Equal(t, androidUA, entries[1].UA)
}

func TestWebSource_ScrapesListingPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, `<html><body><table>
<tr><td>%s</td><td>Chrome</td></tr>
<tr><td>%s</td><td>Safari</td></tr>
</table><ul><li><code>%s</code></li></ul></body></html>`, winUA, iphoneUA, linuxUA)
	}))
	defer srv.Close()

	entries, err := NewWebSource(srv.URL).Scrape(context.Background())
	require.NoError(t, err)
	byUA := map[string]string{}
	for _, e := range entries {
		byUA[e.UA] = e.Platform
	}
	assert.Equal(t, map[string]string{winUA: "windows", iphoneUA: "ios", linuxUA: "linux"}, byUA)

	entries, err = NewWebSource(srv.URL + "#code").Scrape(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, linuxUA, entries[0].UA)
}

func TestWebSource_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := NewWebSource(srv.URL).Scrape(context.Background())
	assert.Error(t, err)
}

type staticSource struct {
	name    string
	entries []*Entry
	err     error
}

func (s staticSource) Name() string { return s.name }
func (s staticSource) Scrape(context.Context) ([]*Entry, error) {
	return s.entries, s.err
}

func TestManager_RefreshMergesAndPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ua.txt")
	storage := NewFileStorage(path)
	require.NoError(t, storage.Save(map[string]*Entry{macUA: {UA: macUA, Platform: "macos", Source: "seed"}}))

	m := NewManager(nil, storage, 0)
	m.AddSource(staticSource{name: "a", entries: []*Entry{{UA: winUA, Platform: "windows"}}})
	m.AddSource(staticSource{name: "b", err: fmt.Errorf("boom")})
	m.AddSource(staticSource{name: "c", entries: []*Entry{{UA: winUA, Platform: "windows"}, {UA: androidUA, Platform: "android"}}})
	m.Start()
	m.Stop()

	assert.Equal(t, []string{macUA}, m.Pool().Get("macos"))
	assert.Equal(t, []string{winUA}, m.Pool().Get("windows"))
	assert.Equal(t, []string{androidUA}, m.Pool().Get("android"))

	reloaded, err := storage.Load()
	require.NoError(t, err)
	assert.Len(t, reloaded, 3)
}

func TestManager_LoadFailureLeavesPoolEmpty(t *testing.T) {
	dir := t.TempDir()
	// 目录不能作为文件读取
	m := NewManager(nil, NewFileStorage(dir), 0)
	m.Start()
	m.Stop()
	assert.Empty(t, m.Pool().Get("windows"))
}

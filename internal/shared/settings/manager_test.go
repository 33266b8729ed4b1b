package settings

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingModule struct {
	mu   sync.Mutex
	last interface{}
}

func (m *recordingModule) OnSettingsUpdate(_ string, s interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last = s
	return nil
}

func (m *recordingModule) get() interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

func TestNewSettingsManager_CreatesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	sm, err := NewSettingsManager(path)
	require.NoError(t, err)

	_, err = os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, 2, sm.Get().RPA.ConcurrencyLimit)
}

func TestUpdate_PersistsAndNotifies(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	sm, err := NewSettingsManager(path)
	require.NoError(t, err)

	sub := &recordingModule{}
	sm.Register(ModuleRPA, sub)

	require.NoError(t, sm.Update(ModuleRPA, json.RawMessage(`{"concurrency_limit": 7}`)))
	assert.Equal(t, 7, sm.Get().RPA.ConcurrencyLimit)
	// 未提供的字段保持原值
	assert.Equal(t, 300, sm.Get().RPA.DefaultTimeoutSec)

	require.Eventually(t, func() bool {
		s, ok := sub.get().(*RPASettings)
		return ok && s.ConcurrencyLimit == 7
	}, time.Second, 10*time.Millisecond)

	reloaded, err := NewSettingsManager(path)
	require.NoError(t, err)
	assert.Equal(t, 7, reloaded.Get().RPA.ConcurrencyLimit)
}

func TestUpdate_UnknownModule(t *testing.T) {
	sm, err := NewSettingsManager("")
	require.NoError(t, err)
	assert.Error(t, sm.Update("firewall", json.RawMessage(`{}`)))
}

func TestUpdate_DoesNotMutatePreviousSnapshot(t *testing.T) {
	sm, err := NewSettingsManager("")
	require.NoError(t, err)
	before := sm.Get()

	require.NoError(t, sm.Update(ModuleGeo, json.RawMessage(`{"providers":["ipinfo"]}`)))
	assert.Equal(t, []string{"ipapi", "ipwhois", "ipapico"}, before.Geo.Providers)
	assert.Equal(t, []string{"ipinfo"}, sm.Get().Geo.Providers)
}

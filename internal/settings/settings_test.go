package settings

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "cfg"), nil)
	require.NoError(t, err)
	return s
}

func TestLoadMissingFileGivesDefaults(t *testing.T) {
	s := openStore(t)
	assert.Equal(t, Defaults(), s.Load())
}

func TestLoadBackfillsMissingKeysAndIgnoresUnknown(t *testing.T) {
	s := openStore(t)
	body := `{"run_on_startup": true, "enable_proxy_hotkey": "<ctrl>+<alt>+e", "window_geometry": "800x600"}`
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), SettingsFile), []byte(body), 0o600))

	got := s.Load()
	assert.True(t, got.RunOnStartup)
	assert.False(t, got.AutoStartCore)
	assert.Equal(t, "<ctrl>+<alt>+e", got.EnableProxyHotkey)
	assert.Equal(t, "<alt>+x", got.DisableProxyHotkey)
	assert.Equal(t, "127.0.0.1:10809", got.ProxyAddress)
}

func TestLoadCorruptFileGivesDefaults(t *testing.T) {
	s := openStore(t)
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), SettingsFile), []byte("{not json"), 0o600))
	assert.Equal(t, Defaults(), s.Load())
}

func TestSaveThenLoad(t *testing.T) {
	s := openStore(t)
	st := Defaults()
	st.AutoStartCore = true
	st.ProbeSchedule = "*/5 * * * *"
	require.NoError(t, s.Save(st))
	assert.Equal(t, st, s.Load())
}

func TestSaveRejectsInvalid(t *testing.T) {
	s := openStore(t)
	bad := Defaults()
	bad.EnableProxyHotkey = "<hyper>+q"
	assert.Error(t, s.Save(bad))

	bad = Defaults()
	bad.DisableProxyHotkey = "z+<alt>"
	assert.Error(t, s.Save(bad), "same combo as the enable hotkey")

	bad = Defaults()
	bad.StopCoreHotkey = "<alt>+x"
	assert.ErrorContains(t, s.Save(bad), "share")

	bad = Defaults()
	bad.ProbeSchedule = "every now and then"
	assert.Error(t, s.Save(bad))

	_, err := os.Stat(filepath.Join(s.Dir(), SettingsFile))
	assert.True(t, os.IsNotExist(err), "nothing written")
}

func TestHotkeys(t *testing.T) {
	st := Defaults()
	assert.Equal(t, map[string]string{"enable_proxy": "<alt>+z", "disable_proxy": "<alt>+x"}, st.Hotkeys())
	st.StartCoreHotkey = "<ctrl>+<alt>+s"
	assert.NoError(t, st.Validate())
	assert.Len(t, st.Hotkeys(), 3)
}

func TestUpdate(t *testing.T) {
	s := openStore(t)
	got, err := s.Update(func(st *Settings) { st.RunOnStartup = true })
	require.NoError(t, err)
	assert.True(t, got.RunOnStartup)
	assert.True(t, s.Load().RunOnStartup)

	_, err = s.Update(func(st *Settings) { st.ProxyAddress = "" })
	assert.Error(t, err)
	assert.Equal(t, "127.0.0.1:10809", s.Load().ProxyAddress)
}

func TestValidateAddress(t *testing.T) {
	assert.NoError(t, ValidateAddress("127.0.0.1:10809"))
	assert.NoError(t, ValidateAddress("[::1]:8080"))
	assert.Error(t, ValidateAddress(""))
	assert.Error(t, ValidateAddress(":8080"))
	assert.Error(t, ValidateAddress("host:0"))
	assert.Error(t, ValidateAddress("host:http"))
}

func TestLastConfig(t *testing.T) {
	s := openStore(t)
	assert.Equal(t, "", s.LastConfig())

	cfg := filepath.Join(t.TempDir(), "a.json")
	require.NoError(t, os.WriteFile(cfg, []byte("{}"), 0o600))
	require.NoError(t, s.SaveLastConfig(cfg))
	assert.Equal(t, cfg, s.LastConfig())

	require.NoError(t, os.Remove(cfg))
	assert.Equal(t, "", s.LastConfig(), "missing file is ignored")
}

func TestLockIsExclusive(t *testing.T) {
	s := openStore(t)
	require.NoError(t, s.Lock())
	defer func() { _ = s.Unlock() }()

	other := flock.New(filepath.Join(s.Dir(), LockFile))
	ok, err := other.TryLock()
	require.NoError(t, err)
	assert.False(t, ok, "second holder must fail")

	s2, err := Open(s.Dir(), nil)
	require.NoError(t, err)
	assert.ErrorIs(t, s2.Lock(), ErrLocked)
}

package hotkey

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseValid(t *testing.T) {
	cases := map[string]string{
		"<alt>+z":          "<alt>+z",
		"<ctrl>+<alt>+e":   "<ctrl>+<alt>+e",
		"e+<ALT>+<ctrl>":   "<ctrl>+<alt>+e",
		"<shift>+<f12>":    "<shift>+<f12>",
		"<cmd>+<space>":    "<cmd>+<space>",
		"<ctrl>++":         "<ctrl>++",
		" <ctrl> + x ":     "<ctrl>+x",
		"<ctrl>+<65>":      "<ctrl>+<65>",
		"<ctrl>+<shift>+A": "<ctrl>+<shift>+a",
	}
	for in, want := range cases {
		c, err := Parse(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, c.String(), in)
	}
}

func TestParseInvalid(t *testing.T) {
	for _, in := range []string{
		"", "<ctrl>+", "<hyper>+a", "<ctrl>+ab", "<alt>+<alt>", "ctrl+a", "<>+a",
	} {
		_, err := Parse(in)
		assert.ErrorIs(t, err, ErrInvalid, in)
	}
}

func TestKeysPreserveOrder(t *testing.T) {
	c, err := Parse("e+<ctrl>")
	require.NoError(t, err)
	assert.Equal(t, []string{"e", "<ctrl>"}, c.Keys())
}

func TestDispatcherFire(t *testing.T) {
	d := NewDispatcher(nil)
	fired := make(chan Action, 2)
	require.NoError(t, d.Bind("<alt>+z", ActionEnableProxy, func() { fired <- ActionEnableProxy }))
	require.NoError(t, d.Bind("<alt>+x", ActionDisableProxy, func() { fired <- ActionDisableProxy }))
	assert.Error(t, d.Bind("<alt>+zz", ActionStopCore, nil))

	act, ok := d.Fire("z+<alt>")
	require.True(t, ok)
	assert.Equal(t, ActionEnableProxy, act)
	select {
	case got := <-fired:
		assert.Equal(t, ActionEnableProxy, got)
	case <-time.After(time.Second):
		t.Fatal("binding not run")
	}

	_, ok = d.Fire("<alt>+q")
	assert.False(t, ok)
	_, ok = d.Fire("garbage+++")
	assert.False(t, ok)

	assert.Equal(t, map[string]Action{"<alt>+z": ActionEnableProxy, "<alt>+x": ActionDisableProxy}, d.Bindings())
	d.Reset()
	assert.Empty(t, d.Bindings())
}

func TestDispatcherRebindReplaces(t *testing.T) {
	d := NewDispatcher(nil)
	require.NoError(t, d.Bind("<ctrl>+s", ActionStartCore, nil))
	require.NoError(t, d.Bind("s+<ctrl>", ActionStopCore, nil))
	act, ok := d.Fire("<ctrl>+s")
	assert.True(t, ok)
	assert.Equal(t, ActionStopCore, act)
}

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagerGetters(t *testing.T) {
	m := NewManager()
	m.Set("name", "seg")
	m.Set("count", 42)

	assert.Equal(t, "seg", m.GetString("name"))
	assert.Equal(t, "fallback", m.GetString("missing", "fallback"))
	assert.Equal(t, "", m.GetString("count"), "only strings")

	v, ok := m.Get("count")
	assert.True(t, ok)
	assert.Equal(t, 42, v)
}

func TestLoadFileNested(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.LoadFile(writeFile(t, "n.toml", "[admin]\naddr = \":9\"\n")))
	assert.Equal(t, ":9", m.GetString("admin.addr"))
}

func TestUnmarshal(t *testing.T) {
	type target struct {
		Name    string        `config:"name"`
		Wait    time.Duration `config:"wait"`
		Ratio   float64       `config:"ratio"`
		On      bool          `config:"on"`
		Skipped int           `config:"-"`
		Plain   int
	}
	m := NewManager()
	m.Set("svc.name", "seg")
	m.Set("svc.wait", "2s")
	m.Set("svc.ratio", int64(1))
	m.Set("svc.on", "true")
	m.Set("svc.plain", float64(3))
	m.Set("svc.-", 9)

	var got target
	require.NoError(t, m.Unmarshal("svc", &got))
	assert.Equal(t, target{Name: "seg", Wait: 2 * time.Second, Ratio: 1, On: true, Plain: 3}, got)

	m.Set("svc.on", "maybe")
	assert.ErrorIs(t, m.Unmarshal("svc", &got), ErrInvalid)
	assert.Error(t, m.Unmarshal("svc", got), "needs a pointer")
}

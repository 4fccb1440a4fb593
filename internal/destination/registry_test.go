package destination

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dskow/routing-gateway/internal/gwerr"
)

func dest(id string, priority int) Destination {
	return Destination{ID: id, Name: id, BaseURL: "http://" + id, APIKey: "k", Enabled: true, Priority: priority}
}

func TestRegistry_AddAppliesDefaults(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Add(Destination{ID: "x", Name: "X", BaseURL: "http://h/", APIKey: "k"}))

	d, ok := r.Get("x")
	require.True(t, ok)
	assert.Equal(t, "http://h", d.BaseURL)
	assert.Equal(t, DefaultTimeoutMs, d.TimeoutMs)
	assert.Equal(t, DefaultPriority, d.Priority)
	assert.Equal(t, DefaultMaxAttempts, d.Retry.MaxAttempts)
	assert.Equal(t, DefaultFailureThreshold, d.Circuit.FailureThreshold)
	assert.Equal(t, DefaultOpenDurationMs, d.Circuit.OpenDurationMs)
}

func TestRegistry_AddDuplicateConflicts(t *testing.T) {
	r := NewRegistry()
	x := Destination{ID: "x", Name: "X", BaseURL: "http://h", APIKey: "k"}
	require.NoError(t, r.Add(x))

	err := r.Add(x)
	require.Error(t, err)
	assert.True(t, errors.Is(err, gwerr.ErrConflict))
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_AddValidation(t *testing.T) {
	r := NewRegistry()
	tests := []struct {
		name string
		d    Destination
	}{
		{"missing id", Destination{Name: "n", BaseURL: "http://h"}},
		{"missing name", Destination{ID: "a", BaseURL: "http://h"}},
		{"missing url", Destination{ID: "a", Name: "n"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Add(tt.d)
			assert.Equal(t, gwerr.KindValidation, gwerr.KindOf(err))
		})
	}
}

func TestRegistry_RemoveRunsHooks(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Add(dest("a", 1)))

	var removed []string
	r.OnRemove(func(id string) { removed = append(removed, id) })

	require.NoError(t, r.Remove("a"))
	assert.Equal(t, []string{"a"}, removed)
	_, ok := r.Get("a")
	assert.False(t, ok)

	err := r.Remove("a")
	assert.True(t, errors.Is(err, gwerr.ErrNotFound))
	assert.Len(t, removed, 1, "hooks must not run for a missing id")
}

func TestRegistry_ListByPriorityStable(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Add(dest("c", 2)))
	require.NoError(t, r.Add(dest("a", 1)))
	require.NoError(t, r.Add(dest("b", 2)))
	require.NoError(t, r.Add(dest("d", 1)))
	require.NoError(t, r.SetEnabled("d", false))

	var ids []string
	for _, d := range r.ListByPriority() {
		ids = append(ids, d.ID)
	}
	assert.Equal(t, []string{"a", "c", "b"}, ids)
}

func TestRegistry_ListEnabledKeepsInsertionOrder(t *testing.T) {
	r := NewRegistry()
	for _, id := range []string{"z", "y", "x"} {
		require.NoError(t, r.Add(dest(id, 1)))
	}
	require.NoError(t, r.SetEnabled("y", false))

	assert.Len(t, r.ListAll(), 3)
	enabled := r.ListEnabled()
	require.Len(t, enabled, 2)
	assert.Equal(t, "z", enabled[0].ID)
	assert.Equal(t, "x", enabled[1].ID)
}

func TestRegistry_SetPriorityUnknown(t *testing.T) {
	r := NewRegistry()
	err := r.SetPriority("missing", 3)
	assert.Equal(t, gwerr.KindNotFound, gwerr.KindOf(err))
	err = r.SetEnabled("missing", true)
	assert.Equal(t, gwerr.KindNotFound, gwerr.KindOf(err))
}

func TestRegistry_GetReturnsCopy(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Add(dest("a", 1)))

	d, _ := r.Get("a")
	d.Priority = 50
	d.Enabled = false

	again, _ := r.Get("a")
	assert.Equal(t, 1, again.Priority)
	assert.True(t, again.Enabled)
}

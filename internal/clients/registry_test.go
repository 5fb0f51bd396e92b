package clients

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_TouchCreatesAndUpdates(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	c, created := r.Touch("", "https://parts.example.com/", true)
	require.True(t, created)
	_, err := uuid.Parse(c.ID)
	require.NoError(t, err, "generated IDs are UUIDs")

	again, created := r.Touch(c.ID, "https://parts.example.com/app.js", false)
	assert.False(t, created)
	assert.Equal(t, "https://parts.example.com/", again.URL, "subresource requests keep the page URL")

	again, _ = r.Touch(c.ID, "https://parts.example.com/index.html", true)
	assert.Equal(t, "https://parts.example.com/index.html", again.URL)

	got, ok := r.Get(c.ID)
	require.True(t, ok)
	assert.Equal(t, again, got)
}

func TestRegistry_ClaimControlsEveryClient(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	a, _ := r.Touch("a", "https://parts.example.com/", true)
	b, _ := r.Touch("b", "https://parts.example.com/", true)
	r.Control(a.ID, "axcelis-parts-v0.9")

	assert.True(t, r.IsControlled(a.ID))
	assert.False(t, r.IsControlled(b.ID))

	assert.Equal(t, 2, r.Claim("axcelis-parts-v1.0"))
	assert.Equal(t, 0, r.Claim("axcelis-parts-v1.0"), "claiming again changes nothing")

	for _, c := range r.List() {
		assert.Equal(t, "axcelis-parts-v1.0", c.Controller)
	}
	assert.False(t, r.IsControlled("unknown"))
}

func TestRegistry_ControlKeepsExistingController(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	r.Touch("a", "https://parts.example.com/", true)

	r.Control("a", "v1")
	r.Control("a", "v2")

	c, _ := r.Get("a")
	assert.Equal(t, "v1", c.Controller)
}

func TestRegistry_OpenWindow(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	r.Touch("a", "https://parts.example.com/", true)

	w, err := r.OpenWindow("/x")
	require.NoError(t, err)
	assert.Equal(t, "/x", w.URL)
	assert.True(t, w.Focused)
	assert.Equal(t, []string{"/x"}, r.Opened())

	a, _ := r.Get("a")
	assert.False(t, a.Focused)
	assert.Len(t, r.List(), 2)

	_, err = r.OpenWindow("http://[::1")
	require.Error(t, err)
}

func TestRegistry_OpenedHistoryIsBounded(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	for i := range maxOpened + 10 {
		_, err := r.OpenWindow(fmt.Sprintf("/parts/A-%d", i))
		require.NoError(t, err)
	}
	opened := r.Opened()
	require.Len(t, opened, maxOpened)
	assert.Equal(t, "/parts/A-10", opened[0])
	assert.Equal(t, fmt.Sprintf("/parts/A-%d", maxOpened+9), opened[len(opened)-1])
}

func TestRegistry_ListOrderAndForget(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	r.now = func() time.Time { return clock }

	r.Touch("first", "https://parts.example.com/", true)
	clock = base.Add(time.Minute)
	r.Touch("second", "https://parts.example.com/", true)

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "first", list[0].ID)
	assert.Equal(t, "second", list[1].ID)

	assert.Equal(t, 1, r.Forget(base.Add(30*time.Second)))
	_, ok := r.Get("first")
	assert.False(t, ok)
}

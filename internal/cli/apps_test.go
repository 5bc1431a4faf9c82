package cli

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mendhq/mend/internal/store"
)

func TestResolveAppMatchesPrefix(t *testing.T) {
	apps := []store.App{
		{ID: "aaaa1111", Name: "shop"},
		{ID: "aabb2222", Name: "blog"},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(apps)
	}))
	defer srv.Close()
	c := &daemonClient{base: srv.URL, http: srv.Client()}

	byName, err := resolveApp(c, "shop")
	require.NoError(t, err)
	assert.Equal(t, "aaaa1111", byName.ID)

	byPrefix, err := resolveApp(c, "aabb")
	require.NoError(t, err)
	assert.Equal(t, "blog", byPrefix.Name)

	_, err = resolveApp(c, "aa")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "matches 2 apps")

	_, err = resolveApp(c, "zz")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no app matching")
}

func TestTruncateShortensAndFlattens(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "line one line two", truncate("line one\nline two", 40))

	got := truncate("a very long message that keeps going", 12)
	assert.Len(t, []rune(got), 12)
	assert.Equal(t, "…", string([]rune(got)[11]))
}

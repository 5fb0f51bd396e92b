package cachestorage

import (
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tphakala/offlinecache/internal/datastore"
	"github.com/tphakala/offlinecache/internal/datastore/repository"
	"github.com/tphakala/offlinecache/internal/errors"
	"github.com/tphakala/offlinecache/internal/network"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gorm_logger "gorm.io/gorm/logger"
)

// setupSQLStorage creates a SQL storage on an in-memory SQLite database.
func setupSQLStorage(t *testing.T) Storage {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared&_foreign_keys=ON"), &gorm.Config{
		Logger: gorm_logger.Default.LogMode(gorm_logger.Silent),
	})
	require.NoError(t, err, "failed to open in-memory database")

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, datastore.Migrate(db))
	return NewSQLStorage(repository.NewCacheRepository(db))
}

// backends runs fn against every storage implementation.
func backends(t *testing.T, fn func(t *testing.T, s Storage)) {
	t.Helper()
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryStorage()) })
	t.Run("sql", func(t *testing.T) { fn(t, setupSQLStorage(t)) })
}

func getRequest(t *testing.T, rawURL string) *network.Request {
	t.Helper()
	req, err := network.NewRequest(rawURL, network.DestinationEmpty)
	require.NoError(t, err)
	return req
}

func htmlResponse(body string) *network.Response {
	resp := network.NewResponse(http.StatusOK, http.Header{"Content-Type": {"text/html"}}, []byte(body))
	resp.URL = "https://parts.example.com/index.html"
	return resp
}

func TestStorage_OpenNamesDelete(t *testing.T) {
	backends(t, func(t *testing.T, s Storage) {
		ctx := t.Context()

		for _, name := range []string{"axcelis-parts-v0.9", "axcelis-parts-v1.0"} {
			c, err := s.Open(ctx, name)
			require.NoError(t, err)
			assert.Equal(t, name, c.Name())
		}
		// reopening does not duplicate
		_, err := s.Open(ctx, "axcelis-parts-v0.9")
		require.NoError(t, err)

		names, err := s.Names(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"axcelis-parts-v0.9", "axcelis-parts-v1.0"}, names)

		has, err := s.Has(ctx, "axcelis-parts-v0.9")
		require.NoError(t, err)
		assert.True(t, has)

		deleted, err := s.Delete(ctx, "axcelis-parts-v0.9")
		require.NoError(t, err)
		assert.True(t, deleted)

		deleted, err = s.Delete(ctx, "axcelis-parts-v0.9")
		require.NoError(t, err)
		assert.False(t, deleted)

		has, err = s.Has(ctx, "axcelis-parts-v0.9")
		require.NoError(t, err)
		assert.False(t, has)

		names, err = s.Names(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"axcelis-parts-v1.0"}, names)
	})
}

func TestCache_PutMatchRoundTrip(t *testing.T) {
	backends(t, func(t *testing.T, s Storage) {
		ctx := t.Context()
		c, err := s.Open(ctx, "v1")
		require.NoError(t, err)

		resp := htmlResponse("<html>parts</html>")
		resp.Redirected = true
		require.NoError(t, c.Put(ctx, getRequest(t, "https://parts.example.com/index.html"), resp))
		assert.True(t, resp.BodyUsed(), "put consumes the body")

		// fragment is not part of the key
		got, err := c.Match(ctx, getRequest(t, "https://parts.example.com/index.html#results"))
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, got.Status)
		assert.Equal(t, "OK", got.StatusText)
		assert.Equal(t, network.ResponseTypeBasic, got.Type)
		assert.Equal(t, "text/html", got.Header.Get("Content-Type"))
		assert.Equal(t, "https://parts.example.com/index.html", got.URL)
		assert.True(t, got.Redirected)
		body, err := got.Bytes()
		require.NoError(t, err)
		assert.Equal(t, "<html>parts</html>", string(body))

		// every match yields an independent body
		again, err := c.Match(ctx, getRequest(t, "https://parts.example.com/index.html"))
		require.NoError(t, err)
		body, err = again.Bytes()
		require.NoError(t, err)
		assert.Equal(t, "<html>parts</html>", string(body))
	})
}

func TestCache_MatchMiss(t *testing.T) {
	backends(t, func(t *testing.T, s Storage) {
		c, err := s.Open(t.Context(), "v1")
		require.NoError(t, err)

		_, err = c.Match(t.Context(), getRequest(t, "https://parts.example.com/missing.js"))
		require.ErrorIs(t, err, ErrCacheMiss)
		assert.Equal(t, errors.CategoryNotFound, errors.CategoryOf(err))
	})
}

func TestCache_PutRejectsNonGet(t *testing.T) {
	backends(t, func(t *testing.T, s Storage) {
		c, err := s.Open(t.Context(), "v1")
		require.NoError(t, err)

		req := getRequest(t, "https://parts.example.com/api/search")
		req.Method = http.MethodPost
		err = c.Put(t.Context(), req, htmlResponse("x"))
		require.ErrorIs(t, err, ErrMethodNotCacheable)
		assert.Equal(t, errors.CategoryValidation, errors.CategoryOf(err))

		keys, err := c.Keys(t.Context())
		require.NoError(t, err)
		assert.Empty(t, keys)
	})
}

func TestCache_PutAllIsAtomic(t *testing.T) {
	backends(t, func(t *testing.T, s Storage) {
		ctx := t.Context()
		c, err := s.Open(ctx, "v1")
		require.NoError(t, err)

		post := getRequest(t, "https://parts.example.com/b")
		post.Method = http.MethodPost
		err = c.PutAll(ctx, []Entry{
			{Request: getRequest(t, "https://parts.example.com/a"), Response: htmlResponse("a")},
			{Request: post, Response: htmlResponse("b")},
		})
		require.ErrorIs(t, err, ErrMethodNotCacheable)

		keys, err := c.Keys(ctx)
		require.NoError(t, err)
		assert.Empty(t, keys, "nothing is stored when one entry fails")

		err = c.PutAll(ctx, []Entry{
			{Request: getRequest(t, "https://parts.example.com/"), Response: htmlResponse("root")},
			{Request: getRequest(t, "https://parts.example.com/index.html"), Response: htmlResponse("index")},
		})
		require.NoError(t, err)

		keys, err = c.Keys(ctx)
		require.NoError(t, err)
		require.Len(t, keys, 2)
		assert.Equal(t, "https://parts.example.com/", keys[0].URL)
		assert.Equal(t, "https://parts.example.com/index.html", keys[1].URL)
		assert.Equal(t, int64(len("index")), keys[1].Size)
		assert.Equal(t, "GET", keys[1].Method)
	})
}

func TestCache_PutReplacesAndDelete(t *testing.T) {
	backends(t, func(t *testing.T, s Storage) {
		ctx := t.Context()
		c, err := s.Open(ctx, "v1")
		require.NoError(t, err)
		req := getRequest(t, "https://parts.example.com/app.js")

		require.NoError(t, c.Put(ctx, req, htmlResponse("old")))
		require.NoError(t, c.Put(ctx, req, htmlResponse("new")))

		got, err := c.Match(ctx, req)
		require.NoError(t, err)
		body, err := got.Bytes()
		require.NoError(t, err)
		assert.Equal(t, "new", string(body))

		deleted, err := c.Delete(ctx, req)
		require.NoError(t, err)
		assert.True(t, deleted)
		deleted, err = c.Delete(ctx, req)
		require.NoError(t, err)
		assert.False(t, deleted)
	})
}

func TestStorage_LookupDoesNotCreate(t *testing.T) {
	backends(t, func(t *testing.T, s Storage) {
		ctx := t.Context()

		c, ok, err := s.Lookup(ctx, "axcelis-parts-v0.9")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Nil(t, c)

		names, err := s.Names(ctx)
		require.NoError(t, err)
		assert.Empty(t, names)

		_, err = s.Open(ctx, "axcelis-parts-v0.9")
		require.NoError(t, err)
		c, ok, err = s.Lookup(ctx, "axcelis-parts-v0.9")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "axcelis-parts-v0.9", c.Name())

		_, err = s.Delete(ctx, "axcelis-parts-v0.9")
		require.NoError(t, err)
		err = c.Put(ctx, getRequest(t, "https://parts.example.com/"), htmlResponse("late"))
		require.ErrorIs(t, err, ErrCacheDeleted)

		_, ok, err = s.Lookup(ctx, "axcelis-parts-v0.9")
		require.NoError(t, err)
		assert.False(t, ok)
		names, err = s.Names(ctx)
		require.NoError(t, err)
		assert.Empty(t, names)
	})
}

func TestCache_PutAfterGenerationDeleted(t *testing.T) {
	backends(t, func(t *testing.T, s Storage) {
		ctx := t.Context()
		c, err := s.Open(ctx, "v0.9")
		require.NoError(t, err)
		_, err = s.Delete(ctx, "v0.9")
		require.NoError(t, err)

		err = c.Put(ctx, getRequest(t, "https://parts.example.com/"), htmlResponse("late"))
		require.ErrorIs(t, err, ErrCacheDeleted)

		has, err := s.Has(ctx, "v0.9")
		require.NoError(t, err)
		assert.False(t, has, "a late write never resurrects a deleted generation")
	})
}

func TestStorage_ActiveVersion(t *testing.T) {
	backends(t, func(t *testing.T, s Storage) {
		ctx := t.Context()

		v, err := s.ActiveVersion(ctx)
		require.NoError(t, err)
		assert.Empty(t, v)

		require.NoError(t, s.SetActiveVersion(ctx, "axcelis-parts-v1.0"))
		v, err = s.ActiveVersion(ctx)
		require.NoError(t, err)
		assert.Equal(t, "axcelis-parts-v1.0", v)
	})
}

func TestMemoryCache_ConcurrentPuts(t *testing.T) {
	t.Parallel()
	s := NewMemoryStorage()
	c, err := s.Open(t.Context(), "v1")
	require.NoError(t, err)

	urls := []string{
		"https://parts.example.com/a", "https://parts.example.com/b",
		"https://parts.example.com/c", "https://parts.example.com/d",
	}
	var wg sync.WaitGroup
	for _, u := range urls {
		wg.Go(func() {
			req, err := network.NewRequest(u, network.DestinationEmpty)
			if err != nil {
				return
			}
			_ = c.Put(t.Context(), req, htmlResponse(u))
		})
	}
	wg.Wait()

	keys, err := c.Keys(t.Context())
	require.NoError(t, err)
	assert.Len(t, keys, len(urls))
}

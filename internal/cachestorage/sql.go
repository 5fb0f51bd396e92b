package cachestorage

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/tphakala/offlinecache/internal/datastore/entities"
	"github.com/tphakala/offlinecache/internal/datastore/repository"
	"github.com/tphakala/offlinecache/internal/errors"
	"github.com/tphakala/offlinecache/internal/network"
)

// SQLStorage persists generations through the cache repository.
type SQLStorage struct {
	repo repository.CacheRepository
}

// NewSQLStorage creates a storage on top of repo.
func NewSQLStorage(repo repository.CacheRepository) *SQLStorage {
	return &SQLStorage{repo: repo}
}

type sqlCache struct {
	name string
	repo repository.CacheRepository
}

func storageError(err error, op, name string) error {
	return errors.New(err).
		Component("cachestorage").
		Category(errors.CategoryStorage).
		Context("operation", op).
		Context("cache", name).
		Build()
}

func (s *SQLStorage) Open(ctx context.Context, name string) (Cache, error) {
	if _, _, err := s.repo.CreateGeneration(ctx, name); err != nil {
		return nil, storageError(err, "open", name)
	}
	return &sqlCache{name: name, repo: s.repo}, nil
}

func (s *SQLStorage) Lookup(ctx context.Context, name string) (Cache, bool, error) {
	ok, err := s.Has(ctx, name)
	if err != nil || !ok {
		return nil, false, err
	}
	return &sqlCache{name: name, repo: s.repo}, true, nil
}

func (s *SQLStorage) Names(ctx context.Context) ([]string, error) {
	names, err := s.repo.ListGenerationNames(ctx)
	if err != nil {
		return nil, storageError(err, "names", "")
	}
	return names, nil
}

func (s *SQLStorage) Has(ctx context.Context, name string) (bool, error) {
	_, err := s.repo.GetGeneration(ctx, name)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, repository.ErrGenerationNotFound):
		return false, nil
	default:
		return false, storageError(err, "has", name)
	}
}

func (s *SQLStorage) Delete(ctx context.Context, name string) (bool, error) {
	deleted, err := s.repo.DeleteGeneration(ctx, name)
	if err != nil {
		return false, storageError(err, "delete", name)
	}
	return deleted, nil
}

func (s *SQLStorage) ActiveVersion(ctx context.Context) (string, error) {
	reg, err := s.repo.GetRegistration(ctx)
	if err != nil {
		return "", storageError(err, "get_registration", "")
	}
	return reg.ActiveVersion, nil
}

func (s *SQLStorage) SetActiveVersion(ctx context.Context, version string) error {
	if err := s.repo.SaveRegistration(ctx, version); err != nil {
		return storageError(err, "save_registration", version)
	}
	return nil
}

func (c *sqlCache) Name() string { return c.name }

func (c *sqlCache) Match(ctx context.Context, req *network.Request) (*network.Response, error) {
	entry, err := c.repo.MatchEntry(ctx, c.name, req.NormalizedMethod(), req.KeyURL())
	if err != nil {
		if errors.Is(err, repository.ErrEntryNotFound) {
			return nil, cacheMiss(c.name, req)
		}
		return nil, storageError(err, "match", c.name)
	}
	rec, err := recordFromEntry(entry)
	if err != nil {
		return nil, storageError(err, "decode_entry", c.name)
	}
	return rec.response(), nil
}

func (c *sqlCache) Put(ctx context.Context, req *network.Request, resp *network.Response) error {
	rec, err := newRecord(req, resp)
	if err != nil {
		return err
	}
	entry, err := rec.entry()
	if err != nil {
		return storageError(err, "encode_entry", c.name)
	}
	if err := c.repo.PutEntry(ctx, c.name, entry); err != nil {
		if errors.Is(err, repository.ErrGenerationNotFound) {
			return ErrCacheDeleted
		}
		return storageError(err, "put", c.name)
	}
	return nil
}

func (c *sqlCache) PutAll(ctx context.Context, entries []Entry) error {
	records, err := newRecords(entries)
	if err != nil {
		return err
	}
	rows := make([]entities.CacheEntry, 0, len(records))
	for _, rec := range records {
		entry, err := rec.entry()
		if err != nil {
			return storageError(err, "encode_entry", c.name)
		}
		rows = append(rows, *entry)
	}
	if err := c.repo.PutEntries(ctx, c.name, rows); err != nil {
		if errors.Is(err, repository.ErrGenerationNotFound) {
			return ErrCacheDeleted
		}
		return storageError(err, "put_all", c.name)
	}
	return nil
}

func (c *sqlCache) Keys(ctx context.Context) ([]EntryInfo, error) {
	rows, err := c.repo.ListEntries(ctx, c.name)
	if err != nil {
		if errors.Is(err, repository.ErrGenerationNotFound) {
			return nil, nil
		}
		return nil, storageError(err, "keys", c.name)
	}
	infos := make([]EntryInfo, 0, len(rows))
	for i := range rows {
		infos = append(infos, EntryInfo{
			Method: rows[i].Method,
			URL:    rows[i].URL,
			Status: rows[i].Status,
			Type:   rows[i].Type,
			Size:   rows[i].Size,
		})
	}
	return infos, nil
}

func (c *sqlCache) Delete(ctx context.Context, req *network.Request) (bool, error) {
	deleted, err := c.repo.DeleteEntry(ctx, c.name, req.NormalizedMethod(), req.KeyURL())
	if err != nil {
		return false, storageError(err, "delete_entry", c.name)
	}
	return deleted, nil
}

func (r *record) entry() (*entities.CacheEntry, error) {
	header, err := json.Marshal(r.header)
	if err != nil {
		return nil, err
	}
	return &entities.CacheEntry{
		Method:      r.method,
		URL:         r.url,
		Status:      r.status,
		StatusText:  r.statusText,
		Header:      string(header),
		Type:        string(r.respType),
		ResponseURL: r.respURL,
		Redirected:  r.redirected,
		Body:        r.body,
	}, nil
}

func recordFromEntry(e *entities.CacheEntry) (*record, error) {
	header := make(http.Header)
	if e.Header != "" {
		if err := json.Unmarshal([]byte(e.Header), &header); err != nil {
			return nil, err
		}
	}
	return &record{
		method:     e.Method,
		url:        e.URL,
		status:     e.Status,
		statusText: e.StatusText,
		header:     header,
		respType:   network.ResponseType(e.Type),
		respURL:    e.ResponseURL,
		redirected: e.Redirected,
		body:       e.Body,
	}, nil
}

package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/tildaslashalef/stsync/internal/loggy"
	"github.com/tildaslashalef/stsync/internal/servicetitan"
)

const (
	defaultPageSize = 500
	defaultMaxPages = 1000
)

// RemoteAPI is the slice of the ServiceTitan client the fetcher needs
type RemoteAPI interface {
	Request(ctx context.Context, path string, opts servicetitan.RequestOptions) (*servicetitan.Response, error)
}

// FetchOptions bounds how a fetcher pages through a collection
type FetchOptions struct {
	PageSize int
	MaxPages int
}

func (o FetchOptions) withDefaults() FetchOptions {
	if o.PageSize <= 0 {
		o.PageSize = defaultPageSize
	}
	if o.MaxPages <= 0 {
		o.MaxPages = defaultMaxPages
	}
	return o
}

// Fetcher drains every page of one entity type's collection
type Fetcher struct {
	api  RemoteAPI
	spec *EntitySpec
	opts FetchOptions
}

// NewFetcher creates a fetcher for spec
func NewFetcher(api RemoteAPI, spec *EntitySpec, opts FetchOptions) *Fetcher {
	return &Fetcher{api: api, spec: spec, opts: opts.withDefaults()}
}

// page is the envelope ServiceTitan wraps collections in
type page struct {
	Page         int               `json:"page"`
	PageSize     int               `json:"pageSize"`
	HasMore      *bool             `json:"hasMore"`
	ContinueFrom string            `json:"continueFrom"`
	Data         []json.RawMessage `json:"data"`
}

// FetchAll returns every remote record, or those modified on or after since
// when it is set. Any page failure aborts the fetch.
func (f *Fetcher) FetchAll(ctx context.Context, since *time.Time) ([]*RemoteEntity, error) {
	logger := loggy.FromContext(ctx).With("entity_type", f.spec.Type)

	base := url.Values{}
	base.Set("pageSize", strconv.Itoa(f.opts.PageSize))
	base.Set("active", "Any")
	if since != nil {
		base.Set("modifiedOnOrAfter", since.UTC().Format(time.RFC3339))
	}

	var (
		entities     []*RemoteEntity
		continueFrom string
	)
	for n := 1; ; n++ {
		if n > f.opts.MaxPages {
			return nil, &FetchError{
				EntityType: f.spec.Type,
				Page:       n,
				Err:        fmt.Errorf("remote did not signal the last page within %d pages", f.opts.MaxPages),
			}
		}

		query := url.Values{}
		for k, v := range base {
			query[k] = v
		}
		if continueFrom != "" {
			query.Set("continueFrom", continueFrom)
		} else {
			query.Set("page", strconv.Itoa(n))
		}

		resp, err := f.api.Request(ctx, f.spec.Path, servicetitan.RequestOptions{Query: query})
		if err != nil {
			return nil, &FetchError{EntityType: f.spec.Type, Page: n, Err: err}
		}

		var p page
		if err := json.Unmarshal(resp.Data, &p); err != nil {
			return nil, &FetchError{EntityType: f.spec.Type, Page: n, Err: fmt.Errorf("%w: %v", ErrUnexpectedShape, err)}
		}
		if p.Data == nil {
			return nil, &FetchError{EntityType: f.spec.Type, Page: n, Err: fmt.Errorf("%w: missing data", ErrUnexpectedShape)}
		}

		for i, raw := range p.Data {
			entity, err := f.spec.Decode(raw)
			if err != nil {
				return nil, &FetchError{EntityType: f.spec.Type, Page: n, Err: fmt.Errorf("record %d: %w", i, err)}
			}
			entities = append(entities, entity)
		}

		logger.Debug("Fetched page", "page", n, "records", len(p.Data))

		if len(p.Data) == 0 || (p.HasMore != nil && !*p.HasMore) {
			break
		}
		continueFrom = p.ContinueFrom
	}

	logger.Info("Fetched entities", "count", len(entities), "incremental", since != nil)
	return entities, nil
}

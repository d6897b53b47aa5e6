package sync

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tildaslashalef/stsync/internal/servicetitan"
)

// scriptedAPI returns canned pages in order
type scriptedAPI struct {
	pages   []string
	err     error
	errAt   int
	queries []url.Values
}

func (s *scriptedAPI) Request(_ context.Context, _ string, opts servicetitan.RequestOptions) (*servicetitan.Response, error) {
	s.queries = append(s.queries, opts.Query)
	n := len(s.queries)
	if s.err != nil && n == s.errAt {
		return nil, s.err
	}
	if n > len(s.pages) {
		return &servicetitan.Response{Status: 200, Data: json.RawMessage(`{"data":[]}`)}, nil
	}
	return &servicetitan.Response{Status: 200, Data: json.RawMessage(s.pages[n-1])}, nil
}

func TestFetchAllPagesUntilHasMoreFalse(t *testing.T) {
	api := &scriptedAPI{pages: []string{
		`{"page":1,"hasMore":true,"data":[{"id":1,"name":"North"},{"id":2,"name":"South"}]}`,
		`{"page":2,"hasMore":false,"data":[{"id":3,"name":"East"}]}`,
	}}

	f := NewFetcher(api, mustSpec(t, EntityTeams), FetchOptions{PageSize: 2})
	entities, err := f.FetchAll(context.Background(), nil)
	require.NoError(t, err)

	require.Len(t, entities, 3)
	assert.Equal(t, "3", entities[2].RemoteID)
	require.Len(t, api.queries, 2)
	assert.Equal(t, "1", api.queries[0].Get("page"))
	assert.Equal(t, "2", api.queries[1].Get("page"))
	assert.Equal(t, "2", api.queries[0].Get("pageSize"))
	assert.Equal(t, "Any", api.queries[0].Get("active"))
	assert.Empty(t, api.queries[0].Get("modifiedOnOrAfter"))
}

func TestFetchAllStopsOnEmptyPage(t *testing.T) {
	api := &scriptedAPI{pages: []string{
		`{"data":[{"id":1,"name":"North"}]}`,
		`{"data":[]}`,
	}}

	entities, err := NewFetcher(api, mustSpec(t, EntityTeams), FetchOptions{}).FetchAll(context.Background(), nil)
	require.NoError(t, err)
	assert.Len(t, entities, 1)
	assert.Len(t, api.queries, 2)
}

func TestFetchAllFollowsContinueFrom(t *testing.T) {
	api := &scriptedAPI{pages: []string{
		`{"hasMore":true,"continueFrom":"abc","data":[{"id":1}]}`,
		`{"hasMore":false,"data":[{"id":2}]}`,
	}}

	entities, err := NewFetcher(api, mustSpec(t, EntityTeams), FetchOptions{}).FetchAll(context.Background(), nil)
	require.NoError(t, err)
	assert.Len(t, entities, 2)
	assert.Equal(t, "abc", api.queries[1].Get("continueFrom"))
	assert.Empty(t, api.queries[1].Get("page"))
}

func TestFetchAllIncrementalSendsWatermark(t *testing.T) {
	api := &scriptedAPI{pages: []string{`{"hasMore":false,"data":[]}`}}
	since := time.Date(2024, 6, 1, 12, 30, 0, 0, time.FixedZone("EST", -5*3600))

	_, err := NewFetcher(api, mustSpec(t, EntityZones), FetchOptions{}).FetchAll(context.Background(), &since)
	require.NoError(t, err)
	assert.Equal(t, "2024-06-01T17:30:00Z", api.queries[0].Get("modifiedOnOrAfter"))
}

func TestFetchAllErrors(t *testing.T) {
	boom := errors.New("connection reset")

	tests := []struct {
		name     string
		api      *scriptedAPI
		opts     FetchOptions
		wantPage int
		wantErr  error
	}{
		{
			name:     "failing page aborts",
			api:      &scriptedAPI{pages: []string{`{"hasMore":true,"data":[{"id":1}]}`}, err: boom, errAt: 2},
			wantPage: 2,
			wantErr:  boom,
		},
		{
			name:     "missing data field",
			api:      &scriptedAPI{pages: []string{`{"page":1,"hasMore":false}`}},
			wantPage: 1,
			wantErr:  ErrUnexpectedShape,
		},
		{
			name:     "not json",
			api:      &scriptedAPI{pages: []string{`<html>`}},
			wantPage: 1,
			wantErr:  ErrUnexpectedShape,
		},
		{
			name:     "bad record",
			api:      &scriptedAPI{pages: []string{`{"data":[{"name":"no id"}]}`}},
			wantPage: 1,
			wantErr:  ErrUnexpectedShape,
		},
		{
			name: "never ending remote",
			api: &scriptedAPI{pages: []string{
				`{"hasMore":true,"data":[{"id":1}]}`,
				`{"hasMore":true,"data":[{"id":2}]}`,
				`{"hasMore":true,"data":[{"id":3}]}`,
			}},
			opts:     FetchOptions{MaxPages: 2},
			wantPage: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewFetcher(tt.api, mustSpec(t, EntityTeams), tt.opts).FetchAll(context.Background(), nil)
			require.Error(t, err)

			var fetchErr *FetchError
			require.True(t, errors.As(err, &fetchErr))
			assert.Equal(t, EntityTeams, fetchErr.EntityType)
			assert.Equal(t, tt.wantPage, fetchErr.Page)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

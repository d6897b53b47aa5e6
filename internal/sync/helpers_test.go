package sync

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tildaslashalef/stsync/internal/config"
	"github.com/tildaslashalef/stsync/internal/database"
	"github.com/tildaslashalef/stsync/internal/loggy"
	"github.com/tildaslashalef/stsync/internal/servicetitan"
)

// newTestRepo opens a migrated in-memory SQLite store
func newTestRepo(t *testing.T) *SQLRepository {
	t.Helper()
	loggy.NewNoopLogger()

	store, err := database.Open(context.Background(), config.DatabaseConfig{
		Driver:      config.DriverSQLite,
		Path:        ":memory:",
		BusyTimeout: 5000,
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	_, err = store.Migrate()
	require.NoError(t, err)

	return NewSQLRepository(store.DB, store.Builder())
}

// fakeRemote serves in-memory collections the way ServiceTitan pages them
type fakeRemote struct {
	records map[string][]map[string]any
	fail    map[string]error
	queries map[string][]url.Values
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		records: map[string][]map[string]any{},
		fail:    map[string]error{},
		queries: map[string][]url.Values{},
	}
}

func (f *fakeRemote) set(t EntityType, records ...map[string]any) {
	spec, _ := LookupSpec(t)
	f.records[spec.Path] = records
}

func (f *fakeRemote) failWith(t EntityType, err error) {
	spec, _ := LookupSpec(t)
	f.fail[spec.Path] = err
}

func (f *fakeRemote) lastQuery(t EntityType) url.Values {
	spec, _ := LookupSpec(t)
	qs := f.queries[spec.Path]
	if len(qs) == 0 {
		return nil
	}
	return qs[len(qs)-1]
}

func (f *fakeRemote) Request(ctx context.Context, path string, opts servicetitan.RequestOptions) (*servicetitan.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.queries[path] = append(f.queries[path], opts.Query)
	if err := f.fail[path]; err != nil {
		return nil, err
	}

	items := f.records[path]
	if since := opts.Query.Get("modifiedOnOrAfter"); since != "" {
		cutoff, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return nil, err
		}
		var filtered []map[string]any
		for _, item := range items {
			modified, _ := item["modifiedOn"].(string)
			ts, err := time.Parse(time.RFC3339, modified)
			if err == nil && !ts.Before(cutoff) {
				filtered = append(filtered, item)
			}
		}
		items = filtered
	}

	page, _ := strconv.Atoi(opts.Query.Get("page"))
	size, _ := strconv.Atoi(opts.Query.Get("pageSize"))
	if page < 1 {
		page = 1
	}
	start := (page - 1) * size
	if start > len(items) {
		start = len(items)
	}
	end := start + size
	if end > len(items) {
		end = len(items)
	}

	data := items[start:end]
	if data == nil {
		data = []map[string]any{}
	}
	body, err := json.Marshal(map[string]any{
		"page":     page,
		"pageSize": size,
		"hasMore":  end < len(items),
		"data":     data,
	})
	if err != nil {
		return nil, err
	}
	return &servicetitan.Response{Status: 200, Data: body}, nil
}

// failingStore fails inserts for selected remote ids
type failingStore struct {
	RecordStore
	failInsert map[string]bool
}

func (s *failingStore) InsertRecord(ctx context.Context, spec *EntitySpec, remote *RemoteEntity, now time.Time) (*LocalRecord, error) {
	if s.failInsert[remote.RemoteID] {
		return nil, errors.New("disk full")
	}
	return s.RecordStore.InsertRecord(ctx, spec, remote, now)
}

// eventRecorder collects notifier events
type eventRecorder struct {
	events []Event
}

func (r *eventRecorder) Notify(_ context.Context, e Event) error {
	r.events = append(r.events, e)
	return nil
}

func (r *eventRecorder) types() []EventType {
	out := make([]EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func technician(id int, name string, modified time.Time) map[string]any {
	return map[string]any{
		"id":          id,
		"name":        name,
		"active":      true,
		"email":       name + "@example.com",
		"phoneNumber": "555-010" + strconv.Itoa(id),
		"teamId":      1,
		"zoneIds":     []int{2, 1},
		"burdenRate":  32.5,
		"modifiedOn":  modified.UTC().Format(time.RFC3339),
	}
}

func material(id int, name string, price float64, modified time.Time) map[string]any {
	return map[string]any{
		"id":          id,
		"code":        "MAT-" + strconv.Itoa(id),
		"displayName": name,
		"description": name + " description",
		"price":       price,
		"memberPrice": price * 0.9,
		"cost":        price / 2,
		"active":      true,
		"categories":  []int{7},
		"modifiedOn":  modified.UTC().Format(time.RFC3339),
	}
}

func mustSpec(t *testing.T, et EntityType) *EntitySpec {
	t.Helper()
	spec, err := LookupSpec(et)
	require.NoError(t, err)
	return spec
}

func recordsByRemoteID(t *testing.T, repo *SQLRepository, et EntityType) map[string]*LocalRecord {
	t.Helper()
	records, err := repo.ListRecords(context.Background(), mustSpec(t, et))
	require.NoError(t, err)
	out := make(map[string]*LocalRecord, len(records))
	for _, r := range records {
		out[r.RemoteID] = r
	}
	return out
}

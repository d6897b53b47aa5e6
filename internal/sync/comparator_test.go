package sync

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func timePtr(t time.Time) *time.Time { return &t }

func TestCompare(t *testing.T) {
	spec := mustSpec(t, EntityTechnicians)
	t1 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)

	values := func(email string) map[string]any {
		return map[string]any{
			"email":       email,
			"phone":       nil,
			"team_st_id":  "1",
			"zone_st_ids": []string{"1", "2"},
			"hourly_rate": decimal.RequireFromString("32.50"),
		}
	}

	reformatted := map[string]any{
		"email":       "a@x",
		"team_st_id":  "1",
		"zone_st_ids": []string{"2", "1"},
		"hourly_rate": decimal.NewFromFloat(32.5),
	}

	tests := []struct {
		name      string
		remote    *RemoteEntity
		local     *LocalRecord
		fullSync  bool
		wantClass string
		wantField []string
	}{
		{
			name:      "no local row is new",
			remote:    &RemoteEntity{RemoteID: "1", Name: "Ann", Active: true, Values: values("a@x")},
			wantClass: "new",
		},
		{
			name:      "identical without timestamps is unchanged",
			remote:    &RemoteEntity{RemoteID: "1", Name: "Ann", Active: true, Values: values("a@x")},
			local:     &LocalRecord{ID: "tech-1", RemoteID: "1", Name: "Ann", Active: true, Values: values("a@x")},
			wantClass: "unchanged",
		},
		{
			name:      "field difference without timestamps is modified",
			remote:    &RemoteEntity{RemoteID: "1", Name: "Ann", Active: true, Values: values("b@x")},
			local:     &LocalRecord{ID: "tech-1", RemoteID: "1", Name: "Ann", Active: true, Values: values("a@x")},
			wantClass: "modified",
			wantField: []string{"email"},
		},
		{
			name:      "newer remote timestamp is modified",
			remote:    &RemoteEntity{RemoteID: "1", Name: "Ann B", Active: true, ModifiedOn: timePtr(t2), Values: values("a@x")},
			local:     &LocalRecord{ID: "tech-1", RemoteID: "1", Name: "Ann", Active: true, RemoteModifiedOn: timePtr(t1), Values: values("a@x")},
			wantClass: "modified",
			wantField: []string{"name"},
		},
		{
			name:      "equal timestamps are unchanged even when fields differ",
			remote:    &RemoteEntity{RemoteID: "1", Name: "Ann B", Active: false, ModifiedOn: timePtr(t1), Values: values("b@x")},
			local:     &LocalRecord{ID: "tech-1", RemoteID: "1", Name: "Ann", Active: true, RemoteModifiedOn: timePtr(t1), Values: values("a@x")},
			wantClass: "unchanged",
		},
		{
			name:      "older remote timestamp is unchanged",
			remote:    &RemoteEntity{RemoteID: "1", Name: "Ann B", Active: true, ModifiedOn: timePtr(t1), Values: values("a@x")},
			local:     &LocalRecord{ID: "tech-1", RemoteID: "1", Name: "Ann", Active: true, RemoteModifiedOn: timePtr(t2), Values: values("a@x")},
			wantClass: "unchanged",
		},
		{
			name:      "soft-deleted local is restored",
			remote:    &RemoteEntity{RemoteID: "1", Name: "Ann", Active: true, ModifiedOn: timePtr(t1), Values: values("a@x")},
			local:     &LocalRecord{ID: "tech-1", RemoteID: "1", Name: "Ann", Active: false, RemoteModifiedOn: timePtr(t1), DeletedAt: timePtr(t2), Values: values("a@x")},
			wantClass: "modified",
			wantField: []string{"deleted_at", "active"},
		},
		{
			name:      "decimal and list formatting do not count as changes",
			remote:    &RemoteEntity{RemoteID: "1", Name: "Ann", Active: true, Values: values("a@x")},
			local:     &LocalRecord{ID: "tech-1", RemoteID: "1", Name: "Ann", Active: true, Values: reformatted},
			wantClass: "unchanged",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var local []*LocalRecord
			if tt.local != nil {
				local = append(local, tt.local)
			}

			res := Compare(spec, []*RemoteEntity{tt.remote}, local, tt.fullSync)
			assert.Equal(t, 1, res.Total())

			switch tt.wantClass {
			case "new":
				require.Len(t, res.New, 1)
			case "unchanged":
				require.Len(t, res.Unchanged, 1)
			case "modified":
				require.Len(t, res.Modified, 1)
				assert.Equal(t, tt.wantField, res.Modified[0].ChangedFields)
				assert.False(t, res.Modified[0].Conflict)
			}
		})
	}
}

func TestCompareDeletionsOnlyOnFullSync(t *testing.T) {
	spec := mustSpec(t, EntityTeams)
	now := time.Now().UTC()

	remote := []*RemoteEntity{{RemoteID: "1", Name: "North", Active: true, Values: map[string]any{}}}
	local := []*LocalRecord{
		{ID: "team-1", RemoteID: "1", Name: "North", Active: true, Values: map[string]any{}},
		{ID: "team-2", RemoteID: "2", Name: "South", Active: true, Values: map[string]any{}},
		{ID: "team-3", RemoteID: "3", Name: "West", Active: false, DeletedAt: &now, Values: map[string]any{}},
	}

	full := Compare(spec, remote, local, true)
	require.Len(t, full.Deleted, 1)
	assert.Equal(t, "team-2", full.Deleted[0].ID)
	assert.Equal(t, 1, full.Pending())

	incremental := Compare(spec, remote, local, false)
	assert.Empty(t, incremental.Deleted)
	assert.Zero(t, incremental.Pending())
}

func TestCompareConflictFlag(t *testing.T) {
	t1 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	remote := &RemoteEntity{RemoteID: "10", Name: "Pipe", Active: true, ModifiedOn: timePtr(t1.Add(time.Minute)), Values: map[string]any{}}
	pending := &LocalRecord{ID: "mat-1", RemoteID: "10", Name: "Pipe (local)", Active: true, RemoteModifiedOn: &t1, SyncStatus: RecordPending, Values: map[string]any{}}

	materials := Compare(mustSpec(t, EntityMaterials), []*RemoteEntity{remote}, []*LocalRecord{pending}, false)
	require.Len(t, materials.Modified, 1)
	assert.True(t, materials.Modified[0].Conflict)

	// Scheduling types have no local edits to protect
	teams := Compare(mustSpec(t, EntityTeams), []*RemoteEntity{remote}, []*LocalRecord{pending}, false)
	require.Len(t, teams.Modified, 1)
	assert.False(t, teams.Modified[0].Conflict)

	synced := *pending
	synced.SyncStatus = RecordSynced
	clean := Compare(mustSpec(t, EntityMaterials), []*RemoteEntity{remote}, []*LocalRecord{&synced}, false)
	require.Len(t, clean.Modified, 1)
	assert.False(t, clean.Modified[0].Conflict)
}

func TestCompareDuplicateRemoteKeepsLast(t *testing.T) {
	spec := mustSpec(t, EntityTeams)
	remote := []*RemoteEntity{
		{RemoteID: "1", Name: "First", Active: true, Values: map[string]any{}},
		{RemoteID: "2", Name: "Other", Active: true, Values: map[string]any{}},
		{RemoteID: "1", Name: "Second", Active: true, Values: map[string]any{}},
	}

	res := Compare(spec, remote, nil, true)
	require.Len(t, res.New, 2)
	assert.Equal(t, "Second", res.New[0].Name)
	assert.Equal(t, "2", res.New[1].RemoteID)
}

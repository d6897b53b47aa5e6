package sync

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tildaslashalef/stsync/internal/ulid"
)

// ColumnKind is the canonical Go type a tracked column holds
type ColumnKind int

const (
	KindText    ColumnKind = iota // string
	KindInt                       // int64
	KindDecimal                   // decimal.Decimal
	KindList                      // []string, stored as a JSON array
)

// Column is a type-specific column the sync keeps in step with the remote
type Column struct {
	Name string
	Kind ColumnKind
}

// EntitySpec describes how one entity type is fetched and stored
type EntitySpec struct {
	Type      EntityType
	Group     EntityGroup
	Rank      int
	Path      string
	Table     string
	IDPrefix  string
	Columns   []Column
	DependsOn []EntityType
	// TracksConflicts is set for types that can be edited locally
	TracksConflicts bool
	Decode          func(json.RawMessage) (*RemoteEntity, error)
}

// entitySpecs is ordered by rank; dependencies come before dependents
var entitySpecs = []*EntitySpec{
	{
		Type:     EntityTeams,
		Group:    GroupScheduling,
		Rank:     1,
		Path:     "/dispatch/v2/tenant/{tenant}/teams",
		Table:    "st_teams",
		IDPrefix: ulid.PrefixTeam,
		Decode:   decodeTeam,
	},
	{
		Type:     EntityZones,
		Group:    GroupScheduling,
		Rank:     2,
		Path:     "/dispatch/v2/tenant/{tenant}/zones",
		Table:    "st_zones",
		IDPrefix: ulid.PrefixZone,
		Columns:  []Column{{"zip_codes", KindList}},
		Decode:   decodeZone,
	},
	{
		Type:     EntityJobTypes,
		Group:    GroupScheduling,
		Rank:     3,
		Path:     "/jpm/v2/tenant/{tenant}/job-types",
		Table:    "st_job_types",
		IDPrefix: ulid.PrefixJobType,
		Columns: []Column{
			{"summary", KindText},
			{"priority", KindText},
			{"duration_minutes", KindInt},
		},
		Decode: decodeJobType,
	},
	{
		Type:     EntityCategories,
		Group:    GroupPricebook,
		Rank:     4,
		Path:     "/pricebook/v2/tenant/{tenant}/categories",
		Table:    "st_pricebook_categories",
		IDPrefix: ulid.PrefixCategory,
		Columns: []Column{
			{"parent_st_id", KindText},
			{"position", KindInt},
			{"category_type", KindText},
		},
		TracksConflicts: true,
		Decode:          decodeCategory,
	},
	{
		Type:     EntityTechnicians,
		Group:    GroupScheduling,
		Rank:     5,
		Path:     "/settings/v2/tenant/{tenant}/technicians",
		Table:    "st_technicians",
		IDPrefix: ulid.PrefixTechnician,
		Columns: []Column{
			{"email", KindText},
			{"phone", KindText},
			{"team_st_id", KindText},
			{"zone_st_ids", KindList},
			{"hourly_rate", KindDecimal},
		},
		DependsOn: []EntityType{EntityTeams, EntityZones},
		Decode:    decodeTechnician,
	},
	{
		Type:     EntityMaterials,
		Group:    GroupPricebook,
		Rank:     6,
		Path:     "/pricebook/v2/tenant/{tenant}/materials",
		Table:    "st_pricebook_materials",
		IDPrefix: ulid.PrefixMaterial,
		Columns: []Column{
			{"code", KindText},
			{"description", KindText},
			{"price", KindDecimal},
			{"member_price", KindDecimal},
			{"cost", KindDecimal},
			{"unit_of_measure", KindText},
			{"category_st_ids", KindList},
		},
		DependsOn:       []EntityType{EntityCategories},
		TracksConflicts: true,
		Decode:          decodeMaterial,
	},
	{
		Type:     EntityServices,
		Group:    GroupPricebook,
		Rank:     7,
		Path:     "/pricebook/v2/tenant/{tenant}/services",
		Table:    "st_pricebook_services",
		IDPrefix: ulid.PrefixService,
		Columns: []Column{
			{"code", KindText},
			{"description", KindText},
			{"price", KindDecimal},
			{"member_price", KindDecimal},
			{"add_on_price", KindDecimal},
			{"duration_hours", KindDecimal},
			{"category_st_ids", KindList},
		},
		DependsOn:       []EntityType{EntityCategories},
		TracksConflicts: true,
		Decode:          decodeService,
	},
	{
		Type:     EntityEquipment,
		Group:    GroupPricebook,
		Rank:     8,
		Path:     "/pricebook/v2/tenant/{tenant}/equipment",
		Table:    "st_pricebook_equipment",
		IDPrefix: ulid.PrefixEquipment,
		Columns: []Column{
			{"code", KindText},
			{"description", KindText},
			{"price", KindDecimal},
			{"cost", KindDecimal},
			{"manufacturer", KindText},
			{"model", KindText},
			{"category_st_ids", KindList},
		},
		DependsOn:       []EntityType{EntityCategories},
		TracksConflicts: true,
		Decode:          decodeEquipment,
	},
}

var specsByType = func() map[EntityType]*EntitySpec {
	m := make(map[EntityType]*EntitySpec, len(entitySpecs))
	for _, s := range entitySpecs {
		m[s.Type] = s
	}
	return m
}()

// Specs returns every entity spec in rank order
func Specs() []*EntitySpec {
	out := make([]*EntitySpec, len(entitySpecs))
	copy(out, entitySpecs)
	return out
}

// LookupSpec returns the spec for an entity type
func LookupSpec(t EntityType) (*EntitySpec, error) {
	s, ok := specsByType[t]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEntityType, t)
	}
	return s, nil
}

// ParseEntityType validates a user-supplied entity type name
func ParseEntityType(s string) (EntityType, error) {
	t := EntityType(strings.ToLower(strings.TrimSpace(s)))
	if _, err := LookupSpec(t); err != nil {
		return "", err
	}
	return t, nil
}

// ParseGroup validates a user-supplied group name. Empty means all.
func ParseGroup(s string) (EntityGroup, error) {
	switch g := EntityGroup(strings.ToLower(strings.TrimSpace(s))); g {
	case "", GroupAll:
		return GroupAll, nil
	case GroupScheduling, GroupPricebook:
		return g, nil
	default:
		return "", fmt.Errorf("%w: unknown group %q", ErrUnknownEntityType, s)
	}
}

// ResolveEntityTypes turns an explicit list or a group into a deduplicated,
// rank-ordered set of entity types.
func ResolveEntityTypes(types []EntityType, group EntityGroup) ([]EntityType, error) {
	seen := make(map[EntityType]bool)
	var selected []*EntitySpec

	if len(types) > 0 {
		for _, t := range types {
			s, err := LookupSpec(t)
			if err != nil {
				return nil, err
			}
			if !seen[t] {
				seen[t] = true
				selected = append(selected, s)
			}
		}
	} else {
		g, err := ParseGroup(string(group))
		if err != nil {
			return nil, err
		}
		for _, s := range entitySpecs {
			if g == GroupAll || s.Group == g {
				selected = append(selected, s)
			}
		}
	}

	sort.SliceStable(selected, func(i, j int) bool { return selected[i].Rank < selected[j].Rank })

	out := make([]EntityType, len(selected))
	for i, s := range selected {
		out[i] = s.Type
	}
	return out, nil
}

// RemoteEntity is a ServiceTitan record normalized to local column names
type RemoteEntity struct {
	RemoteID   string         `json:"remoteId"`
	Name       string         `json:"name"`
	Active     bool           `json:"active"`
	ModifiedOn *time.Time     `json:"modifiedOn,omitempty"`
	Values     map[string]any `json:"values"`
}

// LocalRecord is a row of an entity table
type LocalRecord struct {
	ID               string         `json:"id"`
	RemoteID         string         `json:"remoteId"`
	Name             string         `json:"name"`
	Active           bool           `json:"active"`
	Values           map[string]any `json:"values"`
	RemoteModifiedOn *time.Time     `json:"remoteModifiedOn,omitempty"`
	SyncStatus       RecordStatus   `json:"syncStatus"`
	LastSyncedAt     *time.Time     `json:"lastSyncedAt,omitempty"`
	DeletedAt        *time.Time     `json:"deletedAt,omitempty"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}

// IsDeleted reports whether the row is soft-deleted
func (r *LocalRecord) IsDeleted() bool {
	return r.DeletedAt != nil
}

// canonical renders a tracked value for comparison. Absent values and the
// zero value of their kind's empty form compare equal.
func canonical(kind ColumnKind, v any) string {
	if v == nil {
		return ""
	}
	switch kind {
	case KindInt:
		switch n := v.(type) {
		case int64:
			return strconv.FormatInt(n, 10)
		case int:
			return strconv.Itoa(n)
		}
	case KindDecimal:
		switch d := v.(type) {
		case decimal.Decimal:
			return d.String()
		case *decimal.Decimal:
			if d == nil {
				return ""
			}
			return d.String()
		}
	case KindList:
		if list, ok := v.([]string); ok {
			sorted := append([]string(nil), list...)
			sort.Strings(sorted)
			return strings.Join(sorted, ",")
		}
	}
	return fmt.Sprint(v)
}

// columnArg converts a canonical value into a database argument
func columnArg(kind ColumnKind, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch kind {
	case KindList:
		list, ok := v.([]string)
		if !ok {
			return nil, fmt.Errorf("expected []string, got %T", v)
		}
		sorted := append([]string{}, list...)
		sort.Strings(sorted)
		data, err := json.Marshal(sorted)
		if err != nil {
			return nil, err
		}
		return string(data), nil
	case KindDecimal:
		d, ok := v.(decimal.Decimal)
		if !ok {
			return nil, fmt.Errorf("expected decimal, got %T", v)
		}
		return d.String(), nil
	default:
		return v, nil
	}
}

// snapshotValues decodes tracked values from a stored JSON snapshot using
// each column's kind.
func snapshotValues(spec *EntitySpec, raw map[string]json.RawMessage) (map[string]any, error) {
	values := make(map[string]any, len(spec.Columns))
	for _, col := range spec.Columns {
		data, ok := raw[col.Name]
		if !ok || string(data) == "null" {
			values[col.Name] = nil
			continue
		}

		var err error
		switch col.Kind {
		case KindText:
			var s string
			err = json.Unmarshal(data, &s)
			values[col.Name] = s
		case KindInt:
			var n int64
			err = json.Unmarshal(data, &n)
			values[col.Name] = n
		case KindDecimal:
			var d decimal.Decimal
			err = d.UnmarshalJSON(data)
			values[col.Name] = d
		case KindList:
			var list []string
			err = json.Unmarshal(data, &list)
			values[col.Name] = list
		}
		if err != nil {
			return nil, fmt.Errorf("decoding %s: %w", col.Name, err)
		}
	}
	return values, nil
}

// decodeSnapshot restores a RemoteEntity stored in a conflict record
func decodeSnapshot(spec *EntitySpec, data string) (*RemoteEntity, error) {
	var raw struct {
		RemoteID   string                     `json:"remoteId"`
		Name       string                     `json:"name"`
		Active     bool                       `json:"active"`
		ModifiedOn *time.Time                 `json:"modifiedOn"`
		Values     map[string]json.RawMessage `json:"values"`
	}
	if err := json.Unmarshal([]byte(data), &raw); err != nil {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}

	values, err := snapshotValues(spec, raw.Values)
	if err != nil {
		return nil, err
	}

	return &RemoteEntity{
		RemoteID:   raw.RemoteID,
		Name:       raw.Name,
		Active:     raw.Active,
		ModifiedOn: raw.ModifiedOn,
		Values:     values,
	}, nil
}

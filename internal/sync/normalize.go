package sync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// remoteID accepts ServiceTitan ids sent as numbers or strings
type remoteID string

func (id *remoteID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = remoteID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id %s is neither a number nor a string", data)
	}
	*id = remoteID(n.String())
	return nil
}

// remoteIDs is a list of ids normalized to sorted strings
type remoteIDs []remoteID

func (ids remoteIDs) strings() []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			out = append(out, string(id))
		}
	}
	sort.Strings(out)
	return out
}

// common holds the fields every ServiceTitan record shares
type common struct {
	ID         remoteID `json:"id"`
	Name       string   `json:"name"`
	Active     *bool    `json:"active"`
	ModifiedOn string   `json:"modifiedOn"`
}

var remoteTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.9999999",
	"2006-01-02T15:04:05",
}

// parseRemoteTime parses a ServiceTitan timestamp. Values without a zone are UTC.
// ServiceTitan sends 100ns ticks; they are truncated to the microsecond
// precision of a Postgres TIMESTAMP so stored values compare equal.
func parseRemoteTime(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	for _, layout := range remoteTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC().Truncate(time.Microsecond)
			return &t, nil
		}
	}
	return nil, fmt.Errorf("%w: unparseable modifiedOn %q", ErrUnexpectedShape, s)
}

func (c common) entity(name string, values map[string]any) (*RemoteEntity, error) {
	if c.ID == "" {
		return nil, fmt.Errorf("%w: record without id", ErrUnexpectedShape)
	}
	modified, err := parseRemoteTime(c.ModifiedOn)
	if err != nil {
		return nil, err
	}
	active := true
	if c.Active != nil {
		active = *c.Active
	}
	if values == nil {
		values = map[string]any{}
	}
	return &RemoteEntity{
		RemoteID:   string(c.ID),
		Name:       strings.TrimSpace(name),
		Active:     active,
		ModifiedOn: modified,
		Values:     values,
	}, nil
}

func text(s string) any {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return s
}

func textPtr(s *string) any {
	if s == nil {
		return nil
	}
	return text(*s)
}

func money(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return *d
}

func idText(id remoteID) any {
	if id == "" {
		return nil
	}
	return string(id)
}

func decodeInto(raw json.RawMessage, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrUnexpectedShape, err)
	}
	return nil
}

func decodeTeam(raw json.RawMessage) (*RemoteEntity, error) {
	var dto common
	if err := decodeInto(raw, &dto); err != nil {
		return nil, err
	}
	return dto.entity(dto.Name, nil)
}

func decodeZone(raw json.RawMessage) (*RemoteEntity, error) {
	var dto struct {
		common
		Zips []string `json:"zips"`
	}
	if err := decodeInto(raw, &dto); err != nil {
		return nil, err
	}
	zips := make([]string, 0, len(dto.Zips))
	for _, z := range dto.Zips {
		if z = strings.TrimSpace(z); z != "" {
			zips = append(zips, z)
		}
	}
	sort.Strings(zips)
	return dto.entity(dto.Name, map[string]any{"zip_codes": zips})
}

func decodeJobType(raw json.RawMessage) (*RemoteEntity, error) {
	var dto struct {
		common
		Summary  *string `json:"summary"`
		Priority *string `json:"priority"`
		Duration *int64  `json:"duration"` // seconds
	}
	if err := decodeInto(raw, &dto); err != nil {
		return nil, err
	}
	var minutes any
	if dto.Duration != nil {
		minutes = *dto.Duration / 60
	}
	return dto.entity(dto.Name, map[string]any{
		"summary":          textPtr(dto.Summary),
		"priority":         textPtr(dto.Priority),
		"duration_minutes": minutes,
	})
}

func decodeCategory(raw json.RawMessage) (*RemoteEntity, error) {
	var dto struct {
		common
		ParentID     remoteID `json:"parentId"`
		Position     *int64   `json:"position"`
		CategoryType *string  `json:"categoryType"`
	}
	if err := decodeInto(raw, &dto); err != nil {
		return nil, err
	}
	var position any
	if dto.Position != nil {
		position = *dto.Position
	}
	return dto.entity(dto.Name, map[string]any{
		"parent_st_id":  idText(dto.ParentID),
		"position":      position,
		"category_type": textPtr(dto.CategoryType),
	})
}

func decodeTechnician(raw json.RawMessage) (*RemoteEntity, error) {
	var dto struct {
		common
		Email      *string          `json:"email"`
		Phone      *string          `json:"phoneNumber"`
		TeamID     remoteID         `json:"teamId"`
		ZoneIDs    remoteIDs        `json:"zoneIds"`
		BurdenRate *decimal.Decimal `json:"burdenRate"`
	}
	if err := decodeInto(raw, &dto); err != nil {
		return nil, err
	}
	return dto.entity(dto.Name, map[string]any{
		"email":       textPtr(dto.Email),
		"phone":       textPtr(dto.Phone),
		"team_st_id":  idText(dto.TeamID),
		"zone_st_ids": dto.ZoneIDs.strings(),
		"hourly_rate": money(dto.BurdenRate),
	})
}

// pricebookItem holds the fields materials, services and equipment share
type pricebookItem struct {
	common
	Code        string           `json:"code"`
	DisplayName string           `json:"displayName"`
	Description *string          `json:"description"`
	Price       *decimal.Decimal `json:"price"`
	Categories  remoteIDs        `json:"categories"`
}

// displayName falls back to the code for items without a display name
func (p pricebookItem) displayName() string {
	if strings.TrimSpace(p.DisplayName) != "" {
		return p.DisplayName
	}
	if strings.TrimSpace(p.Name) != "" {
		return p.Name
	}
	return p.Code
}

func (p pricebookItem) values() map[string]any {
	return map[string]any{
		"code":            text(p.Code),
		"description":     textPtr(p.Description),
		"price":           money(p.Price),
		"category_st_ids": p.Categories.strings(),
	}
}

func decodeMaterial(raw json.RawMessage) (*RemoteEntity, error) {
	var dto struct {
		pricebookItem
		MemberPrice   *decimal.Decimal `json:"memberPrice"`
		Cost          *decimal.Decimal `json:"cost"`
		UnitOfMeasure *string          `json:"unitOfMeasure"`
	}
	if err := decodeInto(raw, &dto); err != nil {
		return nil, err
	}
	values := dto.values()
	values["member_price"] = money(dto.MemberPrice)
	values["cost"] = money(dto.Cost)
	values["unit_of_measure"] = textPtr(dto.UnitOfMeasure)
	return dto.entity(dto.displayName(), values)
}

func decodeService(raw json.RawMessage) (*RemoteEntity, error) {
	var dto struct {
		pricebookItem
		MemberPrice   *decimal.Decimal `json:"memberPrice"`
		AddOnPrice    *decimal.Decimal `json:"addOnPrice"`
		DurationHours *decimal.Decimal `json:"durationHours"`
	}
	if err := decodeInto(raw, &dto); err != nil {
		return nil, err
	}
	values := dto.values()
	values["member_price"] = money(dto.MemberPrice)
	values["add_on_price"] = money(dto.AddOnPrice)
	values["duration_hours"] = money(dto.DurationHours)
	return dto.entity(dto.displayName(), values)
}

func decodeEquipment(raw json.RawMessage) (*RemoteEntity, error) {
	var dto struct {
		pricebookItem
		Cost         *decimal.Decimal `json:"cost"`
		Manufacturer *string          `json:"manufacturer"`
		Model        *string          `json:"model"`
	}
	if err := decodeInto(raw, &dto); err != nil {
		return nil, err
	}
	values := dto.values()
	values["cost"] = money(dto.Cost)
	values["manufacturer"] = textPtr(dto.Manufacturer)
	values["model"] = textPtr(dto.Model)
	return dto.entity(dto.displayName(), values)
}

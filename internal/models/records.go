// Package models defines the records assessdesk reads from and writes to the backend.
package models

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// Municipality is a taxing authority with its two mill rates.
type Municipality struct {
	ID            int64           `json:"municipal_id"`
	Name          string          `json:"municipal_name"`
	MunicipalRate decimal.Decimal `json:"municipal_rate"`
	EducationRate decimal.Decimal `json:"education_rate"`
}

// Key returns the row identity.
func (m Municipality) Key() int64 { return m.ID }

// Property is an assessed parcel belonging to one municipality.
//
// On read the backend nests the owning municipality; MunicipalID is filled from
// it so callers never have to look at Municipal to group properties.
type Property struct {
	ID              int64           `json:"id"`
	RollNumber      string          `json:"assessment_roll_number"`
	AssessmentValue decimal.Decimal `json:"assessment_value"`
	MunicipalID     int64           `json:"municipal_id"`
	Municipal       *Municipality   `json:"municipal,omitempty"`
	PropertyTax     decimal.Decimal `json:"property_tax"`
}

// Key returns the row identity.
func (p Property) Key() int64 { return p.ID }

type propertyWire struct {
	ID              int64           `json:"id"`
	RollNumber      string          `json:"assessment_roll_number"`
	AssessmentValue decimal.Decimal `json:"assessment_value"`
	MunicipalID     int64           `json:"municipal_id,omitempty"`
	Municipal       json.RawMessage `json:"municipal,omitempty"`
	PropertyTax     decimal.Decimal `json:"property_tax"`
}

// UnmarshalJSON accepts `municipal` either as a nested object or as a bare id.
func (p *Property) UnmarshalJSON(data []byte) error {
	var w propertyWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*p = Property{
		ID:              w.ID,
		RollNumber:      w.RollNumber,
		AssessmentValue: w.AssessmentValue,
		MunicipalID:     w.MunicipalID,
		PropertyTax:     w.PropertyTax,
	}

	raw := bytes.TrimSpace(w.Municipal)
	switch {
	case len(raw) == 0 || bytes.Equal(raw, []byte("null")):
	case raw[0] == '{':
		var m Municipality
		if err := json.Unmarshal(raw, &m); err != nil {
			return fmt.Errorf("property %d: municipal: %w", w.ID, err)
		}
		p.Municipal = &m
		if p.MunicipalID == 0 {
			p.MunicipalID = m.ID
		}
	default:
		var id int64
		if err := json.Unmarshal(raw, &id); err != nil {
			return fmt.Errorf("property %d: municipal: %w", w.ID, err)
		}
		if p.MunicipalID == 0 {
			p.MunicipalID = id
		}
	}
	return nil
}

// MunicipalityFields is the write payload for a municipality. Nil fields are
// left out, so the same type serves POST (all set) and PATCH (any subset).
type MunicipalityFields struct {
	Name          *string          `json:"municipal_name,omitempty"`
	MunicipalRate *decimal.Decimal `json:"municipal_rate,omitempty"`
	EducationRate *decimal.Decimal `json:"education_rate,omitempty"`
}

// PropertyFields is the write payload for a property.
type PropertyFields struct {
	RollNumber      *string          `json:"assessment_roll_number,omitempty"`
	AssessmentValue *decimal.Decimal `json:"assessment_value,omitempty"`
	MunicipalID     *int64           `json:"municipal_id,omitempty"`
}

// Ptr returns a pointer to v, for building partial payloads.
func Ptr[T any](v T) *T { return &v }

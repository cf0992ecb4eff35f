// Package validate checks write payloads before they reach the backend.
//
// Field rules run locally. Uniqueness is checked against the server's current
// data and is advisory: the backend stays the authority.
package validate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"

	"github.com/starford/assessdesk/internal/apperr"
	"github.com/starford/assessdesk/internal/models"
)

const (
	maxNameLength = 255
	maxRollLength = 50
)

// Doer is the gateway surface used for uniqueness lookups.
type Doer interface {
	Do(ctx context.Context, method, path string, query url.Values, body, out any) error
}

// Validator runs field rules and uniqueness checks.
type Validator struct {
	gw     Doer
	logger *slog.Logger
}

// New returns a validator that looks up existing records through gw.
func New(gw Doer, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{gw: gw, logger: logger}
}

// Municipality validates a create (editingID == 0) or an update of editingID.
func (v *Validator) Municipality(ctx context.Context, f models.MunicipalityFields, editingID int64) error {
	if err := MunicipalityFields(f, editingID != 0); err != nil {
		return err
	}
	if f.Name == nil {
		return nil
	}

	var existing []models.Municipality
	if err := v.gw.Do(ctx, http.MethodGet, "/municipalities/", nil, nil, &existing); err != nil {
		return fmt.Errorf("validate: municipality lookup: %w", err)
	}
	want := normalize(*f.Name)
	taken := slices.ContainsFunc(existing, func(m models.Municipality) bool {
		return m.ID != editingID && normalize(m.Name) == want
	})
	if taken {
		v.logger.Info("validate: duplicate municipality name", slog.String("name", *f.Name))
		return apperr.Invalid("municipal_name", "Municipality name already exists")
	}
	return nil
}

// Property validates a create (editingID == 0) or an update of editingID.
func (v *Validator) Property(ctx context.Context, f models.PropertyFields, editingID int64) error {
	if err := PropertyFields(f, editingID != 0); err != nil {
		return err
	}
	if f.RollNumber == nil {
		return nil
	}

	var existing []models.Property
	query := url.Values{"assessment_roll_number": {strings.TrimSpace(*f.RollNumber)}}
	if err := v.gw.Do(ctx, http.MethodGet, "/properties/", query, nil, &existing); err != nil {
		return fmt.Errorf("validate: property lookup: %w", err)
	}
	want := normalize(*f.RollNumber)
	taken := slices.ContainsFunc(existing, func(p models.Property) bool {
		return p.ID != editingID && normalize(p.RollNumber) == want
	})
	if taken {
		v.logger.Info("validate: duplicate roll number", slog.String("roll_number", *f.RollNumber))
		return apperr.Invalid("assessment_roll_number", "Assessment roll number already exists")
	}
	return nil
}

// MunicipalityFields applies the field rules. A partial payload (PATCH) may
// omit fields but must set at least one.
func MunicipalityFields(f models.MunicipalityFields, partial bool) error {
	if partial && f.Name == nil && f.MunicipalRate == nil && f.EducationRate == nil {
		return apperr.Invalid("", "nothing to update")
	}
	return fromRules(validation.ValidateStruct(&f,
		validation.Field(&f.Name, validation.When(!partial, validation.Required), notBlank, validation.RuneLength(0, maxNameLength)),
		validation.Field(&f.MunicipalRate, validation.When(!partial, validation.Required), nonNegative),
		validation.Field(&f.EducationRate, validation.When(!partial, validation.Required), nonNegative),
	))
}

// PropertyFields applies the field rules.
func PropertyFields(f models.PropertyFields, partial bool) error {
	if partial && f.RollNumber == nil && f.AssessmentValue == nil && f.MunicipalID == nil {
		return apperr.Invalid("", "nothing to update")
	}
	return fromRules(validation.ValidateStruct(&f,
		validation.Field(&f.RollNumber, validation.When(!partial, validation.Required), notBlank, validation.RuneLength(0, maxRollLength)),
		validation.Field(&f.AssessmentValue, validation.When(!partial, validation.Required), nonNegative),
		validation.Field(&f.MunicipalID, validation.When(!partial, validation.Required), positive),
	))
}

var notBlank = validation.By(func(value any) error {
	s, _ := value.(*string)
	if s != nil && strings.TrimSpace(*s) == "" {
		return errors.New("cannot be blank")
	}
	return nil
})

var nonNegative = validation.By(func(value any) error {
	d, _ := value.(*decimal.Decimal)
	if d != nil && d.IsNegative() {
		return errors.New("must be no less than 0")
	}
	return nil
})

var positive = validation.By(func(value any) error {
	id, _ := value.(*int64)
	if id != nil && *id <= 0 {
		return errors.New("must be a valid municipality id")
	}
	return nil
})

// fromRules turns the first failing field into a ValidationError.
func fromRules(err error) error {
	if err == nil {
		return nil
	}
	var errs validation.Errors
	if !errors.As(err, &errs) || len(errs) == 0 {
		return apperr.Invalid("", err.Error())
	}
	fields := make([]string, 0, len(errs))
	for field := range errs {
		fields = append(fields, field)
	}
	slices.Sort(fields)
	return apperr.Invalid(fields[0], errs[fields[0]].Error())
}

// normalize trims and case-folds so "Springfield" and "springfield " collide.
func normalize(s string) string {
	return cases.Fold().String(strings.TrimSpace(s))
}

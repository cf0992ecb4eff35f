package desk

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/starford/assessdesk/internal/apperr"
	"github.com/starford/assessdesk/internal/events"
	"github.com/starford/assessdesk/internal/expansion"
	"github.com/starford/assessdesk/internal/models"
)

// ListMunicipalities returns the cached list, loading it on first use.
func (d *Desk) ListMunicipalities(ctx context.Context) ([]models.Municipality, error) {
	d.markActive(entityMunicipalities)
	if d.municipalities.Loaded() {
		return d.municipalities.Items(), nil
	}
	return d.loadMunicipalities(ctx)
}

// RefreshMunicipalities reloads the list from the server.
func (d *Desk) RefreshMunicipalities(ctx context.Context) ([]models.Municipality, error) {
	d.markActive(entityMunicipalities)
	return d.loadMunicipalities(ctx)
}

func (d *Desk) loadMunicipalities(ctx context.Context) ([]models.Municipality, error) {
	items, err := d.municipalities.Load(ctx)
	if err != nil {
		return nil, d.check(err)
	}
	d.publishLoaded(entityMunicipalities, len(items))
	return items, nil
}

// CreateMunicipality validates and creates a municipality.
func (d *Desk) CreateMunicipality(ctx context.Context, f models.MunicipalityFields) (models.Municipality, error) {
	done, err := d.begin(writeKey(entityMunicipalities, 0))
	if err != nil {
		return models.Municipality{}, err
	}
	defer done()

	if err := d.validator.Municipality(ctx, f, 0); err != nil {
		return models.Municipality{}, d.check(err)
	}
	created, err := d.municipalities.Create(ctx, f)
	if err != nil {
		return models.Municipality{}, d.check(err)
	}
	d.logger.Info("desk: municipality created", slog.Int64("id", created.ID), slog.String("name", created.Name))
	d.publish(events.RecordCreated, entityMunicipalities, created.ID)
	return created, nil
}

// UpdateMunicipality validates and patches municipality id. Its children are
// refetched on next expansion since their tax depends on the rates.
func (d *Desk) UpdateMunicipality(ctx context.Context, id int64, f models.MunicipalityFields) (models.Municipality, error) {
	done, err := d.begin(writeKey(entityMunicipalities, id))
	if err != nil {
		return models.Municipality{}, err
	}
	defer done()

	if err := d.validator.Municipality(ctx, f, id); err != nil {
		return models.Municipality{}, d.check(err)
	}
	updated, err := d.municipalities.Update(ctx, id, f)
	if err != nil {
		return models.Municipality{}, d.check(err)
	}
	d.children.Invalidate(id)
	d.refreshPropertiesIfLoaded(ctx)

	d.logger.Info("desk: municipality updated", slog.Int64("id", id))
	d.publish(events.RecordUpdated, entityMunicipalities, id)
	return updated, nil
}

// DeleteMunicipality deletes municipality id. The server cascades to its
// properties, so they are dropped locally as well.
func (d *Desk) DeleteMunicipality(ctx context.Context, id int64) error {
	done, err := d.begin(writeKey(entityMunicipalities, id))
	if err != nil {
		return err
	}
	defer done()

	if err := d.municipalities.Delete(ctx, id); err != nil {
		return d.check(err)
	}
	d.children.Invalidate(id)
	d.rows.Forget(id)
	pruned := d.properties.Prune(func(p models.Property) bool { return p.MunicipalID == id })

	d.logger.Info("desk: municipality deleted", slog.Int64("id", id), slog.Int("properties_dropped", pruned))
	d.publish(events.RecordDeleted, entityMunicipalities, id)
	return nil
}

// ToggleMunicipality expands or collapses municipality id.
func (d *Desk) ToggleMunicipality(ctx context.Context, id int64) (expansion.Row, error) {
	row, err := d.rows.Toggle(ctx, id)
	return row, d.check(err)
}

// ExpandMunicipality opens municipality id and loads its properties if needed.
func (d *Desk) ExpandMunicipality(ctx context.Context, id int64) (expansion.Row, error) {
	row, err := d.rows.Expand(ctx, id)
	return row, d.check(err)
}

// MunicipalityRow returns the expansion view of municipality id.
func (d *Desk) MunicipalityRow(id int64) expansion.Row {
	return d.rows.Row(id)
}

// DeletePrompt is the confirmation shown before deleting m.
func (d *Desk) DeletePrompt(m models.Municipality) string {
	prompt := fmt.Sprintf("Delete municipality %q (id %d)", m.Name, m.ID)
	if children, ok := d.children.Peek(m.ID); ok && len(children) > 0 {
		prompt += fmt.Sprintf(" - its %d properties will also be deleted", len(children))
	} else {
		prompt += " - all of its properties will also be deleted"
	}
	return prompt + ". Continue?"
}

// Municipality returns the cached municipality id.
func (d *Desk) Municipality(id int64) (models.Municipality, error) {
	m, ok := d.municipalities.Get(id)
	if !ok {
		return m, fmt.Errorf("desk: municipality %d: %w", id, apperr.ErrNotFound)
	}
	return m, nil
}

func (d *Desk) refreshPropertiesIfLoaded(ctx context.Context) {
	if !d.properties.Loaded() {
		return
	}
	if _, err := d.loadProperties(ctx); err != nil {
		d.logger.Warn("desk: refresh properties failed", slog.String("error", err.Error()))
	}
}

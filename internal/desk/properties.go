package desk

import (
	"context"
	"log/slog"

	"github.com/starford/assessdesk/internal/events"
	"github.com/starford/assessdesk/internal/models"
)

// ListProperties returns the cached list, loading it on first use.
func (d *Desk) ListProperties(ctx context.Context) ([]models.Property, error) {
	d.markActive(entityProperties)
	if d.properties.Loaded() {
		return d.properties.Items(), nil
	}
	return d.loadProperties(ctx)
}

// RefreshProperties reloads the list from the server.
func (d *Desk) RefreshProperties(ctx context.Context) ([]models.Property, error) {
	d.markActive(entityProperties)
	return d.loadProperties(ctx)
}

func (d *Desk) loadProperties(ctx context.Context) ([]models.Property, error) {
	items, err := d.properties.Load(ctx)
	if err != nil {
		return nil, d.check(err)
	}
	d.publishLoaded(entityProperties, len(items))
	return items, nil
}

// CreateProperty validates and creates a property.
func (d *Desk) CreateProperty(ctx context.Context, f models.PropertyFields) (models.Property, error) {
	done, err := d.begin(writeKey(entityProperties, 0))
	if err != nil {
		return models.Property{}, err
	}
	defer done()

	if err := d.validator.Property(ctx, f, 0); err != nil {
		return models.Property{}, d.check(err)
	}
	created, err := d.properties.Create(ctx, f)
	if err != nil {
		return models.Property{}, d.check(err)
	}
	d.children.Invalidate(created.MunicipalID)

	d.logger.Info("desk: property created", slog.Int64("id", created.ID), slog.Int64("municipal_id", created.MunicipalID))
	d.publish(events.RecordCreated, entityProperties, created.ID)
	return created, nil
}

// UpdateProperty validates and patches property id. Both the old and the new
// parent lose their cached children.
func (d *Desk) UpdateProperty(ctx context.Context, id int64, f models.PropertyFields) (models.Property, error) {
	done, err := d.begin(writeKey(entityProperties, id))
	if err != nil {
		return models.Property{}, err
	}
	defer done()

	if err := d.validator.Property(ctx, f, id); err != nil {
		return models.Property{}, d.check(err)
	}
	parents := d.parentsOf(id)
	updated, err := d.properties.Update(ctx, id, f)
	if err != nil {
		return models.Property{}, d.check(err)
	}
	d.children.Invalidate(append(parents, updated.MunicipalID)...)

	d.logger.Info("desk: property updated", slog.Int64("id", id))
	d.publish(events.RecordUpdated, entityProperties, id)
	return updated, nil
}

// DeleteProperty deletes property id.
func (d *Desk) DeleteProperty(ctx context.Context, id int64) error {
	done, err := d.begin(writeKey(entityProperties, id))
	if err != nil {
		return err
	}
	defer done()

	parents := d.parentsOf(id)
	if err := d.properties.Delete(ctx, id); err != nil {
		return d.check(err)
	}
	d.children.Invalidate(parents...)

	d.logger.Info("desk: property deleted", slog.Int64("id", id))
	d.publish(events.RecordDeleted, entityProperties, id)
	return nil
}

// parentsOf returns every municipality known to hold property id.
func (d *Desk) parentsOf(id int64) []int64 {
	var parents []int64
	if p, ok := d.properties.Get(id); ok && p.MunicipalID != 0 {
		parents = append(parents, p.MunicipalID)
	}
	if owner, ok := d.children.Owner(id); ok {
		parents = append(parents, owner)
	}
	return parents
}

package processor

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"dbchanges/internal/changes"
	"dbchanges/internal/diff"
	"dbchanges/internal/models"
	"dbchanges/internal/snapshot"
	"dbchanges/internal/value"
)

// Publisher interface for publishing events
type Publisher interface {
	Publish(event *models.ChangeEvent) error
}

// Stats counts what happened to the events of one change set
type Stats struct {
	Published int
	Rejected  int
	Failed    int
}

// Processor converts change sets into events, transforms and publishes them
type Processor struct {
	publisher   Publisher
	transformer *Transformer
	logger      *logrus.Logger
}

// NewProcessor creates a new event processor. transformer may be nil.
func NewProcessor(publisher Publisher, transformer *Transformer, logger *logrus.Logger) *Processor {
	return &Processor{
		publisher:   publisher,
		transformer: transformer,
		logger:      logger,
	}
}

// BuildEvent converts a change into its wire form
func BuildEvent(c diff.Change) *models.ChangeEvent {
	event := &models.ChangeEvent{
		Type:            c.Type().String(),
		DataType:        c.DataType().String(),
		Source:          c.Source().Name(),
		Index:           c.Index(),
		ModifiedColumns: c.ModifiedColumnNames(),
		StartAt:         c.StartPointAt(),
		EndAt:           c.EndPointAt(),
	}

	if names := c.PrimaryKeyNames(); len(names) > 0 {
		event.PrimaryKey = make(map[string]interface{}, len(names))
		for i, v := range c.PrimaryKeyValues() {
			event.PrimaryKey[names[i]] = value.Export(v)
		}
	}
	if row, ok := c.RowAtStartPoint(); ok {
		event.Before = rowMap(row)
	}
	if row, ok := c.RowAtEndPoint(); ok {
		event.After = rowMap(row)
	}
	return event
}

func rowMap(row snapshot.Row) map[string]interface{} {
	names := row.ColumnNames()
	m := make(map[string]interface{}, len(names))
	for i, v := range row.Values() {
		m[names[i]] = value.Export(v)
	}
	return m
}

// Process publishes one event per change, in change set order. A failing
// event is logged and skipped; the returned error summarizes failures.
func (p *Processor) Process(ctx context.Context, cs *changes.ChangeSet) (Stats, error) {
	var stats Stats

	for _, c := range cs.All() {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		changeEvent := BuildEvent(c)
		source, changeType := changeEvent.Source, changeEvent.Type

		// Apply transformations if transformer is configured
		if p.transformer != nil {
			transformed, err := p.transformer.Transform(changeEvent)
			if err != nil {
				// Check if event was rejected (not an error, just skip publishing)
				if errors.Is(err, ErrEventRejected) {
					p.logger.Debugf("Event rejected by transformer: %s (type: %s)", source, changeType)
					stats.Rejected++
					continue
				}
				p.logger.Errorf("Error transforming event: %v", err)
				stats.Failed++
				continue
			}
			changeEvent = transformed
		}

		if err := p.publisher.Publish(changeEvent); err != nil {
			p.logger.Errorf("Error publishing event: %v", err)
			stats.Failed++
			continue
		}
		stats.Published++
	}

	p.logger.Infof("Processed %d changes: %d published, %d rejected, %d failed",
		cs.Len(), stats.Published, stats.Rejected, stats.Failed)

	if stats.Failed > 0 {
		return stats, fmt.Errorf("failed to publish %d of %d events", stats.Failed, cs.Len())
	}
	return stats, nil
}

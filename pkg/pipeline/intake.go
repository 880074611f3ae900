package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/carelattice/warehouse/pkg/common/logger"
	"github.com/carelattice/warehouse/pkg/common/models"
)

// Intake turns staging events from the bus into pending staged rows.
// Malformed events and unknown entity types are forwarded to the DLQ
// (when configured) and committed; they must not wedge the partition.
type Intake struct {
	runner *Runner
	dlq    EventPublisher
}

func NewIntake(runner *Runner, dlq EventPublisher) *Intake {
	return &Intake{runner: runner, dlq: dlq}
}

// HandleEvent is the consumer callback. A nil return commits the
// message; only infrastructure failures are surfaced for retry.
func (i *Intake) HandleEvent(ctx context.Context, event models.Event) error {
	entityType, fields, err := parseStagePayload(event)
	if err != nil {
		i.deadLetter(ctx, event, err)
		return nil
	}

	sourceRef := event.Source
	if ref, ok := event.Data["source_reference"].(string); ok && ref != "" {
		sourceRef = ref
	}

	id, err := i.runner.Stage(ctx, entityType, fields, sourceRef)
	if err != nil {
		if errors.Is(err, ErrUnknownEntityType) {
			i.deadLetter(ctx, event, err)
			return nil
		}
		return err
	}

	logger.Log.WithFields(map[string]interface{}{
		"staged_id":   id,
		"entity_type": entityType,
		"event_id":    event.ID,
	}).Debug("staged row from bus")
	return nil
}

func parseStagePayload(event models.Event) (string, map[string]interface{}, error) {
	entityType, ok := event.Data["entity_type"].(string)
	if !ok || entityType == "" {
		return "", nil, fmt.Errorf("event %s has no entity_type", event.ID)
	}
	fields, ok := event.Data["fields"].(map[string]interface{})
	if !ok {
		return "", nil, fmt.Errorf("event %s has no fields payload", event.ID)
	}
	return entityType, fields, nil
}

func (i *Intake) deadLetter(ctx context.Context, event models.Event, cause error) {
	logger.Log.WithError(cause).WithField("event_id", event.ID).Warn("rejecting staging event")
	if i.dlq == nil {
		return
	}
	data := map[string]interface{}{
		"event_id": event.ID,
		"reason":   cause.Error(),
		"data":     event.Data,
	}
	if err := i.dlq.PublishEvent(ctx, "staging-rejected", eventSource, data); err != nil {
		logger.Log.WithError(err).Error("dead letter publish failed")
	}
}

package redis

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/graphops/poiwatch/pkg/poi"
)

// Event channels and streams. Live subscribers (the API websocket) listen on
// the Pub/Sub channel; the stream keeps a bounded replayable history.
const (
	InvestigationsChannel = "poiwatch:investigations"
	EventsStream          = "poiwatch:events"

	EventInvestigationOpened   = "investigation.opened"
	EventInvestigationFinished = "investigation.finished"
)

// Event is the wire form of one divergence lifecycle notification.
type Event struct {
	Type           string `json:"type"`
	ID             string `json:"id"`
	Deployment     string `json:"deployment"`
	IndexerA       string `json:"indexerA"`
	IndexerB       string `json:"indexerB"`
	OriginBlock    uint64 `json:"originBlock"`
	Status         string `json:"status"`
	Reason         string `json:"reason,omitempty"`
	DivergingBlock uint64 `json:"divergingBlock,omitempty"`
}

// Publisher fans investigation lifecycle transitions out to Redis.
// It implements the engine's events contract and never blocks the audit path.
type Publisher struct {
	client *Client
	logger *zap.Logger
}

// NewPublisher wires a Publisher around a Redis client.
func NewPublisher(client *Client, logger *zap.Logger) *Publisher {
	return &Publisher{client: client, logger: logger}
}

var _ poi.Events = (*Publisher)(nil)

// InvestigationOpened publishes the opening of a divergence investigation.
func (p *Publisher) InvestigationOpened(ctx context.Context, inv *poi.Investigation) {
	p.publish(ctx, EventInvestigationOpened, inv)
}

// InvestigationFinished publishes a terminal investigation state.
func (p *Publisher) InvestigationFinished(ctx context.Context, inv *poi.Investigation) {
	p.publish(ctx, EventInvestigationFinished, inv)
}

func (p *Publisher) publish(ctx context.Context, eventType string, inv *poi.Investigation) {
	event := Event{
		Type:           eventType,
		ID:             inv.ID,
		Deployment:     inv.Deployment,
		IndexerA:       inv.IndexerA,
		IndexerB:       inv.IndexerB,
		OriginBlock:    inv.OriginBlock,
		Status:         string(inv.Status),
		Reason:         inv.Reason,
		DivergingBlock: inv.DivergingBlock,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		p.logger.Warn("Failed to marshal investigation event", zap.Error(err))
		return
	}

	p.client.Publish(ctx, InvestigationsChannel, payload)
	p.client.XAdd(ctx, EventsStream, map[string]interface{}{
		"type": eventType,
		"id":   inv.ID,
		"data": string(payload),
	})
}

// Package eventbridge implements a ledger.Publisher that mirrors
// committed ledger entries onto AWS EventBridge. Grounded on the
// teacher's infrastructure/messaging/eventbridge.EventBridgePublisher:
// one PutEvents call per entry, detail-type taken from the entry's
// target scope, detail body the entry's JSON encoding.
package eventbridge

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"go.uber.org/zap"

	"github.com/forgeflow/core/internal/durable/ledger"
)

var _ ledger.Publisher = (*Publisher)(nil)

// Publisher mirrors ledger entries onto one EventBridge bus.
type Publisher struct {
	client  *eventbridge.Client
	busName string
	source  string
	logger  *zap.Logger
}

// New constructs a Publisher against the named event bus. source
// identifies this process as the EventBridge event source, the way the
// teacher's publisher stamps events.SourceBackend on every entry.
func New(client *eventbridge.Client, busName, source string, logger *zap.Logger) *Publisher {
	return &Publisher{client: client, busName: busName, source: source, logger: logger}
}

// Publish sends entry to EventBridge as a single PutEvents call, the
// target scope becoming the DetailType so bus consumers can route on it
// without decoding the payload first.
func (p *Publisher) Publish(ctx context.Context, entry ledger.Entry) error {
	detail, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("eventbridge: marshal entry: %w", err)
	}

	out, err := p.client.PutEvents(ctx, &eventbridge.PutEventsInput{
		Entries: []types.PutEventsRequestEntry{
			{
				EventBusName: aws.String(p.busName),
				Source:       aws.String(p.source),
				DetailType:   aws.String(entry.TargetScope),
				Detail:       aws.String(string(detail)),
				Resources:    []string{fmt.Sprintf("forgeflow:ledger:%s", entry.SourceEventID)},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("eventbridge: put events: %w", err)
	}
	if out.FailedEntryCount > 0 {
		for _, e := range out.Entries {
			if e.ErrorCode != nil {
				p.logger.Error("eventbridge rejected ledger entry",
					zap.Int64("seq", entry.MonotonicSeq),
					zap.String("error_code", *e.ErrorCode),
					zap.String("error_message", aws.ToString(e.ErrorMessage)))
			}
		}
		return fmt.Errorf("eventbridge: %d entries failed", out.FailedEntryCount)
	}
	return nil
}

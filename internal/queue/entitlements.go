// Package queue publishes ledger events to SQS for downstream collaborators.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"resolver/internal/config"
	"resolver/internal/types"
)

// EventTypeEntitlementGranted is the event_type attribute of entitlement
// messages.
const EventTypeEntitlementGranted = "entitlement.granted"

// SQSSender abstracts the SQS SendMessage operation. Production code uses
// *sqs.Client.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// EntitlementPublisher sends EntitlementGrantedEvent messages to the
// entitlement queue. With an empty queue URL it drops events silently.
//
// FIFO queues (URL ending in .fifo) are grouped by payer and deduplicated by
// invoice id, so a repaired orphan does not announce the same grant twice.
type EntitlementPublisher struct {
	client   SQSSender
	queueURL string
	fifo     bool
	logger   *slog.Logger
}

// NewEntitlementPublisher creates a publisher for awsCfg.EntitlementQueueURL.
func NewEntitlementPublisher(client SQSSender, awsCfg config.AWSConfig, logger *slog.Logger) *EntitlementPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &EntitlementPublisher{
		client:   client,
		queueURL: awsCfg.EntitlementQueueURL,
		fifo:     strings.HasSuffix(awsCfg.EntitlementQueueURL, ".fifo"),
		logger:   logger,
	}
}

// Enabled reports whether events are actually sent.
func (p *EntitlementPublisher) Enabled() bool {
	return p.queueURL != "" && p.client != nil
}

// PublishEntitlementGranted serializes evt and sends it to the queue.
func (p *EntitlementPublisher) PublishEntitlementGranted(ctx context.Context, evt types.EntitlementGrantedEvent) error {
	if !p.Enabled() {
		return nil
	}

	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal entitlement event: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"event_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(EventTypeEntitlementGranted),
			},
			"category": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(evt.Category)),
			},
		},
	}
	if p.fifo {
		input.MessageGroupId = aws.String(fmt.Sprintf("payer-%d", evt.PayerID))
		input.MessageDeduplicationId = aws.String(evt.InvoiceID)
	}

	if _, err := p.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("queue: failed to send entitlement event: %w", err)
	}

	p.logger.InfoContext(ctx, "entitlement event sent",
		"event_id", evt.EventID,
		"invoice_id", evt.InvoiceID,
		"category", string(evt.Category),
		"plan_id", evt.PlanID,
		"charge_suffix", evt.ChargeSuffix,
	)
	return nil
}

// internal/common/aws/sns.go
package aws

import (
	"context"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
)

// SNSClient wraps the SDK client used for outbox event fan-out.
type SNSClient struct {
	client *sns.Client
}

func NewSNSClient(ctx context.Context, region string) (*SNSClient, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, err
	}
	return &SNSClient{client: sns.NewFromConfig(cfg)}, nil
}

func (s *SNSClient) Publish(ctx context.Context, input *sns.PublishInput) (*sns.PublishOutput, error) {
	return s.client.Publish(ctx, input)
}

// FIFOEventInput builds the publish input for the event topic. Deduplication
// is keyed by event id so at-least-once dispatch never doubles a message, and
// the group id scopes ordering to a single application.
func FIFOEventInput(topicARN, message, eventID, applicationID string) *sns.PublishInput {
	return &sns.PublishInput{
		TopicArn:               awssdk.String(topicARN),
		Message:                awssdk.String(message),
		MessageDeduplicationId: awssdk.String(eventID),
		MessageGroupId:         awssdk.String(applicationID),
	}
}

// internal/common/aws/sns.go
package aws

import (
	"context"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
)

// SNSClient publishes operator alerts. The reconciliation engine is the
// only caller; it pages once per high-severity conflict key.
type SNSClient struct {
	client *sns.Client
}

// NewSNSClient resolves credentials from the ambient AWS environment.
func NewSNSClient(ctx context.Context, region string) (*SNSClient, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, err
	}
	return &SNSClient{client: sns.NewFromConfig(cfg)}, nil
}

// Alert publishes one message to the given topic.
func (s *SNSClient) Alert(ctx context.Context, topicARN, subject, body string) error {
	_, err := s.client.Publish(ctx, &sns.PublishInput{
		TopicArn: awssdk.String(topicARN),
		Subject:  awssdk.String(subject),
		Message:  awssdk.String(body),
	})
	return err
}

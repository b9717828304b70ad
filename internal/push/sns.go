package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"

	"github.com/tripbell/tripbell/internal/registry"
)

// SNSConfig configures the AWS SNS mobile push transport.
type SNSConfig struct {
	Region string
}

// SNSTransport delivers to mobile devices registered as SNS platform
// application endpoints, one Publish per endpoint ARN.
type SNSTransport struct {
	client *sns.Client
	logger *zap.Logger
}

func NewSNSTransport(ctx context.Context, cfg SNSConfig, logger *zap.Logger) (*SNSTransport, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config for SNS: %w", err)
	}

	return &SNSTransport{
		client: sns.NewFromConfig(awsCfg),
		logger: logger,
	}, nil
}

func (t *SNSTransport) Provider() string {
	return registry.ProviderSNS
}

func (t *SNSTransport) Deliver(ctx context.Context, targets []Target, payload Payload) ([]Outcome, error) {
	if t.client == nil {
		return nil, ErrNotConfigured
	}

	message, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode sns payload: %w", err)
	}

	outcomes := make([]Outcome, 0, len(targets))
	for _, target := range targets {
		outcomes = append(outcomes, t.publishOne(ctx, target, string(message)))
	}
	return outcomes, nil
}

func (t *SNSTransport) publishOne(ctx context.Context, target Target, message string) Outcome {
	result, err := t.client.Publish(ctx, &sns.PublishInput{
		TargetArn: aws.String(target.Addr.EndpointARN),
		Message:   aws.String(message),
	})
	if err != nil {
		var disabled *types.EndpointDisabledException
		var notFound *types.NotFoundException
		if errors.As(err, &disabled) || errors.As(err, &notFound) {
			return Outcome{
				Raw:       target.Raw,
				Permanent: true,
				Reason:    fmt.Sprintf("endpoint invalid: %v", err),
			}
		}
		return Outcome{Raw: target.Raw, Reason: fmt.Sprintf("publish: %v", err)}
	}

	t.logger.Debug("push sent via SNS",
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return Outcome{Raw: target.Raw, Delivered: true}
}

package sns

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
)

// Publisher is the part of *sns.Client the sender uses.
type Publisher interface {
	Publish(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// CodeSender delivers one-time codes as SMS through AWS SNS.
type CodeSender struct {
	client Publisher
}

// NewClient builds an SNS client pinned to region, which may differ from
// the region the rest of the AWS clients use.
func NewClient(awsCfg aws.Config, region string) *sns.Client {
	return sns.NewFromConfig(awsCfg, func(o *sns.Options) {
		if region != "" {
			o.Region = region
		}
	})
}

func NewCodeSender(client Publisher) *CodeSender {
	return &CodeSender{client: client}
}

// Deliver sends code to the E.164 phone number destination.
func (s *CodeSender) Deliver(ctx context.Context, destination, code string) error {
	msg := fmt.Sprintf("Your verification code is %s. It expires in 5 minutes.", code)
	_, err := s.client.Publish(ctx, &sns.PublishInput{
		PhoneNumber: aws.String(destination),
		Message:     aws.String(msg),
	})
	if err != nil {
		return fmt.Errorf("sns publish: %w", err)
	}
	return nil
}

package notification

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
)

const (
	// KindPaymentApproved is sent when a payment authorization is approved.
	KindPaymentApproved = "payment_approved"
	// KindPaymentDenied is sent when a payment authorization is denied.
	KindPaymentDenied = "payment_denied"
)

// Message describes a notification payload.
type Message struct {
	Kind        string
	Destination string
	Body        string
}

// Notifier delivers notifications to downstream systems.
type Notifier interface {
	Send(ctx context.Context, message Message) error
}

// LoggerNotifier is a stub implementation that writes notifications to the logger.
type LoggerNotifier struct {
	logger *slog.Logger
}

// NewLoggerNotifier constructs a logging notifier stub.
func NewLoggerNotifier(logger *slog.Logger) *LoggerNotifier {
	return &LoggerNotifier{logger: logger}
}

// Send writes the message to the structured logger.
func (n *LoggerNotifier) Send(_ context.Context, message Message) error {
	if n == nil || n.logger == nil {
		return nil
	}
	n.logger.Info("notification", "kind", message.Kind, "destination", message.Destination, "body", message.Body)
	return nil
}

// SNSAPI is the subset of the SNS client used for SMS delivery.
type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSNotifier sends notifications as transactional SMS through Amazon SNS.
// Destination must be an E.164 phone number.
type SNSNotifier struct {
	client   SNSAPI
	senderID string
}

// NewSNSNotifier constructs an SNS-backed notifier. senderID may be empty.
func NewSNSNotifier(client SNSAPI, senderID string) *SNSNotifier {
	return &SNSNotifier{client: client, senderID: senderID}
}

// Send publishes the message body to the destination phone number.
func (n *SNSNotifier) Send(ctx context.Context, message Message) error {
	if message.Destination == "" {
		return fmt.Errorf("notification %s has no destination", message.Kind)
	}
	attrs := map[string]types.MessageAttributeValue{
		"AWS.SNS.SMS.SMSType": {DataType: aws.String("String"), StringValue: aws.String("Transactional")},
	}
	if n.senderID != "" {
		attrs["AWS.SNS.SMS.SenderID"] = types.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(n.senderID)}
	}
	_, err := n.client.Publish(ctx, &sns.PublishInput{
		PhoneNumber:       aws.String(message.Destination),
		Message:           aws.String(message.Body),
		MessageAttributes: attrs,
	})
	if err != nil {
		return fmt.Errorf("publish %s notification: %w", message.Kind, err)
	}
	return nil
}

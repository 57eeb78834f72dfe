package messaging

import (
	"context"
	"fmt"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/Azure/go-amqp"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/backstage/eventcore/config"
	"example.com/backstage/eventcore/internal/outbox"
)

const contentTypeJSON = "application/json"

type sender interface {
	SendMessage(ctx context.Context, message *azservicebus.Message, options *azservicebus.SendMessageOptions) error
	Close(ctx context.Context) error
}

type senderFactory func(queueOrTopic string) (sender, error)

// ServiceBusBroker publishes outbox entries to Azure Service Bus. The entry
// target names the queue or topic.
type ServiceBusBroker struct {
	client   *azservicebus.Client
	newSend  senderFactory
	prefix   string
	sessions bool

	mu      sync.Mutex
	senders map[string]sender
}

// NewServiceBusBroker creates a broker from cfg. An empty connection string
// yields a broker that only logs, for local development.
func NewServiceBusBroker(cfg config.AzureConfig) (outbox.Broker, error) {
	if cfg.QueueConnStr == "" {
		log.Warn().Msg("Service Bus connection string is empty, publishing to log only")
		return LogBroker{}, nil
	}

	client, err := azservicebus.NewClientFromConnectionString(cfg.QueueConnStr, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Service Bus client")
	}

	b := newServiceBusBroker(func(name string) (sender, error) {
		return client.NewSender(name, nil)
	}, cfg.QueuePrefix, cfg.Sessions)
	b.client = client
	return b, nil
}

func newServiceBusBroker(factory senderFactory, prefix string, sessions bool) *ServiceBusBroker {
	return &ServiceBusBroker{
		newSend:  factory,
		prefix:   prefix,
		sessions: sessions,
		senders:  make(map[string]sender),
	}
}

// Publish sends entry and waits for the broker to settle it
func (b *ServiceBusBroker) Publish(ctx context.Context, entry outbox.Entry) error {
	s, err := b.sender(entry.Target)
	if err != nil {
		return outbox.Undelivered(err)
	}

	if err := s.SendMessage(ctx, b.message(entry), nil); err != nil {
		return classify(err)
	}
	return nil
}

func (b *ServiceBusBroker) message(entry outbox.Entry) *azservicebus.Message {
	id := entry.ID.String()
	subject := entry.RoutingKey
	contentType := contentTypeJSON

	props := make(map[string]interface{}, len(entry.Headers))
	for k, v := range entry.Headers {
		props[k] = v
	}

	msg := &azservicebus.Message{
		MessageID:             &id,
		Subject:               &subject,
		ContentType:           &contentType,
		Body:                  entry.Payload,
		ApplicationProperties: props,
	}
	if b.sessions {
		session := entry.Stream.String()
		msg.SessionID = &session
	}
	return msg
}

func (b *ServiceBusBroker) sender(target string) (sender, error) {
	name := b.queueName(target)

	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.senders[name]; ok {
		return s, nil
	}
	s, err := b.newSend(name)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create sender for %s", name)
	}
	b.senders[name] = s
	return s, nil
}

// queueName returns the full queue name with prefix
func (b *ServiceBusBroker) queueName(target string) string {
	if b.prefix == "" {
		return target
	}
	return fmt.Sprintf("%s-%s", b.prefix, target)
}

// Close closes every sender and the client
func (b *ServiceBusBroker) Close(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var firstErr error
	for name, s := range b.senders {
		if err := s.Close(ctx); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "failed to close sender %s", name)
		}
		delete(b.senders, name)
	}
	if b.client != nil {
		if err := b.client.Close(ctx); err != nil && firstErr == nil {
			firstErr = errors.Wrap(err, "failed to close Service Bus client")
		}
	}
	return firstErr
}

// classify maps Service Bus errors onto publish outcomes. Errors raised
// before the message left the process are rejected when retrying cannot
// help; anything else may have reached the broker.
func classify(err error) error {
	if errors.Is(err, azservicebus.ErrMessageTooLarge) {
		return outbox.Rejected(err)
	}
	var sbErr *azservicebus.Error
	if errors.As(err, &sbErr) && sbErr.Code == azservicebus.CodeUnauthorizedAccess {
		return outbox.Rejected(err)
	}
	// A missing queue reaches us as the raw AMQP condition.
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) && amqpErr.Condition == amqp.ErrCondNotFound {
		return outbox.Rejected(err)
	}
	return err
}

// LogBroker acknowledges every entry after logging it
type LogBroker struct{}

func (LogBroker) Publish(_ context.Context, entry outbox.Entry) error {
	log.Info().
		Str("entry_id", entry.ID.String()).
		Str("stream", entry.Stream.String()).
		Str("target", entry.Target).
		Str("routing_key", entry.RoutingKey).
		Int("attempts", entry.Attempts).
		Msg("Published outbox entry to log")
	return nil
}

package bus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"github.com/UgoRastell/microsaas/internal/pkg/errors"
	"github.com/UgoRastell/microsaas/internal/pkg/logger"
)

// KafkaConn is a Kafka-based implementation of Conn.
//
// Kafka has no per-request dynamic topics, so reply subjects of the form
// "<base>.response.<id>" are folded onto one physical "<base>.responses"
// topic. The full logical subject travels in a "subject" header and each
// subscription filters on it, so subscribers still see only their own
// subject. With OffsetNewest, the first subscription on a physical topic
// can miss messages published before the consumer group finishes joining.
type KafkaConn struct {
	config   KafkaConfig
	producer sarama.SyncProducer
	consumer sarama.ConsumerGroup
	client   sarama.Client
	log      *logger.Logger

	mu     sync.RWMutex
	subs   map[string][]*kafkaSub // keyed by logical subject
	topics map[string]bool        // physical topics with a running consume loop
	closed bool

	consumerWg sync.WaitGroup
	stopCtx    context.Context
	stopCancel context.CancelFunc
}

// KafkaConfig holds Kafka connection settings.
type KafkaConfig struct {
	Brokers       []string // Kafka broker addresses
	ConsumerGroup string   // Consumer group ID
	ClientID      string   // Client identifier
	Version       string   // Kafka version (e.g., "2.8.0")
}

// NewKafkaConn creates a new Kafka-backed connection.
func NewKafkaConn(cfg KafkaConfig, log *logger.Logger) (*KafkaConn, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New(errors.CodeValidation, "kafka brokers cannot be empty")
	}
	if cfg.ConsumerGroup == "" {
		return nil, errors.New(errors.CodeValidation, "kafka consumer group cannot be empty")
	}

	// Set defaults
	if cfg.ClientID == "" {
		cfg.ClientID = "microsaas-bus"
	}
	if cfg.Version == "" {
		cfg.Version = "2.8.0"
	}
	if log == nil {
		log = logger.Default()
	}

	// Parse Kafka version
	version, err := sarama.ParseKafkaVersion(cfg.Version)
	if err != nil {
		return nil, errors.Wrap(errors.CodeValidation, "invalid kafka version", err)
	}

	// Create Kafka client config
	kafkaConfig := sarama.NewConfig()
	kafkaConfig.Version = version
	kafkaConfig.ClientID = cfg.ClientID
	kafkaConfig.Producer.Return.Successes = true
	kafkaConfig.Producer.Return.Errors = true
	kafkaConfig.Producer.Retry.Max = 3
	kafkaConfig.Producer.RequiredAcks = sarama.WaitForAll
	kafkaConfig.Consumer.Group.Rebalance.Strategy = sarama.NewBalanceStrategyRoundRobin()
	kafkaConfig.Consumer.Offsets.Initial = sarama.OffsetNewest
	kafkaConfig.Consumer.Return.Errors = true
	kafkaConfig.Net.DialTimeout = 10 * time.Second
	kafkaConfig.Net.ReadTimeout = 10 * time.Second
	kafkaConfig.Net.WriteTimeout = 10 * time.Second

	// Create Kafka client
	client, err := sarama.NewClient(cfg.Brokers, kafkaConfig)
	if err != nil {
		return nil, errors.ConnectionError("failed to create kafka client", err)
	}

	// Create producer
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		client.Close()
		return nil, errors.ConnectionError("failed to create kafka producer", err)
	}

	// Create consumer group
	consumer, err := sarama.NewConsumerGroupFromClient(cfg.ConsumerGroup, client)
	if err != nil {
		producer.Close()
		client.Close()
		return nil, errors.ConnectionError("failed to create kafka consumer group", err)
	}

	stopCtx, stopCancel := context.WithCancel(context.Background())

	conn := &KafkaConn{
		config:     cfg,
		producer:   producer,
		consumer:   consumer,
		client:     client,
		log:        log,
		subs:       make(map[string][]*kafkaSub),
		topics:     make(map[string]bool),
		stopCtx:    stopCtx,
		stopCancel: stopCancel,
	}

	return conn, nil
}

// Publish sends data to a subject.
func (c *KafkaConn) Publish(subject string, data []byte) error {
	return c.PublishMsg(Msg{Subject: subject, Data: data})
}

// PublishMsg sends a message to the physical topic backing its subject.
func (c *KafkaConn) PublishMsg(m Msg) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return errors.New(errors.CodeUnavailable, "bus is closed")
	}

	msg := &sarama.ProducerMessage{
		Topic: topicFor(m.Subject),
		Value: sarama.ByteEncoder(m.Data),
		Key:   sarama.StringEncoder(m.Subject),
		Headers: []sarama.RecordHeader{
			{Key: []byte("subject"), Value: []byte(m.Subject)},
		},
	}
	if m.Reply != "" {
		msg.Headers = append(msg.Headers, sarama.RecordHeader{
			Key:   []byte("reply"),
			Value: []byte(m.Reply),
		})
	}

	_, _, err := c.producer.SendMessage(msg)
	if err != nil {
		return errors.Wrap(errors.CodeUnavailable, "failed to publish to kafka", err)
	}

	return nil
}

// Subscribe registers a handler for a logical subject, starting a consume
// loop for the backing physical topic if one is not already running.
func (c *KafkaConn) Subscribe(subject string, h MsgHandler) (Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, errors.New(errors.CodeUnavailable, "bus is closed")
	}

	s := &kafkaSub{conn: c, subject: subject, handler: h}
	c.subs[subject] = append(c.subs[subject], s)

	topic := topicFor(subject)
	if !c.topics[topic] {
		c.topics[topic] = true
		c.consumerWg.Add(1)
		go c.consumeTopic(topic)
	}

	return s, nil
}

// NumSubscriptions returns the number of live subscriptions.
func (c *KafkaConn) NumSubscriptions() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	n := 0
	for _, subs := range c.subs {
		n += len(subs)
	}
	return n
}

// consumeTopic runs the consumer group loop for one physical topic.
func (c *KafkaConn) consumeTopic(topic string) {
	defer c.consumerWg.Done()

	handler := &consumerGroupHandler{conn: c}

	for {
		if c.stopCtx.Err() != nil {
			return
		}

		// Blocking call; returns on rebalance or close
		err := c.consumer.Consume(c.stopCtx, []string{topic}, handler)
		if err != nil && c.stopCtx.Err() == nil {
			c.log.Warn("kafka consumer error", "topic", topic, "error", err.Error())
		}

		if c.stopCtx.Err() != nil {
			return
		}
		// Small backoff before retrying
		time.Sleep(time.Second)
	}
}

// Close stops consumers and closes producer, consumer and client. Idempotent.
func (c *KafkaConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	// Stop all consumers
	c.stopCancel()
	c.consumerWg.Wait()

	var errs []error

	if err := c.consumer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close consumer: %w", err))
	}
	if err := c.producer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close producer: %w", err))
	}
	if err := c.client.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close client: %w", err))
	}

	c.mu.Lock()
	c.subs = nil
	c.topics = nil
	c.mu.Unlock()

	if len(errs) > 0 {
		return errors.New(errors.CodeInternal, fmt.Sprintf("errors during close: %v", errs))
	}

	return nil
}

// kafkaSub is one logical-subject subscription.
type kafkaSub struct {
	conn    *KafkaConn
	subject string
	handler MsgHandler
	once    sync.Once
}

// Unsubscribe removes the subscription. The physical topic's consume loop
// keeps running; messages simply stop matching.
func (s *kafkaSub) Unsubscribe() error {
	s.once.Do(func() {
		s.conn.mu.Lock()
		subs := s.conn.subs[s.subject]
		for i, sub := range subs {
			if sub == s {
				s.conn.subs[s.subject] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		if len(s.conn.subs[s.subject]) == 0 {
			delete(s.conn.subs, s.subject)
		}
		s.conn.mu.Unlock()
	})
	return nil
}

func (s *kafkaSub) Subject() string {
	return s.subject
}

// consumerGroupHandler implements sarama.ConsumerGroupHandler.
type consumerGroupHandler struct {
	conn *KafkaConn
}

// Setup is run at the beginning of a new session, before ConsumeClaim.
func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	return nil
}

// Cleanup is run at the end of a session, after all ConsumeClaim goroutines have exited.
func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim dispatches messages from a Kafka partition to matching
// subscriptions.
func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case <-session.Context().Done():
			return nil
		case msg := <-claim.Messages():
			if msg == nil {
				return nil
			}

			m := Msg{Subject: msg.Topic, Data: msg.Value}
			for _, hdr := range msg.Headers {
				switch string(hdr.Key) {
				case "subject":
					m.Subject = string(hdr.Value)
				case "reply":
					m.Reply = string(hdr.Value)
				}
			}

			h.conn.mu.RLock()
			subs := append([]*kafkaSub(nil), h.conn.subs[m.Subject]...)
			h.conn.mu.RUnlock()

			for _, s := range subs {
				s.handler(m)
			}

			session.MarkMessage(msg, "")
		}
	}
}

// topicFor maps a logical subject to its physical Kafka topic. Reply
// subjects carry a per-request suffix and share one responses topic.
func topicFor(subject string) string {
	if i := strings.Index(subject, ".response."); i >= 0 {
		return subject[:i] + ".responses"
	}
	return subject
}

// ParseKafkaBrokers parses a comma-separated string of Kafka brokers.
func ParseKafkaBrokers(brokersStr string) []string {
	if brokersStr == "" {
		return nil
	}
	brokers := strings.Split(brokersStr, ",")
	for i := range brokers {
		brokers[i] = strings.TrimSpace(brokers[i])
	}
	return brokers
}

var _ Conn = (*KafkaConn)(nil)
var _ Subscription = (*kafkaSub)(nil)

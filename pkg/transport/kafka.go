package transport

import (
	"context"
	"crypto/tls"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/meterflow/meterflow/pkg/config"
	"github.com/meterflow/meterflow/pkg/errors"
)

// KafkaTransport implements Transport on a Kafka cluster via sarama.
// Publishing uses a sync producer with idempotence so the ingestion gateway
// gets a definitive acknowledgement per event; consuming uses consumer
// groups with manual offset marking.
type KafkaTransport struct {
	cfg    config.TransportConfig
	logger *zap.Logger

	client   sarama.Client
	producer sarama.SyncProducer

	subs   []*kafkaSubscription
	subsMu sync.Mutex

	running int32
}

// NewKafkaTransport connects to the brokers and creates the producer.
// It fails fast when the cluster is unreachable.
func NewKafkaTransport(cfg config.TransportConfig, logger *zap.Logger) (*KafkaTransport, error) {
	kt := &KafkaTransport{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "kafka_transport")),
	}

	client, err := sarama.NewClient(cfg.Brokers, kt.buildSaramaConfig())
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeTransport, "failed to create Kafka client")
	}
	kt.client = client

	kt.producer, err = sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeTransport, "failed to create producer")
	}

	atomic.StoreInt32(&kt.running, 1)

	kt.logger.Info("connected to Kafka",
		zap.Strings("brokers", cfg.Brokers),
		zap.String("topic", cfg.Topic))

	return kt, nil
}

// Publish sends one message, keyed for hash partitioning, and waits for
// the configured acks.
func (kt *KafkaTransport) Publish(ctx context.Context, msg *Message) error {
	if atomic.LoadInt32(&kt.running) == 0 {
		return errors.New(errors.ErrorTypeTransport, "transport is closed")
	}
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeTransport, "publish cancelled")
	}

	pm := kt.buildProducerMessage(msg)
	partition, offset, err := kt.producer.SendMessage(pm)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeTransport, "failed to send message").
			WithDetail("topic", msg.Topic)
	}

	kt.logger.Debug("produced message",
		zap.String("topic", msg.Topic),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset))

	return nil
}

// PublishBatch sends each message independently. Partial failure is
// expected; the returned error wraps sarama's per-message errors.
func (kt *KafkaTransport) PublishBatch(ctx context.Context, msgs []*Message) error {
	if atomic.LoadInt32(&kt.running) == 0 {
		return errors.New(errors.ErrorTypeTransport, "transport is closed")
	}
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeTransport, "publish cancelled")
	}

	pms := make([]*sarama.ProducerMessage, 0, len(msgs))
	for _, msg := range msgs {
		pms = append(pms, kt.buildProducerMessage(msg))
	}

	if err := kt.producer.SendMessages(pms); err != nil {
		return errors.Wrap(err, errors.ErrorTypeTransport, "failed to send batch")
	}
	return nil
}

// Subscribe joins the consumer group and delivers batches until ctx is
// cancelled or the subscription is closed.
func (kt *KafkaTransport) Subscribe(ctx context.Context, topics []string, groupID string, opts SubscribeOptions, handler BatchHandler) (Subscription, error) {
	if atomic.LoadInt32(&kt.running) == 0 {
		return nil, errors.New(errors.ErrorTypeTransport, "transport is closed")
	}

	// Consumer groups consume their client, so each subscription gets its own.
	client, err := sarama.NewClient(kt.cfg.Brokers, kt.buildSaramaConfig())
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeTransport, "failed to create consumer client")
	}

	group, err := sarama.NewConsumerGroupFromClient(groupID, client)
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeTransport, "failed to create consumer group")
	}

	sub := &kafkaSubscription{
		group:   group,
		client:  client,
		topics:  topics,
		opts:    opts,
		handler: handler,
		logger:  kt.logger.With(zap.String("group_id", groupID)),
		stopCh:  make(chan struct{}),
	}

	sub.wg.Add(1)
	go sub.consume(ctx)

	kt.subsMu.Lock()
	kt.subs = append(kt.subs, sub)
	kt.subsMu.Unlock()

	kt.logger.Info("subscribed to topics",
		zap.Strings("topics", topics),
		zap.String("consumer_group", groupID))

	return sub, nil
}

// Healthy refreshes cluster metadata to verify broker reachability.
func (kt *KafkaTransport) Healthy(ctx context.Context) error {
	if atomic.LoadInt32(&kt.running) == 0 {
		return errors.New(errors.ErrorTypeTransport, "transport is closed")
	}
	if err := kt.client.RefreshMetadata(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeTransport, "broker unreachable")
	}
	return nil
}

// Close shuts down all subscriptions, the producer, and the client.
func (kt *KafkaTransport) Close() error {
	if !atomic.CompareAndSwapInt32(&kt.running, 1, 0) {
		return nil
	}

	kt.subsMu.Lock()
	subs := kt.subs
	kt.subs = nil
	kt.subsMu.Unlock()

	for _, sub := range subs {
		if err := sub.Close(); err != nil {
			kt.logger.Error("failed to close subscription", zap.Error(err))
		}
	}

	if err := kt.producer.Close(); err != nil {
		kt.logger.Error("failed to close producer", zap.Error(err))
	}
	if err := kt.client.Close(); err != nil {
		kt.logger.Error("failed to close Kafka client", zap.Error(err))
	}

	kt.logger.Info("Kafka transport closed")
	return nil
}

func (kt *KafkaTransport) buildProducerMessage(msg *Message) *sarama.ProducerMessage {
	headers := make([]sarama.RecordHeader, 0, len(msg.Headers))
	for k, v := range msg.Headers {
		headers = append(headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}

	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	return &sarama.ProducerMessage{
		Topic:     msg.Topic,
		Key:       sarama.StringEncoder(msg.Key),
		Value:     sarama.ByteEncoder(msg.Value),
		Headers:   headers,
		Timestamp: ts,
	}
}

func (kt *KafkaTransport) buildSaramaConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_6_0_0
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.Retry.Max = kt.cfg.ProducerRetries

	switch kt.cfg.ProducerAcks {
	case "all", "-1":
		cfg.Producer.RequiredAcks = sarama.WaitForAll
	case "1":
		cfg.Producer.RequiredAcks = sarama.WaitForLocal
	case "0":
		cfg.Producer.RequiredAcks = sarama.NoResponse
	default:
		cfg.Producer.RequiredAcks = sarama.WaitForAll
	}

	switch kt.cfg.ProducerCompression {
	case "gzip":
		cfg.Producer.Compression = sarama.CompressionGZIP
	case "snappy":
		cfg.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		cfg.Producer.Compression = sarama.CompressionLZ4
	default:
		cfg.Producer.Compression = sarama.CompressionNone
	}

	if kt.cfg.EnableIdempotence {
		cfg.Producer.Idempotent = true
		cfg.Producer.RequiredAcks = sarama.WaitForAll
		cfg.Net.MaxOpenRequests = 1
	}

	cfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRange()}
	cfg.Consumer.Offsets.AutoCommit.Enable = false

	switch kt.cfg.AutoOffsetReset {
	case "earliest":
		cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	case "latest":
		cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	default:
		cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	}

	if kt.cfg.SessionTimeout > 0 {
		cfg.Consumer.Group.Session.Timeout = kt.cfg.SessionTimeout
	}
	if kt.cfg.HeartbeatInterval > 0 {
		cfg.Consumer.Group.Heartbeat.Interval = kt.cfg.HeartbeatInterval
	}

	if kt.cfg.SecurityProtocol == "SASL_SSL" || kt.cfg.SecurityProtocol == "SSL" {
		cfg.Net.TLS.Enable = true
		cfg.Net.TLS.Config = &tls.Config{
			InsecureSkipVerify: kt.cfg.TLSInsecureSkipVerify, //nolint:gosec // operator-controlled for dev clusters
		}
	}

	if kt.cfg.SASLMechanism != "" {
		cfg.Net.SASL.Enable = true
		cfg.Net.SASL.User = kt.cfg.SASLUsername
		cfg.Net.SASL.Password = kt.cfg.SASLPassword

		switch kt.cfg.SASLMechanism {
		case "PLAIN":
			cfg.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		case "SCRAM-SHA-256":
			cfg.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA256
		case "SCRAM-SHA-512":
			cfg.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA512
		}
	}

	return cfg
}

// kafkaSubscription runs one consumer-group membership. It implements
// sarama.ConsumerGroupHandler, accumulating claim messages into batches
// and marking offsets only after the handler succeeds.
type kafkaSubscription struct {
	group   sarama.ConsumerGroup
	client  sarama.Client
	topics  []string
	opts    SubscribeOptions
	handler BatchHandler
	logger  *zap.Logger

	paused int32
	closed int32
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func (s *kafkaSubscription) consume(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		default:
		}

		// Consume blocks through one session; rebalances return here and
		// the loop rejoins. Partition ownership stays the broker's problem.
		if err := s.group.Consume(ctx, s.topics, s); err != nil {
			if atomic.LoadInt32(&s.closed) == 1 {
				return
			}
			s.logger.Error("consumer group session error", zap.Error(err))
			select {
			case <-time.After(time.Second):
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}
}

// Pause stops partition fetching without leaving the group.
func (s *kafkaSubscription) Pause() {
	if atomic.CompareAndSwapInt32(&s.paused, 0, 1) {
		s.group.PauseAll()
		s.logger.Info("subscription paused")
	}
}

// Resume restarts partition fetching.
func (s *kafkaSubscription) Resume() {
	if atomic.CompareAndSwapInt32(&s.paused, 1, 0) {
		s.group.ResumeAll()
		s.logger.Info("subscription resumed")
	}
}

// Close leaves the group and waits for the consume loop to stop.
func (s *kafkaSubscription) Close() error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil
	}
	close(s.stopCh)

	err := s.group.Close()
	if cerr := s.client.Close(); err == nil {
		err = cerr
	}
	s.wg.Wait()
	return err
}

// Setup implements sarama.ConsumerGroupHandler
func (s *kafkaSubscription) Setup(sarama.ConsumerGroupSession) error { return nil }

// Cleanup implements sarama.ConsumerGroupHandler
func (s *kafkaSubscription) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim implements sarama.ConsumerGroupHandler. Messages accumulate
// until the batch is full or the batch timeout fires, then the batch goes
// to the handler. A handler error aborts the session without marking, so
// the batch is redelivered from the last committed offset.
func (s *kafkaSubscription) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	batchSize := s.opts.BatchSize
	if batchSize <= 0 {
		batchSize = 500
	}
	batchTimeout := s.opts.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = time.Second
	}

	batch := make([]*Message, 0, batchSize)
	timer := time.NewTimer(batchTimeout)
	defer timer.Stop()

	deliver := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := s.handler(session.Context(), batch); err != nil {
			return err
		}
		for _, msg := range batch {
			session.MarkOffset(msg.Topic, msg.Partition, msg.Offset+1, "")
		}
		session.Commit()
		batch = batch[:0]
		return nil
	}

	for {
		select {
		case cm, ok := <-claim.Messages():
			if !ok {
				return deliver()
			}
			batch = append(batch, fromConsumerMessage(cm))
			if len(batch) >= batchSize {
				if err := deliver(); err != nil {
					return err
				}
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(batchTimeout)
			}

		case <-timer.C:
			if err := deliver(); err != nil {
				return err
			}
			timer.Reset(batchTimeout)

		case <-session.Context().Done():
			return deliver()
		}
	}
}

func fromConsumerMessage(cm *sarama.ConsumerMessage) *Message {
	headers := make(map[string]string, len(cm.Headers))
	for _, h := range cm.Headers {
		headers[string(h.Key)] = string(h.Value)
	}
	return &Message{
		Topic:     cm.Topic,
		Key:       string(cm.Key),
		Value:     cm.Value,
		Headers:   headers,
		Timestamp: cm.Timestamp,
		Partition: cm.Partition,
		Offset:    cm.Offset,
	}
}

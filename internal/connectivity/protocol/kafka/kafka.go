// Package kafka is the Apache Kafka protocol facade.
//
// Sources consume through a single consumer group per connection. An
// acked message is marked on its group session and committed with the
// next offset commit; a message nacked with requeue stays unmarked so
// the partition resumes from it after a rebalance or restart. Targets
// publish with a synchronous producer waiting for all in-sync replicas.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"github.com/UnimibEsami/ditto/internal/connectivity"
	"github.com/UnimibEsami/ditto/internal/connectivity/protocol"
)

// Transport headers set on consumed messages and read on publish.
const (
	HeaderKey       = "kafka.key"
	HeaderTopic     = "kafka.topic"
	HeaderPartition = "kafka.partition"
	HeaderOffset    = "kafka.offset"
)

const (
	inboundBuffer  = 1024
	consumeBackoff = time.Second
	defaultVersion = "2.8.0"
)

// Settings are the service-wide Kafka defaults.
type Settings struct {
	ClientID    string
	Version     string
	GroupPrefix string
	DialTimeout time.Duration
}

// Facade implements protocol.Protocol over Kafka.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Facade struct {
	brokers []string
	group   string
	config  *sarama.Config
	logger  connectivity.Logger

	messages chan *connectivity.InboundMessage

	mu       sync.Mutex
	client   sarama.Client
	producer sarama.SyncProducer
	consumer sarama.ConsumerGroup
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

var _ protocol.Protocol = (*Facade)(nil)

// NewFactory returns the registry factory for kafka connections.
func NewFactory(settings Settings) protocol.Factory {
	return func(conn *connectivity.Connection, logger connectivity.Logger) (protocol.Protocol, error) {
		return New(conn, settings, logger)
	}
}

// New creates a disconnected facade for conn.
//
// The first broker is taken from the connection URI; the specific config
// key bootstrap_servers adds a comma separated list. consumer_group
// overrides the group id, which defaults to GroupPrefix + connection id.
func New(conn *connectivity.Connection, settings Settings, logger connectivity.Logger) (*Facade, error) {
	brokers, err := Brokers(conn)
	if err != nil {
		return nil, err
	}
	cfg, err := saramaConfig(conn, settings)
	if err != nil {
		return nil, err
	}
	return &Facade{
		brokers:  brokers,
		group:    conn.Specific("consumer_group", settings.GroupPrefix+conn.ID),
		config:   cfg,
		logger:   connectivity.LoggerOrNop(logger),
		messages: make(chan *connectivity.InboundMessage, inboundBuffer),
	}, nil
}

// Brokers returns the bootstrap brokers of conn.
func Brokers(conn *connectivity.Connection) ([]string, error) {
	var out []string
	if conn.URI != "" {
		u, err := url.Parse(conn.URI)
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("%w: kafka uri %q", connectivity.ErrInvalidConnection, conn.URI)
		}
		out = append(out, u.Host)
	}
	for _, b := range strings.Split(conn.Specific("bootstrap_servers", ""), ",") {
		if b = strings.TrimSpace(b); b != "" && !slices.Contains(out, b) {
			out = append(out, b)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: kafka connection has no brokers", connectivity.ErrInvalidConnection)
	}
	return out, nil
}

func saramaConfig(conn *connectivity.Connection, s Settings) (*sarama.Config, error) {
	versionText := s.Version
	if versionText == "" {
		versionText = defaultVersion
	}
	version, err := sarama.ParseKafkaVersion(versionText)
	if err != nil {
		return nil, fmt.Errorf("%w: kafka version: %w", connectivity.ErrInvalidConnection, err)
	}

	cfg := sarama.NewConfig()
	cfg.Version = version
	cfg.ClientID = s.ClientID
	if cfg.ClientID == "" {
		cfg.ClientID = "ditto-connectivity"
	}
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.Retry.Max = 3
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	cfg.Consumer.Return.Errors = true
	if s.DialTimeout > 0 {
		cfg.Net.DialTimeout = s.DialTimeout
	}

	if user := conn.Specific("username", ""); user != "" {
		cfg.Net.SASL.Enable = true
		cfg.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		cfg.Net.SASL.User = user
		cfg.Net.SASL.Password = conn.Specific("password", "")
	}
	return cfg, nil
}

// Connect creates the client and the producer. sarama dials while
// fetching the initial metadata, so ctx bounds that wait.
func (f *Facade) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.client != nil && !f.client.Closed() {
		return nil
	}

	type result struct {
		client sarama.Client
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := sarama.NewClient(f.brokers, f.config)
		ch <- result{c, err}
	}()

	var res result
	select {
	case res = <-ch:
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.client != nil {
				r.client.Close()
			}
		}()
		return ctx.Err()
	}
	if res.err != nil {
		return fmt.Errorf("kafka: create client: %w", res.err)
	}

	producer, err := sarama.NewSyncProducerFromClient(res.client)
	if err != nil {
		res.client.Close()
		return fmt.Errorf("kafka: create producer: %w", err)
	}
	f.client = res.client
	f.producer = producer
	return nil
}

// Disconnect stops consuming and closes the group, producer and client.
func (f *Facade) Disconnect(context.Context) error {
	f.mu.Lock()
	cancel, consumer, producer, client := f.cancel, f.consumer, f.producer, f.client
	f.cancel, f.consumer, f.producer, f.client = nil, nil, nil, nil
	f.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	f.wg.Wait()

	var errs []error
	if consumer != nil {
		if err := consumer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close consumer group: %w", err))
		}
	}
	if producer != nil {
		if err := producer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close producer: %w", err))
		}
	}
	if client != nil && !client.Closed() {
		if err := client.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close client: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Subscribe joins the consumer group for every source topic. Topics
// unknown to the cluster are reported as failed.
func (f *Facade) Subscribe(_ context.Context, sources []connectivity.Source) (protocol.SubscribeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.client == nil {
		return protocol.SubscribeResult{}, protocol.ErrNotConnected
	}

	if err := f.client.RefreshMetadata(); err != nil {
		f.logger.Warn("kafka metadata refresh failed", "error", err)
	}
	known, err := f.client.Topics()
	if err != nil {
		return protocol.SubscribeResult{}, fmt.Errorf("kafka: list topics: %w", err)
	}

	var res protocol.SubscribeResult
	index := make(map[string]int)
	for i, s := range sources {
		for _, topic := range s.Addresses {
			if !slices.Contains(known, topic) {
				if res.Failed == nil {
					res.Failed = make(map[string]error)
				}
				res.Failed[topic] = fmt.Errorf("unknown topic %q", topic)
				continue
			}
			if _, dup := index[topic]; !dup {
				index[topic] = i
			}
			res.Subscribed = append(res.Subscribed, topic)
		}
	}
	if len(index) == 0 {
		return res, nil
	}

	group, err := sarama.NewConsumerGroupFromClient(f.group, f.client)
	if err != nil {
		return res, fmt.Errorf("kafka: create consumer group: %w", err)
	}
	f.consumer = group

	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	topics := make([]string, 0, len(index))
	for t := range index {
		topics = append(topics, t)
	}
	slices.Sort(topics)

	handler := &groupHandler{facade: f, index: index}
	f.wg.Add(2)
	go f.consume(ctx, group, topics, handler)
	go f.logErrors(ctx, group)
	return res, nil
}

func (f *Facade) consume(ctx context.Context, group sarama.ConsumerGroup, topics []string, h sarama.ConsumerGroupHandler) {
	defer f.wg.Done()
	for {
		// Consume returns on every rebalance.
		if err := group.Consume(ctx, topics, h); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return
			}
			f.logger.Warn("kafka consume failed", "group", f.group, "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(consumeBackoff):
		}
	}
}

func (f *Facade) logErrors(ctx context.Context, group sarama.ConsumerGroup) {
	defer f.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-group.Errors():
			if !ok {
				return
			}
			f.logger.Warn("kafka consumer group error", "group", f.group, "error", err)
		}
	}
}

// Publish produces msg to the topic msg.Address. The partition key is
// taken from the kafka.key header.
func (f *Facade) Publish(_ context.Context, msg connectivity.ExternalMessage) (protocol.PublishResult, error) {
	f.mu.Lock()
	producer := f.producer
	f.mu.Unlock()
	if producer == nil {
		return protocol.PublishResult{}, protocol.ErrNotConnected
	}

	pm := &sarama.ProducerMessage{
		Topic: msg.Address,
		Value: sarama.ByteEncoder(msg.Payload),
	}
	if key := msg.Headers[HeaderKey]; key != "" {
		pm.Key = sarama.StringEncoder(key)
	}
	for k, v := range msg.Headers {
		if strings.HasPrefix(k, "kafka.") {
			continue
		}
		pm.Headers = append(pm.Headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}
	slices.SortFunc(pm.Headers, func(a, b sarama.RecordHeader) int { return strings.Compare(string(a.Key), string(b.Key)) })

	if _, _, err := producer.SendMessage(pm); err != nil {
		return protocol.PublishResult{}, fmt.Errorf("%w: %w", protocol.ErrPublishFailed, err)
	}
	return protocol.PublishResult{Address: msg.Address, Acknowledged: true}, nil
}

// Messages returns the inbound stream.
func (f *Facade) Messages() <-chan *connectivity.InboundMessage {
	return f.messages
}

// groupHandler implements sarama.ConsumerGroupHandler.
type groupHandler struct {
	facade *Facade
	index  map[string]int
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim forwards the messages of one partition.
func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case <-session.Context().Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			in := h.inbound(session, msg)
			select {
			case h.facade.messages <- in:
			case <-session.Context().Done():
				return nil
			}
		}
	}
}

func (h *groupHandler) inbound(session sarama.ConsumerGroupSession, msg *sarama.ConsumerMessage) *connectivity.InboundMessage {
	headers := make(map[string]string, len(msg.Headers)+4)
	for _, rh := range msg.Headers {
		if rh != nil {
			headers[string(rh.Key)] = string(rh.Value)
		}
	}
	headers[HeaderTopic] = msg.Topic
	headers[HeaderPartition] = fmt.Sprint(msg.Partition)
	headers[HeaderOffset] = fmt.Sprint(msg.Offset)
	if len(msg.Key) > 0 {
		headers[HeaderKey] = string(msg.Key)
	}

	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	ext := connectivity.ExternalMessage{
		Address:   msg.Topic,
		Headers:   headers,
		Payload:   msg.Value,
		QoS:       1,
		Timestamp: ts.UTC(),
	}
	return connectivity.NewInboundMessage(ext, h.index[msg.Topic], connectivity.SettlerFuncs{
		AckFunc: func() error {
			session.MarkMessage(msg, "")
			return nil
		},
		NackFunc: func(requeue bool) error {
			if !requeue {
				session.MarkMessage(msg, "")
			}
			return nil
		},
	})
}

// Package remote provides the NATS JetStream-backed connector. Each
// topic maps to its own JetStream stream so topic retention becomes
// stream limits, records live on "{topic}.{partition}" subjects, and
// group cursors plus topology live in KV buckets shared by every
// process on the same logical stream.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/nats-io/nats.go"

	"github.com/streamhaus/eventlane/connector"
	errspkg "github.com/streamhaus/eventlane/internal/runtime/errors"
)

// ConnectorName is the name used to register this connector.
const ConnectorName = connector.ModeRemote

const (
	// DefaultDedupeWindow is how long the broker remembers envelope ids
	// for publish-side duplicate suppression.
	DefaultDedupeWindow = 2 * time.Minute

	// subscribeWait bounds each wait for the next pushed message so the
	// delivery loop can notice shutdown.
	subscribeWait = 250 * time.Millisecond

	// fetchWait is how long a bounded read waits before deciding the
	// partition has no more records.
	fetchWait = 500 * time.Millisecond
)

func init() {
	Register()
}

// Register adds the remote connector to the default registry.
// Importing the package has the same effect through init.
func Register() {
	connector.RegisterWithCapabilities(ConnectorName, Build, connector.RemoteCapabilities)
}

// Build creates a new remote connector from config.
func Build(ctx context.Context, cfg connector.Config, logger watermill.LoggerAdapter) (connector.Connector, error) {
	config := Config{
		URL:      cfg.GetRemoteURL(),
		Token:    cfg.GetRemoteToken(),
		Stream:   cfg.GetStreamName(),
		Replicas: cfg.GetRemoteReplicas(),
	}
	return New(config, logger), nil
}

// Config holds remote-specific configuration.
type Config struct {
	// URL is the NATS server URL.
	URL string

	// Token is an optional authentication token.
	Token string

	// Stream is the logical stream name. It prefixes the KV buckets
	// that hold topology and group cursors.
	Stream string

	// Replicas is the number of stream replicas (for clustering).
	Replicas int

	// DedupeWindow is the duplicate suppression window per topic.
	DedupeWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.Stream == "" {
		c.Stream = "eventlane"
	}
	if c.Replicas <= 0 {
		c.Replicas = 1
	}
	if c.DedupeWindow <= 0 {
		c.DedupeWindow = DefaultDedupeWindow
	}
	return c
}

// topicState is the topology record stored per topic in KV.
type topicState struct {
	Partitions    int   `json:"partitions"`
	MaxAgeSeconds int64 `json:"max_age_seconds,omitempty"`
	MaxBytes      int64 `json:"max_bytes,omitempty"`
}

// Connector implements the broker contract on NATS JetStream.
type Connector struct {
	cfg    Config
	logger watermill.LoggerAdapter

	nc       *nats.Conn
	js       nats.JetStreamContext
	topology nats.KeyValue
	cursors  nats.KeyValue

	closed     bool
	closedMu   sync.RWMutex
	closedChan chan struct{}
	wg         sync.WaitGroup
}

// New creates a remote connector. No connection is made until Connect.
func New(cfg Config, logger watermill.LoggerAdapter) *Connector {
	return &Connector{
		cfg:        cfg.withDefaults(),
		logger:     logger,
		closedChan: make(chan struct{}),
	}
}

// Connect dials the NATS server, opens the JetStream context and
// prepares the topology and cursor buckets.
func (c *Connector) Connect(ctx context.Context) error {
	if c.nc != nil {
		return nil
	}

	opts := []nats.Option{
		nats.Name("eventlane"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	}
	if c.cfg.Token != "" {
		opts = append(opts, nats.Token(c.cfg.Token))
	}

	nc, err := nats.Connect(c.cfg.URL, opts...)
	if err != nil {
		return fmt.Errorf("%w: %v", errspkg.ErrBrokerUnavailable, err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	topology, err := ensureBucket(js, c.cfg.Stream+"_topology")
	if err != nil {
		nc.Close()
		return fmt.Errorf("failed to ensure topology bucket: %w", err)
	}
	cursors, err := ensureBucket(js, c.cfg.Stream+"_offsets")
	if err != nil {
		nc.Close()
		return fmt.Errorf("failed to ensure offsets bucket: %w", err)
	}

	c.nc = nc
	c.js = js
	c.topology = topology
	c.cursors = cursors
	return nil
}

func ensureBucket(js nats.JetStreamContext, name string) (nats.KeyValue, error) {
	kv, err := js.KeyValue(name)
	if errors.Is(err, nats.ErrBucketNotFound) {
		return js.CreateKeyValue(&nats.KeyValueConfig{Bucket: name})
	}
	return kv, err
}

// Send publishes a payload to a topic partition. When the headers carry
// an envelope id it becomes the JetStream message id, so the broker
// suppresses duplicate publishes inside the dedupe window.
func (c *Connector) Send(ctx context.Context, topic string, partition int, payload []byte, headers map[string]string) (connector.PublishAck, error) {
	if err := c.ready(); err != nil {
		return connector.PublishAck{}, err
	}

	header := nats.Header{}
	for k, v := range headers {
		header.Set(k, v)
	}

	msg := &nats.Msg{
		Subject: subjectFor(topic, partition),
		Data:    payload,
		Header:  header,
	}

	opts := []nats.PubOpt{nats.Context(ctx)}
	if id := headers["envelope_id"]; id != "" {
		opts = append(opts, nats.MsgId(id))
	}

	pa, err := c.js.PublishMsg(msg, opts...)
	if err != nil {
		return connector.PublishAck{}, fmt.Errorf("failed to publish to JetStream: %w", err)
	}

	return connector.PublishAck{
		Topic:     topic,
		Partition: partition,
		Offset:    int64(pa.Sequence),
		Duplicate: pa.Duplicate,
	}, nil
}

// Subscribe streams records from a partition starting at stream
// sequence from. Delivery uses an ephemeral consumer; group positions
// stay in the cursor bucket, never in JetStream consumer state.
func (c *Connector) Subscribe(ctx context.Context, topic string, partition int, from int64) (<-chan connector.Record, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}

	sub, err := c.openSub(topic, partition, from)
	if err != nil {
		return nil, err
	}

	ch := make(chan connector.Record)

	c.wg.Add(1)
	go c.deliver(ctx, sub, topic, partition, ch)

	return ch, nil
}

func (c *Connector) openSub(topic string, partition int, from int64) (*nats.Subscription, error) {
	opts := []nats.SubOpt{
		nats.BindStream(streamNameFor(topic)),
		nats.AckNone(),
	}
	if from > 0 {
		opts = append(opts, nats.StartSequence(uint64(from)))
	} else {
		opts = append(opts, nats.DeliverAll())
	}

	sub, err := c.js.SubscribeSync(subjectFor(topic, partition), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}
	return sub, nil
}

func (c *Connector) deliver(ctx context.Context, sub *nats.Subscription, topic string, partition int, ch chan connector.Record) {
	defer c.wg.Done()
	defer close(ch)
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closedChan:
			return
		default:
		}

		msg, err := sub.NextMsg(subscribeWait)
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) {
				continue
			}
			c.logError("failed to receive record", err, watermill.LogFields{"topic": topic, "partition": partition})
			return
		}

		rec, err := recordFromMsg(topic, partition, msg)
		if err != nil {
			c.logError("failed to decode record metadata", err, watermill.LogFields{"topic": topic})
			continue
		}

		select {
		case ch <- rec:
		case <-ctx.Done():
			return
		case <-c.closedChan:
			return
		}
	}
}

// Fetch reads at most max records from a partition starting at stream
// sequence from. The read ends early once the partition runs dry.
func (c *Connector) Fetch(ctx context.Context, topic string, partition int, from int64, max int) ([]connector.Record, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	if max <= 0 {
		return nil, nil
	}

	sub, err := c.openSub(topic, partition, from)
	if err != nil {
		return nil, err
	}
	defer sub.Unsubscribe()

	var records []connector.Record
	for len(records) < max {
		if err := ctx.Err(); err != nil {
			return records, err
		}

		msg, err := sub.NextMsg(fetchWait)
		if errors.Is(err, nats.ErrTimeout) {
			break
		}
		if err != nil {
			return records, fmt.Errorf("failed to fetch record: %w", err)
		}

		rec, err := recordFromMsg(topic, partition, msg)
		if err != nil {
			return records, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// Commit durably stores a group's position in the cursor bucket.
func (c *Connector) Commit(ctx context.Context, group, topic string, partition int, offset int64) error {
	if err := c.ready(); err != nil {
		return err
	}

	_, err := c.cursors.Put(cursorKey(group, topic, partition), []byte(strconv.FormatInt(offset, 10)))
	if err != nil {
		return fmt.Errorf("commit offset: %w", err)
	}
	return nil
}

// Committed returns a group's stored position, or NoOffset when the
// group has never committed on the partition.
func (c *Connector) Committed(ctx context.Context, group, topic string, partition int) (int64, error) {
	if err := c.ready(); err != nil {
		return connector.NoOffset, err
	}

	entry, err := c.cursors.Get(cursorKey(group, topic, partition))
	if errors.Is(err, nats.ErrKeyNotFound) {
		return connector.NoOffset, nil
	}
	if err != nil {
		return connector.NoOffset, fmt.Errorf("read committed offset: %w", err)
	}

	offset, err := strconv.ParseInt(string(entry.Value()), 10, 64)
	if err != nil {
		return connector.NoOffset, fmt.Errorf("parse committed offset: %w", err)
	}
	return offset, nil
}

// LatestOffset returns the stream sequence of the newest record on a
// partition, or NoOffset when the partition is empty.
func (c *Connector) LatestOffset(ctx context.Context, topic string, partition int) (int64, error) {
	if err := c.ready(); err != nil {
		return connector.NoOffset, err
	}

	raw, err := c.js.GetLastMsg(streamNameFor(topic), subjectFor(topic, partition))
	if errors.Is(err, nats.ErrMsgNotFound) {
		return connector.NoOffset, nil
	}
	if err != nil {
		return connector.NoOffset, fmt.Errorf("read latest offset: %w", err)
	}
	return int64(raw.Sequence), nil
}

// EnsureTopic creates the topic's stream and registers it in the
// topology bucket. KV Create is atomic, so concurrent processes agree
// on who created the topic.
func (c *Connector) EnsureTopic(ctx context.Context, spec connector.TopicSpec) (bool, error) {
	if err := c.ready(); err != nil {
		return false, err
	}

	if err := c.ensureStream(spec); err != nil {
		return false, &errspkg.TopologyError{Topic: spec.Name, Err: err}
	}

	state := topicState{
		Partitions:    spec.Partitions,
		MaxAgeSeconds: int64(spec.Retention.MaxAge.Seconds()),
		MaxBytes:      spec.Retention.MaxBytes,
	}
	value, err := json.Marshal(state)
	if err != nil {
		return false, &errspkg.TopologyError{Topic: spec.Name, Err: err}
	}

	_, err = c.topology.Create(spec.Name, value)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, nats.ErrKeyExists) {
		return false, &errspkg.TopologyError{Topic: spec.Name, Err: fmt.Errorf("register topic: %w", err)}
	}

	existing, err := c.readTopicState(spec.Name)
	if err != nil {
		return false, &errspkg.TopologyError{Topic: spec.Name, Err: err}
	}
	if existing.Partitions != spec.Partitions {
		return false, &errspkg.TopologyError{
			Topic: spec.Name,
			Err:   fmt.Errorf("partition count mismatch: have %d, want %d", existing.Partitions, spec.Partitions),
		}
	}
	return false, nil
}

func (c *Connector) ensureStream(spec connector.TopicSpec) error {
	streamCfg := &nats.StreamConfig{
		Name:       streamNameFor(spec.Name),
		Subjects:   []string{spec.Name + ".*"},
		MaxAge:     spec.Retention.MaxAge,
		MaxBytes:   spec.Retention.MaxBytes,
		Replicas:   c.cfg.Replicas,
		Duplicates: c.cfg.DedupeWindow,
		Retention:  nats.LimitsPolicy,
	}

	_, err := c.js.AddStream(streamCfg)
	if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return nil
	}
	return err
}

// GrowTopic raises the partition count stored for an existing topic.
// Streams match all partition subjects already, so only the topology
// record changes.
func (c *Connector) GrowTopic(ctx context.Context, topic string, partitions int) error {
	if err := c.ready(); err != nil {
		return err
	}

	state, err := c.readTopicState(topic)
	if err != nil {
		return err
	}
	if partitions < state.Partitions {
		return &errspkg.TopologyError{
			Topic: topic,
			Err:   fmt.Errorf("partition count cannot shrink from %d to %d", state.Partitions, partitions),
		}
	}
	if partitions == state.Partitions {
		return nil
	}

	state.Partitions = partitions
	value, err := json.Marshal(state)
	if err != nil {
		return &errspkg.TopologyError{Topic: topic, Err: err}
	}
	if _, err := c.topology.Put(topic, value); err != nil {
		return &errspkg.TopologyError{Topic: topic, Err: fmt.Errorf("grow topic: %w", err)}
	}
	return nil
}

// TopicPartitions returns the partition count of an existing topic.
func (c *Connector) TopicPartitions(ctx context.Context, topic string) (int, error) {
	if err := c.ready(); err != nil {
		return 0, err
	}

	state, err := c.readTopicState(topic)
	if err != nil {
		return 0, err
	}
	return state.Partitions, nil
}

func (c *Connector) readTopicState(topic string) (topicState, error) {
	entry, err := c.topology.Get(topic)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return topicState{}, fmt.Errorf("%w: %s", errspkg.ErrTopicNotFound, topic)
	}
	if err != nil {
		return topicState{}, fmt.Errorf("read topic: %w", err)
	}

	var state topicState
	if err := json.Unmarshal(entry.Value(), &state); err != nil {
		return topicState{}, fmt.Errorf("parse topic state: %w", err)
	}
	return state, nil
}

// Delete removes a single record by stream sequence. Deleting a record
// that is already gone is not an error.
func (c *Connector) Delete(ctx context.Context, topic string, partition int, offset int64) error {
	if err := c.ready(); err != nil {
		return err
	}
	if offset < 0 {
		return fmt.Errorf("invalid offset %d", offset)
	}

	err := c.js.DeleteMsg(streamNameFor(topic), uint64(offset))
	if errors.Is(err, nats.ErrMsgNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}

// Health reports up while the connection is established and the
// JetStream account answers.
func (c *Connector) Health(ctx context.Context) connector.Status {
	c.closedMu.RLock()
	closed := c.closed
	c.closedMu.RUnlock()

	if closed || c.nc == nil {
		return connector.StatusDown
	}
	if c.nc.Status() != nats.CONNECTED {
		return connector.StatusDown
	}
	if _, err := c.js.AccountInfo(); err != nil {
		return connector.StatusDown
	}
	return connector.StatusUp
}

// Close stops delivery loops and closes the NATS connection.
func (c *Connector) Close() error {
	c.closedMu.Lock()
	if c.closed {
		c.closedMu.Unlock()
		return nil
	}
	c.closed = true
	close(c.closedChan)
	c.closedMu.Unlock()

	c.wg.Wait()

	if c.nc != nil {
		c.nc.Close()
	}
	return nil
}

// Capabilities returns the capabilities of this connector instance.
func (c *Connector) Capabilities() connector.Capabilities {
	return connector.RemoteCapabilities
}

func (c *Connector) ready() error {
	c.closedMu.RLock()
	defer c.closedMu.RUnlock()
	if c.closed {
		return fmt.Errorf("connector is closed")
	}
	if c.nc == nil {
		return errspkg.ErrNotConnected
	}
	return nil
}

func (c *Connector) logError(msg string, err error, fields watermill.LogFields) {
	if c.logger != nil {
		c.logger.Error(msg, err, fields)
	}
}

func recordFromMsg(topic string, partition int, msg *nats.Msg) (connector.Record, error) {
	meta, err := msg.Metadata()
	if err != nil {
		return connector.Record{}, fmt.Errorf("record metadata: %w", err)
	}

	headers := make(map[string]string, len(msg.Header))
	for k, v := range msg.Header {
		if len(v) > 0 {
			headers[k] = v[0]
		}
	}

	return connector.Record{
		Topic:     topic,
		Partition: partition,
		Offset:    int64(meta.Sequence.Stream),
		Payload:   msg.Data,
		Headers:   headers,
		StoredAt:  meta.Timestamp,
	}, nil
}

// subjectFor maps a topic partition to its record subject.
func subjectFor(topic string, partition int) string {
	return fmt.Sprintf("%s.%d", topic, partition)
}

// streamNameFor maps a topic to its JetStream stream name. Stream
// names cannot contain dots.
func streamNameFor(topic string) string {
	return strings.ReplaceAll(topic, ".", "_")
}

func cursorKey(group, topic string, partition int) string {
	return group + "." + topic + "." + strconv.Itoa(partition)
}

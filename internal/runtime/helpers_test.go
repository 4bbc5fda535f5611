package runtime

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/streamhaus/eventlane/connector"
	"github.com/streamhaus/eventlane/connector/embedded"
	codecpkg "github.com/streamhaus/eventlane/internal/runtime/codec"
	envelopepkg "github.com/streamhaus/eventlane/internal/runtime/envelope"
	loggingpkg "github.com/streamhaus/eventlane/internal/runtime/logging"
	topologypkg "github.com/streamhaus/eventlane/internal/runtime/topology"
)

type testEvent struct {
	Ref   string `json:"ref"`
	Total int    `json:"total"`
}

func (testEvent) EventType() string     { return "invoice.issued" }
func (testEvent) SchemaVersion() uint16 { return 1 }

func nopLogger() loggingpkg.ServiceLogger {
	return loggingpkg.NewWatermillServiceLogger(watermill.NopLogger{})
}

// newMemoryConnector returns a connected in-memory broker. The short poll
// interval keeps subscription-based tests fast.
func newMemoryConnector(t *testing.T) *embedded.Connector {
	t.Helper()
	conn := embedded.New(embedded.Config{
		Path:         ":memory:",
		PollInterval: 2 * time.Millisecond,
	}, watermill.NopLogger{})
	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("connect embedded connector: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func newTestTopology(t *testing.T, conn connector.Connector, topics ...string) *topologypkg.Manager {
	t.Helper()
	topo := topologypkg.NewManager(conn, nopLogger(), topologypkg.ManagerConfig{})
	for _, topic := range topics {
		if err := topo.Define(topologypkg.Descriptor{Name: topic, Partitions: 4}); err != nil {
			t.Fatalf("define topic %s: %v", topic, err)
		}
	}
	return topo
}

func newTestPublisher(t *testing.T, conn connector.Connector, topo *topologypkg.Manager) *Publisher {
	t.Helper()
	return NewPublisher(conn, topo, codecpkg.NewRegistry(), nopLogger())
}

func newTestEnvelope(t *testing.T, tenant string) envelopepkg.Envelope {
	t.Helper()
	env, err := envelopepkg.New(testEvent{Ref: "inv-1", Total: 4200}, tenant)
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}
	return env
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func assertErrorContains(t *testing.T, err error, substr string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error containing %q, got nil", substr)
	}
	if !strings.Contains(err.Error(), substr) {
		t.Fatalf("expected error containing %q, got %q", substr, err.Error())
	}
}

type sentRecord struct {
	topic     string
	partition int
	payload   []byte
	headers   map[string]string
}

// stubConnector is an in-memory connector double with injectable failures.
// Offsets are per topic partition and contiguous, which is enough for the
// code paths under test.
type stubConnector struct {
	mu         sync.Mutex
	partitions int
	sends      []sentRecord
	ensured    []string
	commits    map[string]int64
	deletes    int

	sendErr   error
	ensureErr error
	commitErr error
	fetchErr  error
	health    connector.Status
}

func newStubConnector() *stubConnector {
	return &stubConnector{
		partitions: 4,
		commits:    make(map[string]int64),
		health:     connector.StatusUp,
	}
}

func (s *stubConnector) Connect(ctx context.Context) error { return nil }

func (s *stubConnector) Send(ctx context.Context, topic string, partition int, payload []byte, headers map[string]string) (connector.PublishAck, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return connector.PublishAck{}, s.sendErr
	}
	offset := s.nextOffsetLocked(topic, partition)
	s.sends = append(s.sends, sentRecord{topic: topic, partition: partition, payload: payload, headers: headers})
	return connector.PublishAck{Topic: topic, Partition: partition, Offset: offset}, nil
}

func (s *stubConnector) nextOffsetLocked(topic string, partition int) int64 {
	var offset int64
	for _, rec := range s.sends {
		if rec.topic == topic && rec.partition == partition {
			offset++
		}
	}
	return offset
}

func (s *stubConnector) Subscribe(ctx context.Context, topic string, partition int, from int64) (<-chan connector.Record, error) {
	ch := make(chan connector.Record)
	go func() {
		defer close(ch)
		next := from
		ticker := time.NewTicker(2 * time.Millisecond)
		defer ticker.Stop()
		for {
			recs, err := s.Fetch(ctx, topic, partition, next, 16)
			if err == nil {
				for _, rec := range recs {
					select {
					case ch <- rec:
						next = rec.Offset + 1
					case <-ctx.Done():
						return
					}
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return ch, nil
}

func (s *stubConnector) Fetch(ctx context.Context, topic string, partition int, from int64, max int) ([]connector.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	var out []connector.Record
	var offset int64
	for _, rec := range s.sends {
		if rec.topic != topic || rec.partition != partition {
			continue
		}
		if offset >= from && len(out) < max {
			out = append(out, connector.Record{
				Topic:     topic,
				Partition: partition,
				Offset:    offset,
				Payload:   rec.payload,
				Headers:   rec.headers,
				StoredAt:  time.Now(),
			})
		}
		offset++
	}
	return out, nil
}

func (s *stubConnector) Commit(ctx context.Context, group, topic string, partition int, offset int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.commitErr != nil {
		return s.commitErr
	}
	s.commits[commitKey(group, topic, partition)] = offset
	return nil
}

func (s *stubConnector) Committed(ctx context.Context, group, topic string, partition int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if offset, ok := s.commits[commitKey(group, topic, partition)]; ok {
		return offset, nil
	}
	return connector.NoOffset, nil
}

func commitKey(group, topic string, partition int) string {
	return fmt.Sprintf("%s|%s|%d", group, topic, partition)
}

func (s *stubConnector) LatestOffset(ctx context.Context, topic string, partition int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	offset := s.nextOffsetLocked(topic, partition)
	return offset - 1, nil
}

func (s *stubConnector) EnsureTopic(ctx context.Context, spec connector.TopicSpec) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ensureErr != nil {
		return false, s.ensureErr
	}
	s.ensured = append(s.ensured, spec.Name)
	return true, nil
}

func (s *stubConnector) GrowTopic(ctx context.Context, topic string, partitions int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partitions = partitions
	return nil
}

func (s *stubConnector) TopicPartitions(ctx context.Context, topic string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.partitions, nil
}

func (s *stubConnector) Delete(ctx context.Context, topic string, partition int, offset int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes++
	return nil
}

func (s *stubConnector) Health(ctx context.Context) connector.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.health
}

func (s *stubConnector) Close() error { return nil }

func (s *stubConnector) sent() []sentRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := make([]sentRecord, len(s.sends))
	copy(clone, s.sends)
	return clone
}

func (s *stubConnector) ensuredTopics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := make([]string, len(s.ensured))
	copy(clone, s.ensured)
	return clone
}

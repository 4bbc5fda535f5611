package runtime

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/streamhaus/eventlane/connector"
	codecpkg "github.com/streamhaus/eventlane/internal/runtime/codec"
	configpkg "github.com/streamhaus/eventlane/internal/runtime/config"
	envelopepkg "github.com/streamhaus/eventlane/internal/runtime/envelope"
	errspkg "github.com/streamhaus/eventlane/internal/runtime/errors"
	loggingpkg "github.com/streamhaus/eventlane/internal/runtime/logging"
	topologypkg "github.com/streamhaus/eventlane/internal/runtime/topology"
)

const (
	defaultCommitAttempts = 3
	defaultDedupeWindow   = 512
)

// Handler processes one decoded envelope. Returning nil commits the offset.
// Errors wrapping ErrFatal and serialization failures skip the retry budget
// and dead-letter immediately; every other error is retried with backoff.
type Handler func(ctx context.Context, env envelopepkg.Envelope) error

// PartitionState names a partition worker's position in its lifecycle.
type PartitionState string

const (
	PartitionUnassigned PartitionState = "unassigned"
	PartitionAssigned   PartitionState = "assigned"
	PartitionConsuming  PartitionState = "consuming"
	PartitionCommitting PartitionState = "committing"
	PartitionFailed     PartitionState = "failed"
)

// PartitionStatus reports one partition's worker state. Offset is the last
// offset the worker acted on, or connector.NoOffset before the first record.
type PartitionStatus struct {
	Partition int            `json:"partition"`
	Member    string         `json:"member"`
	State     PartitionState `json:"state"`
	Offset    int64          `json:"offset"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// GroupConfig configures one consumer group.
type GroupConfig struct {
	// Name identifies the group. Offsets are committed under this name, so
	// two groups with different names each see the full stream.
	Name string

	// Topic is the subscribed topic.
	Topic string

	// Handler receives every decoded envelope in partition order.
	Handler Handler

	// MaxRetries bounds redeliveries per envelope. Zero dead-letters on the
	// first retryable failure; negative values are treated as zero.
	MaxRetries int

	// InitialInterval and MaxInterval shape the exponential backoff between
	// redelivery attempts.
	InitialInterval time.Duration
	MaxInterval     time.Duration

	// CommitAttempts bounds offset commit retries before the partition
	// worker gives up and enters Failed.
	CommitAttempts uint64

	// DedupeWindow is how many recently handled envelope ids each partition
	// remembers so broker redeliveries are acknowledged without reinvoking
	// the handler.
	DedupeWindow int
}

func (c GroupConfig) withDefaults() GroupConfig {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = configpkg.DefaultInitialInterval
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = configpkg.DefaultMaxInterval
	}
	if c.CommitAttempts == 0 {
		c.CommitAttempts = defaultCommitAttempts
	}
	if c.DedupeWindow <= 0 {
		c.DedupeWindow = defaultDedupeWindow
	}
	return c
}

// Group consumes one topic on behalf of a named consumer group. Partitions
// are spread round-robin over the sorted member ids, each partition is
// consumed strictly in order one envelope at a time, and an offset is
// committed only after its envelope was handled or quarantined.
type Group struct {
	cfg     GroupConfig
	conn    connector.Connector
	topo    *topologypkg.Manager
	codecs  *codecpkg.Registry
	dlq     *DeadLetterManager
	logger  loggingpkg.ServiceLogger
	metrics *TransportMetrics
	hooks   ConsumerHooks
	stats   *GroupStats

	mu      sync.Mutex
	members map[string]struct{}
	started bool
	runCtx  context.Context
	gen     *generation
	epoch   uint64

	stateMu sync.Mutex
	states  map[int]PartitionStatus
}

// generation is one assignment epoch. Rebalancing cancels the old generation
// and waits for its workers before starting the next, so no partition is
// ever consumed by two workers at once.
type generation struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// GroupOption customises a Group beyond its config.
type GroupOption func(*Group)

// WithGroupMetrics attaches transport metrics to the group.
func WithGroupMetrics(m *TransportMetrics) GroupOption {
	return func(g *Group) { g.metrics = m }
}

// WithConsumerGroupHooks attaches lifecycle hooks to the group.
func WithConsumerGroupHooks(h ConsumerHooks) GroupOption {
	return func(g *Group) { g.hooks = g.hooks.Merge(h) }
}

// NewGroup wires a consumer group over the connector. The group is inert
// until Start is called and at least one member has joined.
func NewGroup(cfg GroupConfig, conn connector.Connector, topo *topologypkg.Manager, codecs *codecpkg.Registry, dlq *DeadLetterManager, logger loggingpkg.ServiceLogger, opts ...GroupOption) (*Group, error) {
	if cfg.Name == "" {
		return nil, errspkg.ErrGroupRequired
	}
	if cfg.Topic == "" {
		return nil, errspkg.ErrTopicRequired
	}
	if cfg.Handler == nil {
		return nil, errspkg.ErrHandlerRequired
	}
	if conn == nil {
		return nil, errspkg.ErrConnectorRequired
	}

	g := &Group{
		cfg:     cfg.withDefaults(),
		conn:    conn,
		topo:    topo,
		codecs:  codecs,
		dlq:     dlq,
		logger:  logger,
		members: make(map[string]struct{}),
		states:  make(map[int]PartitionStatus),
	}
	g.stats = newGroupStats(cfg.Name, cfg.Topic, newResourceTracker())
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Name returns the group name.
func (g *Group) Name() string { return g.cfg.Name }

// Topic returns the subscribed topic.
func (g *Group) Topic() string { return g.cfg.Topic }

// Stats returns the group's delivery statistics.
func (g *Group) Stats() *GroupStats { return g.stats }

// Start ensures the topic and its dead-letter twin exist, then launches
// partition workers for the current membership. It returns once the workers
// are running; delivery continues until ctx is cancelled or Stop is called.
func (g *Group) Start(ctx context.Context) error {
	if err := g.topo.Ensure(ctx, g.cfg.Topic); err != nil {
		return err
	}
	if err := g.topo.Ensure(ctx, topologypkg.DLQTopicFor(g.cfg.Topic)); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.started {
		return nil
	}
	g.started = true
	g.runCtx = ctx
	return g.rebalanceLocked(ctx)
}

// Stop cancels the workers and waits for them to drain. The group can be
// started again afterwards; uncommitted envelopes are redelivered.
func (g *Group) Stop() {
	g.mu.Lock()
	gen := g.gen
	g.gen = nil
	g.started = false
	g.runCtx = nil
	g.mu.Unlock()

	if gen != nil {
		gen.cancel()
		gen.wg.Wait()
	}
}

// Join adds a member and rebalances if the group is running. Joining twice
// with the same id is a no-op.
func (g *Group) Join(memberID string) error {
	if memberID == "" {
		return errspkg.ErrMemberRequired
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.members[memberID]; ok {
		return nil
	}
	g.members[memberID] = struct{}{}
	if !g.started {
		return nil
	}
	return g.rebalanceLocked(g.runCtx)
}

// Leave removes a member and rebalances its partitions onto the remaining
// members. Leaving with an unknown id is a no-op.
func (g *Group) Leave(memberID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.members[memberID]; !ok {
		return nil
	}
	delete(g.members, memberID)
	if !g.started {
		return nil
	}
	return g.rebalanceLocked(g.runCtx)
}

// Members returns the joined member ids in sorted order.
func (g *Group) Members() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.memberListLocked()
}

func (g *Group) memberListLocked() []string {
	out := make([]string, 0, len(g.members))
	for id := range g.members {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Assignments computes the current member to partition mapping. Every
// process hosting this group computes the same mapping from the same
// membership, so no coordination round is needed.
func (g *Group) Assignments(ctx context.Context) (map[string][]int, error) {
	partitions, err := g.topo.Partitions(ctx, g.cfg.Topic)
	if err != nil {
		return nil, err
	}
	g.mu.Lock()
	members := g.memberListLocked()
	g.mu.Unlock()
	return Assign(members, partitions), nil
}

// rebalanceLocked replaces the running generation with one matching the
// current membership. Callers hold g.mu; workers never take it, so waiting
// for the old generation here cannot deadlock.
func (g *Group) rebalanceLocked(ctx context.Context) error {
	if prev := g.gen; prev != nil {
		prev.cancel()
		prev.wg.Wait()
		g.gen = nil
	}

	partitions, err := g.topo.Partitions(ctx, g.cfg.Topic)
	if err != nil {
		return err
	}

	members := g.memberListLocked()
	assignment := Assign(members, partitions)
	g.resetStates(partitions)

	if len(members) == 0 {
		g.logInfo("Consumer group idle, no members joined", loggingpkg.LogFields{
			"group": g.cfg.Name,
			"topic": g.cfg.Topic,
		})
		return nil
	}

	g.epoch++
	genCtx, cancel := context.WithCancel(ctx)
	gen := &generation{cancel: cancel}
	g.gen = gen

	for member, owned := range assignment {
		for _, partition := range owned {
			g.setState(partition, member, PartitionAssigned, connector.NoOffset)
			gen.wg.Add(1)
			go func(member string, partition int) {
				defer gen.wg.Done()
				g.runPartition(genCtx, member, partition)
			}(member, partition)
		}
	}

	g.logInfo("Consumer group rebalanced", loggingpkg.LogFields{
		"group":      g.cfg.Name,
		"topic":      g.cfg.Topic,
		"members":    len(members),
		"partitions": partitions,
		"epoch":      g.epoch,
	})
	return nil
}

func (g *Group) resetStates(partitions int) {
	g.stateMu.Lock()
	defer g.stateMu.Unlock()
	g.states = make(map[int]PartitionStatus, partitions)
	for p := 0; p < partitions; p++ {
		g.states[p] = PartitionStatus{
			Partition: p,
			State:     PartitionUnassigned,
			Offset:    connector.NoOffset,
			UpdatedAt: time.Now().UTC(),
		}
	}
}

func (g *Group) setState(partition int, member string, state PartitionState, offset int64) {
	g.stateMu.Lock()
	defer g.stateMu.Unlock()
	g.states[partition] = PartitionStatus{
		Partition: partition,
		Member:    member,
		State:     state,
		Offset:    offset,
		UpdatedAt: time.Now().UTC(),
	}
}

// PartitionStates returns a snapshot of every partition's worker state,
// ordered by partition.
func (g *Group) PartitionStates() []PartitionStatus {
	g.stateMu.Lock()
	defer g.stateMu.Unlock()
	out := make([]PartitionStatus, 0, len(g.states))
	for _, st := range g.states {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Partition < out[j].Partition })
	return out
}

// Lag sums, across partitions, how far the group's committed offsets trail
// the head of the topic.
func (g *Group) Lag(ctx context.Context) (int64, error) {
	partitions, err := g.topo.Partitions(ctx, g.cfg.Topic)
	if err != nil {
		return 0, err
	}

	var total int64
	for p := 0; p < partitions; p++ {
		latest, err := g.conn.LatestOffset(ctx, g.cfg.Topic, p)
		if err != nil {
			return 0, err
		}
		if latest == connector.NoOffset {
			continue
		}
		committed, err := g.conn.Committed(ctx, g.cfg.Name, g.cfg.Topic, p)
		if err != nil {
			return 0, err
		}
		total += latest - committed
	}

	if g.metrics != nil {
		g.metrics.SetLag(g.cfg.Name, g.cfg.Topic, total)
	}
	return total, nil
}

// GroupInfo is the introspection view of a running group.
type GroupInfo struct {
	Group      string            `json:"group"`
	Topic      string            `json:"topic"`
	Members    []string          `json:"members"`
	Partitions []PartitionStatus `json:"partitions"`
	Lag        int64             `json:"lag"`
	Stats      *GroupStats       `json:"stats"`
}

// Info assembles the group's introspection snapshot. Lag is best effort and
// reported as -1 when the broker cannot be reached.
func (g *Group) Info(ctx context.Context) GroupInfo {
	lag, err := g.Lag(ctx)
	if err != nil {
		lag = -1
	}
	return GroupInfo{
		Group:      g.cfg.Name,
		Topic:      g.cfg.Topic,
		Members:    g.Members(),
		Partitions: g.PartitionStates(),
		Lag:        lag,
		Stats:      g.stats,
	}
}

func (g *Group) runPartition(ctx context.Context, member string, partition int) {
	committed, err := g.conn.Committed(ctx, g.cfg.Name, g.cfg.Topic, partition)
	if err != nil {
		if ctx.Err() == nil {
			g.failPartition(member, partition, connector.NoOffset, err)
		}
		return
	}

	// Committed is NoOffset (-1) for a fresh group, so the first read
	// naturally starts at offset zero.
	from := committed + 1
	sub, err := g.conn.Subscribe(ctx, g.cfg.Topic, partition, from)
	if err != nil {
		if ctx.Err() == nil {
			g.failPartition(member, partition, connector.NoOffset, err)
		}
		return
	}

	g.setState(partition, member, PartitionConsuming, committed)
	g.logDebug("Partition worker started", loggingpkg.LogFields{
		"group":     g.cfg.Name,
		"topic":     g.cfg.Topic,
		"partition": partition,
		"member":    member,
		"from":      from,
	})

	dedupe := newDedupeWindow(g.cfg.DedupeWindow)
	for rec := range sub {
		if !g.processRecord(ctx, member, partition, rec, dedupe) {
			return
		}
	}
}

// processRecord delivers one record. It returns false when the worker must
// stop, either because ctx was cancelled or the partition entered Failed.
func (g *Group) processRecord(ctx context.Context, member string, partition int, rec connector.Record, dedupe *dedupeWindow) bool {
	if id := rec.Headers[envelopepkg.HeaderEnvelopeID]; id != "" && dedupe.observe(id) {
		g.logDebug("Duplicate envelope skipped", loggingpkg.LogFields{
			"group":       g.cfg.Name,
			"topic":       g.cfg.Topic,
			"partition":   partition,
			"offset":      rec.Offset,
			"envelope_id": id,
		})
		return g.commitRecord(ctx, member, partition, rec.Offset)
	}

	env, codecName, err := g.decodeRecord(rec)
	if err != nil {
		return g.quarantineUndecodable(ctx, member, partition, rec, err)
	}

	hctx := HookContext{
		Group:      g.cfg.Name,
		Member:     member,
		Topic:      g.cfg.Topic,
		Partition:  partition,
		Offset:     rec.Offset,
		EnvelopeID: env.ID,
		TenantID:   env.TenantID,
		EventType:  env.EventType,
	}

	boff := g.newRetryBackOff()
	for {
		if ctx.Err() != nil {
			return false
		}

		hctx.RetryCount = env.RetryCount
		hctx.StartedAt = time.Now().UTC()
		if g.hooks.OnStart != nil {
			g.hooks.OnStart(hctx)
		}

		result, duration, err := g.invokeHandler(ctx, env, partition, rec.Offset)
		hctx.Duration = duration

		// A cancelled handler never commits. The envelope is redelivered
		// after restart instead of being lost mid-flight.
		if ctx.Err() != nil {
			return false
		}

		switch result {
		case errspkg.Success:
			if !g.commitRecord(ctx, member, partition, rec.Offset) {
				return false
			}
			if g.hooks.OnSuccess != nil {
				g.hooks.OnSuccess(hctx)
			}
			return true

		case errspkg.FatalFailure:
			if g.hooks.OnFailure != nil {
				g.hooks.OnFailure(hctx, err)
			}
			return g.deadLetter(ctx, member, partition, rec, env, codecName, hctx, err)

		case errspkg.RetryableFailure:
			if g.hooks.OnFailure != nil {
				g.hooks.OnFailure(hctx, err)
			}
			if env.RetryCount >= g.cfg.MaxRetries {
				return g.deadLetter(ctx, member, partition, rec, env, codecName, hctx, err)
			}

			env.RetryCount++
			g.stats.onRetry()
			if g.metrics != nil {
				g.metrics.RecordRetry(g.cfg.Name, g.cfg.Topic)
			}

			wait := boff.NextBackOff()
			if wait == backoff.Stop {
				return g.deadLetter(ctx, member, partition, rec, env, codecName, hctx, err)
			}
			if !sleepContext(ctx, wait) {
				return false
			}
		}
	}
}

func (g *Group) decodeRecord(rec connector.Record) (envelopepkg.Envelope, string, error) {
	codecName := rec.Headers[envelopepkg.HeaderCodec]
	codec, err := g.resolveCodec(codecName)
	if err != nil {
		return envelopepkg.Envelope{}, codecName, err
	}

	var env envelopepkg.Envelope
	if err := codec.Unmarshal(rec.Payload, &env); err != nil {
		return envelopepkg.Envelope{}, codec.Name(), err
	}
	return env, codec.Name(), nil
}

func (g *Group) resolveCodec(name string) (codecpkg.Codec, error) {
	if name == "" {
		return g.codecs.Default(), nil
	}
	return g.codecs.Get(name)
}

// invokeHandler runs the handler once under a consume span and records the
// attempt in stats and metrics.
func (g *Group) invokeHandler(ctx context.Context, env envelopepkg.Envelope, partition int, offset int64) (errspkg.HandlerResult, time.Duration, error) {
	tracer := otel.Tracer("eventlane")
	ctx, span := tracer.Start(ctx, "eventlane.consume")
	defer span.End()

	span.SetAttributes(
		attribute.String("envelope.id", env.ID),
		attribute.String("envelope.tenant", env.TenantID),
		attribute.String("envelope.event_type", env.EventType),
		attribute.String("messaging.topic", g.cfg.Topic),
		attribute.Int("messaging.partition", partition),
		attribute.Int64("messaging.offset", offset),
		attribute.String("messaging.group", g.cfg.Name),
		attribute.Int("messaging.retry_count", env.RetryCount),
	)

	started := time.Now()
	err := g.callHandler(ctx, env)
	duration := time.Since(started)

	result := errspkg.Classify(err)
	if err != nil {
		span.RecordError(err)
	}

	g.stats.onHandled(duration, err)
	if g.metrics != nil {
		g.metrics.RecordConsume(g.cfg.Name, g.cfg.Topic, result.String(), duration)
	}
	return result, duration, err
}

// callHandler converts handler panics into errors so they run through the
// normal retry and dead-letter path instead of taking the process down.
func (g *Group) callHandler(ctx context.Context, env envelopepkg.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("eventlane: handler panic: %v", r)
			g.logError("Handler panicked", err, loggingpkg.LogFields{
				"group":       g.cfg.Name,
				"topic":       g.cfg.Topic,
				"envelope_id": env.ID,
				"stack":       string(debug.Stack()),
			})
		}
	}()
	return g.cfg.Handler(ctx, env)
}

func (g *Group) newRetryBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = g.cfg.InitialInterval
	b.MaxInterval = g.cfg.MaxInterval
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// deadLetter quarantines the envelope and advances past it. The partition
// only stops when quarantine itself fails: losing the envelope would be
// worse than stalling the partition.
func (g *Group) deadLetter(ctx context.Context, member string, partition int, rec connector.Record, env envelopepkg.Envelope, codecName string, hctx HookContext, cause error) bool {
	failure := &errspkg.ConsumeFailure{
		Group:     g.cfg.Name,
		Topic:     g.cfg.Topic,
		Partition: partition,
		Offset:    rec.Offset,
		Err:       cause,
	}

	if err := g.dlq.Quarantine(ctx, g.cfg.Topic, env, codecName, failure); err != nil {
		if ctx.Err() != nil {
			return false
		}
		g.failPartition(member, partition, rec.Offset, err)
		return false
	}

	g.stats.onDeadLettered()
	hctx.RetryCount = env.RetryCount
	if g.hooks.OnDeadLetter != nil {
		g.hooks.OnDeadLetter(hctx, cause)
	}
	return g.commitRecord(ctx, member, partition, rec.Offset)
}

// quarantineUndecodable moves a record whose payload cannot be decoded to
// the dead-letter topic raw, so the partition is not wedged by one bad write.
func (g *Group) quarantineUndecodable(ctx context.Context, member string, partition int, rec connector.Record, cause error) bool {
	failure := &errspkg.ConsumeFailure{
		Group:     g.cfg.Name,
		Topic:     g.cfg.Topic,
		Partition: partition,
		Offset:    rec.Offset,
		Err:       cause,
	}

	if err := g.dlq.QuarantineRaw(ctx, g.cfg.Topic, rec, failure); err != nil {
		if ctx.Err() != nil {
			return false
		}
		g.failPartition(member, partition, rec.Offset, err)
		return false
	}

	g.stats.onDeadLettered()
	if g.hooks.OnDeadLetter != nil {
		g.hooks.OnDeadLetter(HookContext{
			Group:      g.cfg.Name,
			Member:     member,
			Topic:      g.cfg.Topic,
			Partition:  partition,
			Offset:     rec.Offset,
			EnvelopeID: rec.Headers[envelopepkg.HeaderEnvelopeID],
			TenantID:   rec.Headers[envelopepkg.HeaderTenantID],
			StartedAt:  time.Now().UTC(),
		}, cause)
	}
	g.logError("Envelope could not be decoded", cause, loggingpkg.LogFields{
		"group":     g.cfg.Name,
		"topic":     g.cfg.Topic,
		"partition": partition,
		"offset":    rec.Offset,
	})
	return g.commitRecord(ctx, member, partition, rec.Offset)
}

// commitRecord commits the offset with bounded retries. Transient commit
// failures are absorbed here so handler code never sees them.
func (g *Group) commitRecord(ctx context.Context, member string, partition int, offset int64) bool {
	g.setState(partition, member, PartitionCommitting, offset)

	op := func() error {
		return g.conn.Commit(ctx, g.cfg.Name, g.cfg.Topic, partition, offset)
	}
	b := backoff.WithContext(backoff.WithMaxRetries(g.newCommitBackOff(), g.cfg.CommitAttempts), ctx)
	if err := backoff.Retry(op, b); err != nil {
		if ctx.Err() != nil {
			return false
		}
		g.failPartition(member, partition, offset, err)
		return false
	}

	g.setState(partition, member, PartitionConsuming, offset)
	return true
}

func (g *Group) newCommitBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 25 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (g *Group) failPartition(member string, partition int, offset int64, err error) {
	g.setState(partition, member, PartitionFailed, offset)
	g.logError("Partition worker stopped", err, loggingpkg.LogFields{
		"group":     g.cfg.Name,
		"topic":     g.cfg.Topic,
		"partition": partition,
		"member":    member,
		"offset":    offset,
	})
}

func (g *Group) logInfo(msg string, fields loggingpkg.LogFields) {
	if g.logger != nil {
		g.logger.Info(msg, fields)
	}
}

func (g *Group) logDebug(msg string, fields loggingpkg.LogFields) {
	if g.logger != nil {
		g.logger.Debug(msg, fields)
	}
}

func (g *Group) logError(msg string, err error, fields loggingpkg.LogFields) {
	if g.logger != nil {
		g.logger.Error(msg, err, fields)
	}
}

// sleepContext waits d or until ctx is cancelled, reporting whether the
// full wait elapsed.
func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// dedupeWindow remembers the last N envelope ids seen on a partition. Each
// worker owns its window, so no locking is needed.
type dedupeWindow struct {
	ids  map[string]struct{}
	ring []string
	next int
}

func newDedupeWindow(size int) *dedupeWindow {
	if size <= 0 {
		size = defaultDedupeWindow
	}
	return &dedupeWindow{
		ids:  make(map[string]struct{}, size),
		ring: make([]string, size),
	}
}

// observe records id and reports whether it was already in the window.
func (w *dedupeWindow) observe(id string) bool {
	if _, ok := w.ids[id]; ok {
		return true
	}
	if evicted := w.ring[w.next]; evicted != "" {
		delete(w.ids, evicted)
	}
	w.ring[w.next] = id
	w.ids[id] = struct{}{}
	w.next = (w.next + 1) % len(w.ring)
	return false
}

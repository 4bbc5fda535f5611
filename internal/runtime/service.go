package runtime

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/streamhaus/eventlane/connector"
	codecpkg "github.com/streamhaus/eventlane/internal/runtime/codec"
	configpkg "github.com/streamhaus/eventlane/internal/runtime/config"
	envelopepkg "github.com/streamhaus/eventlane/internal/runtime/envelope"
	loggingpkg "github.com/streamhaus/eventlane/internal/runtime/logging"
	topologypkg "github.com/streamhaus/eventlane/internal/runtime/topology"
)

var serviceRun = func(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

// ServiceDependencies holds the optional collaborators that the Service can
// use. Leave fields nil to get the configured defaults.
type ServiceDependencies struct {
	// Connector overrides broker construction. An injected connector
	// must already be connected; the Service will not dial or close it.
	Connector connector.Connector

	// Codecs overrides the codec registry. Defaults to a registry with
	// the JSON and binary codecs.
	Codecs *codecpkg.Registry

	// Registerer receives the Prometheus collectors. Defaults to the
	// process-global registerer.
	Registerer prometheus.Registerer

	// PublishHooks observe the publish path of every envelope.
	PublishHooks PublishHooks

	// ConsumerHooks observe the consume path of every registered group.
	ConsumerHooks ConsumerHooks

	// DisableMetrics skips building and registering the Prometheus
	// collectors entirely.
	DisableMetrics bool
}

// Service wires a connector, topology manager, publisher, consumer groups,
// replay, and dead-letter handling into one process-level runtime.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	conn    connector.Connector
	ownConn bool

	topo   *topologypkg.Manager
	codecs *codecpkg.Registry
	pub    *Publisher
	dlq    *DeadLetterManager
	replay *ReplayManager
	health *HealthManager

	metrics    *TransportMetrics
	dlqMetrics *DLQMetrics
	gatherer   prometheus.Gatherer

	consumerHooks ConsumerHooks

	mu      sync.Mutex
	groups  map[string]*Group
	started bool
	runCtx  context.Context

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex
}

// NewService constructs a Service for the supplied configuration. Register
// consumer groups on the returned Service before calling Start. It panics
// when the configuration or the broker connection is unusable; use
// TryNewService when an error return is preferred.
func NewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps ServiceDependencies) *Service {
	s, err := TryNewService(conf, log, ctx, deps)
	if err != nil {
		panic(err)
	}
	return s
}

// TryNewService is NewService with an error return instead of a panic.
func TryNewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		conf = &configpkg.Config{}
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}

	log.Info("Creating event service",
		loggingpkg.LogFields{
			"connector_mode": conf.GetConnectorMode(),
			"config":         conf,
		})

	s := &Service{
		Conf:          conf,
		Logger:        log,
		consumerHooks: deps.ConsumerHooks,
		groups:        make(map[string]*Group),
	}
	if g, ok := deps.Registerer.(prometheus.Gatherer); ok {
		s.gatherer = g
	}

	conn := deps.Connector
	if conn == nil {
		built, err := connector.Build(ctx, conf, loggingpkg.NewWatermillAdapter(log))
		if err != nil {
			return nil, err
		}
		if err := built.Connect(ctx); err != nil {
			return nil, err
		}
		conn = built
		s.ownConn = true
	}
	s.conn = conn

	codecs := deps.Codecs
	if codecs == nil {
		codecs = codecpkg.NewRegistry()
	}
	if conf.Codec != "" {
		if err := codecs.SetDefault(conf.Codec); err != nil {
			return nil, err
		}
	}
	s.codecs = codecs

	s.topo = topologypkg.NewManager(conn, log, topologypkg.ManagerConfig{
		AllowPartitionIncrease: conf.AllowPartitionIncrease,
		DLQPartitions:          conf.DLQPartitions,
		DLQRetention:           conf.DLQRetention,
	})
	if err := s.defineConfiguredTopics(); err != nil {
		return nil, err
	}

	var pubOpts []PublisherOption
	var dlqOpts []DeadLetterOption
	if !deps.DisableMetrics {
		s.metrics = NewTransportMetrics(deps.Registerer)
		if err := s.metrics.Register(); err != nil {
			return nil, err
		}
		s.dlqMetrics = NewDLQMetrics(deps.Registerer)
		if err := s.dlqMetrics.Register(); err != nil {
			return nil, err
		}
		pubOpts = append(pubOpts, WithPublisherMetrics(s.metrics))
		dlqOpts = append(dlqOpts, WithDeadLetterMetrics(s.dlqMetrics))
	}
	pubOpts = append(pubOpts, WithPublishHooks(deps.PublishHooks))

	s.pub = NewPublisher(conn, s.topo, codecs, log, pubOpts...)
	s.dlq = NewDeadLetterManager(conn, s.topo, codecs, s.pub, log, dlqOpts...)
	s.replay = NewReplayManager(conn, s.topo, codecs, log)
	s.health = NewHealthManager(conn, s.topo, log)

	return s, nil
}

// defineConfiguredTopics registers one topic per configured bounded
// context, named "{stream}.{bounded-context}".
func (s *Service) defineConfiguredTopics() error {
	partitions := s.Conf.Partitions
	if partitions <= 0 {
		partitions = configpkg.DefaultPartitions
	}
	retention := connector.RetentionPolicy{
		MaxAge:   s.Conf.RetentionMaxAge,
		MaxBytes: s.Conf.RetentionMaxBytes,
	}
	if retention.MaxAge <= 0 {
		retention.MaxAge = configpkg.DefaultRetentionMaxAge
	}
	if retention.MaxBytes <= 0 {
		retention.MaxBytes = configpkg.DefaultRetentionMaxBytes
	}

	for _, bc := range s.Conf.Contexts() {
		desc := topologypkg.Descriptor{
			Name:       topologypkg.TopicName(s.Conf.GetStreamName(), bc),
			Partitions: partitions,
			Retention:  retention,
		}
		if err := s.topo.Define(desc); err != nil {
			return fmt.Errorf("define topic for context %q: %w", bc, err)
		}
	}
	return nil
}

// Start runs the service until the provided context is cancelled: it
// creates the defined topics, exposes the introspection endpoints, and
// starts every registered consumer group.
func (s *Service) Start(ctx context.Context) error {
	if err := s.topo.EnsureAll(ctx); err != nil {
		return err
	}

	s.StartIntrospectionServer()
	s.startHTTPServers()

	s.mu.Lock()
	s.started = true
	s.runCtx = ctx
	groups := s.groupListLocked()
	s.mu.Unlock()

	for _, g := range groups {
		if err := g.Start(ctx); err != nil {
			s.StopGroups()
			return err
		}
	}

	err := serviceRun(ctx)
	s.StopGroups()
	return err
}

// StopGroups stops every registered consumer group and waits for their
// workers to drain. The service can be started again afterwards.
func (s *Service) StopGroups() {
	s.mu.Lock()
	s.started = false
	s.runCtx = nil
	groups := s.groupListLocked()
	s.mu.Unlock()

	for _, g := range groups {
		g.Stop()
	}
}

// Close stops all consumer groups and releases the broker connection if
// the service built it.
func (s *Service) Close() error {
	s.StopGroups()
	if s.ownConn {
		return s.conn.Close()
	}
	return nil
}

// RegisterGroup creates a consumer group from the given config, fills
// unset retry fields from the service configuration, and registers it for
// lifecycle management and health reporting. When the service is already
// running the group starts immediately.
func (s *Service) RegisterGroup(cfg GroupConfig, opts ...GroupOption) (*Group, error) {
	cfg = s.applyRetryDefaults(cfg)

	groupOpts := make([]GroupOption, 0, len(opts)+2)
	if s.metrics != nil {
		groupOpts = append(groupOpts, WithGroupMetrics(s.metrics))
	}
	groupOpts = append(groupOpts, WithConsumerGroupHooks(s.consumerHooks))
	groupOpts = append(groupOpts, opts...)

	g, err := NewGroup(cfg, s.conn, s.topo, s.codecs, s.dlq, s.Logger, groupOpts...)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if _, exists := s.groups[g.Name()]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("eventlane: consumer group %q already registered", g.Name())
	}
	s.groups[g.Name()] = g
	started := s.started
	runCtx := s.runCtx
	s.mu.Unlock()

	s.health.RegisterGroup(g)

	if started {
		if err := g.Start(runCtx); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// Subscribe registers a consumer group on the topic of a configured
// bounded context. The topic name is derived as "{stream}.{context}".
func (s *Service) Subscribe(group, boundedContext string, handler Handler, opts ...GroupOption) (*Group, error) {
	return s.RegisterGroup(GroupConfig{
		Name:    group,
		Topic:   topologypkg.TopicName(s.Conf.GetStreamName(), boundedContext),
		Handler: handler,
	}, opts...)
}

// applyRetryDefaults fills unset retry fields from the service config.
// A negative MaxRetries explicitly requests zero retries.
func (s *Service) applyRetryDefaults(cfg GroupConfig) GroupConfig {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = s.Conf.RetryMaxRetries
	}
	if cfg.InitialInterval == 0 {
		cfg.InitialInterval = s.Conf.RetryInitialInterval
	}
	if cfg.MaxInterval == 0 {
		cfg.MaxInterval = s.Conf.RetryMaxInterval
	}
	return cfg
}

// Publish publishes a domain event to the topic of a configured bounded
// context and returns the stamped envelope.
func (s *Service) Publish(ctx context.Context, boundedContext string, event envelopepkg.DomainEvent, tenantID string, opts ...PublishOption) (envelopepkg.Envelope, error) {
	topic := topologypkg.TopicName(s.Conf.GetStreamName(), boundedContext)
	return s.pub.Publish(ctx, topic, event, tenantID, opts...)
}

// Group returns a registered consumer group by name.
func (s *Service) Group(name string) (*Group, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[name]
	return g, ok
}

// GroupInfos returns a point-in-time view of every registered consumer
// group, sorted by group name.
func (s *Service) GroupInfos(ctx context.Context) []GroupInfo {
	s.mu.Lock()
	groups := s.groupListLocked()
	s.mu.Unlock()

	infos := make([]GroupInfo, 0, len(groups))
	for _, g := range groups {
		infos = append(infos, g.Info(ctx))
	}
	return infos
}

func (s *Service) groupListLocked() []*Group {
	groups := make([]*Group, 0, len(s.groups))
	for _, g := range s.groups {
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Name() < groups[j].Name() })
	return groups
}

// Publisher returns the publish path of the service.
func (s *Service) Publisher() *Publisher { return s.pub }

// DeadLetters returns the dead-letter manager.
func (s *Service) DeadLetters() *DeadLetterManager { return s.dlq }

// Replays returns the replay manager.
func (s *Service) Replays() *ReplayManager { return s.replay }

// Health returns the health manager.
func (s *Service) Health() *HealthManager { return s.health }

// Topology returns the topology manager.
func (s *Service) Topology() *topologypkg.Manager { return s.topo }

// Connector returns the broker connection the service runs on.
func (s *Service) Connector() connector.Connector { return s.conn }

// Codecs returns the codec registry.
func (s *Service) Codecs() *codecpkg.Registry { return s.codecs }

// Metrics returns the transport collectors, or nil when metrics are
// disabled.
func (s *Service) Metrics() *TransportMetrics { return s.metrics }

// DeadLetterMetrics returns the dead-letter collectors, or nil when
// metrics are disabled.
func (s *Service) DeadLetterMetrics() *DLQMetrics { return s.dlqMetrics }

// RegisterHTTPHandler mounts a handler on the mux for the given port. The
// servers start when Start runs.
func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (s *Service) startHTTPServers() {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	for port, mux := range s.httpServers {
		addr := fmt.Sprintf(":%d", port)
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": addr})
		go func(addr string, handler http.Handler) {
			if err := http.ListenAndServe(addr, handler); err != nil {
				s.Logger.Error("Failed to start HTTP server", err, loggingpkg.LogFields{"address": addr})
			}
		}(addr, mux)
	}
}

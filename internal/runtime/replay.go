package runtime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/streamhaus/eventlane/connector"
	codecpkg "github.com/streamhaus/eventlane/internal/runtime/codec"
	envelopepkg "github.com/streamhaus/eventlane/internal/runtime/envelope"
	errspkg "github.com/streamhaus/eventlane/internal/runtime/errors"
	idspkg "github.com/streamhaus/eventlane/internal/runtime/ids"
	loggingpkg "github.com/streamhaus/eventlane/internal/runtime/logging"
	topologypkg "github.com/streamhaus/eventlane/internal/runtime/topology"
)

const (
	replayBatch       = 256
	maxReplayFailures = 64
)

// ReplayState names a replay job's lifecycle position.
type ReplayState string

const (
	ReplayPending   ReplayState = "pending"
	ReplayRunning   ReplayState = "running"
	ReplayCompleted ReplayState = "completed"
	ReplayFailed    ReplayState = "failed"
	ReplayCancelled ReplayState = "cancelled"
)

// ReplayRequest describes one replay pass over stored records.
type ReplayRequest struct {
	// Topic is the topic to replay.
	Topic string

	// Partition selects a single partition; negative replays every
	// partition of the topic.
	Partition int

	// Tenant filters deliveries to one tenant. Empty replays all tenants.
	Tenant string

	// From is the first offset delivered, inclusive.
	From int64

	// To is the first offset not delivered. Zero or negative snapshots the
	// head of each partition when the replay starts, so records appended
	// while the replay runs are not chased.
	To int64

	// Handler receives each replayed envelope. Replays never commit group
	// offsets, so the handler sees history without disturbing live
	// consumers.
	Handler Handler

	// FailFast aborts the replay on the first failed envelope. Otherwise
	// failures are recorded per envelope and the replay continues.
	FailFast bool

	// Label is an optional operator note carried in status listings.
	Label string
}

// ReplayFailure records one envelope the replay could not deliver.
type ReplayFailure struct {
	Partition  int    `json:"partition"`
	Offset     int64  `json:"offset"`
	EnvelopeID string `json:"envelope_id,omitempty"`
	Error      string `json:"error"`
}

// ReplayStatus is a point-in-time snapshot of one replay job.
type ReplayStatus struct {
	ID         string          `json:"id"`
	Topic      string          `json:"topic"`
	Partition  int             `json:"partition"`
	Tenant     string          `json:"tenant,omitempty"`
	Label      string          `json:"label,omitempty"`
	State      ReplayState     `json:"state"`
	From       int64           `json:"from"`
	To         int64           `json:"to"`
	Delivered  uint64          `json:"delivered"`
	Skipped    uint64          `json:"skipped"`
	Failed     uint64          `json:"failed"`
	Failures   []ReplayFailure `json:"failures,omitempty"`
	Error      string          `json:"error,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
}

type replayJob struct {
	mu     sync.Mutex
	status ReplayStatus
	cancel context.CancelFunc
	done   chan struct{}
}

func (j *replayJob) snapshot() ReplayStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := j.status
	out.Failures = append([]ReplayFailure(nil), j.status.Failures...)
	return out
}

func (j *replayJob) setRunning() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.status.State = ReplayRunning
	j.status.StartedAt = time.Now().UTC()
}

func (j *replayJob) recordDelivered() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.status.Delivered++
}

func (j *replayJob) recordSkipped() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.status.Skipped++
}

func (j *replayJob) recordFailure(partition int, offset int64, envelopeID string, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.status.Failed++
	if len(j.status.Failures) < maxReplayFailures {
		j.status.Failures = append(j.status.Failures, ReplayFailure{
			Partition:  partition,
			Offset:     offset,
			EnvelopeID: envelopeID,
			Error:      err.Error(),
		})
	}
}

func (j *replayJob) finish(err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.status.FinishedAt = time.Now().UTC()
	switch {
	case err == nil:
		j.status.State = ReplayCompleted
	case errors.Is(err, context.Canceled):
		j.status.State = ReplayCancelled
	default:
		j.status.State = ReplayFailed
		j.status.Error = err.Error()
	}
}

// ReplayManager re-delivers stored records to caller-supplied handlers. A
// replay keeps its own cursor and never reads or writes any group's
// committed offsets, so live consumption is unaffected.
type ReplayManager struct {
	conn   connector.Connector
	topo   *topologypkg.Manager
	codecs *codecpkg.Registry
	logger loggingpkg.ServiceLogger

	mu   sync.Mutex
	jobs map[string]*replayJob
}

// NewReplayManager wires a replay manager over the connector.
func NewReplayManager(conn connector.Connector, topo *topologypkg.Manager, codecs *codecpkg.Registry, logger loggingpkg.ServiceLogger) *ReplayManager {
	return &ReplayManager{
		conn:   conn,
		topo:   topo,
		codecs: codecs,
		logger: logger,
		jobs:   make(map[string]*replayJob),
	}
}

// Start launches a replay in the background and returns its id. ctx only
// covers the topology lookups here; the job itself runs until it finishes
// or Cancel is called.
func (r *ReplayManager) Start(ctx context.Context, req ReplayRequest) (string, error) {
	if req.Topic == "" {
		return "", errspkg.ErrTopicRequired
	}
	if req.Handler == nil {
		return "", errspkg.ErrHandlerRequired
	}
	if req.From < 0 {
		req.From = 0
	}

	if err := r.topo.Ensure(ctx, req.Topic); err != nil {
		return "", err
	}
	partitions, err := r.topo.Partitions(ctx, req.Topic)
	if err != nil {
		return "", err
	}
	if req.Partition >= partitions {
		return "", fmt.Errorf("eventlane: partition %d out of range, %s has %d partitions", req.Partition, req.Topic, partitions)
	}

	id := idspkg.CreateULID()
	jobCtx, cancel := context.WithCancel(context.Background())
	job := &replayJob{
		status: ReplayStatus{
			ID:        id,
			Topic:     req.Topic,
			Partition: req.Partition,
			Tenant:    req.Tenant,
			Label:     req.Label,
			State:     ReplayPending,
			From:      req.From,
			To:        req.To,
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}

	r.mu.Lock()
	r.jobs[id] = job
	r.mu.Unlock()

	go r.run(jobCtx, job, req, partitions)

	r.logInfo("Replay started", loggingpkg.LogFields{
		"replay_id": id,
		"topic":     req.Topic,
		"partition": req.Partition,
		"tenant":    req.Tenant,
		"from":      req.From,
		"to":        req.To,
		"fail_fast": req.FailFast,
	})
	return id, nil
}

// Status returns a snapshot of the replay with the given id.
func (r *ReplayManager) Status(id string) (ReplayStatus, error) {
	job, err := r.job(id)
	if err != nil {
		return ReplayStatus{}, err
	}
	return job.snapshot(), nil
}

// List returns snapshots of every known replay, oldest first.
func (r *ReplayManager) List() []ReplayStatus {
	r.mu.Lock()
	ids := make([]string, 0, len(r.jobs))
	for id := range r.jobs {
		ids = append(ids, id)
	}
	jobs := make(map[string]*replayJob, len(r.jobs))
	for id, job := range r.jobs {
		jobs[id] = job
	}
	r.mu.Unlock()

	// ULIDs sort lexicographically in creation order.
	sort.Strings(ids)
	out := make([]ReplayStatus, 0, len(ids))
	for _, id := range ids {
		out = append(out, jobs[id].snapshot())
	}
	return out
}

// Cancel stops a running replay. Cancelling a finished replay is a no-op.
func (r *ReplayManager) Cancel(id string) error {
	job, err := r.job(id)
	if err != nil {
		return err
	}
	job.cancel()
	return nil
}

// Wait blocks until the replay finished, was cancelled or ctx ran out, and
// returns the latest snapshot.
func (r *ReplayManager) Wait(ctx context.Context, id string) (ReplayStatus, error) {
	job, err := r.job(id)
	if err != nil {
		return ReplayStatus{}, err
	}
	select {
	case <-job.done:
		return job.snapshot(), nil
	case <-ctx.Done():
		return job.snapshot(), ctx.Err()
	}
}

func (r *ReplayManager) job(id string) (*replayJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, errspkg.ErrReplayNotFound
	}
	return job, nil
}

func (r *ReplayManager) run(ctx context.Context, job *replayJob, req ReplayRequest, partitions int) {
	defer close(job.done)
	job.setRunning()

	owned := make([]int, 0, partitions)
	if req.Partition >= 0 {
		owned = append(owned, req.Partition)
	} else {
		for p := 0; p < partitions; p++ {
			owned = append(owned, p)
		}
	}

	for _, partition := range owned {
		if err := r.replayPartition(ctx, job, req, partition); err != nil {
			job.finish(err)
			r.logError("Replay aborted", err, loggingpkg.LogFields{
				"replay_id": job.status.ID,
				"topic":     req.Topic,
				"partition": partition,
			})
			return
		}
	}

	job.finish(nil)
	status := job.snapshot()
	r.logInfo("Replay finished", loggingpkg.LogFields{
		"replay_id": status.ID,
		"topic":     status.Topic,
		"delivered": status.Delivered,
		"skipped":   status.Skipped,
		"failed":    status.Failed,
	})
}

func (r *ReplayManager) replayPartition(ctx context.Context, job *replayJob, req ReplayRequest, partition int) error {
	to := req.To
	if to <= 0 {
		latest, err := r.conn.LatestOffset(ctx, req.Topic, partition)
		if err != nil {
			return err
		}
		if latest == connector.NoOffset {
			return nil
		}
		to = latest + 1
	}

	for from := req.From; from < to; {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		recs, err := r.conn.Fetch(ctx, req.Topic, partition, from, replayBatch)
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			return nil
		}
		for _, rec := range recs {
			if rec.Offset >= to {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err := r.deliver(ctx, job, req, rec); err != nil {
				return err
			}
		}
		from = recs[len(recs)-1].Offset + 1
	}
	return nil
}

// deliver hands one record to the replay handler. Failures abort only under
// FailFast; otherwise they are recorded on the job and the replay moves on.
func (r *ReplayManager) deliver(ctx context.Context, job *replayJob, req ReplayRequest, rec connector.Record) error {
	var env envelopepkg.Envelope
	codec, err := r.resolveCodec(rec.Headers[envelopepkg.HeaderCodec])
	if err == nil {
		err = codec.Unmarshal(rec.Payload, &env)
	}
	if err != nil {
		job.recordFailure(rec.Partition, rec.Offset, rec.Headers[envelopepkg.HeaderEnvelopeID], err)
		if req.FailFast {
			return err
		}
		return nil
	}

	if req.Tenant != "" && env.TenantID != req.Tenant {
		job.recordSkipped()
		return nil
	}

	tracer := otel.Tracer("eventlane")
	spanCtx, span := tracer.Start(ctx, "eventlane.replay")
	span.SetAttributes(
		attribute.String("envelope.id", env.ID),
		attribute.String("envelope.tenant", env.TenantID),
		attribute.String("envelope.event_type", env.EventType),
		attribute.String("messaging.topic", req.Topic),
		attribute.Int("messaging.partition", rec.Partition),
		attribute.Int64("messaging.offset", rec.Offset),
		attribute.String("replay.id", job.status.ID),
	)
	err = req.Handler(spanCtx, env)
	if err != nil {
		span.RecordError(err)
	}
	span.End()

	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		job.recordFailure(rec.Partition, rec.Offset, env.ID, err)
		if req.FailFast {
			return err
		}
		return nil
	}

	job.recordDelivered()
	return nil
}

func (r *ReplayManager) resolveCodec(name string) (codecpkg.Codec, error) {
	if name == "" {
		return r.codecs.Default(), nil
	}
	return r.codecs.Get(name)
}

func (r *ReplayManager) logInfo(msg string, fields loggingpkg.LogFields) {
	if r.logger != nil {
		r.logger.Info(msg, fields)
	}
}

func (r *ReplayManager) logError(msg string, err error, fields loggingpkg.LogFields) {
	if r.logger != nil {
		r.logger.Error(msg, err, fields)
	}
}

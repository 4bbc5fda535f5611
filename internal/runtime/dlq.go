package runtime

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/streamhaus/eventlane/connector"
	codecpkg "github.com/streamhaus/eventlane/internal/runtime/codec"
	envelopepkg "github.com/streamhaus/eventlane/internal/runtime/envelope"
	errspkg "github.com/streamhaus/eventlane/internal/runtime/errors"
	loggingpkg "github.com/streamhaus/eventlane/internal/runtime/logging"
	partitionpkg "github.com/streamhaus/eventlane/internal/runtime/partition"
	topologypkg "github.com/streamhaus/eventlane/internal/runtime/topology"
)

// fetchBatch is how many records dead-letter and replay scans pull per
// connector round trip.
const fetchBatch = 128

// DeadLetterRecord is one quarantined envelope as operators see it.
// Partition and Offset locate the record on the dead-letter topic, not on
// the topic it failed on. Envelope is nil when the stored payload could not
// be decoded; the raw bytes stay available in Payload.
type DeadLetterRecord struct {
	EnvelopeID    string                `json:"envelope_id"`
	Topic         string                `json:"topic"`
	OriginalTopic string                `json:"original_topic"`
	Partition     int                   `json:"partition"`
	Offset        int64                 `json:"offset"`
	Reason        string                `json:"reason"`
	RetryCount    int                   `json:"retry_count"`
	FailedAt      time.Time             `json:"failed_at"`
	Codec         string                `json:"codec,omitempty"`
	Envelope      *envelopepkg.Envelope `json:"envelope,omitempty"`
	Payload       []byte                `json:"-"`
}

// DeadLetterManager quarantines envelopes that exhausted their retries and
// lets operators inspect, re-publish, or drop them. Every topic argument
// accepts either the original topic or its dead-letter twin.
type DeadLetterManager struct {
	conn    connector.Connector
	topo    *topologypkg.Manager
	codecs  *codecpkg.Registry
	pub     *Publisher
	logger  loggingpkg.ServiceLogger
	metrics *DLQMetrics
}

// DeadLetterOption configures a DeadLetterManager.
type DeadLetterOption func(*DeadLetterManager)

// WithDeadLetterMetrics attaches prometheus metrics to the manager.
func WithDeadLetterMetrics(m *DLQMetrics) DeadLetterOption {
	return func(d *DeadLetterManager) { d.metrics = m }
}

// NewDeadLetterManager creates a dead-letter manager. The publisher is used
// for re-publishing reprocessed envelopes, so they take the normal publish
// path including topology checks and metrics.
func NewDeadLetterManager(conn connector.Connector, topo *topologypkg.Manager, codecs *codecpkg.Registry, pub *Publisher, logger loggingpkg.ServiceLogger, opts ...DeadLetterOption) *DeadLetterManager {
	d := &DeadLetterManager{
		conn:   conn,
		topo:   topo,
		codecs: codecs,
		pub:    pub,
		logger: logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Quarantine stores an envelope on the dead-letter topic of originalTopic.
// The envelope is re-encoded with the codec that produced it, so a later
// reprocess round-trips the exact wire form.
func (d *DeadLetterManager) Quarantine(ctx context.Context, originalTopic string, env envelopepkg.Envelope, codecName string, cause error) error {
	if originalTopic == "" {
		return errspkg.ErrTopicRequired
	}

	c, err := d.resolveCodec(codecName)
	if err != nil {
		return err
	}
	payload, err := c.Marshal(env)
	if err != nil {
		return errspkg.NewSerializationError(c.Name(), err)
	}

	headers := env.WireHeaders(c.Name())
	return d.quarantine(ctx, originalTopic, payload, headers, env.PartitionKey(), cause)
}

// QuarantineRaw stores a record whose payload could not be decoded. The
// original headers and bytes are preserved verbatim, so nothing is lost for
// later inspection.
func (d *DeadLetterManager) QuarantineRaw(ctx context.Context, originalTopic string, rec connector.Record, cause error) error {
	if originalTopic == "" {
		return errspkg.ErrTopicRequired
	}

	headers := envelopepkg.Headers(rec.Headers).Clone()
	key := headers.Get(envelopepkg.HeaderTenantID)
	if key == "" {
		key = headers.Get(envelopepkg.HeaderEnvelopeID)
	}
	if key == "" {
		key = originalTopic + "/" + strconv.Itoa(rec.Partition)
	}
	return d.quarantine(ctx, originalTopic, rec.Payload, headers, key, cause)
}

func (d *DeadLetterManager) quarantine(ctx context.Context, originalTopic string, payload []byte, headers envelopepkg.Headers, partitionKey string, cause error) error {
	dlqTopic := topologypkg.DLQTopicFor(originalTopic)

	headers[envelopepkg.HeaderOriginalTopic] = originalTopic
	headers[envelopepkg.HeaderFailedAt] = time.Now().UTC().Format(time.RFC3339Nano)
	if cause != nil {
		headers[envelopepkg.HeaderError] = cause.Error()
	}

	if err := d.topo.Ensure(ctx, dlqTopic); err != nil {
		return err
	}
	partitions, err := d.topo.Partitions(ctx, dlqTopic)
	if err != nil {
		return &errspkg.TopologyError{Topic: dlqTopic, Err: err}
	}

	partition := partitionpkg.ForKey(partitionKey, partitions)
	ack, err := d.conn.Send(ctx, dlqTopic, partition, payload, headers)
	if err != nil {
		return fmt.Errorf("quarantine to %s: %w", dlqTopic, err)
	}

	if d.metrics != nil {
		d.metrics.RecordQuarantined(dlqTopic, originalTopic, headers.GetInt(envelopepkg.HeaderRetryCount))
	}
	if d.logger != nil {
		d.logger.Info("Envelope quarantined", loggingpkg.LogFields{
			"topic":          dlqTopic,
			"original_topic": originalTopic,
			"partition":      ack.Partition,
			"offset":         ack.Offset,
			"envelope_id":    headers.Get(envelopepkg.HeaderEnvelopeID),
			"reason":         headers.Get(envelopepkg.HeaderError),
		})
	}
	return nil
}

// List returns the records currently held on a dead-letter topic, oldest
// failure first. A limit of zero or less returns everything.
func (d *DeadLetterManager) List(ctx context.Context, topic string, limit int) ([]DeadLetterRecord, error) {
	dlqTopic, err := d.dlqTopicOf(ctx, topic)
	if err != nil {
		return nil, err
	}

	records, err := d.fetchAll(ctx, dlqTopic, limit)
	if err != nil {
		return nil, err
	}

	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].FailedAt.Equal(records[j].FailedAt) {
			return records[i].FailedAt.Before(records[j].FailedAt)
		}
		return records[i].Offset < records[j].Offset
	})

	if d.metrics != nil && limit <= 0 {
		d.metrics.SetCurrentCount(dlqTopic, uint64(len(records)))
	}
	return records, nil
}

// Count returns how many records a dead-letter topic currently holds.
func (d *DeadLetterManager) Count(ctx context.Context, topic string) (int, error) {
	records, err := d.List(ctx, topic, 0)
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

// Reprocess re-publishes dead-lettered envelopes to their original topic
// and removes each record once its re-publish succeeded. With no ids it
// reprocesses the whole topic; with ids only the named records. The retry
// count restarts at zero, as the failure cause is assumed fixed.
//
// The count of re-published envelopes is returned even on error, so callers
// know how far a partial run got. Records that cannot be re-published stay
// quarantined.
func (d *DeadLetterManager) Reprocess(ctx context.Context, topic string, ids ...string) (int, error) {
	dlqTopic, err := d.dlqTopicOf(ctx, topic)
	if err != nil {
		return 0, err
	}

	records, err := d.fetchAll(ctx, dlqTopic, 0)
	if err != nil {
		return 0, err
	}

	wanted := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		wanted[id] = struct{}{}
	}

	count := 0
	for _, rec := range records {
		if len(wanted) > 0 {
			if _, ok := wanted[rec.EnvelopeID]; !ok {
				continue
			}
			delete(wanted, rec.EnvelopeID)
		}

		if rec.Envelope == nil || rec.OriginalTopic == "" {
			if len(ids) > 0 {
				return count, fmt.Errorf("eventlane: dead-letter record %s at %s/%d@%d cannot be re-published: payload not decodable",
					rec.EnvelopeID, dlqTopic, rec.Partition, rec.Offset)
			}
			d.logError("Skipping undecodable dead-letter record", nil, loggingpkg.LogFields{
				"topic":     dlqTopic,
				"partition": rec.Partition,
				"offset":    rec.Offset,
			})
			continue
		}

		start := time.Now()
		env := rec.Envelope.Clone()
		env.RetryCount = 0

		var opts []PublishOption
		if rec.Codec != "" {
			opts = append(opts, WithCodec(rec.Codec))
		}
		if _, err := d.pub.PublishEnvelope(ctx, rec.OriginalTopic, env, opts...); err != nil {
			return count, fmt.Errorf("reprocess %s to %s: %w", rec.EnvelopeID, rec.OriginalTopic, err)
		}
		count++

		// The record leaves quarantine only after the re-publish landed.
		// A failed delete leaves a duplicate candidate behind, which
		// at-least-once delivery already requires consumers to absorb.
		if err := d.conn.Delete(ctx, dlqTopic, rec.Partition, rec.Offset); err != nil {
			return count, fmt.Errorf("reprocessed %s but could not remove it from %s: %w", rec.EnvelopeID, dlqTopic, err)
		}

		if d.metrics != nil {
			d.metrics.RecordReprocessed(dlqTopic, time.Since(start))
		}
		if d.logger != nil {
			d.logger.Info("Dead-letter record reprocessed", loggingpkg.LogFields{
				"topic":          dlqTopic,
				"original_topic": rec.OriginalTopic,
				"envelope_id":    rec.EnvelopeID,
			})
		}
	}

	if len(wanted) > 0 {
		missing := make([]string, 0, len(wanted))
		for id := range wanted {
			missing = append(missing, id)
		}
		sort.Strings(missing)
		return count, fmt.Errorf("eventlane: dead-letter records not found on %s: %v", dlqTopic, missing)
	}
	return count, nil
}

// Purge drops every record from a dead-letter topic and returns how many
// were removed.
func (d *DeadLetterManager) Purge(ctx context.Context, topic string) (int, error) {
	dlqTopic, err := d.dlqTopicOf(ctx, topic)
	if err != nil {
		return 0, err
	}

	records, err := d.fetchAll(ctx, dlqTopic, 0)
	if err != nil {
		return 0, err
	}

	purged := 0
	for _, rec := range records {
		if err := d.conn.Delete(ctx, dlqTopic, rec.Partition, rec.Offset); err != nil {
			d.recordPurged(dlqTopic, purged)
			return purged, fmt.Errorf("purge %s: %w", dlqTopic, err)
		}
		purged++
	}

	d.recordPurged(dlqTopic, purged)
	if d.logger != nil && purged > 0 {
		d.logger.Info("Dead-letter topic purged", loggingpkg.LogFields{
			"topic":   dlqTopic,
			"records": purged,
		})
	}
	return purged, nil
}

func (d *DeadLetterManager) recordPurged(dlqTopic string, purged int) {
	if d.metrics != nil && purged > 0 {
		d.metrics.RecordPurged(dlqTopic, int64(purged))
	}
}

// dlqTopicOf normalizes a topic argument to its dead-letter form and makes
// sure the topic exists, so inspecting an empty quarantine is not an error.
func (d *DeadLetterManager) dlqTopicOf(ctx context.Context, topic string) (string, error) {
	if topic == "" {
		return "", errspkg.ErrTopicRequired
	}
	dlqTopic := topic
	if !topologypkg.IsDLQ(topic) {
		dlqTopic = topologypkg.DLQTopicFor(topic)
	}
	if err := d.topo.Ensure(ctx, dlqTopic); err != nil {
		return "", err
	}
	return dlqTopic, nil
}

func (d *DeadLetterManager) fetchAll(ctx context.Context, dlqTopic string, limit int) ([]DeadLetterRecord, error) {
	partitions, err := d.topo.Partitions(ctx, dlqTopic)
	if err != nil {
		return nil, &errspkg.TopologyError{Topic: dlqTopic, Err: err}
	}

	var out []DeadLetterRecord
	for p := 0; p < partitions; p++ {
		from := int64(0)
		for {
			if limit > 0 && len(out) >= limit {
				return out[:limit], nil
			}
			max := fetchBatch
			if limit > 0 && limit-len(out) < max {
				max = limit - len(out)
			}

			recs, err := d.conn.Fetch(ctx, dlqTopic, p, from, max)
			if err != nil {
				return nil, err
			}
			if len(recs) == 0 {
				break
			}
			for _, rec := range recs {
				out = append(out, d.toDeadLetterRecord(rec))
			}
			from = recs[len(recs)-1].Offset + 1
		}
	}
	return out, nil
}

// toDeadLetterRecord builds the operator view of a stored record. Decoding
// is best effort: header metadata survives even when the payload does not
// decode anymore.
func (d *DeadLetterManager) toDeadLetterRecord(rec connector.Record) DeadLetterRecord {
	headers := envelopepkg.Headers(rec.Headers)
	dlr := DeadLetterRecord{
		EnvelopeID:    headers.Get(envelopepkg.HeaderEnvelopeID),
		Topic:         rec.Topic,
		OriginalTopic: headers.Get(envelopepkg.HeaderOriginalTopic),
		Partition:     rec.Partition,
		Offset:        rec.Offset,
		Reason:        headers.Get(envelopepkg.HeaderError),
		RetryCount:    headers.GetInt(envelopepkg.HeaderRetryCount),
		Codec:         headers.Get(envelopepkg.HeaderCodec),
		Payload:       rec.Payload,
	}
	if ts := headers.Get(envelopepkg.HeaderFailedAt); ts != "" {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			dlr.FailedAt = t
		}
	}

	if c, err := d.resolveCodec(dlr.Codec); err == nil {
		var env envelopepkg.Envelope
		if err := c.Unmarshal(rec.Payload, &env); err == nil {
			dlr.Envelope = &env
			if dlr.EnvelopeID == "" {
				dlr.EnvelopeID = env.ID
			}
		}
	}
	return dlr
}

func (d *DeadLetterManager) resolveCodec(name string) (codecpkg.Codec, error) {
	if name == "" {
		return d.codecs.Default(), nil
	}
	return d.codecs.Get(name)
}

func (d *DeadLetterManager) logError(msg string, err error, fields loggingpkg.LogFields) {
	if d.logger != nil {
		d.logger.Error(msg, err, fields)
	}
}

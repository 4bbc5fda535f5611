// Package embedded provides the in-process SQLite-backed connector.
// It serves single-process deployments and tests: the full broker
// contract (partitioned topics, offsets, group cursors, retention)
// backed by one database file, or ":memory:" for throwaway instances.
package embedded

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/streamhaus/eventlane/connector"
	errspkg "github.com/streamhaus/eventlane/internal/runtime/errors"
)

// ConnectorName is the name used to register this connector.
const ConnectorName = connector.ModeEmbedded

const (
	// DefaultPollInterval is the default interval for polling new records.
	DefaultPollInterval = 100 * time.Millisecond

	// pruneInterval is how often retention is enforced.
	pruneInterval = time.Minute

	// fetchBatchSize bounds how many records one poll pass delivers.
	fetchBatchSize = 256
)

func init() {
	Register()
}

// Register adds the embedded connector to the default registry.
// Importing the package has the same effect through init.
func Register() {
	connector.RegisterWithCapabilities(ConnectorName, Build, connector.EmbeddedCapabilities)
}

// Build creates a new embedded connector from config.
func Build(ctx context.Context, cfg connector.Config, logger watermill.LoggerAdapter) (connector.Connector, error) {
	config := Config{
		Path:         cfg.GetEmbeddedPath(),
		PollInterval: cfg.GetEmbeddedPollInterval(),
	}
	return New(config, logger), nil
}

// Config holds embedded-specific configuration.
type Config struct {
	// Path is the path to the SQLite database file.
	// Use ":memory:" for an in-memory database (useful for testing).
	Path string
	// PollInterval is the interval subscriptions poll for new records.
	PollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Path == "" {
		c.Path = "eventlane.db"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	return c
}

// Connector implements the broker contract on a local SQLite database.
// A single write connection keeps offset assignment race-free.
type Connector struct {
	cfg    Config
	logger watermill.LoggerAdapter

	db *sql.DB

	closed     bool
	closedMu   sync.RWMutex
	closedChan chan struct{}
	wg         sync.WaitGroup
}

// New creates an embedded connector. The database is not opened until
// Connect is called.
func New(cfg Config, logger watermill.LoggerAdapter) *Connector {
	return &Connector{
		cfg:        cfg.withDefaults(),
		logger:     logger,
		closedChan: make(chan struct{}),
	}
}

// Connect opens the database, applies pragmas, creates the schema and
// starts the retention janitor.
func (c *Connector) Connect(ctx context.Context) error {
	if c.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", c.cfg.Path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	// A single connection serializes writes, which is what makes the
	// MAX(record_offset)+1 offset assignment safe.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return fmt.Errorf("set busy timeout: %w", err)
	}

	if err := initSchema(ctx, db); err != nil {
		db.Close()
		return fmt.Errorf("initialize schema: %w", err)
	}

	c.db = db

	c.wg.Add(1)
	go c.pruneLoop()

	return nil
}

func initSchema(ctx context.Context, db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS topics (
		name TEXT PRIMARY KEY,
		stream TEXT NOT NULL,
		partitions INTEGER NOT NULL,
		max_age_seconds INTEGER NOT NULL DEFAULT 0,
		max_bytes INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS records (
		topic TEXT NOT NULL,
		partition_id INTEGER NOT NULL,
		record_offset INTEGER NOT NULL,
		payload BLOB NOT NULL,
		headers TEXT,
		stored_at INTEGER NOT NULL,
		PRIMARY KEY (topic, partition_id, record_offset)
	);

	CREATE INDEX IF NOT EXISTS idx_records_stored_at ON records(topic, stored_at);

	CREATE TABLE IF NOT EXISTS group_offsets (
		group_name TEXT NOT NULL,
		topic TEXT NOT NULL,
		partition_id INTEGER NOT NULL,
		committed_offset INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (group_name, topic, partition_id)
	);
	`
	_, err := db.ExecContext(ctx, schema)
	return err
}

// Send appends a payload to a topic partition and returns its offset.
func (c *Connector) Send(ctx context.Context, topic string, partition int, payload []byte, headers map[string]string) (connector.PublishAck, error) {
	if err := c.ready(); err != nil {
		return connector.PublishAck{}, err
	}

	meta, err := json.Marshal(headers)
	if err != nil {
		return connector.PublishAck{}, fmt.Errorf("marshal headers: %w", err)
	}

	var offset int64
	err = c.db.QueryRowContext(ctx, `
		INSERT INTO records (topic, partition_id, record_offset, payload, headers, stored_at)
		VALUES (?, ?, (SELECT COALESCE(MAX(record_offset) + 1, 0) FROM records WHERE topic = ? AND partition_id = ?), ?, ?, ?)
		RETURNING record_offset
	`, topic, partition, topic, partition, payload, string(meta), time.Now().UTC().UnixNano()).Scan(&offset)
	if err != nil {
		return connector.PublishAck{}, fmt.Errorf("insert record: %w", err)
	}

	return connector.PublishAck{
		Topic:     topic,
		Partition: partition,
		Offset:    offset,
	}, nil
}

// Subscribe streams records from a partition starting at offset from.
// Delivery order follows record_offset, so per-partition FIFO holds.
func (c *Connector) Subscribe(ctx context.Context, topic string, partition int, from int64) (<-chan connector.Record, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	if from < 0 {
		from = 0
	}

	ch := make(chan connector.Record)

	c.wg.Add(1)
	go c.pollRecords(ctx, topic, partition, from, ch)

	return ch, nil
}

func (c *Connector) pollRecords(ctx context.Context, topic string, partition int, from int64, ch chan connector.Record) {
	defer c.wg.Done()
	defer close(ch)

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	next := from
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closedChan:
			return
		case <-ticker.C:
			records, err := c.Fetch(ctx, topic, partition, next, fetchBatchSize)
			if err != nil {
				c.logError("failed to fetch records", err, watermill.LogFields{"topic": topic, "partition": partition})
				continue
			}
			for _, rec := range records {
				select {
				case ch <- rec:
					next = rec.Offset + 1
				case <-ctx.Done():
					return
				case <-c.closedChan:
					return
				}
			}
		}
	}
}

// Fetch reads at most max records from a partition starting at offset from.
func (c *Connector) Fetch(ctx context.Context, topic string, partition int, from int64, max int) ([]connector.Record, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	if max <= 0 {
		return nil, nil
	}
	if from < 0 {
		from = 0
	}

	rows, err := c.db.QueryContext(ctx, `
		SELECT record_offset, payload, headers, stored_at
		FROM records
		WHERE topic = ? AND partition_id = ? AND record_offset >= ?
		ORDER BY record_offset ASC
		LIMIT ?
	`, topic, partition, from, max)
	if err != nil {
		return nil, fmt.Errorf("fetch records: %w", err)
	}
	defer rows.Close()

	var records []connector.Record
	for rows.Next() {
		rec := connector.Record{Topic: topic, Partition: partition}
		var meta string
		var storedAt int64
		if err := rows.Scan(&rec.Offset, &rec.Payload, &meta, &storedAt); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		if meta != "" {
			if err := json.Unmarshal([]byte(meta), &rec.Headers); err != nil {
				c.logError("failed to unmarshal headers", err, watermill.LogFields{"topic": topic})
			}
		}
		rec.StoredAt = time.Unix(0, storedAt).UTC()
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Commit durably stores a group's position on a partition.
func (c *Connector) Commit(ctx context.Context, group, topic string, partition int, offset int64) error {
	if err := c.ready(); err != nil {
		return err
	}

	_, err := c.db.ExecContext(ctx, `
		INSERT INTO group_offsets (group_name, topic, partition_id, committed_offset, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(group_name, topic, partition_id) DO UPDATE SET
			committed_offset = excluded.committed_offset,
			updated_at = excluded.updated_at
	`, group, topic, partition, offset, time.Now().UTC().UnixNano())
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

	var offset int64
	err := c.db.QueryRowContext(ctx, `
		SELECT committed_offset FROM group_offsets
		WHERE group_name = ? AND topic = ? AND partition_id = ?
	`, group, topic, partition).Scan(&offset)
	if err == sql.ErrNoRows {
		return connector.NoOffset, nil
	}
	if err != nil {
		return connector.NoOffset, fmt.Errorf("read committed offset: %w", err)
	}
	return offset, nil
}

// LatestOffset returns the highest offset on a partition, or NoOffset
// when the partition is empty.
func (c *Connector) LatestOffset(ctx context.Context, topic string, partition int) (int64, error) {
	if err := c.ready(); err != nil {
		return connector.NoOffset, err
	}

	var offset int64
	err := c.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(record_offset), -1) FROM records
		WHERE topic = ? AND partition_id = ?
	`, topic, partition).Scan(&offset)
	if err != nil {
		return connector.NoOffset, fmt.Errorf("read latest offset: %w", err)
	}
	return offset, nil
}

// EnsureTopic creates a topic if it does not exist.
func (c *Connector) EnsureTopic(ctx context.Context, spec connector.TopicSpec) (bool, error) {
	if err := c.ready(); err != nil {
		return false, err
	}

	var existing int
	err := c.db.QueryRowContext(ctx, `SELECT partitions FROM topics WHERE name = ?`, spec.Name).Scan(&existing)
	if err == sql.ErrNoRows {
		_, err = c.db.ExecContext(ctx, `
			INSERT INTO topics (name, stream, partitions, max_age_seconds, max_bytes, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, spec.Name, spec.Stream, spec.Partitions, int64(spec.Retention.MaxAge.Seconds()), spec.Retention.MaxBytes, time.Now().UTC().UnixNano())
		if err != nil {
			return false, &errspkg.TopologyError{Topic: spec.Name, Err: fmt.Errorf("create topic: %w", err)}
		}
		return true, nil
	}
	if err != nil {
		return false, &errspkg.TopologyError{Topic: spec.Name, Err: fmt.Errorf("read topic: %w", err)}
	}

	if existing != spec.Partitions {
		return false, &errspkg.TopologyError{
			Topic: spec.Name,
			Err:   fmt.Errorf("partition count mismatch: have %d, want %d", existing, spec.Partitions),
		}
	}
	return false, nil
}

// GrowTopic raises the partition count of an existing topic.
func (c *Connector) GrowTopic(ctx context.Context, topic string, partitions int) error {
	if err := c.ready(); err != nil {
		return err
	}

	current, err := c.TopicPartitions(ctx, topic)
	if err != nil {
		return err
	}
	if partitions < current {
		return &errspkg.TopologyError{
			Topic: topic,
			Err:   fmt.Errorf("partition count cannot shrink from %d to %d", current, partitions),
		}
	}
	if partitions == current {
		return nil
	}

	_, err = c.db.ExecContext(ctx, `UPDATE topics SET partitions = ? WHERE name = ?`, partitions, topic)
	if err != nil {
		return &errspkg.TopologyError{Topic: topic, Err: fmt.Errorf("grow topic: %w", err)}
	}
	return nil
}

// TopicPartitions returns the partition count of an existing topic.
func (c *Connector) TopicPartitions(ctx context.Context, topic string) (int, error) {
	if err := c.ready(); err != nil {
		return 0, err
	}

	var partitions int
	err := c.db.QueryRowContext(ctx, `SELECT partitions FROM topics WHERE name = ?`, topic).Scan(&partitions)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("%w: %s", errspkg.ErrTopicNotFound, topic)
	}
	if err != nil {
		return 0, fmt.Errorf("read topic: %w", err)
	}
	return partitions, nil
}

// Delete removes a single record. Deleting a record that is already
// gone is not an error.
func (c *Connector) Delete(ctx context.Context, topic string, partition int, offset int64) error {
	if err := c.ready(); err != nil {
		return err
	}

	_, err := c.db.ExecContext(ctx, `
		DELETE FROM records WHERE topic = ? AND partition_id = ? AND record_offset = ?
	`, topic, partition, offset)
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}

// Health reports up while the database answers pings.
func (c *Connector) Health(ctx context.Context) connector.Status {
	c.closedMu.RLock()
	closed := c.closed
	c.closedMu.RUnlock()

	if closed || c.db == nil {
		return connector.StatusDown
	}
	if err := c.db.PingContext(ctx); err != nil {
		return connector.StatusDown
	}
	return connector.StatusUp
}

// Close stops subscriptions and the janitor, then closes the database.
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

	if c.db == nil {
		return nil
	}
	return c.db.Close()
}

// Capabilities returns the capabilities of this connector instance.
func (c *Connector) Capabilities() connector.Capabilities {
	return connector.EmbeddedCapabilities
}

func (c *Connector) pruneLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closedChan:
			return
		case <-ticker.C:
			c.pruneOnce(context.Background())
		}
	}
}

// pruneOnce enforces retention for every topic that declares limits.
// Age retention drops records older than max_age; size retention drops
// oldest records until the topic fits under max_bytes.
func (c *Connector) pruneOnce(ctx context.Context) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT name, max_age_seconds, max_bytes FROM topics
		WHERE max_age_seconds > 0 OR max_bytes > 0
	`)
	if err != nil {
		c.logError("failed to list topics for retention", err, nil)
		return
	}

	type topicLimits struct {
		name          string
		maxAgeSeconds int64
		maxBytes      int64
	}
	var topics []topicLimits
	for rows.Next() {
		var tl topicLimits
		if err := rows.Scan(&tl.name, &tl.maxAgeSeconds, &tl.maxBytes); err != nil {
			c.logError("failed to scan topic limits", err, nil)
			rows.Close()
			return
		}
		topics = append(topics, tl)
	}
	rows.Close()

	for _, tl := range topics {
		if tl.maxAgeSeconds > 0 {
			cutoff := time.Now().UTC().Add(-time.Duration(tl.maxAgeSeconds) * time.Second).UnixNano()
			if _, err := c.db.ExecContext(ctx, `
				DELETE FROM records WHERE topic = ? AND stored_at < ?
			`, tl.name, cutoff); err != nil {
				c.logError("failed to prune by age", err, watermill.LogFields{"topic": tl.name})
			}
		}
		if tl.maxBytes > 0 {
			c.pruneBySize(ctx, tl.name, tl.maxBytes)
		}
	}
}

func (c *Connector) pruneBySize(ctx context.Context, topic string, maxBytes int64) {
	for {
		var total int64
		err := c.db.QueryRowContext(ctx, `
			SELECT COALESCE(SUM(LENGTH(payload)), 0) FROM records WHERE topic = ?
		`, topic).Scan(&total)
		if err != nil {
			c.logError("failed to measure topic size", err, watermill.LogFields{"topic": topic})
			return
		}
		if total <= maxBytes {
			return
		}

		res, err := c.db.ExecContext(ctx, `
			DELETE FROM records WHERE rowid IN (
				SELECT rowid FROM records WHERE topic = ? ORDER BY stored_at ASC LIMIT ?
			)
		`, topic, fetchBatchSize)
		if err != nil {
			c.logError("failed to prune by size", err, watermill.LogFields{"topic": topic})
			return
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			return
		}
	}
}

func (c *Connector) ready() error {
	c.closedMu.RLock()
	defer c.closedMu.RUnlock()
	if c.closed {
		return fmt.Errorf("connector is closed")
	}
	if c.db == nil {
		return errspkg.ErrNotConnected
	}
	return nil
}

func (c *Connector) logError(msg string, err error, fields watermill.LogFields) {
	if c.logger != nil {
		c.logger.Error(msg, err, fields)
	}
}

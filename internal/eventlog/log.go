// Package eventlog implements a partitioned append-only stream log.
// It backs the business event producer in single-process and test
// deployments; production deployments publish to Kafka instead.
package eventlog

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"
)

var (
	// ErrClosed is returned when appending to or reading from a closed log.
	ErrClosed = errors.New("eventlog: log is closed")
	// ErrPartitionOutOfRange is returned for reads on a partition that does not exist.
	ErrPartitionOutOfRange = errors.New("eventlog: partition out of range")
)

// Entry is a single appended record. Offsets are per topic-partition,
// start at 0 and increase by exactly 1 per append.
type Entry struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       string
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

// Log is an in-memory partitioned append-only log. Appends with the
// same key land on the same partition, so per-key order is total.
type Log struct {
	mu         sync.RWMutex
	partitions int32
	topics     map[string][][]Entry
	closed     bool
}

// New creates a log where every topic has the given partition count.
func New(partitions int) *Log {
	if partitions <= 0 {
		partitions = 1
	}
	return &Log{
		partitions: int32(partitions),
		topics:     make(map[string][][]Entry),
	}
}

// PartitionFor returns the partition an entry with the given key lands on.
func (l *Log) PartitionFor(key string) int32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int32(h.Sum32() % uint32(l.partitions))
}

// Append appends a record and returns its assigned partition and offset.
func (l *Log) Append(ctx context.Context, topic, key string, value []byte, headers map[string]string) (partition int32, offset int64, err error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}

	partition = l.PartitionFor(key)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, 0, ErrClosed
	}

	parts, ok := l.topics[topic]
	if !ok {
		parts = make([][]Entry, l.partitions)
		l.topics[topic] = parts
	}

	offset = int64(len(parts[partition]))
	parts[partition] = append(parts[partition], Entry{
		Topic:     topic,
		Partition: partition,
		Offset:    offset,
		Key:       key,
		Value:     value,
		Headers:   headers,
		Timestamp: time.Now().UTC(),
	})

	return partition, offset, nil
}

// Read returns entries of a topic partition starting at fromOffset.
// maxEntries <= 0 means no limit.
func (l *Log) Read(topic string, partition int32, fromOffset int64, maxEntries int) ([]Entry, error) {
	if partition < 0 || partition >= l.partitions {
		return nil, ErrPartitionOutOfRange
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return nil, ErrClosed
	}

	parts, ok := l.topics[topic]
	if !ok || fromOffset >= int64(len(parts[partition])) {
		return nil, nil
	}
	if fromOffset < 0 {
		fromOffset = 0
	}

	entries := parts[partition][fromOffset:]
	if maxEntries > 0 && len(entries) > maxEntries {
		entries = entries[:maxEntries]
	}

	out := make([]Entry, len(entries))
	copy(out, entries)
	return out, nil
}

// ReadAll returns every entry of a topic across partitions, partition by
// partition in offset order. There is no cross-partition ordering.
func (l *Log) ReadAll(topic string) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	parts, ok := l.topics[topic]
	if !ok {
		return nil
	}

	var out []Entry
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// ReadByKey returns every entry of a topic with the given key in append order.
func (l *Log) ReadByKey(topic, key string) []Entry {
	partition := l.PartitionFor(key)

	l.mu.RLock()
	defer l.mu.RUnlock()

	parts, ok := l.topics[topic]
	if !ok {
		return nil
	}

	var out []Entry
	for _, e := range parts[partition] {
		if e.Key == key {
			out = append(out, e)
		}
	}
	return out
}

// HighWatermark returns the next offset to be assigned on a topic partition.
func (l *Log) HighWatermark(topic string, partition int32) (int64, error) {
	if partition < 0 || partition >= l.partitions {
		return 0, ErrPartitionOutOfRange
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	parts, ok := l.topics[topic]
	if !ok {
		return 0, nil
	}
	return int64(len(parts[partition])), nil
}

// Topics returns the names of all topics that received at least one entry.
func (l *Log) Topics() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	names := make([]string, 0, len(l.topics))
	for name := range l.topics {
		names = append(names, name)
	}
	return names
}

// Close marks the log closed. Further appends and reads fail with ErrClosed.
func (l *Log) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
}

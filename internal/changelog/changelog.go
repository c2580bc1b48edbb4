package changelog

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"ofs/internal/model"
)

// Delta kinds.
const (
	KindSet    = "set"
	KindAdjust = "adjust"
)

// Delta is one change to a hybrid stock record.
// A set delta carries the full figures; an adjust delta carries Delta and a Token.
type Delta struct {
	Key     string `json:"key"`
	Kind    string `json:"kind"`
	Token   string `json:"token,omitempty"`
	Primary int64  `json:"primary,omitempty"`
	Backup  int64  `json:"backup,omitempty"`
	Hybrid  int64  `json:"hybrid,omitempty"`
	Delta   int64  `json:"delta,omitempty"`
	TS      int64  `json:"ts"`
}

// SetDelta describes an upsert of rec.
func SetDelta(rec model.HybridStockRecord) Delta {
	return Delta{
		Key:     rec.Key(),
		Kind:    KindSet,
		Primary: rec.PrimaryStock,
		Backup:  rec.BackupStock,
		Hybrid:  rec.HybridStock,
		TS:      rec.UpdatedAt,
	}
}

// AdjustDelta describes a token-guarded compensation.
func AdjustDelta(key string, delta int64, token string, ts int64) Delta {
	return Delta{Key: key, Kind: KindAdjust, Token: token, Delta: delta, TS: ts}
}

type Writer interface {
	Append(d Delta) error
}

// Discard drops every delta.
type Discard struct{}

func (Discard) Append(Delta) error { return nil }

// MultiWriter fans out writes to multiple underlying writers.
type MultiWriter struct {
	writers []Writer
}

func NewMultiWriter(ws ...Writer) *MultiWriter {
	return &MultiWriter{writers: ws}
}

func (m *MultiWriter) Append(d Delta) error {
	for _, w := range m.writers {
		if err := w.Append(d); err != nil {
			return err
		}
	}
	return nil
}

type FileWriter struct {
	mu   sync.Mutex
	path string
}

func NewFileWriter(dir string, filename string) (*FileWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir: %w", err)
	}
	return &FileWriter{path: filepath.Join(dir, filename)}, nil
}

// Path returns the JSONL file the writer appends to.
func (w *FileWriter) Path() string { return w.path }

func (w *FileWriter) Append(d Delta) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	if err := enc.Encode(&d); err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	return nil
}

// Lines counts the deltas written so far. It is the offset a manifest records so
// that a restore replays only what came after its snapshot.
func (w *FileWriter) Lines() (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	f, err := os.Open(w.path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("open: %w", err)
	}
	defer f.Close()
	var n int64
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		n++
	}
	if err := sc.Err(); err != nil {
		return 0, fmt.Errorf("scan: %w", err)
	}
	return n, nil
}

const appendTimeout = 10 * time.Second

// KafkaWriter publishes deltas to a Kafka topic keyed by stock key.
type KafkaWriter struct {
	writer kafkaMessageWriter
}

// kafkaMessageWriter abstracts kafka.Writer for testability.
type kafkaMessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// SplitBrokers turns a comma-separated bootstrap string into broker addresses.
func SplitBrokers(bootstrap string) []string {
	var brokers []string
	for _, a := range strings.Split(bootstrap, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			brokers = append(brokers, a)
		}
	}
	return brokers
}

// NewKafkaWriter creates a Kafka writer.
// bootstrap can be a comma-separated list of host:port.
func NewKafkaWriter(bootstrap string, topic string) *KafkaWriter {
	return &KafkaWriter{writer: &kafka.Writer{
		Addr:         kafka.TCP(SplitBrokers(bootstrap)...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
	}}
}

// Append writes d keyed by stock key, so compaction keeps the newest delta per record.
func (k *KafkaWriter) Append(d Delta) error {
	b, err := json.Marshal(&d)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), appendTimeout)
	defer cancel()
	if err := k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(d.Key), Value: b}); err != nil {
		return &model.UpstreamError{Service: "changelog", Op: "append " + d.Kind, Err: err}
	}
	return nil
}

func (k *KafkaWriter) Close() error {
	if c, ok := k.writer.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

// NewKafkaWriterWith is only for tests to inject a fake writer.
func NewKafkaWriterWith(w kafkaMessageWriter) *KafkaWriter {
	return &KafkaWriter{writer: w}
}

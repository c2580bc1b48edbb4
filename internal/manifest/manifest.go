package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/segmentio/kafka-go"

	"ofs/internal/changelog"
)

// Manifest points at the newest hybrid stock snapshot and the changelog position it covers.
type Manifest struct {
	SnapshotID          string `json:"snapshotId"`
	LastChangelogOffset int64  `json:"lastChangelogOffset"`
	// Records is the number of hybrid stock records in the snapshot.
	Records int `json:"records"`
	// InventoryMode is the aggregation strategy the snapshot was computed with.
	InventoryMode        string `json:"inventoryMode,omitempty"`
	CreatedAtEpochSecond int64  `json:"createdAt"`
}

// Age is how long ago the manifest was published.
func (m Manifest) Age(now time.Time) time.Duration {
	return now.Sub(time.Unix(m.CreatedAtEpochSecond, 0))
}

func stamp(m Manifest) Manifest {
	if m.CreatedAtEpochSecond == 0 {
		m.CreatedAtEpochSecond = time.Now().UTC().Unix()
	}
	return m
}

type Publisher interface {
	Publish(m Manifest) error
}

type Reader interface {
	ReadLatest() (Manifest, error)
}

type multiPublisher []Publisher

// MultiPublisher publishes to each publisher in turn and stops at the first failure.
func MultiPublisher(pubs ...Publisher) Publisher {
	return multiPublisher(pubs)
}

func (m multiPublisher) Publish(man Manifest) error {
	man = stamp(man)
	for _, p := range m {
		if err := p.Publish(man); err != nil {
			return err
		}
	}
	return nil
}

const latestFile = "manifest.latest.json"

// DefaultKafkaKey is the compaction key manifests are published under.
const DefaultKafkaKey = "hybrid-manifest-latest"

// ErrNoManifest is returned by ReadLatest before anything was published.
var ErrNoManifest = errors.New("no manifest published")

type FilesystemManifest struct {
	baseDir string
}

func NewFilesystemManifest(baseDir string) *FilesystemManifest {
	return &FilesystemManifest{baseDir: baseDir}
}

// Publish replaces the latest manifest through a rename so readers never see a partial file.
func (f *FilesystemManifest) Publish(m Manifest) error {
	if m.SnapshotID == "" {
		return errors.New("manifest without snapshot id")
	}
	if err := os.MkdirAll(f.baseDir, 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	m = stamp(m)
	b, err := json.MarshalIndent(&m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	file := filepath.Join(f.baseDir, latestFile)
	if err := os.WriteFile(file+".tmp", b, 0o644); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if err := os.Rename(file+".tmp", file); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

func (f *FilesystemManifest) ReadLatest() (Manifest, error) {
	data, err := os.ReadFile(filepath.Join(f.baseDir, latestFile))
	if errors.Is(err, os.ErrNotExist) {
		return Manifest{}, ErrNoManifest
	}
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("unmarshal manifest: %w", err)
	}
	return m, nil
}

// KafkaManifest publishes the latest manifest as a compacted Kafka record.
type KafkaManifest struct {
	writer  kafkaMessageWriter
	key     []byte
	timeout time.Duration
}

// kafkaMessageWriter abstracts kafka.Writer for testability.
type kafkaMessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// NewKafkaManifest creates a Kafka manifest publisher.
// bootstrap can be comma-separated brokers. An empty key uses DefaultKafkaKey.
func NewKafkaManifest(bootstrap string, topic string, key string) *KafkaManifest {
	return NewKafkaManifestWith(&kafka.Writer{
		Addr:         kafka.TCP(changelog.SplitBrokers(bootstrap)...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}, key)
}

// NewKafkaManifestWith is only for tests to inject a fake writer.
func NewKafkaManifestWith(w kafkaMessageWriter, key string) *KafkaManifest {
	if key == "" {
		key = DefaultKafkaKey
	}
	return &KafkaManifest{writer: w, key: []byte(key), timeout: 10 * time.Second}
}

func (k *KafkaManifest) Publish(m Manifest) error {
	b, err := json.Marshal(stamp(m))
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), k.timeout)
	defer cancel()
	if err := k.writer.WriteMessages(ctx, kafka.Message{Key: k.key, Value: b}); err != nil {
		return fmt.Errorf("publish manifest %s: %w", m.SnapshotID, err)
	}
	return nil
}

func (k *KafkaManifest) Close() error {
	if c, ok := k.writer.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

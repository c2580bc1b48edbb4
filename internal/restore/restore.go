package restore

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"ofs/internal/changelog"
	"ofs/internal/manifest"
	"ofs/internal/model"
	"ofs/internal/snapshot"
	"ofs/internal/state"
)

// KafkaReader reads the latest manifest record from a compacted Kafka topic.
type KafkaReader struct {
	brokers []string
	topic   string
	key     []byte
}

func NewKafkaReader(brokers []string, topic string, key string) *KafkaReader {
	if key == "" {
		key = manifest.DefaultKafkaKey
	}
	return &KafkaReader{brokers: brokers, topic: topic, key: []byte(key)}
}

func (k *KafkaReader) ReadLatest() (manifest.Manifest, error) {
	// compacted topic is small; read from the start up to the head and keep the last record for the key
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   k.brokers,
		Topic:     k.topic,
		Partition: 0,
		MinBytes:  1,
		MaxBytes:  10e6,
	})
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var last manifest.Manifest
	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			return manifest.Manifest{}, fmt.Errorf("read kafka: %w", err)
		}
		if string(m.Key) == string(k.key) {
			var man manifest.Manifest
			if err := json.Unmarshal(m.Value, &man); err != nil {
				return manifest.Manifest{}, fmt.Errorf("unmarshal kafka manifest: %w", err)
			}
			last = man
		}
		if r.Lag() == 0 {
			break
		}
	}
	if last.SnapshotID == "" {
		return manifest.Manifest{}, manifest.ErrNoManifest
	}
	return last, nil
}

// Restorer rebuilds a hybrid stock store from the latest snapshot plus the change log.
type Restorer struct {
	stateStore      state.Store
	manifestReader  manifest.Reader
	snapshotBaseDir string
	changelogPath   string
	logger          *zap.Logger
}

func NewRestorer(st state.Store, mr manifest.Reader, snapshotBaseDir, changelogPath string, logger *zap.Logger) *Restorer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Restorer{
		stateStore:      st,
		manifestReader:  mr,
		snapshotBaseDir: snapshotBaseDir,
		changelogPath:   changelogPath,
		logger:          logger,
	}
}

// LastOffset is the position of the last delta read: a line count for the file log,
// a partition offset for Kafka (-1 when nothing was read).
type RestoreResult struct {
	Applied    int
	Skipped    int
	LastOffset int64
	Error      error
}

func (r *Restorer) RestoreFromSnapshot(snapshotID string) error {
	if snapshotID == "" {
		return nil
	}
	path := snapshot.NewFilesystemSnapshotter(r.snapshotBaseDir).Path(snapshotID)
	dump, err := snapshot.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			r.logger.Warn("snapshot not found, skipping", zap.String("path", path))
			return nil
		}
		return err
	}
	if err := r.stateStore.LoadAll(dump); err != nil {
		return fmt.Errorf("load snapshot %s: %w", snapshotID, err)
	}
	r.logger.Info("restored snapshot", zap.String("snapshot_id", snapshotID), zap.Int("keys", len(dump)))
	return nil
}

// apply replays one delta. A set delta older than the stored record is skipped;
// an adjust delta is skipped when its token was already applied.
func (r *Restorer) apply(d changelog.Delta) (bool, error) {
	switch d.Kind {
	case changelog.KindSet:
		storeID, sku, ok := model.ParseStockKey(d.Key)
		if !ok {
			return false, fmt.Errorf("invalid stock key %q", d.Key)
		}
		cur, found := r.stateStore.Get(d.Key)
		if found && cur.UpdatedAt > d.TS {
			return false, nil
		}
		rec := cur
		rec.SKU, rec.StoreID = sku, storeID
		rec.PrimaryStock, rec.BackupStock, rec.UpdatedAt = d.Primary, d.Backup, d.TS
		return true, r.stateStore.Put(rec)
	case changelog.KindAdjust:
		applied, _, err := r.stateStore.Adjust(d.Key, d.Delta, d.Token)
		return applied, err
	default:
		return false, fmt.Errorf("unknown delta kind %q", d.Kind)
	}
}

func (r *Restorer) ReplayChangelog(changelogPath string, fromOffset int64) RestoreResult {
	file, err := os.Open(changelogPath)
	if err != nil {
		return RestoreResult{Error: fmt.Errorf("open changelog: %w", err)}
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	applied, skipped := 0, 0
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		if int64(lineNum) <= fromOffset {
			continue
		}

		var d changelog.Delta
		if err := json.Unmarshal(scanner.Bytes(), &d); err != nil {
			return RestoreResult{Applied: applied, Skipped: skipped, Error: fmt.Errorf("unmarshal line %d: %w", lineNum, err)}
		}

		ok, err := r.apply(d)
		if err != nil {
			return RestoreResult{Applied: applied, Skipped: skipped, Error: fmt.Errorf("apply line %d: %w", lineNum, err)}
		}
		if ok {
			applied++
		} else {
			skipped++
		}
	}

	if err := scanner.Err(); err != nil {
		return RestoreResult{Applied: applied, Skipped: skipped, Error: fmt.Errorf("scan changelog: %w", err)}
	}

	return RestoreResult{Applied: applied, Skipped: skipped, LastOffset: int64(lineNum)}
}

// ReplayChangelogKafka consumes deltas from a Kafka topic (partition 0) and applies them.
// fromOffset is interpreted as a message index.
func (r *Restorer) ReplayChangelogKafka(brokers []string, topic string, fromOffset int64) RestoreResult {
	rd := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   brokers,
		Topic:     topic,
		Partition: 0,
		MinBytes:  1,
		MaxBytes:  10e6,
	})
	defer rd.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	applied, skipped := 0, 0
	idx, last := int64(0), int64(-1)
	for {
		m, err := rd.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			return RestoreResult{Applied: applied, Skipped: skipped, Error: fmt.Errorf("read kafka: %w", err)}
		}
		idx++
		last = m.Offset
		if idx > fromOffset {
			var d changelog.Delta
			if err := json.Unmarshal(m.Value, &d); err != nil {
				return RestoreResult{Applied: applied, Skipped: skipped, Error: fmt.Errorf("unmarshal delta: %w", err)}
			}
			ok, err := r.apply(d)
			if err != nil {
				return RestoreResult{Applied: applied, Skipped: skipped, Error: fmt.Errorf("apply: %w", err)}
			}
			if ok {
				applied++
			} else {
				skipped++
			}
		}
		if rd.Lag() == 0 {
			break
		}
	}
	return RestoreResult{Applied: applied, Skipped: skipped, LastOffset: last}
}

// RestoreAndReplay loads the snapshot named by the latest manifest and replays the
// file change log from the manifest's offset.
func (r *Restorer) RestoreAndReplay() (RestoreResult, error) {
	m, err := r.manifestReader.ReadLatest()
	if err != nil {
		return RestoreResult{}, fmt.Errorf("read manifest: %w", err)
	}
	if err := r.RestoreFromSnapshot(m.SnapshotID); err != nil {
		return RestoreResult{}, fmt.Errorf("restore snapshot: %w", err)
	}
	result := r.ReplayChangelog(r.changelogPath, m.LastChangelogOffset)
	r.logger.Info("changelog replayed",
		zap.Int("applied", result.Applied),
		zap.Int("skipped", result.Skipped),
		zap.Int64("from_offset", m.LastChangelogOffset))
	return result, result.Error
}

// Package sqlstore implements repo.Repository on database/sql with SQLite and Postgres dialects.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
	_ "modernc.org/sqlite"             // pure go sqlite driver

	"ofs/internal/model"
	"ofs/internal/repo"
)

var _ repo.Repository = (*Store)(nil)

// Dialect names accepted by Open.
const (
	SQLite   = "sqlite"
	Postgres = "postgres"
)

const casRetries = 3

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// Store persists repository state to SQL tables.
type Store struct {
	db      *sql.DB
	dialect string
}

// Open connects to the database and creates missing tables.
func Open(ctx context.Context, dialect, dsn string) (*Store, error) {
	var driver string
	switch dialect {
	case SQLite:
		driver = "sqlite"
		if dsn == "" {
			dsn = "ofs.db"
		}
		if !strings.HasPrefix(dsn, "file:") && dsn != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(dsn), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
				return nil, fmt.Errorf("create dirs: %w", err)
			}
		}
	case Postgres:
		driver = "pgx"
	default:
		return nil, fmt.Errorf("unknown sql dialect %q", dialect)
	}
	openMu.Lock()
	db, err := sqlOpen(driver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}
	if dialect == SQLite {
		// one writer; sqlite serializes writes anyway and this avoids SQLITE_BUSY
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect, err)
	}
	s := &Store{db: db, dialect: dialect}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}

func (s *Store) serial() string {
	if s.dialect == Postgres {
		return "BIGSERIAL PRIMARY KEY"
	}
	return "INTEGER PRIMARY KEY AUTOINCREMENT"
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS splits (
			split_id TEXT PRIMARY KEY,
			order_id TEXT NOT NULL,
			status TEXT NOT NULL,
			version BIGINT NOT NULL,
			payload TEXT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS splits_order_idx ON splits(order_id)`,
		`CREATE TABLE IF NOT EXISTS order_info (
			order_id TEXT PRIMARY KEY,
			version BIGINT NOT NULL,
			payload TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS notification_log (
			seq ` + s.serial() + `,
			id TEXT NOT NULL UNIQUE,
			channel TEXT NOT NULL,
			reference TEXT NOT NULL,
			event TEXT NOT NULL,
			outcome TEXT NOT NULL,
			message TEXT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS notification_log_ref_idx ON notification_log(reference)`,
		`CREATE TABLE IF NOT EXISTS stock_records (
			sku TEXT NOT NULL,
			store_id TEXT NOT NULL,
			raw_stock BIGINT NOT NULL,
			buffer_stock BIGINT NOT NULL,
			observed_at BIGINT NOT NULL,
			PRIMARY KEY (sku, store_id)
		)`,
		`CREATE TABLE IF NOT EXISTS stores (
			seq ` + s.serial() + `,
			id TEXT NOT NULL UNIQUE,
			payload TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for Postgres.
func rebind(dialect, query string) string {
	if dialect != Postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, rebind(s.dialect, q), args...)
}

func (s *Store) query(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, rebind(s.dialect, q), args...)
}

func (s *Store) queryRow(ctx context.Context, q string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, rebind(s.dialect, q), args...)
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func (s *Store) CreateSplit(ctx context.Context, so model.SplitOrder) (model.SplitOrder, error) {
	so = so.Clone()
	so.Version = 1
	payload, err := json.Marshal(so)
	if err != nil {
		return model.SplitOrder{}, fmt.Errorf("encode split: %w", err)
	}
	res, err := s.exec(ctx, `INSERT INTO splits(split_id, order_id, status, version, payload, updated_at)
		VALUES(?,?,?,?,?,?) ON CONFLICT(split_id) DO NOTHING`,
		so.SplitID, so.OrderID, string(so.OrderStatus), so.Version, string(payload), time.Now().UTC().UnixMilli())
	if err != nil {
		return model.SplitOrder{}, fmt.Errorf("insert split: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return model.SplitOrder{}, fmt.Errorf("insert split: %w", err)
	}
	if n == 0 {
		return model.SplitOrder{}, model.ErrDuplicateSplit
	}
	return so, nil
}

func decodeSplit(payload string, version int64) (model.SplitOrder, error) {
	var so model.SplitOrder
	if err := json.Unmarshal([]byte(payload), &so); err != nil {
		return model.SplitOrder{}, fmt.Errorf("decode split: %w", err)
	}
	so.Version = version
	return so, nil
}

func (s *Store) GetSplit(ctx context.Context, splitID string) (model.SplitOrder, error) {
	var payload string
	var version int64
	err := s.queryRow(ctx, `SELECT payload, version FROM splits WHERE split_id = ?`, splitID).Scan(&payload, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return model.SplitOrder{}, model.NotFoundError{Entity: model.EntitySplit, ID: splitID}
	}
	if err != nil {
		return model.SplitOrder{}, fmt.Errorf("select split: %w", err)
	}
	return decodeSplit(payload, version)
}

func (s *Store) ListSplitsByOrder(ctx context.Context, orderID string) ([]model.SplitOrder, error) {
	rows, err := s.query(ctx, `SELECT payload, version FROM splits WHERE order_id = ? ORDER BY split_id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("select splits: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []model.SplitOrder
	for rows.Next() {
		var payload string
		var version int64
		if err := rows.Scan(&payload, &version); err != nil {
			return nil, fmt.Errorf("scan split: %w", err)
		}
		so, err := decodeSplit(payload, version)
		if err != nil {
			return nil, err
		}
		out = append(out, so)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate splits: %w", err)
	}
	return out, nil
}

func (s *Store) UpdateSplit(ctx context.Context, splitID string, fn func(*model.SplitOrder) error) (model.SplitOrder, error) {
	cur, err := s.GetSplit(ctx, splitID)
	if err != nil {
		return model.SplitOrder{}, err
	}
	next := cur.Clone()
	if err := fn(&next); err != nil {
		return model.SplitOrder{}, err
	}
	next.SplitID = cur.SplitID
	next.Version = cur.Version + 1
	payload, err := json.Marshal(next)
	if err != nil {
		return model.SplitOrder{}, fmt.Errorf("encode split: %w", err)
	}
	res, err := s.exec(ctx, `UPDATE splits SET status = ?, version = ?, payload = ?, updated_at = ?
		WHERE split_id = ? AND version = ?`,
		string(next.OrderStatus), next.Version, string(payload), time.Now().UTC().UnixMilli(), splitID, cur.Version)
	if err != nil {
		return model.SplitOrder{}, fmt.Errorf("update split: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return model.SplitOrder{}, fmt.Errorf("update split: %w", err)
	}
	if n == 0 {
		return model.SplitOrder{}, fmt.Errorf("split %s: %w", splitID, model.ErrConflict)
	}
	return next, nil
}

func (s *Store) CreateOrderInfo(ctx context.Context, info model.OrderInfo) (bool, error) {
	payload, err := json.Marshal(info)
	if err != nil {
		return false, fmt.Errorf("encode order info: %w", err)
	}
	res, err := s.exec(ctx, `INSERT INTO order_info(order_id, version, payload) VALUES(?,1,?)
		ON CONFLICT(order_id) DO NOTHING`, info.OrderID, string(payload))
	if err != nil {
		return false, fmt.Errorf("insert order info: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert order info: %w", err)
	}
	return n == 1, nil
}

func (s *Store) getOrderInfo(ctx context.Context, orderID string) (model.OrderInfo, int64, error) {
	var payload string
	var version int64
	err := s.queryRow(ctx, `SELECT payload, version FROM order_info WHERE order_id = ?`, orderID).Scan(&payload, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return model.OrderInfo{}, 0, model.NotFoundError{Entity: model.EntityInfo, ID: orderID}
	}
	if err != nil {
		return model.OrderInfo{}, 0, fmt.Errorf("select order info: %w", err)
	}
	var info model.OrderInfo
	if err := json.Unmarshal([]byte(payload), &info); err != nil {
		return model.OrderInfo{}, 0, fmt.Errorf("decode order info: %w", err)
	}
	return info, version, nil
}

func (s *Store) GetOrderInfo(ctx context.Context, orderID string) (model.OrderInfo, error) {
	info, _, err := s.getOrderInfo(ctx, orderID)
	return info, err
}

func (s *Store) MarkSent(ctx context.Context, orderID string, ev model.NotificationEvent) (bool, error) {
	for i := 0; i < casRetries; i++ {
		info, version, err := s.getOrderInfo(ctx, orderID)
		if err != nil {
			return false, err
		}
		if info.Sent[ev] {
			return false, nil
		}
		if info.Sent == nil {
			info.Sent = make(map[model.NotificationEvent]bool)
		}
		info.Sent[ev] = true
		payload, err := json.Marshal(info)
		if err != nil {
			return false, fmt.Errorf("encode order info: %w", err)
		}
		res, err := s.exec(ctx, `UPDATE order_info SET payload = ?, version = ? WHERE order_id = ? AND version = ?`,
			string(payload), version+1, orderID, version)
		if err != nil {
			return false, fmt.Errorf("update order info: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 1 {
			return true, nil
		}
	}
	return false, fmt.Errorf("order info %s: %w", orderID, model.ErrConflict)
}

func (s *Store) AppendNotification(ctx context.Context, l model.NotificationLog) error {
	_, err := s.exec(ctx, `INSERT INTO notification_log(id, channel, reference, event, outcome, message, created_at)
		VALUES(?,?,?,?,?,?,?)`,
		l.ID, l.Channel, l.Reference, l.Event, l.Outcome, l.Message, millis(l.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert notification log: %w", err)
	}
	return nil
}

func (s *Store) ListNotifications(ctx context.Context, reference string) ([]model.NotificationLog, error) {
	q := `SELECT id, channel, reference, event, outcome, message, created_at FROM notification_log`
	var args []any
	if reference != "" {
		q += ` WHERE reference = ?`
		args = append(args, reference)
	}
	q += ` ORDER BY seq`
	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("select notification log: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []model.NotificationLog
	for rows.Next() {
		var l model.NotificationLog
		var created int64
		if err := rows.Scan(&l.ID, &l.Channel, &l.Reference, &l.Event, &l.Outcome, &l.Message, &created); err != nil {
			return nil, fmt.Errorf("scan notification log: %w", err)
		}
		l.CreatedAt = fromMillis(created)
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notification log: %w", err)
	}
	return out, nil
}

// UpsertStock writes all rows in one transaction.
func (s *Store) UpsertStock(ctx context.Context, recs []model.StockRecord) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	q := rebind(s.dialect, `INSERT INTO stock_records(sku, store_id, raw_stock, buffer_stock, observed_at)
		VALUES(?,?,?,?,?)
		ON CONFLICT(sku, store_id) DO UPDATE SET raw_stock = excluded.raw_stock,
			buffer_stock = excluded.buffer_stock, observed_at = excluded.observed_at`)
	for _, r := range recs {
		if _, err := tx.ExecContext(ctx, q, r.SKU, r.StoreID, r.RawStock, r.BufferStock, millis(r.ObservedAt)); err != nil {
			return fmt.Errorf("upsert stock %s/%s: %w", r.StoreID, r.SKU, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

func scanStock(rows *sql.Rows) ([]model.StockRecord, error) {
	defer func() { _ = rows.Close() }()
	var out []model.StockRecord
	for rows.Next() {
		var r model.StockRecord
		var observed int64
		if err := rows.Scan(&r.SKU, &r.StoreID, &r.RawStock, &r.BufferStock, &observed); err != nil {
			return nil, fmt.Errorf("scan stock: %w", err)
		}
		r.ObservedAt = fromMillis(observed)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stock: %w", err)
	}
	return out, nil
}

func (s *Store) StockBySKU(ctx context.Context, sku string) ([]model.StockRecord, error) {
	rows, err := s.query(ctx, `SELECT sku, store_id, raw_stock, buffer_stock, observed_at
		FROM stock_records WHERE sku = ? ORDER BY store_id`, sku)
	if err != nil {
		return nil, fmt.Errorf("select stock: %w", err)
	}
	return scanStock(rows)
}

func (s *Store) Levels(ctx context.Context, skus []string) (repo.Levels, error) {
	out := make(repo.Levels, len(skus))
	if len(skus) == 0 {
		return out, nil
	}
	args := make([]any, len(skus))
	for i, sku := range skus {
		args[i] = sku
		out[sku] = make(map[string]model.StockRecord)
	}
	q := `SELECT sku, store_id, raw_stock, buffer_stock, observed_at FROM stock_records WHERE sku IN (` +
		strings.TrimSuffix(strings.Repeat("?,", len(skus)), ",") + `)`
	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("select levels: %w", err)
	}
	recs, err := scanStock(rows)
	if err != nil {
		return nil, err
	}
	for _, r := range recs {
		out[r.SKU][r.StoreID] = r
	}
	return out, nil
}

func (s *Store) UpsertStore(ctx context.Context, st model.Store) error {
	payload, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode store: %w", err)
	}
	if _, err := s.exec(ctx, `INSERT INTO stores(id, payload) VALUES(?,?)
		ON CONFLICT(id) DO UPDATE SET payload = excluded.payload`, st.ID, string(payload)); err != nil {
		return fmt.Errorf("upsert store: %w", err)
	}
	return nil
}

// ListStores returns stores in insertion order. It also serves directory.Source.
func (s *Store) ListStores(ctx context.Context) ([]model.Store, error) {
	rows, err := s.query(ctx, `SELECT payload FROM stores ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("select stores: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []model.Store
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan store: %w", err)
		}
		var st model.Store
		if err := json.Unmarshal([]byte(payload), &st); err != nil {
			return nil, fmt.Errorf("decode store: %w", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stores: %w", err)
	}
	return out, nil
}

package repo

import (
	"context"
	"sort"
	"sync"

	"ofs/internal/model"
)

// Memory is an in-process Repository.
type Memory struct {
	mu       sync.RWMutex
	splits   map[string]model.SplitOrder
	byOrder  map[string][]string
	infos    map[string]model.OrderInfo
	logs     []model.NotificationLog
	stock    map[string]map[string]model.StockRecord
	stores   map[string]model.Store
	storeSeq []string
}

var _ Repository = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		splits:  make(map[string]model.SplitOrder),
		byOrder: make(map[string][]string),
		infos:   make(map[string]model.OrderInfo),
		stock:   make(map[string]map[string]model.StockRecord),
		stores:  make(map[string]model.Store),
	}
}

func (m *Memory) CreateSplit(_ context.Context, s model.SplitOrder) (model.SplitOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.splits[s.SplitID]; exists {
		return model.SplitOrder{}, model.ErrDuplicateSplit
	}
	s = s.Clone()
	s.Version = 1
	m.splits[s.SplitID] = s
	m.byOrder[s.OrderID] = append(m.byOrder[s.OrderID], s.SplitID)
	return s.Clone(), nil
}

func (m *Memory) GetSplit(_ context.Context, splitID string) (model.SplitOrder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.splits[splitID]
	if !ok {
		return model.SplitOrder{}, model.NotFoundError{Entity: model.EntitySplit, ID: splitID}
	}
	return s.Clone(), nil
}

func (m *Memory) ListSplitsByOrder(_ context.Context, orderID string) ([]model.SplitOrder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.byOrder[orderID]
	out := make([]model.SplitOrder, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.splits[id].Clone())
	}
	return out, nil
}

func (m *Memory) UpdateSplit(_ context.Context, splitID string, fn func(*model.SplitOrder) error) (model.SplitOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.splits[splitID]
	if !ok {
		return model.SplitOrder{}, model.NotFoundError{Entity: model.EntitySplit, ID: splitID}
	}
	next := cur.Clone()
	if err := fn(&next); err != nil {
		return model.SplitOrder{}, err
	}
	next.SplitID = cur.SplitID
	next.Version = cur.Version + 1
	m.splits[splitID] = next
	return next.Clone(), nil
}

func cloneInfo(info model.OrderInfo) model.OrderInfo {
	sent := make(map[model.NotificationEvent]bool, len(info.Sent))
	for k, v := range info.Sent {
		sent[k] = v
	}
	info.Sent = sent
	return info
}

func (m *Memory) CreateOrderInfo(_ context.Context, info model.OrderInfo) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.infos[info.OrderID]; exists {
		return false, nil
	}
	m.infos[info.OrderID] = cloneInfo(info)
	return true, nil
}

func (m *Memory) GetOrderInfo(_ context.Context, orderID string) (model.OrderInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, ok := m.infos[orderID]
	if !ok {
		return model.OrderInfo{}, model.NotFoundError{Entity: model.EntityInfo, ID: orderID}
	}
	return cloneInfo(info), nil
}

func (m *Memory) MarkSent(_ context.Context, orderID string, ev model.NotificationEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.infos[orderID]
	if !ok {
		return false, model.NotFoundError{Entity: model.EntityInfo, ID: orderID}
	}
	if info.Sent[ev] {
		return false, nil
	}
	info = cloneInfo(info)
	info.Sent[ev] = true
	m.infos[orderID] = info
	return true, nil
}

func (m *Memory) AppendNotification(_ context.Context, l model.NotificationLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, l)
	return nil
}

func (m *Memory) ListNotifications(_ context.Context, reference string) ([]model.NotificationLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.NotificationLog
	for _, l := range m.logs {
		if reference == "" || l.Reference == reference {
			out = append(out, l)
		}
	}
	return out, nil
}

func (m *Memory) UpsertStock(_ context.Context, recs []model.StockRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range recs {
		bySKU := m.stock[r.SKU]
		if bySKU == nil {
			bySKU = make(map[string]model.StockRecord)
			m.stock[r.SKU] = bySKU
		}
		bySKU[r.StoreID] = r
	}
	return nil
}

func (m *Memory) StockBySKU(_ context.Context, sku string) ([]model.StockRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.StockRecord, 0, len(m.stock[sku]))
	for _, r := range m.stock[sku] {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StoreID < out[j].StoreID })
	return out, nil
}

func (m *Memory) Levels(_ context.Context, skus []string) (Levels, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(Levels, len(skus))
	for _, sku := range skus {
		rows := make(map[string]model.StockRecord, len(m.stock[sku]))
		for id, r := range m.stock[sku] {
			rows[id] = r
		}
		out[sku] = rows
	}
	return out, nil
}

func (m *Memory) UpsertStore(_ context.Context, s model.Store) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.stores[s.ID]; !exists {
		m.storeSeq = append(m.storeSeq, s.ID)
	}
	s.ServicePincodes = append([]string(nil), s.ServicePincodes...)
	m.stores[s.ID] = s
	return nil
}

func (m *Memory) ListStores(_ context.Context) ([]model.Store, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Store, 0, len(m.storeSeq))
	for _, id := range m.storeSeq {
		out = append(out, m.stores[id])
	}
	return out, nil
}

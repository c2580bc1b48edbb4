package feed

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"ofs/internal/directory"
	"ofs/internal/httpjson"
	"ofs/internal/model"
	"ofs/internal/repo"
	"ofs/internal/state"
	"ofs/internal/stock"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// pagedSource serves five pages with one record each and fails page failOn once.
type pagedSource struct {
	failOn  int
	failed  bool
	fetched []int
	since   []time.Time
}

func (s *pagedSource) ListStock(_ context.Context, since time.Time, page int) (Page, error) {
	s.fetched = append(s.fetched, page)
	s.since = append(s.since, since)
	if page == s.failOn && !s.failed {
		s.failed = true
		return Page{}, &model.UpstreamError{Service: "feed", Op: "list stock", Err: errors.New("503")}
	}
	return Page{
		TotalPages: 5,
		Records: []Record{{
			SKU:       fmt.Sprintf("SKU-%d", page),
			OutletID:  "BLR01",
			Stock:     int64(page),
			Timestamp: t0.Add(time.Duration(page) * time.Minute),
		}},
	}, nil
}

func newProcessor(src Source, cp CheckpointStore) (*Processor, *repo.Memory, *state.InMemoryStore) {
	dir := directory.NewMemoryDirectory(
		model.Store{ID: "s1", Code: "BLR01", Status: model.StoreActive},
		model.Store{ID: "s2", Code: "BLR02", Status: model.StoreActive},
	)
	r := repo.NewMemory()
	st := state.NewInMemoryStore()
	agg := stock.NewAggregator(r, dir, st, stock.Single{})
	return NewProcessor(src, dir, r, agg, r, cp), r, st
}

func TestRun_ResumesFromFailedPage(t *testing.T) {
	ctx := context.Background()
	src := &pagedSource{failOn: 3}
	cp := &MemoryCheckpoint{}
	p, r, st := newProcessor(src, cp)

	_, err := p.Run(ctx)
	if !errors.Is(err, model.ErrUpstreamUnavailable) {
		t.Fatalf("want upstream error, got %v", err)
	}
	for _, sku := range []string{"SKU-1", "SKU-2"} {
		if _, ok := st.Get(model.StockKey("s1", sku)); !ok {
			t.Fatalf("%s from an earlier page should be committed", sku)
		}
	}
	if _, ok := st.Get(model.StockKey("s1", "SKU-3")); ok {
		t.Fatalf("failed page must not be committed")
	}
	logs, _ := r.ListNotifications(ctx, "")
	if len(logs) != 1 || logs[0].Outcome != model.OutcomeFailure || logs[0].Channel != model.ChannelFeed {
		t.Fatalf("want one failure record, got %+v", logs)
	}
	saved, _, _ := cp.Load(ctx)
	if saved.Page != 3 || saved.Done {
		t.Fatalf("cursor should point at page 3: %+v", saved)
	}

	src.fetched = nil
	sum, err := p.Run(ctx)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if !sum.Resumed || sum.RunID != saved.RunID || sum.Pages != 3 {
		t.Fatalf("unexpected retry summary: %+v", sum)
	}
	if src.fetched[0] != 3 {
		t.Fatalf("retry must resume at page 3, fetched %v", src.fetched)
	}
	if rec, ok := st.Get(model.StockKey("s1", "SKU-5")); !ok || rec.HybridStock != 5 {
		t.Fatalf("last page not applied: %+v", rec)
	}
	logs, _ = r.ListNotifications(ctx, saved.RunID)
	if len(logs) != 2 || logs[1].Outcome != model.OutcomeSuccess {
		t.Fatalf("want success record after retry, got %+v", logs)
	}
}

func TestRun_NextRunStartsAtWatermark(t *testing.T) {
	ctx := context.Background()
	src := &pagedSource{}
	cp := &MemoryCheckpoint{}
	p, _, _ := newProcessor(src, cp)
	if _, err := p.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	src.since = nil
	sum, err := p.Run(ctx)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if sum.Resumed {
		t.Fatalf("completed run must not be resumed")
	}
	if want := t0.Add(5 * time.Minute); !src.since[0].Equal(want) {
		t.Fatalf("want since %v, got %v", want, src.since[0])
	}
}

type staticSource struct{ page Page }

func (s staticSource) ListStock(context.Context, time.Time, int) (Page, error) { return s.page, nil }

func TestRun_SkipsUnknownOutletsAndMapsByCodeOrID(t *testing.T) {
	ctx := context.Background()
	src := staticSource{page: Page{TotalPages: 1, Records: []Record{
		{SKU: "A", OutletID: "BLR01", Stock: 3, BufferStock: 1, Timestamp: t0},
		{SKU: "A", OutletID: "s2", Stock: 4, Timestamp: t0},
		{SKU: "A", OutletID: "NOPE", Stock: 9, Timestamp: t0},
		{SKU: "", OutletID: "BLR01", Stock: 9, Timestamp: t0},
	}}}
	p, r, _ := newProcessor(src, &MemoryCheckpoint{})
	sum, err := p.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Records != 2 || sum.Skipped != 2 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	rows, _ := r.StockBySKU(ctx, "A")
	if len(rows) != 2 || rows[0].StoreID != "s1" || rows[0].BufferStock != 1 {
		t.Fatalf("unexpected stock rows: %+v", rows)
	}
}

func TestRun_EmptyFeed(t *testing.T) {
	p, _, _ := newProcessor(staticSource{}, &MemoryCheckpoint{})
	sum, err := p.Run(context.Background())
	if err != nil || sum.Records != 0 {
		t.Fatalf("empty feed: %+v %v", sum, err)
	}
}

func TestFileCheckpoint_RoundTrip(t *testing.T) {
	ctx := context.Background()
	cp := NewFileCheckpoint(filepath.Join(t.TempDir(), "sub", "cursor.json"))
	if _, ok, err := cp.Load(ctx); ok || err != nil {
		t.Fatalf("fresh checkpoint: %v %v", ok, err)
	}
	want := Cursor{RunID: "r", Page: 3, TotalPages: 5, MaxSeen: t0}
	if err := cp.Save(ctx, want); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, ok, err := cp.Load(ctx)
	if err != nil || !ok || got.Page != 3 || !got.MaxSeen.Equal(t0) {
		t.Fatalf("load: %+v %v %v", got, ok, err)
	}
}

func TestFileSource_PagesAndFilters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feed.jsonl")
	content := ""
	for i := 1; i <= 5; i++ {
		content += fmt.Sprintf(`{"sku":"S%d","outletId":"BLR01","stock":%d,"timestamp":%q}`+"\n",
			i, i, t0.Add(time.Duration(i)*time.Minute).Format(time.RFC3339))
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	src := NewFileSource(path, 2)
	pg, err := src.ListStock(context.Background(), time.Time{}, 3)
	if err != nil || pg.TotalPages != 3 || len(pg.Records) != 1 || pg.Records[0].SKU != "S5" {
		t.Fatalf("page 3: %+v %v", pg, err)
	}
	pg, _ = src.ListStock(context.Background(), t0.Add(3*time.Minute), 1)
	if pg.TotalPages != 1 || len(pg.Records) != 2 {
		t.Fatalf("since filter: %+v", pg)
	}
	if _, err := NewFileSource(filepath.Join(t.TempDir(), "none"), 2).ListStock(context.Background(), time.Time{}, 1); !errors.Is(err, model.ErrUpstreamUnavailable) {
		t.Fatalf("missing file should be upstream unavailable: %v", err)
	}
}

func TestHTTPSource_ListStock(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/stock" || r.URL.Query().Get("page") != "2" || r.URL.Query().Get("since") == "" {
			t.Errorf("unexpected request %s", r.URL)
		}
		_, _ = w.Write([]byte(`{"records":[{"sku":"A","outletId":"BLR01","stock":4}],"totalPages":2}`))
	}))
	defer srv.Close()
	src := NewHTTPSource(httpjson.New("feed", srv.URL, time.Second))
	pg, err := src.ListStock(context.Background(), t0, 2)
	if err != nil || pg.TotalPages != 2 || pg.Records[0].Stock != 4 {
		t.Fatalf("http page: %+v %v", pg, err)
	}
}

package feed

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"ofs/internal/httpjson"
	"ofs/internal/model"
)

// Record is one row delivered by the inventory feed.
type Record struct {
	SKU         string    `json:"sku"`
	StoreName   string    `json:"storeName"`
	OutletID    string    `json:"outletId"`
	Stock       int64     `json:"stock"`
	BufferStock int64     `json:"bufferStock"`
	Timestamp   time.Time `json:"timestamp"`
}

// Page is one page of feed records.
type Page struct {
	Records    []Record `json:"records"`
	TotalPages int      `json:"totalPages"`
}

// Source lists stock changed after since. Pages are 1-based.
type Source interface {
	ListStock(ctx context.Context, since time.Time, page int) (Page, error)
}

// HTTPSource reads pages from the ERP's stock endpoint.
type HTTPSource struct {
	client *httpjson.Client
}

func NewHTTPSource(client *httpjson.Client) *HTTPSource {
	return &HTTPSource{client: client}
}

func (s *HTTPSource) ListStock(ctx context.Context, since time.Time, page int) (Page, error) {
	q := url.Values{}
	if !since.IsZero() {
		q.Set("since", since.UTC().Format(time.RFC3339Nano))
	}
	q.Set("page", strconv.Itoa(page))
	var out Page
	if err := s.client.Do(ctx, "list stock", http.MethodGet, "/stock?"+q.Encode(), nil, &out, model.NotFoundError{}); err != nil {
		return Page{}, err
	}
	return out, nil
}

// FileSource serves a JSONL file of records in fixed-size pages, for local runs.
type FileSource struct {
	path     string
	pageSize int
}

func NewFileSource(path string, pageSize int) *FileSource {
	if pageSize <= 0 {
		pageSize = 500
	}
	return &FileSource{path: path, pageSize: pageSize}
}

func (s *FileSource) ListStock(ctx context.Context, since time.Time, page int) (Page, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return Page{}, &model.UpstreamError{Service: "feed", Op: "open", Err: err}
	}
	defer f.Close()
	var all []Record
	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var r Record
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			return Page{}, fmt.Errorf("feed line %d: %w", line, err)
		}
		if !since.IsZero() && !r.Timestamp.After(since) {
			continue
		}
		all = append(all, r)
	}
	if err := sc.Err(); err != nil {
		return Page{}, &model.UpstreamError{Service: "feed", Op: "read", Err: err}
	}
	total := (len(all) + s.pageSize - 1) / s.pageSize
	if page < 1 || page > total {
		return Page{TotalPages: total}, nil
	}
	lo := (page - 1) * s.pageSize
	hi := lo + s.pageSize
	if hi > len(all) {
		hi = len(all)
	}
	return Page{Records: all[lo:hi], TotalPages: total}, nil
}

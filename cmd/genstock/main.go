package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"ofs/internal/feed"
	"ofs/internal/model"
)

// genstock writes a store directory, a matching inventory feed and a batch of orders
// for local runs: point -stores-file and -feed-url=file://... at the output.
func main() {
	var (
		outDir   string
		clusters int
		perC     int
		skus     int
		orders   int
		seed     int64
	)
	flag.StringVar(&outDir, "out", "./data/gen", "output directory")
	flag.IntVar(&clusters, "clusters", 2, "number of store clusters")
	flag.IntVar(&perC, "stores-per-cluster", 3, "stores in each cluster")
	flag.IntVar(&skus, "skus", 20, "distinct skus")
	flag.IntVar(&orders, "orders", 50, "orders to generate")
	flag.Int64Var(&seed, "seed", time.Now().UnixNano(), "random seed")
	flag.Parse()

	rng := rand.New(rand.NewSource(seed))
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		log.Fatalf("mkdir: %v", err)
	}
	stores := genStores(clusters, perC)
	if err := writeJSON(filepath.Join(outDir, "stores.json"), stores); err != nil {
		log.Fatalf("stores: %v", err)
	}
	if err := writeLines(filepath.Join(outDir, "feed.jsonl"), genFeed(rng, stores, skus)); err != nil {
		log.Fatalf("feed: %v", err)
	}
	if err := writeLines(filepath.Join(outDir, "orders.jsonl"), genOrders(rng, stores, skus, orders)); err != nil {
		log.Fatalf("orders: %v", err)
	}
	log.Printf("generated %d stores, %d skus, %d orders in %s (seed %d)", len(stores), skus, orders, outDir, seed)
}

// genStores chains each store in a cluster to the next one as its backup.
func genStores(clusters, perCluster int) []model.Store {
	var out []model.Store
	for c := 0; c < clusters; c++ {
		for i := 0; i < perCluster; i++ {
			n := c*perCluster + i + 1
			s := model.Store{
				ID:      fmt.Sprintf("S%d", n),
				Code:    fmt.Sprintf("OUT-%d", n),
				Name:    fmt.Sprintf("Store %d", n),
				Cluster: fmt.Sprintf("C%d", c+1),
				Status:  model.StoreActive,
				Pincode: fmt.Sprintf("5600%02d", n),
			}
			if i+1 < perCluster {
				s.BackupStoreID = fmt.Sprintf("S%d", n+1)
			}
			out = append(out, s)
		}
	}
	return out
}

func sku(i int) string { return fmt.Sprintf("SKU-%03d", i+1) }

func genFeed(rng *rand.Rand, stores []model.Store, skus int) []any {
	now := time.Now().UTC().Truncate(time.Second)
	var out []any
	for _, s := range stores {
		for i := 0; i < skus; i++ {
			if rng.Intn(4) == 0 {
				continue
			}
			out = append(out, feed.Record{
				SKU:         sku(i),
				StoreName:   s.Name,
				OutletID:    s.Code,
				Stock:       int64(rng.Intn(25)),
				BufferStock: int64(rng.Intn(3)),
				Timestamp:   now,
			})
		}
	}
	return out
}

func genOrders(rng *rand.Rand, stores []model.Store, skus, count int) []any {
	out := make([]any, 0, count)
	for n := 0; n < count; n++ {
		o := model.Order{
			ID:              fmt.Sprintf("o%d", n+1),
			Number:          fmt.Sprintf("%d", 1001+n),
			FinancialStatus: "paid",
			ShippingAddress: model.Address{Pincode: stores[rng.Intn(len(stores))].Pincode},
		}
		for i, lines := 0, 1+rng.Intn(3); i < lines; i++ {
			o.LineItems = append(o.LineItems, model.LineItem{
				ID:       fmt.Sprintf("%s-l%d", o.ID, i+1),
				SKU:      sku(rng.Intn(skus)),
				Quantity: int64(1 + rng.Intn(4)),
			})
		}
		out = append(out, o)
	}
	return out
}

func writeJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

func writeLines(path string, vs []any) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	for i, v := range vs {
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("encode line %d: %w", i+1, err)
		}
	}
	return f.Close()
}

// Command riverbed runs the store behind a small HTTP API: get, put,
// delete, a bounded range fold, and a stats endpoint, with a graceful
// shutdown on SIGINT/SIGTERM.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	riverbed "github.com/0xReLogic/riverbed"
	"github.com/0xReLogic/riverbed/internal/record"
)

var (
	dataDir  = flag.String("data-dir", "./data", "Directory for storing data")
	httpAddr = flag.String("http-addr", ":8080", "HTTP server address")
)

func main() {
	flag.Parse()

	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		log.Fatalf("create data directory: %v", err)
	}

	tree, err := riverbed.Open(*dataDir, riverbed.DefaultOptions())
	if err != nil {
		log.Fatalf("open tree: %v", err)
	}
	defer tree.Close()

	server := &http.Server{
		Addr:    *httpAddr,
		Handler: newHandler(tree),
	}

	go func() {
		log.Printf("riverbed listening on %s (data-dir=%s)", *httpAddr, *dataDir)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server: %v", err)
		}
	}()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-signalChan
	log.Printf("received signal %v, shutting down", sig)

	if err := server.Close(); err != nil {
		log.Printf("http server close: %v", err)
	}
	if err := tree.Close(); err != nil {
		log.Printf("tree close: %v", err)
	}
	log.Println("riverbed stopped")
}

func newHandler(tree *riverbed.Tree) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if tree.Degraded() {
			http.Error(w, "degraded", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	mux.HandleFunc("/get", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		key := r.URL.Query().Get("key")
		if key == "" {
			http.Error(w, "key is required", http.StatusBadRequest)
			return
		}

		rec, ok, err := tree.Lookup([]byte(key))
		if err != nil {
			http.Error(w, fmt.Sprintf("error: %v", err), http.StatusInternalServerError)
			return
		}
		if !ok {
			http.Error(w, "key not found", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write(rec.Value)
	})

	mux.HandleFunc("/put", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		key := r.URL.Query().Get("key")
		if key == "" {
			http.Error(w, "key is required", http.StatusBadRequest)
			return
		}
		value, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, fmt.Sprintf("error reading body: %v", err), http.StatusInternalServerError)
			return
		}
		if err := tree.Put([]byte(key), value); err != nil {
			http.Error(w, fmt.Sprintf("error: %v", err), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	mux.HandleFunc("/delete", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		key := r.URL.Query().Get("key")
		if key == "" {
			http.Error(w, "key is required", http.StatusBadRequest)
			return
		}
		if err := tree.Delete([]byte(key)); err != nil {
			http.Error(w, fmt.Sprintf("error: %v", err), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Range folds [from, to) in ascending order, up to limit records
	// (default 1000), returned as a JSON array of {key, value} objects.
	mux.HandleFunc("/range", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		q := r.URL.Query()
		var from, to []byte
		if v := q.Get("from"); v != "" {
			from = []byte(v)
		}
		if v := q.Get("to"); v != "" {
			to = []byte(v)
		}
		limit := 1000
		if v := q.Get("limit"); v != "" {
			parsed, err := strconv.Atoi(v)
			if err != nil || parsed <= 0 {
				http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
				return
			}
			limit = parsed
		}

		type kv struct {
			Key   string `json:"key"`
			Value string `json:"value"`
		}
		results := make([]kv, 0, limit)
		err := tree.SyncRange(riverbed.KeyRange(from, to), func(rec record.Record) error {
			if len(results) >= limit {
				return nil
			}
			results = append(results, kv{Key: string(rec.Key), Value: string(rec.Value)})
			return nil
		})
		if err != nil {
			http.Error(w, fmt.Sprintf("error: %v", err), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(results)
	})

	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		statsJSON, err := json.Marshal(tree.Stats())
		if err != nil {
			http.Error(w, fmt.Sprintf("error: %v", err), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(statsJSON)
	})

	return mux
}

// Package nursery is the write buffer in front of the level chain: an
// in-memory map (sorted on demand by Sorted) backed by a CRC-framed log for crash recovery.
// Once it reaches its configured size it is handed off to be flushed
// into a level-0 file and replaced with a fresh, empty nursery.
package nursery

import (
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/0xReLogic/riverbed/internal/record"
)

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

const logFileName = "nursery.data"

// Nursery is the bounded, durable write buffer.
type Nursery struct {
	mu      sync.RWMutex
	dir     string
	logPath string
	log     *logWriter
	entries map[string]record.Record
	max     int
}

// New creates an empty in-memory nursery backed by the log file in dir,
// creating the file if absent; an existing log is appended to, not
// truncated.
func New(dir string, max int) (*Nursery, error) {
	logPath := filepath.Join(dir, logFileName)
	lw, err := openLog(logPath)
	if err != nil {
		return nil, err
	}
	return &Nursery{
		dir:     dir,
		logPath: logPath,
		log:     lw,
		entries: make(map[string]record.Record),
		max:     max,
	}, nil
}

// Recover rebuilds a nursery from an existing log file (if any),
// replaying every entry in order. full reports whether the recovered
// nursery is already at or past its size bound; the caller should
// flush it to a level-0 file before accepting new writes, exactly as
// it would have done had the process not crashed.
func Recover(dir string, max int) (n *Nursery, full bool, err error) {
	logPath := filepath.Join(dir, logFileName)

	entries := make(map[string]record.Record)
	replayErr := replayLog(logPath, func(e logEntry) error {
		switch e.Op {
		case opPut:
			entries[string(e.Key)] = record.Record{Key: e.Key, Value: e.Value}
		case opDelete:
			entries[string(e.Key)] = record.Record{Key: e.Key, Tombstone: true}
		}
		return nil
	})
	if replayErr != nil {
		return nil, false, replayErr
	}

	lw, err := openLog(logPath)
	if err != nil {
		return nil, false, err
	}

	n = &Nursery{
		dir:     dir,
		logPath: logPath,
		log:     lw,
		entries: entries,
		max:     max,
	}
	return n, len(entries) >= max, nil
}

// Add records rec durably in the log, then in memory. full reports
// whether the nursery has now reached its configured size bound and
// should be handed off for flushing.
func (n *Nursery) Add(rec record.Record) (full bool, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if rec.Tombstone {
		if err := n.log.appendDelete(rec.Key); err != nil {
			return false, err
		}
	} else {
		if err := n.log.appendPut(rec.Key, rec.Value); err != nil {
			return false, err
		}
	}
	n.entries[string(rec.Key)] = rec.Clone()
	return len(n.entries) >= n.max, nil
}

// Lookup returns the nursery's current value for key, if any.
func (n *Nursery) Lookup(key []byte) (record.Record, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	rec, ok := n.entries[string(key)]
	return rec, ok
}

// Sorted returns every entry currently held, in ascending key order,
// ready to feed an index writer.
func (n *Nursery) Sorted() []record.Record {
	n.mu.RLock()
	defer n.mu.RUnlock()

	out := make([]record.Record, 0, len(n.entries))
	for _, rec := range n.entries {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return record.Less(out[i], out[j]) })
	return out
}

// Len returns the number of distinct keys currently buffered.
func (n *Nursery) Len() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.entries)
}

// Close flushes and closes the underlying log file without discarding
// it, so a future Recover can replay it.
func (n *Nursery) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.log.close()
}

// DiscardLog is called once the nursery's contents have been durably
// written to a level-0 file: it retires the old log and starts a fresh
// one, clearing in-memory state so the nursery is ready to buffer new
// writes again.
func (n *Nursery) DiscardLog() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if err := n.log.close(); err != nil {
		return err
	}
	if err := removeIfExists(n.logPath); err != nil {
		return err
	}
	lw, err := openLog(n.logPath)
	if err != nil {
		return err
	}
	n.log = lw
	n.entries = make(map[string]record.Record)
	return nil
}

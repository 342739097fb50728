// Package events maintains the per-pool deposit event history the merkle
// reconstructor builds from. History is fetched incrementally in bounded
// chunks, persisted as one JSON file per pool, and fronted by a short-TTL
// memory layer so withdrawal bursts do not re-touch disk or the RPC.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// DepositLeaf is one on-chain Deposit event.
type DepositLeaf struct {
	Commitment  string `json:"commitment"` // 0x-prefixed 32-byte hex
	LeafIndex   uint32 `json:"leafIndex"`
	BlockNumber uint64 `json:"blockNumber"`
	Timestamp   uint64 `json:"timestamp"`
}

// Source supplies chain data. The production implementation wraps an
// ethclient; tests substitute a fake.
type Source interface {
	CurrentBlock(ctx context.Context) (uint64, error)
	// DepositLeaves returns the Deposit events for pool in [from, to].
	DepositLeaves(ctx context.Context, pool string, from, to uint64) ([]DepositLeaf, error)
}

// Options tunes a Cache.
type Options struct {
	Dir       string
	ChunkSize uint64
	MemoryTTL time.Duration
}

// Cache is the per-pool event cache. Concurrent refreshes for the same pool
// coalesce into a single upstream scan; disk writes are serialized per pool.
type Cache struct {
	source Source
	opts   Options
	log    *logrus.Logger

	flight singleflight.Group

	mu    sync.Mutex
	pools map[string]*poolState
}

type poolState struct {
	mu        sync.Mutex
	leaves    []DepositLeaf
	lastBlock uint64
	loaded    bool
	fetchedAt time.Time
}

type cacheFile struct {
	Events    []DepositLeaf `json:"events"`
	LastBlock uint64        `json:"lastBlock"`
}

// NewCache creates a cache over source. Zero option fields get conservative
// defaults (10k-block chunks, 60s memory TTL).
func NewCache(source Source, opts Options, log *logrus.Logger) *Cache {
	if opts.ChunkSize == 0 {
		opts.ChunkSize = 10_000
	}
	if opts.MemoryTTL == 0 {
		opts.MemoryTTL = 60 * time.Second
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Cache{source: source, opts: opts, log: log, pools: make(map[string]*poolState)}
}

func (c *Cache) pool(address string) *poolState {
	key := strings.ToLower(address)
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.pools[key]
	if !ok {
		st = &poolState{}
		c.pools[key] = st
	}
	return st
}

// Leaves returns the pool's full leaf history, ordered by leafIndex,
// refreshing from the chain when the memory layer has expired. deployBlock
// anchors the very first scan.
func (c *Cache) Leaves(ctx context.Context, address string, deployBlock uint64) ([]DepositLeaf, error) {
	key := strings.ToLower(address)
	st := c.pool(address)

	st.mu.Lock()
	if st.loaded && time.Since(st.fetchedAt) < c.opts.MemoryTTL {
		leaves := copyLeaves(st.leaves)
		st.mu.Unlock()
		return leaves, nil
	}
	st.mu.Unlock()

	out, err, _ := c.flight.Do(key, func() (interface{}, error) {
		return c.refresh(ctx, key, st, deployBlock)
	})
	if err != nil {
		return nil, err
	}
	return out.([]DepositLeaf), nil
}

// Refresh bypasses the memory TTL and forces a scan to the current head.
func (c *Cache) Refresh(ctx context.Context, address string, deployBlock uint64) ([]DepositLeaf, error) {
	st := c.pool(address)
	st.mu.Lock()
	st.fetchedAt = time.Time{}
	st.mu.Unlock()
	return c.Leaves(ctx, address, deployBlock)
}

// Flush drops both cache layers for a pool.
func (c *Cache) Flush(address string) error {
	key := strings.ToLower(address)
	st := c.pool(address)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.leaves = nil
	st.lastBlock = 0
	st.loaded = false
	st.fetchedAt = time.Time{}
	path := c.filePath(key)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove cache file %s: %w", path, err)
	}
	return nil
}

func (c *Cache) refresh(ctx context.Context, key string, st *poolState, deployBlock uint64) ([]DepositLeaf, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	// A caller that queued behind an in-flight refresh sees its result.
	if st.loaded && time.Since(st.fetchedAt) < c.opts.MemoryTTL {
		return copyLeaves(st.leaves), nil
	}

	if !st.loaded {
		c.loadFile(key, st)
		st.loaded = true
	}

	head, err := c.source.CurrentBlock(ctx)
	if err != nil {
		if len(st.leaves) > 0 {
			c.log.WithError(err).WithField("pool", key).Warn("chain head unavailable, serving cached events")
			st.fetchedAt = time.Now()
			return copyLeaves(st.leaves), nil
		}
		return nil, fmt.Errorf("query chain head: %w", err)
	}

	from := st.lastBlock + 1
	if st.lastBlock == 0 {
		from = deployBlock
	}

	if from <= head {
		prevLast := st.lastBlock
		added, scanErr := c.fetchRange(ctx, key, st, from, head)
		if added > 0 || st.lastBlock != prevLast {
			if err := c.saveFile(key, st); err != nil {
				c.log.WithError(err).WithField("pool", key).Error("failed to persist event cache")
			}
		}
		if scanErr != nil {
			// Do not stamp fetchedAt: the next caller resumes the scan from
			// the last fully fetched chunk instead of serving a partial view.
			return nil, fmt.Errorf("event scan interrupted: %w", scanErr)
		}
		if added > 0 {
			c.log.WithFields(logrus.Fields{
				"pool":   key,
				"added":  added,
				"total":  len(st.leaves),
				"toBlock": head,
			}).Info("event cache updated")
		}
	}

	st.fetchedAt = time.Now()
	return copyLeaves(st.leaves), nil
}

// fetchRange scans [from, to] in chunks, appending new leaves and advancing
// st.lastBlock after every chunk. A chunk the RPC rejects is skipped rather
// than aborting the scan; the gap is logged so the later "deposit not found"
// error has a trail. A cancelled or expired context aborts instead, with
// lastBlock left at the last finished chunk so the unscanned blocks are
// retried on the next refresh.
func (c *Cache) fetchRange(ctx context.Context, key string, st *poolState, from, to uint64) (int, error) {
	seen := make(map[uint32]string, len(st.leaves))
	for _, l := range st.leaves {
		seen[l.LeafIndex] = strings.ToLower(l.Commitment)
	}

	added := 0
	for start := from; start <= to; start += c.opts.ChunkSize {
		end := start + c.opts.ChunkSize - 1
		if end > to {
			end = to
		}
		chunk, err := c.source.DepositLeaves(ctx, key, start, end)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
				c.log.WithError(err).WithFields(logrus.Fields{
					"pool":      key,
					"lastBlock": st.lastBlock,
				}).Warn("event scan interrupted, resuming from last finished chunk")
				sortByLeafIndex(st.leaves)
				return added, err
			}
			c.log.WithError(err).WithFields(logrus.Fields{
				"pool": key,
				"from": start,
				"to":   end,
			}).Warn("skipping failed event chunk")
			st.lastBlock = end
			continue
		}
		for _, leaf := range chunk {
			if prev, dup := seen[leaf.LeafIndex]; dup {
				if prev != strings.ToLower(leaf.Commitment) {
					c.log.WithFields(logrus.Fields{
						"pool":      key,
						"leafIndex": leaf.LeafIndex,
					}).Error("conflicting commitments for leaf index, keeping first")
				}
				continue
			}
			seen[leaf.LeafIndex] = strings.ToLower(leaf.Commitment)
			st.leaves = append(st.leaves, leaf)
			added++
		}
		st.lastBlock = end
	}

	sortByLeafIndex(st.leaves)
	return added, nil
}

func sortByLeafIndex(leaves []DepositLeaf) {
	sort.Slice(leaves, func(i, j int) bool {
		return leaves[i].LeafIndex < leaves[j].LeafIndex
	})
}

func (c *Cache) filePath(key string) string {
	return filepath.Join(c.opts.Dir, fmt.Sprintf("events_%s.json", key))
}

func (c *Cache) loadFile(key string, st *poolState) {
	data, err := os.ReadFile(c.filePath(key))
	if err != nil {
		if !os.IsNotExist(err) {
			c.log.WithError(err).WithField("pool", key).Warn("failed to read event cache file")
		}
		return
	}
	var f cacheFile
	if err := json.Unmarshal(data, &f); err != nil {
		c.log.WithError(err).WithField("pool", key).Warn("corrupt event cache file, rescanning")
		return
	}
	st.leaves = f.Events
	st.lastBlock = f.LastBlock
	c.log.WithFields(logrus.Fields{
		"pool":      key,
		"events":    len(f.Events),
		"lastBlock": f.LastBlock,
	}).Info("loaded event cache from disk")
}

func (c *Cache) saveFile(key string, st *poolState) error {
	if err := os.MkdirAll(c.opts.Dir, 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(cacheFile{Events: st.leaves, LastBlock: st.lastBlock})
	if err != nil {
		return err
	}
	return os.WriteFile(c.filePath(key), data, 0o644)
}

func copyLeaves(in []DepositLeaf) []DepositLeaf {
	out := make([]DepositLeaf, len(in))
	copy(out, in)
	return out
}

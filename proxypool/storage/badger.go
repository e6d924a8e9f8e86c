package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dgraph-io/badger/v4"

	"liuproxy_checker/internal/shared/logger"
	"liuproxy_checker/internal/shared/metrics"
	"liuproxy_checker/proxypool/model"
)

// MemoryPath 作为 database.file 时，badger 以纯内存模式运行。
const MemoryPath = ":memory:"

const (
	recordPrefix  = "p/" // p/<host:port> -> JSON ProxyRecord
	updatedPrefix = "u/" // u/<unix nanos, big endian><host:port> -> empty
	txnBatchSize  = 500
)

// BadgerStorage 使用 badger 实现 Storage 接口。
// 除主记录外还维护一个按 updated 排序的索引，使 TTL 加载与清理成为范围扫描。
type BadgerStorage struct {
	db    *badger.DB
	clock clock.Clock

	// 写操作串行化，保证主记录与 updated 索引始终一致。
	// 读操作使用 badger 的快照事务，不需要持锁。
	mu sync.Mutex
}

// OpenBadger 打开 (或创建) path 处的 badger 数据库。
func OpenBadger(path string, clk clock.Clock) (*BadgerStorage, error) {
	if clk == nil {
		clk = clock.New()
	}

	var opts badger.Options
	if path == MemoryPath {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		opts = badger.DefaultOptions(path)
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger at %s: %w", path, err)
	}
	l := logger.WithComponent("ProxyPool/Storage")
	l.Info().Str("path", path).Msg("Record store opened.")
	return &BadgerStorage{db: db, clock: clk}, nil
}

var epoch = time.Unix(0, 0)

func recordKey(addr string) []byte {
	return []byte(recordPrefix + addr)
}

func indexKey(ts time.Time, addr string) []byte {
	k := make([]byte, 0, len(updatedPrefix)+8+len(addr))
	k = append(k, updatedPrefix...)
	k = binary.BigEndian.AppendUint64(k, uint64(ts.UnixNano()))
	return append(k, addr...)
}

// indexSeek returns the first index key at or after ts. Index keys hold
// unsigned nanoseconds, so anything before the epoch seeks to the start.
func indexSeek(ts time.Time) []byte {
	if ts.Before(epoch) {
		return []byte(updatedPrefix)
	}
	return indexKey(ts, "")
}

func parseIndexKey(k []byte) (time.Time, string, bool) {
	if len(k) < len(updatedPrefix)+8 || !bytes.HasPrefix(k, []byte(updatedPrefix)) {
		return time.Time{}, "", false
	}
	nanos := binary.BigEndian.Uint64(k[len(updatedPrefix):])
	return time.Unix(0, int64(nanos)), string(k[len(updatedPrefix)+8:]), true
}

func validRecord(r model.ProxyRecord) error {
	if _, err := netip.ParseAddr(r.IP); err != nil {
		return fmt.Errorf("invalid ip %q", r.IP)
	}
	if r.Port < 1 || r.Port > 65535 {
		return fmt.Errorf("invalid port %d", r.Port)
	}
	if r.Updated.IsZero() {
		return errors.New("missing updated timestamp")
	}
	if r.Updated.Before(epoch) {
		return fmt.Errorf("updated timestamp %s before epoch", r.Updated)
	}
	return nil
}

func getRecord(txn *badger.Txn, key []byte) (model.ProxyRecord, error) {
	var rec model.ProxyRecord
	item, err := txn.Get(key)
	if err != nil {
		return rec, err
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	})
	return rec, err
}

// Save 按主键 upsert 记录，后写入者覆盖。
func (s *BadgerStorage) Save(records []model.ProxyRecord) {
	l := logger.WithComponent("ProxyPool/Storage")
	if len(records) == 0 {
		l.Debug().Msg("No proxies to save.")
		return
	}

	valid := make([]model.ProxyRecord, 0, len(records))
	for _, r := range records {
		if err := validRecord(r); err != nil {
			l.Warn().Err(err).Str("proxy", r.Key()).Msg("Skipping malformed record.")
			continue
		}
		valid = append(valid, r)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	saved := 0
	for start := 0; start < len(valid); start += txnBatchSize {
		end := min(start+txnBatchSize, len(valid))
		chunk := valid[start:end]
		err := s.db.Update(func(txn *badger.Txn) error {
			for _, r := range chunk {
				addr := r.Candidate().Addr()
				rk := recordKey(addr)

				old, err := getRecord(txn, rk)
				switch {
				case err == nil:
					if err := txn.Delete(indexKey(old.Updated, addr)); err != nil {
						return err
					}
				case !errors.Is(err, badger.ErrKeyNotFound):
					return err
				}

				val, err := json.Marshal(r)
				if err != nil {
					return err
				}
				if err := txn.Set(rk, val); err != nil {
					return err
				}
				if err := txn.Set(indexKey(r.Updated, addr), nil); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			metrics.StoreErrorsTotal.WithLabelValues("save").Inc()
			l.Error().Err(err).Int("batch", len(chunk)).Msg("Database error saving proxies.")
			continue
		}
		saved += len(chunk)
	}

	l.Info().Int("count", saved).Msg("Saved proxies to database.")
}

// Load 返回 now-updated <= ttl 的记录。出错时返回空切片。
func (s *BadgerStorage) Load(ttl time.Duration) []model.ProxyRecord {
	l := logger.WithComponent("ProxyPool/Storage")
	now := s.clock.Now()
	cutoff := now.Add(-ttl)

	proxies := make([]model.ProxyRecord, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(updatedPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(indexSeek(cutoff)); it.ValidForPrefix([]byte(updatedPrefix)); it.Next() {
			ts, addr, ok := parseIndexKey(it.Item().Key())
			if !ok || now.Sub(ts) > ttl {
				continue
			}
			rec, err := getRecord(txn, recordKey(addr))
			if errors.Is(err, badger.ErrKeyNotFound) {
				l.Warn().Str("proxy", addr).Msg("Dangling index entry, skipping.")
				continue
			}
			if err != nil {
				return err
			}
			proxies = append(proxies, rec)
		}
		return nil
	})
	if err != nil {
		metrics.StoreErrorsTotal.WithLabelValues("load").Inc()
		l.Error().Err(err).Msg("Database error loading proxies.")
		return []model.ProxyRecord{}
	}

	l.Info().Int("count", len(proxies)).Msg("Loaded proxies from database.")
	return proxies
}

// Prune 删除 now-updated > ttl 的记录并返回删除数量。出错时返回 0。
func (s *BadgerStorage) Prune(ttl time.Duration) int {
	l := logger.WithComponent("ProxyPool/Storage")

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	cutoff := now.Add(-ttl)

	var stale [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(updatedPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte(updatedPrefix)); it.ValidForPrefix([]byte(updatedPrefix)); it.Next() {
			k := it.Item().KeyCopy(nil)
			ts, _, ok := parseIndexKey(k)
			if !ok {
				continue
			}
			if !ts.Before(cutoff) {
				break
			}
			if now.Sub(ts) > ttl {
				stale = append(stale, k)
			}
		}
		return nil
	})
	if err != nil {
		metrics.StoreErrorsTotal.WithLabelValues("prune").Inc()
		l.Error().Err(err).Msg("Database error scanning stale proxies.")
		return 0
	}

	deleted := 0
	for start := 0; start < len(stale); start += txnBatchSize {
		end := min(start+txnBatchSize, len(stale))
		n := 0
		err := s.db.Update(func(txn *badger.Txn) error {
			for _, k := range stale[start:end] {
				ts, addr, _ := parseIndexKey(k)
				if err := txn.Delete(k); err != nil {
					return err
				}
				rk := recordKey(addr)
				rec, err := getRecord(txn, rk)
				if errors.Is(err, badger.ErrKeyNotFound) {
					continue
				}
				if err != nil {
					return err
				}
				if !rec.Updated.Equal(ts) {
					continue
				}
				if err := txn.Delete(rk); err != nil {
					return err
				}
				n++
			}
			return nil
		})
		if err != nil {
			metrics.StoreErrorsTotal.WithLabelValues("prune").Inc()
			l.Error().Err(err).Msg("Database error cleaning up proxies.")
			continue
		}
		deleted += n
	}

	metrics.PrunedTotal.Add(float64(deleted))
	l.Info().Int("count", deleted).Msg("Cleaned up old proxies.")
	return deleted
}

// All returns every record, fastest first. No TTL filter is applied.
func (s *BadgerStorage) All() []model.ProxyRecord {
	l := logger.WithComponent("ProxyPool/Storage")

	proxies := make([]model.ProxyRecord, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(recordPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix([]byte(recordPrefix)); it.Next() {
			var rec model.ProxyRecord
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				l.Warn().Err(err).Str("key", string(it.Item().Key())).Msg("Failed to decode record, skipping.")
				continue
			}
			proxies = append(proxies, rec)
		}
		return nil
	})
	if err != nil {
		metrics.StoreErrorsTotal.WithLabelValues("all").Inc()
		l.Error().Err(err).Msg("Database error listing proxies.")
		return []model.ProxyRecord{}
	}

	sort.Slice(proxies, func(i, j int) bool {
		return proxies[i].DelayMs < proxies[j].DelayMs
	})
	return proxies
}

// RunGC 周期性地回收 badger 的 value log，直到 stop 被关闭。
func (s *BadgerStorage) RunGC(interval time.Duration, stop <-chan struct{}) {
	if interval <= 0 {
		return
	}
	ticker := s.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			for s.db.RunValueLogGC(0.5) == nil {
			}
		}
	}
}

func (s *BadgerStorage) Close() error {
	if s == nil || s.db == nil || s.db.IsClosed() {
		return nil
	}
	return s.db.Close()
}

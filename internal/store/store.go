package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	badger "github.com/dgraph-io/badger/v4"

	"grid-trader-go/strategy"
)

const snapshotPrefix = "snapshot/"

// ErrClosed 存储未打开或已关闭。
var ErrClosed = errors.New("store: not opened")

// Store 基于 Badger 的快照存储：每个交易对一条 JSON 记录，成交后覆盖写入。
type Store struct {
	db *badger.DB
}

// Options 打开参数；InMemory 为 true 时忽略 Path（用于 dry-run 与测试）。
type Options struct {
	Path     string
	InMemory bool
	ReadOnly bool
}

// Open 打开或创建存储目录。
func Open(opts Options) (*Store, error) {
	var bopts badger.Options
	switch {
	case opts.InMemory:
		bopts = badger.DefaultOptions("").WithInMemory(true)
	case strings.TrimSpace(opts.Path) == "":
		return nil, errors.New("store: path is required")
	default:
		bopts = badger.DefaultOptions(opts.Path).WithReadOnly(opts.ReadOnly)
	}
	db, err := badger.Open(bopts.WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func snapshotKey(symbol string) []byte {
	return []byte(snapshotPrefix + strings.ToUpper(symbol))
}

// SaveSnapshot 覆盖写入该交易对的快照。
func (s *Store) SaveSnapshot(snap strategy.Snapshot) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	if snap.Symbol == "" {
		return errors.New("store: snapshot symbol is empty")
	}
	val, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", snap.Symbol, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(snapshotKey(snap.Symbol), val)
	})
}

// LoadSnapshot 读取快照；不存在时 found=false。
func (s *Store) LoadSnapshot(symbol string) (snap strategy.Snapshot, found bool, err error) {
	if s == nil || s.db == nil {
		return snap, false, ErrClosed
	}
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(snapshotKey(symbol))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &snap)
		})
	})
	if err != nil {
		return strategy.Snapshot{}, false, fmt.Errorf("load snapshot %s: %w", symbol, err)
	}
	return snap, found, nil
}

// DeleteSnapshot 删除快照（重新开始一个网格时使用）。
func (s *Store) DeleteSnapshot(symbol string) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(snapshotKey(symbol))
	})
}

// Export 导出全部快照，按交易对排序。
func (s *Store) Export() ([]strategy.Snapshot, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	var out []strategy.Snapshot
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(snapshotPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var snap strategy.Snapshot
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &snap)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			out = append(out, snap)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// Import 批量写入快照（单个事务）。
func (s *Store) Import(snaps []strategy.Snapshot) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	return s.db.Update(func(txn *badger.Txn) error {
		for _, snap := range snaps {
			if snap.Symbol == "" {
				return errors.New("store: snapshot symbol is empty")
			}
			val, err := json.Marshal(snap)
			if err != nil {
				return err
			}
			if err := txn.Set(snapshotKey(snap.Symbol), val); err != nil {
				return err
			}
		}
		return nil
	})
}

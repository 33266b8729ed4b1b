package geo

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/tidwall/buntdb"
)

// Cache 是按 IP 索引、只追加的地理定位缓存。同一个键写入一次后不再改变。
type Cache interface {
	Get(ip string) (Record, bool)
	// PutIfAbsent 只在键不存在时写入; 并发的重复写入是安全的。
	PutIfAbsent(ip string, rec Record)
	// Reset 清空缓存, 仅用于测试隔离。
	Reset()
}

// MemoryCache 是进程内缓存。读路径无锁。
type MemoryCache struct {
	m sync.Map // ip -> Record
}

func NewMemoryCache() *MemoryCache { return &MemoryCache{} }

func (c *MemoryCache) Get(ip string) (Record, bool) {
	v, ok := c.m.Load(ip)
	if !ok {
		return Record{}, false
	}
	return v.(Record), true
}

func (c *MemoryCache) PutIfAbsent(ip string, rec Record) {
	c.m.LoadOrStore(ip, rec)
}

func (c *MemoryCache) Reset() {
	c.m.Range(func(k, _ interface{}) bool {
		c.m.Delete(k)
		return true
	})
}

// BuntCache 在 MemoryCache 前面加一层 buntdb 持久化, 进程重启后成功的解析结果仍然有效。
type BuntCache struct {
	mem *MemoryCache
	db  *buntdb.DB
}

const geoKeyPrefix = "geo:"

// OpenBuntCache 打开 (或创建) path 处的 buntdb 文件并预热内存缓存。path 为 ":memory:" 时不落盘。
func OpenBuntCache(path string) (*BuntCache, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open geo cache %s: %w", path, err)
	}
	c := &BuntCache{mem: NewMemoryCache(), db: db}
	err = db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(geoKeyPrefix+"*", func(key, value string) bool {
			var rec Record
			if json.Unmarshal([]byte(value), &rec) == nil {
				c.mem.PutIfAbsent(key[len(geoKeyPrefix):], rec)
			}
			return true
		})
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("load geo cache: %w", err)
	}
	return c, nil
}

func (c *BuntCache) Get(ip string) (Record, bool) {
	return c.mem.Get(ip)
}

func (c *BuntCache) PutIfAbsent(ip string, rec Record) {
	c.mem.PutIfAbsent(ip, rec)
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	c.db.Update(func(tx *buntdb.Tx) error {
		if _, err := tx.Get(geoKeyPrefix + ip); err == nil {
			return nil
		} else if !errors.Is(err, buntdb.ErrNotFound) {
			return err
		}
		_, _, err := tx.Set(geoKeyPrefix+ip, string(data), nil)
		return err
	})
}

func (c *BuntCache) Reset() {
	c.mem.Reset()
	c.db.Update(func(tx *buntdb.Tx) error {
		var keys []string
		tx.AscendKeys(geoKeyPrefix+"*", func(key, _ string) bool {
			keys = append(keys, key)
			return true
		})
		for _, k := range keys {
			tx.Delete(k)
		}
		return nil
	})
}

func (c *BuntCache) Close() error {
	return c.db.Close()
}

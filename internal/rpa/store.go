package rpa

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/tidwall/buntdb"
)

// Store 持久化任务快照, 供重启后查询历史。
type Store interface {
	Save(job Job) error
	Load() ([]Job, error)
	Delete(ids ...string) error
	Close() error
}

// MemoryStore 是进程内的 Store, 用于测试。
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]Job
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]Job)}
}

func (s *MemoryStore) Save(job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *MemoryStore) Load() ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.Clone())
	}
	sortByCreation(out)
	return out, nil
}

func (s *MemoryStore) Delete(ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.jobs, id)
	}
	return nil
}

func (s *MemoryStore) Close() error { return nil }

const (
	jobKeyPrefix   = "job:"
	jobIndexStatus = "jobs_status"
	jobIndexProf   = "jobs_profile"
)

// BuntStore 把任务快照以 JSON 存入 buntdb, 并按状态和配置档案建立索引。
type BuntStore struct {
	db *buntdb.DB
}

// OpenBuntStore 打开 path 处的任务库。path 为 ":memory:" 时不落盘。
func OpenBuntStore(path string) (*BuntStore, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open job store %s: %w", path, err)
	}
	if err := db.CreateIndex(jobIndexStatus, jobKeyPrefix+"*", buntdb.IndexJSON("status")); err != nil && !errors.Is(err, buntdb.ErrIndexExists) {
		db.Close()
		return nil, err
	}
	if err := db.CreateIndex(jobIndexProf, jobKeyPrefix+"*", buntdb.IndexJSON("profileId")); err != nil && !errors.Is(err, buntdb.ErrIndexExists) {
		db.Close()
		return nil, err
	}
	db.Shrink()
	return &BuntStore{db: db}, nil
}

func (s *BuntStore) Save(job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(jobKeyPrefix+job.ID, string(data), nil)
		return err
	})
}

func (s *BuntStore) Load() ([]Job, error) {
	var out []Job
	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(jobKeyPrefix+"*", func(_, value string) bool {
			var j Job
			if json.Unmarshal([]byte(value), &j) == nil {
				out = append(out, j)
			}
			return true
		})
	})
	sortByCreation(out)
	return out, err
}

// ByStatus 通过状态索引返回任务。
func (s *BuntStore) ByStatus(status Status) ([]Job, error) {
	return s.byIndex(jobIndexStatus, fmt.Sprintf(`{"status":%q}`, status))
}

// ByProfile 通过配置档案索引返回任务。
func (s *BuntStore) ByProfile(profileID string) ([]Job, error) {
	return s.byIndex(jobIndexProf, fmt.Sprintf(`{"profileId":%q}`, profileID))
}

func (s *BuntStore) byIndex(index, pivot string) ([]Job, error) {
	var out []Job
	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendEqual(index, pivot, func(_, value string) bool {
			var j Job
			if json.Unmarshal([]byte(value), &j) == nil {
				out = append(out, j)
			}
			return true
		})
	})
	sortByCreation(out)
	return out, err
}

func (s *BuntStore) Delete(ids ...string) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		for _, id := range ids {
			if _, err := tx.Delete(jobKeyPrefix + id); err != nil && !errors.Is(err, buntdb.ErrNotFound) {
				return err
			}
		}
		return nil
	})
}

func (s *BuntStore) Close() error {
	return s.db.Close()
}

func sortByCreation(jobs []Job) {
	sort.SliceStable(jobs, func(i, k int) bool { return jobs[i].CreatedAt.Before(jobs[k].CreatedAt) })
}

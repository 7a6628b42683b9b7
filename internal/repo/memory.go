package repo

import (
	"context"
	"hash/fnv"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BuzzLyutic/kanban-api/internal/model"
)

const memoryShards = 32

// MemoryStore is an in-process TaskRepository. Records are spread over
// shards by id hash; a compare-and-swap holds only the write lock of the
// shard that owns the record, so writers to different tasks rarely contend.
type MemoryStore struct {
	shards [memoryShards]*memoryShard
	seq    atomic.Int64
	now    func() time.Time

	idempMu sync.Mutex
	idemp   map[string]int64
}

type memoryShard struct {
	mu    sync.RWMutex
	tasks map[int64]model.Task
}

func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		now:   func() time.Time { return time.Now().UTC() },
		idemp: make(map[string]int64),
	}
	for i := range s.shards {
		s.shards[i] = &memoryShard{tasks: make(map[int64]model.Task)}
	}
	return s
}

func (s *MemoryStore) shard(id int64) *memoryShard {
	h := fnv.New32a()
	h.Write([]byte(strconv.FormatInt(id, 10)))
	return s.shards[h.Sum32()%memoryShards]
}

func (s *MemoryStore) Create(ctx context.Context, t model.Task) (model.Task, error) {
	if err := ctx.Err(); err != nil {
		return model.Task{}, err
	}
	now := s.now()
	t.ID = s.seq.Add(1) // ids are never reused, even after delete
	t.Version = 0
	t.CreatedAt = now
	t.UpdatedAt = now

	sh := s.shard(t.ID)
	sh.mu.Lock()
	sh.tasks[t.ID] = t
	sh.mu.Unlock()
	return t, nil
}

func (s *MemoryStore) Get(ctx context.Context, id int64) (model.Task, error) {
	if err := ctx.Err(); err != nil {
		return model.Task{}, err
	}
	sh := s.shard(id)
	sh.mu.RLock()
	t, ok := sh.tasks[id]
	sh.mu.RUnlock()
	if !ok {
		return model.Task{}, ErrorNotFound
	}
	return t, nil
}

func (s *MemoryStore) CompareAndSwap(ctx context.Context, id int64, expectedVersion int64, mutate MutateFunc) (model.Task, error) {
	if err := ctx.Err(); err != nil {
		return model.Task{}, err
	}
	sh := s.shard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	current, ok := sh.tasks[id]
	if !ok {
		return model.Task{}, ErrorNotFound
	}
	if current.Version != expectedVersion {
		return current, ErrorConflict
	}

	next, err := ApplyMutation(current, mutate)
	if err != nil {
		return current, err
	}
	next.Version = current.Version + 1
	next.UpdatedAt = s.now()
	sh.tasks[id] = next
	return next, nil
}

func (s *MemoryStore) Delete(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sh := s.shard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.tasks[id]; !ok {
		return ErrorNotFound
	}
	delete(sh.tasks, id)
	return nil
}

func (s *MemoryStore) List(ctx context.Context, filter model.TaskFilter, page model.PageRequest) (model.Page, error) {
	if err := ctx.Err(); err != nil {
		return model.Page{}, err
	}
	page = page.Normalize()

	var all []model.Task
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, t := range sh.tasks {
			if filter.Status != nil && t.Status != *filter.Status {
				continue
			}
			all = append(all, t)
		}
		sh.mu.RUnlock()
	}

	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID > all[j].ID
	})

	total := int64(len(all))
	start := page.Offset()
	if start > len(all) {
		start = len(all)
	}
	end := start + page.Size
	if end > len(all) {
		end = len(all)
	}
	items := make([]model.Task, end-start)
	copy(items, all[start:end])
	return model.NewPage(items, page, total), nil
}

func (s *MemoryStore) SaveIdempotencyKey(ctx context.Context, key string, resourceID int64) error {
	s.idempMu.Lock()
	defer s.idempMu.Unlock()
	if _, ok := s.idemp[key]; !ok {
		s.idemp[key] = resourceID
	}
	return nil
}

func (s *MemoryStore) GetIdempotencyKey(ctx context.Context, key string) (int64, error) {
	s.idempMu.Lock()
	defer s.idempMu.Unlock()
	id, ok := s.idemp[key]
	if !ok {
		return 0, ErrorNotFound
	}
	return id, nil
}

func (s *MemoryStore) GetStats(ctx context.Context) (model.Stats, error) {
	stats := model.Stats{ByStatus: make(map[model.Status]int)}
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, t := range sh.tasks {
			stats.ByStatus[t.Status]++
			stats.TotalTasks++
		}
		sh.mu.RUnlock()
	}
	return stats, nil
}

package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/LENAX/task-watchdog/pkg/core/workflow"
	"github.com/LENAX/task-watchdog/pkg/storage"
	"github.com/benbjohnson/clock"
)

// WorkflowRepo Workflow Store的内存实现
type WorkflowRepo struct {
	faults
	mu      sync.RWMutex
	clock   clock.Clock
	records map[string]*workflow.Record
}

// NewWorkflowRepo 创建内存Workflow Store
func NewWorkflowRepo(clk clock.Clock) *WorkflowRepo {
	return &WorkflowRepo{
		clock:   clk,
		records: make(map[string]*workflow.Record),
	}
}

// Put 保存新记录
func (r *WorkflowRepo) Put(ctx context.Context, rec *workflow.Record) error {
	if err := r.check("put"); err != nil {
		return err
	}
	if rec == nil || rec.WorkflowID == "" {
		return fmt.Errorf("workflow_id不能为空")
	}
	if !rec.Status.IsValid() {
		return fmt.Errorf("%w: %q", workflow.ErrInvalidStatus, rec.Status)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[rec.WorkflowID]; ok {
		return fmt.Errorf("%w: %s", workflow.ErrAlreadyExists, rec.WorkflowID)
	}
	c := rec.Clone()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = r.clock.Now().UTC()
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	r.records[c.WorkflowID] = c
	return nil
}

// Get 查询记录
func (r *WorkflowRepo) Get(ctx context.Context, workflowID string) (*workflow.Record, error) {
	if err := r.check("get"); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[workflowID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", workflow.ErrNotFound, workflowID)
	}
	return rec.Clone(), nil
}

// Update 在写锁内执行mutator，天然串行
func (r *WorkflowRepo) Update(ctx context.Context, workflowID string, mutate workflow.Mutator) (*workflow.Record, error) {
	if err := r.check("update"); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.records[workflowID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", workflow.ErrNotFound, workflowID)
	}
	next, changed, err := workflow.Apply(current, mutate)
	if err != nil {
		return nil, err
	}
	if !changed {
		return current.Clone(), nil
	}
	next.UpdatedAt = r.clock.Now().UTC()
	next.Version = current.Version + 1
	r.records[workflowID] = next
	return next.Clone(), nil
}

// QueryBySource 按来源查询
func (r *WorkflowRepo) QueryBySource(ctx context.Context, sourceKey string, status workflow.Status) ([]*workflow.Record, error) {
	return r.filter(func(rec *workflow.Record) bool {
		return rec.SourceKey == sourceKey && (status == "" || rec.Status == status)
	}, false), nil
}

// ListActive 列出非终态记录
func (r *WorkflowRepo) ListActive(ctx context.Context, limit int) ([]*workflow.Record, error) {
	result := r.filter(func(rec *workflow.Record) bool { return rec.Status.IsActive() }, false)
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// List 分页查询，按创建时间倒序
func (r *WorkflowRepo) List(ctx context.Context, f storage.WorkflowFilter) ([]*workflow.Record, int, error) {
	all := r.filter(func(rec *workflow.Record) bool {
		return (f.SourceKey == "" || rec.SourceKey == f.SourceKey) && (f.Status == "" || rec.Status == f.Status)
	}, true)
	total := len(all)
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	if f.Offset >= total {
		return []*workflow.Record{}, total, nil
	}
	end := f.Offset + limit
	if end > total {
		end = total
	}
	return all[f.Offset:end], total, nil
}

func (r *WorkflowRepo) filter(match func(*workflow.Record) bool, desc bool) []*workflow.Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]*workflow.Record, 0)
	for _, rec := range r.records {
		if match(rec) {
			result = append(result, rec.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			if desc {
				return a.CreatedAt.After(b.CreatedAt)
			}
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.WorkflowID < b.WorkflowID
	})
	return result
}

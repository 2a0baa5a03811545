package memory

import (
	"errors"
	"sync"

	"github.com/LENAX/task-watchdog/pkg/core/queue"
	"github.com/LENAX/task-watchdog/pkg/storage"
	"github.com/benbjohnson/clock"
)

// ErrInjected 注入的模拟故障
var ErrInjected = errors.New("injected storage fault")

// faults 故障注入（测试用），按操作名计数
type faults struct {
	mu     sync.Mutex
	remain map[string]int
}

// Fail 令操作 op 接下来的 times 次调用失败
func (f *faults) Fail(op string, times int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remain == nil {
		f.remain = make(map[string]int)
	}
	f.remain[op] = times
}

func (f *faults) check(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remain[op] > 0 {
		f.remain[op]--
		return ErrInjected
	}
	return nil
}

// Store 内存存储，进程内单实例使用，主要供测试和本地开发（对外导出）
type Store struct {
	Workflows *WorkflowRepo
	Queue     *QueueRepo
	Timers    *TimerRepo
}

// NewStore 创建内存存储
func NewStore(clk clock.Clock, opts queue.Options) *Store {
	if clk == nil {
		clk = clock.New()
	}
	return &Store{
		Workflows: NewWorkflowRepo(clk),
		Queue:     NewQueueRepo(clk, opts),
		Timers:    NewTimerRepo(),
	}
}

// Repositories 组装为 storage.Repositories
func (s *Store) Repositories() *storage.Repositories {
	return storage.NewRepositories(s.Workflows, s.Queue, s.Timers, nil)
}

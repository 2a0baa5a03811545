package workflow

// Status 工作流状态枚举（对外导出）
type Status string

const (
	// StatusPending 已创建，尚未被Invoker接手
	StatusPending Status = "PENDING"
	// StatusRunning Invoker已开始执行
	StatusRunning Status = "RUNNING"
	// StatusCompleted 任务自然完成（终态）
	StatusCompleted Status = "COMPLETED"
	// StatusFailed 任务失败、被取消或重试耗尽（终态）
	StatusFailed Status = "FAILED"
)

// IsValid 检查状态是否有效（对外导出）
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal 是否为终态
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// IsActive 是否仍需要Watchdog看护
func (s Status) IsActive() bool {
	return s == StatusPending || s == StatusRunning
}

// CanTransitionTo 检查是否可以转换到目标状态（对外导出）
// 状态只能向前推进：PENDING -> RUNNING -> {COMPLETED | FAILED}，
// PENDING 也可以直接进入终态（取消、重试耗尽）。同状态视为无变化。
func (s Status) CanTransitionTo(target Status) bool {
	if s == target {
		return true
	}
	switch s {
	case StatusPending:
		return target == StatusRunning || target == StatusCompleted || target == StatusFailed
	case StatusRunning:
		return target == StatusCompleted || target == StatusFailed
	default:
		// 终态不能再转换
		return false
	}
}

// ParseStatus 解析状态字符串，空串返回空状态（用于"不过滤"）
func ParseStatus(s string) (Status, error) {
	if s == "" {
		return "", nil
	}
	st := Status(s)
	if !st.IsValid() {
		return "", ErrInvalidStatus
	}
	return st, nil
}

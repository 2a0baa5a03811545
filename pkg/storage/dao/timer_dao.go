package dao

// WatchdogTimerDAO watchdog_timer表的数据访问对象（时间列为Unix毫秒）
type WatchdogTimerDAO struct {
	Handle       string `db:"handle"`
	WorkflowID   string `db:"workflow_id"`
	GroupName    string `db:"group_name"`
	State        string `db:"state"`
	FireAt       int64  `db:"fire_at"`
	ClaimedUntil int64  `db:"claimed_until"`
	CreatedAt    int64  `db:"created_at"`
}

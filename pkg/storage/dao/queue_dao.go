package dao

// 队列相关表的时间列统一存为Unix毫秒（BIGINT），保证各数据库上的比较与精度一致

// QueueMessageDAO queue_message表的数据访问对象
type QueueMessageDAO struct {
	Seq           int64  `db:"seq"`
	MessageID     string `db:"message_id"`
	WorkflowID    string `db:"workflow_id"`
	MessageType   string `db:"message_type"`
	Payload       string `db:"payload"`
	ContentHash   string `db:"content_hash"`
	ReceiptHandle string `db:"receipt_handle"`
	ReceiveCount  int    `db:"receive_count"`
	VisibleAt     int64  `db:"visible_at"`
	EnqueuedAt    int64  `db:"enqueued_at"`
}

// DeadLetterDAO queue_dead_letter表的数据访问对象
type DeadLetterDAO struct {
	MessageID      string `db:"message_id"`
	WorkflowID     string `db:"workflow_id"`
	MessageType    string `db:"message_type"`
	Payload        string `db:"payload"`
	ContentHash    string `db:"content_hash"`
	ReceiveCount   int    `db:"receive_count"`
	Reason         string `db:"reason"`
	EnqueuedAt     int64  `db:"enqueued_at"`
	DeadLetteredAt int64  `db:"dead_lettered_at"`
}

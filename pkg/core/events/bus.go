package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/LENAX/task-watchdog/pkg/logging"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/rs/zerolog"
)

// Handler 事件处理函数，返回error时watermill会重新投递该消息
type Handler func(evt *Event) error

// Publisher 事件发布接口
type Publisher interface {
	Publish(ctx context.Context, evt *Event) error
}

// Bus 进程内事件总线（对外导出）
// 每种事件类型对应一个gochannel topic，订阅者通过router注册处理器
type Bus struct {
	pubsub *gochannel.GoChannel
	router *message.Router
	logger zerolog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	done    chan struct{}
}

// NewBus 创建事件总线
func NewBus(logger zerolog.Logger) (*Bus, error) {
	l := logging.Component(logger, "events")
	wl := logging.NewWatermillAdapter(l)

	pubsub := gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer:            256,
			Persistent:                     false,
			BlockPublishUntilSubscriberAck: false,
		},
		wl,
	)

	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: 5 * time.Second}, wl)
	if err != nil {
		return nil, fmt.Errorf("创建消息路由器失败: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		pubsub: pubsub,
		router: router,
		logger: l,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Publish 发布事件；没有订阅者时事件被丢弃
func (b *Bus) Publish(ctx context.Context, evt *Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("序列化事件失败: %w", err)
	}

	msg := message.NewMessage(evt.ID, payload)
	msg.Metadata.Set("event_type", string(evt.Type))
	msg.Metadata.Set("workflow_id", evt.WorkflowID)
	msg.SetContext(ctx)

	if err := b.pubsub.Publish(string(evt.Type), msg); err != nil {
		return fmt.Errorf("发布事件失败: %w", err)
	}
	return nil
}

// Subscribe 为若干事件类型注册处理器，name 在总线内必须唯一
// 总线运行中注册的处理器会立即启动
func (b *Bus) Subscribe(name string, types []EventType, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, t := range types {
		b.router.AddNoPublisherHandler(
			fmt.Sprintf("%s_%s", name, t),
			string(t),
			b.pubsub,
			func(msg *message.Message) error {
				var evt Event
				if err := json.Unmarshal(msg.Payload, &evt); err != nil {
					// 无法解析的消息直接丢弃，避免无限重投
					b.logger.Error().Err(err).Str("handler", name).Msg("[EventBus] 解析事件失败")
					return nil
				}
				return h(&evt)
			},
		)
	}

	if b.running {
		if err := b.router.RunHandlers(b.ctx); err != nil {
			return fmt.Errorf("启动事件处理器失败: %w", err)
		}
	}
	return nil
}

// Start 启动路由器，等待其进入运行状态
func (b *Bus) Start() {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return
	}
	b.running = true
	b.done = make(chan struct{})
	b.mu.Unlock()

	go func() {
		defer close(b.done)
		if err := b.router.Run(b.ctx); err != nil {
			b.logger.Error().Err(err).Msg("[EventBus] 消息路由器退出")
		}
	}()
	<-b.router.Running()
	b.logger.Info().Msg("[EventBus] 事件总线已启动")
}

// Stop 关闭路由器和pub/sub
func (b *Bus) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	b.mu.Unlock()

	if err := b.router.Close(); err != nil {
		b.logger.Warn().Err(err).Msg("[EventBus] 关闭路由器失败")
	}
	if err := b.pubsub.Close(); err != nil {
		b.logger.Warn().Err(err).Msg("[EventBus] 关闭 Pub/Sub 失败")
	}
	b.cancel()
	<-b.done
	b.logger.Info().Msg("[EventBus] 事件总线已停止")
}

// NopPublisher 丢弃所有事件
type NopPublisher struct{}

// Publish 实现 Publisher
func (NopPublisher) Publish(context.Context, *Event) error { return nil }

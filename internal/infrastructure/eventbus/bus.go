package eventbus

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrBusClosed 总线已关闭
var ErrBusClosed = errors.New("event bus closed")

// Event 事件接口
type Event interface {
	Type() string
	Timestamp() time.Time
	Payload() any
}

// BaseEvent 基础事件实现
type BaseEvent struct {
	EventType      string
	EventTimestamp time.Time
	EventPayload   any
}

// Type 返回事件类型
func (e *BaseEvent) Type() string {
	return e.EventType
}

// Timestamp 返回事件时间戳
func (e *BaseEvent) Timestamp() time.Time {
	return e.EventTimestamp
}

// Payload 返回事件载荷
func (e *BaseEvent) Payload() any {
	return e.EventPayload
}

// NewEvent 创建新事件
func NewEvent(eventType string, payload any) *BaseEvent {
	return &BaseEvent{
		EventType:      eventType,
		EventTimestamp: time.Now(),
		EventPayload:   payload,
	}
}

// Handler 事件处理函数
type Handler func(ctx context.Context, event Event)

// Bus 事件总线接口
type Bus interface {
	// Publish 发布事件；缓冲区满时阻塞直到入队或 ctx 结束，从不丢弃
	Publish(ctx context.Context, event Event) error
	// Subscribe 订阅事件，返回取消订阅函数；eventType 为 "*" 时接收全部事件
	Subscribe(eventType string, handler Handler) func()
	// Close 关闭事件总线，等待已入队事件分发完毕
	Close()
}

type subscription struct {
	id      uint64
	handler Handler
}

// InMemoryBus 内存事件总线
//
// 单一分发协程按入队顺序处理事件；同一事件的多个处理器并行执行，
// 全部返回后才分发下一个事件，因此每个处理器看到的顺序与发布顺序一致。
type InMemoryBus struct {
	// closeMu 保护 closed 与通道关闭；分发协程不持有它
	closeMu   sync.RWMutex
	closed    bool
	handlerMu sync.RWMutex
	handlers  map[string][]subscription
	nextID    uint64
	eventChan chan eventWrapper
	logger    *zap.Logger
	wg        sync.WaitGroup
}

type eventWrapper struct {
	ctx   context.Context
	event Event
}

// NewInMemoryBus 创建内存事件总线
func NewInMemoryBus(logger *zap.Logger, bufferSize int) *InMemoryBus {
	if bufferSize < 0 {
		bufferSize = 0
	}
	bus := &InMemoryBus{
		handlers:  make(map[string][]subscription),
		eventChan: make(chan eventWrapper, bufferSize),
		logger:    logger.With(zap.String("component", "eventbus")),
	}

	// 启动事件分发协程
	bus.wg.Add(1)
	go bus.dispatch()

	return bus
}

// Publish 发布事件
func (b *InMemoryBus) Publish(ctx context.Context, event Event) error {
	b.closeMu.RLock()
	defer b.closeMu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}

	select {
	case b.eventChan <- eventWrapper{ctx: ctx, event: event}:
		b.logger.Debug("Event published",
			zap.String("type", event.Type()),
		)
		return nil
	case <-ctx.Done():
		b.logger.Warn("Event publish abandoned",
			zap.String("type", event.Type()),
			zap.Error(ctx.Err()),
		)
		return ctx.Err()
	}
}

// Subscribe 订阅事件
func (b *InMemoryBus) Subscribe(eventType string, handler Handler) func() {
	b.handlerMu.Lock()
	b.nextID++
	id := b.nextID
	b.handlers[eventType] = append(b.handlers[eventType], subscription{id: id, handler: handler})
	b.handlerMu.Unlock()

	b.logger.Debug("Handler subscribed",
		zap.String("event_type", eventType),
	)

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(eventType, id) })
	}
}

func (b *InMemoryBus) unsubscribe(eventType string, id uint64) {
	b.handlerMu.Lock()
	defer b.handlerMu.Unlock()

	subs := b.handlers[eventType]
	for i, s := range subs {
		if s.id == id {
			subs = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) == 0 {
		delete(b.handlers, eventType)
	} else {
		b.handlers[eventType] = subs
	}
}

// Close 关闭事件总线
func (b *InMemoryBus) Close() {
	b.closeMu.Lock()
	if b.closed {
		b.closeMu.Unlock()
		return
	}
	b.closed = true
	close(b.eventChan)
	b.closeMu.Unlock()

	b.wg.Wait()
	b.logger.Info("Event bus closed")
}

// dispatch 事件分发循环
func (b *InMemoryBus) dispatch() {
	defer b.wg.Done()

	for wrapper := range b.eventChan {
		b.dispatchEvent(wrapper.ctx, wrapper.event)
	}
}

// dispatchEvent 分发单个事件
func (b *InMemoryBus) dispatchEvent(ctx context.Context, event Event) {
	b.handlerMu.RLock()
	handlers := make([]Handler, 0)

	// 获取特定类型的处理器
	for _, s := range b.handlers[event.Type()] {
		handlers = append(handlers, s.handler)
	}

	// 获取通配符处理器
	for _, s := range b.handlers["*"] {
		handlers = append(handlers, s.handler)
	}
	b.handlerMu.RUnlock()

	// 并行执行处理器
	var wg sync.WaitGroup
	for _, handler := range handlers {
		wg.Add(1)
		go func(h Handler) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("Handler panicked",
						zap.String("event_type", event.Type()),
						zap.Any("panic", r),
					)
				}
			}()
			h(ctx, event)
		}(handler)
	}
	wg.Wait()
}

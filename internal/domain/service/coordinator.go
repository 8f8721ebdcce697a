package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ngoclaw/ngoclaw/messaging/pkg/errors"
	"github.com/ngoclaw/ngoclaw/messaging/pkg/safego"
)

// LaneState 会话队列状态
type LaneState string

const (
	LaneIdle       LaneState = "idle"       // 无待执行操作
	LaneProcessing LaneState = "processing" // 正在串行执行
)

// laneTransitions 合法状态迁移
var laneTransitions = map[LaneState]map[LaneState]bool{
	LaneIdle:       {LaneProcessing: true},
	LaneProcessing: {LaneIdle: true},
}

// Operation 在会话队列中执行的操作；ctx 为提交者的上下文
type Operation func(ctx context.Context) error

// LaneObserver 队列观察者（指标上报）；OnLaneState 在协调器锁内调用
type LaneObserver interface {
	OnLaneState(conversationID string, from, to LaneState)
	OnQueueDepth(conversationID string, depth int)
	OnOperation(kind string, elapsed time.Duration, err error)
}

// NoopLaneObserver 空观察者
type NoopLaneObserver struct{}

func (NoopLaneObserver) OnLaneState(string, LaneState, LaneState) {}
func (NoopLaneObserver) OnQueueDepth(string, int)                 {}
func (NoopLaneObserver) OnOperation(string, time.Duration, error) {}

const (
	taskPending int32 = iota
	taskStarted
	taskCancelled
)

type laneTask struct {
	ctx   context.Context
	kind  string
	op    Operation
	state atomic.Int32
	done  chan error
}

type lane struct {
	conversationID string
	state          LaneState
	queue          []*laneTask
}

// Coordinator 投递协调器
//
// 每个会话一条 FIFO 队列：同一会话的操作严格按到达顺序串行执行，
// 不同会话互不阻塞。队列排空后工作协程退出并回到 Idle。
// 在开始执行前已取消的操作会被跳过，不留下任何痕迹。
type Coordinator struct {
	mu       sync.Mutex
	lanes    map[string]*lane
	maxQueue int
	closed   bool
	wg       sync.WaitGroup
	observer LaneObserver
	logger   *zap.Logger
}

// NewCoordinator 创建协调器；maxQueue <= 0 表示不限队列长度
func NewCoordinator(maxQueue int, observer LaneObserver, logger *zap.Logger) *Coordinator {
	if observer == nil {
		observer = NoopLaneObserver{}
	}
	return &Coordinator{
		lanes:    make(map[string]*lane),
		maxQueue: maxQueue,
		observer: observer,
		logger:   logger.With(zap.String("component", "coordinator")),
	}
}

// Submit 将操作排入会话队列并等待其结果
func (c *Coordinator) Submit(ctx context.Context, conversationID, kind string, op Operation) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	task := &laneTask{
		ctx:  ctx,
		kind: kind,
		op:   op,
		done: make(chan error, 1),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.NewUnavailableError("delivery coordinator is shut down", nil)
	}
	l, ok := c.lanes[conversationID]
	if !ok {
		l = &lane{conversationID: conversationID, state: LaneIdle}
		c.lanes[conversationID] = l
	}
	if c.maxQueue > 0 && len(l.queue) >= c.maxQueue {
		c.mu.Unlock()
		return errors.NewUnavailableError("conversation queue is full", nil)
	}
	l.queue = append(l.queue, task)
	depth := len(l.queue)
	start := l.state == LaneIdle
	if start {
		c.transitionLocked(l, LaneProcessing)
		c.wg.Add(1)
	}
	c.mu.Unlock()

	c.observer.OnQueueDepth(conversationID, depth)
	if start {
		safego.Go(c.logger, "lane:"+conversationID, func() { c.drain(l) })
	}

	select {
	case err := <-task.done:
		return err
	case <-ctx.Done():
		// 尚未开始则撤销；已开始则必须等待真实结果
		if task.state.CompareAndSwap(taskPending, taskCancelled) {
			return ctx.Err()
		}
		return <-task.done
	}
}

// drain 串行执行队列直至排空
func (c *Coordinator) drain(l *lane) {
	defer c.wg.Done()

	for {
		c.mu.Lock()
		if len(l.queue) == 0 {
			c.transitionLocked(l, LaneIdle)
			delete(c.lanes, l.conversationID)
			c.mu.Unlock()
			return
		}
		task := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		depth := len(l.queue)
		c.mu.Unlock()

		c.observer.OnQueueDepth(l.conversationID, depth)
		c.execute(task)
	}
}

func (c *Coordinator) execute(task *laneTask) {
	if task.ctx.Err() != nil || !task.state.CompareAndSwap(taskPending, taskStarted) {
		task.done <- task.ctx.Err()
		return
	}

	start := time.Now()
	err := c.invoke(task)
	c.observer.OnOperation(task.kind, time.Since(start), err)
	task.done <- err
}

// invoke 执行操作，panic 转为内部错误以保证队列继续运转
func (c *Coordinator) invoke(task *laneTask) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Lane operation panicked",
				zap.String("kind", task.kind),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			err = errors.NewInternalError(fmt.Sprintf("operation %s panicked", task.kind))
		}
	}()
	return task.op(task.ctx)
}

func (c *Coordinator) transitionLocked(l *lane, to LaneState) {
	from := l.state
	if !laneTransitions[from][to] {
		c.logger.Error("Invalid lane transition",
			zap.String("conversation_id", l.conversationID),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
		)
		return
	}
	l.state = to
	c.observer.OnLaneState(l.conversationID, from, to)
}

// State 返回会话队列当前状态
func (c *Coordinator) State(conversationID string) LaneState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if l, ok := c.lanes[conversationID]; ok {
		return l.state
	}
	return LaneIdle
}

// ActiveLanes 返回处理中的会话数
func (c *Coordinator) ActiveLanes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.lanes)
}

// Close 拒绝新操作并等待已排队操作完成
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

package service

import (
	"context"
	"sync"
)

// SignalEvent 客户端请求生命周期里的终态事件。
// 任意一个事件都意味着并发槽位应当被释放。
type SignalEvent string

const (
	SignalRequestClose   SignalEvent = "request-close"
	SignalRequestAborted SignalEvent = "request-aborted"
	SignalResponseClose  SignalEvent = "response-close"
	SignalResponseFinish SignalEvent = "response-finish"
	SignalResponseError  SignalEvent = "response-error"
)

// IsClientDisconnect 事件是否代表客户端侧断开（而非正常完成）。
func (e SignalEvent) IsClientDisconnect() bool {
	switch e {
	case SignalRequestClose, SignalRequestAborted, SignalResponseClose:
		return true
	}
	return false
}

// RequestSignal 把 HTTP 层的断开 / 完成 / 出错事件收敛成单一可观察信号。
// 首个事件胜出，之后的 Fire 是 no-op；监听器在释放时会被摘除，
// 避免 handler 持有已释放句柄的引用。
type RequestSignal struct {
	mu        sync.Mutex
	fired     bool
	event     SignalEvent
	done      chan struct{}
	listeners map[int]func(SignalEvent)
	nextID    int
}

func NewRequestSignal() *RequestSignal {
	return &RequestSignal{
		done:      make(chan struct{}),
		listeners: make(map[int]func(SignalEvent)),
	}
}

// Fire 触发终态事件。只有第一次调用生效。
func (s *RequestSignal) Fire(event SignalEvent) {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.fired {
		s.mu.Unlock()
		return
	}
	s.fired = true
	s.event = event
	notify := make([]func(SignalEvent), 0, len(s.listeners))
	for _, fn := range s.listeners {
		notify = append(notify, fn)
	}
	close(s.done)
	s.mu.Unlock()

	for _, fn := range notify {
		fn(event)
	}
}

// Done 在首个终态事件后关闭。
// nil 信号返回 nil channel：select 对其永远阻塞，等价于没有生命周期联动。
func (s *RequestSignal) Done() <-chan struct{} {
	if s == nil {
		return nil
	}
	return s.done
}

// Event 返回已触发的事件；未触发时返回空串。
func (s *RequestSignal) Event() SignalEvent {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.fired {
		return ""
	}
	return s.event
}

// Subscribe 注册监听器并返回注销函数。
// 信号已触发时立即同步回调一次（注册晚于事件不丢通知）。
func (s *RequestSignal) Subscribe(fn func(SignalEvent)) (cancel func()) {
	if s == nil || fn == nil {
		return func() {}
	}
	s.mu.Lock()
	if s.fired {
		event := s.event
		s.mu.Unlock()
		fn(event)
		return func() {}
	}
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// BindContext 把请求 context 的取消映射为 request-close。
// 返回 stop：正常完成时停掉监听 goroutine。
func (s *RequestSignal) BindContext(ctx context.Context) (stop func()) {
	if s == nil || ctx == nil {
		return func() {}
	}
	quit := make(chan struct{})
	var once sync.Once
	go func() {
		select {
		case <-ctx.Done():
			s.Fire(SignalRequestClose)
		case <-quit:
		case <-s.done:
		}
	}()
	return func() {
		once.Do(func() { close(quit) })
	}
}

package event

import (
	"context"
	"sync"
	"time"

	xerrors "IntentFlow/internal/errors"
)

// MemoryLog 以内存方式保存事件，主要用于测试。
type MemoryLog struct {
	mu     sync.Mutex
	events map[string][]*Event
}

// NewMemoryLog 创建 MemoryLog。
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{events: make(map[string][]*Event)}
}

// Append 追加事件并在 run 内分配下一个序号。
func (m *MemoryLog) Append(_ context.Context, runID string, draft Draft) (*Event, error) {
	if runID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "run ID 不能为空")
	}
	if draft.Type == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "事件类型不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	evt := &Event{
		RunID: runID,
		Seq:   int64(len(m.events[runID]) + 1),
		Type:  draft.Type,
		Data:  cloneData(draft.Data),
		Actor: draft.Actor,
		Ts:    time.Now().UnixMilli(),
	}
	m.events[runID] = append(m.events[runID], evt)
	return cloneEvent(evt), nil
}

// List 返回 run 的全部事件，按序号升序。
func (m *MemoryLog) List(_ context.Context, runID string) ([]*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := m.events[runID]
	result := make([]*Event, 0, len(stored))
	for _, evt := range stored {
		result = append(result, cloneEvent(evt))
	}
	return result, nil
}

// Close 对内存日志无需操作。
func (m *MemoryLog) Close() error {
	return nil
}

func cloneEvent(evt *Event) *Event {
	clone := *evt
	clone.Data = cloneData(evt.Data)
	return &clone
}

func cloneData(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	cloned := make(map[string]any, len(data))
	for key, value := range data {
		cloned[key] = value
	}
	return cloned
}

var _ Log = (*MemoryLog)(nil)

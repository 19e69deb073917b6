package run

import (
	"context"
	"encoding/json"
	"strings"

	xerrors "IntentFlow/internal/errors"
)

// StepRef 是投递到队列中的步骤引用。队列只负责唤醒工作进程,
// 领取的正确性完全由存储层的条件写入保证：重复投递、丢失投递
// 都不会破坏一致性，最多影响调度延迟。
type StepRef struct {
	RunID  string `json:"run_id"`
	StepID string `json:"step_id"`
}

// Encode 将步骤引用编码为队列消息体。
func (r StepRef) Encode() (string, error) {
	if strings.TrimSpace(r.RunID) == "" || strings.TrimSpace(r.StepID) == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "步骤引用不完整")
	}
	bytes, err := json.Marshal(r)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码步骤引用失败")
	}
	return string(bytes), nil
}

// DecodeStepRef 从队列消息体解析步骤引用。
func DecodeStepRef(body string) (StepRef, error) {
	var ref StepRef
	if err := json.Unmarshal([]byte(body), &ref); err != nil {
		return StepRef{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析步骤引用失败")
	}
	if ref.RunID == "" || ref.StepID == "" {
		return StepRef{}, xerrors.New(xerrors.CodeInvalidArgument, "步骤引用不完整")
	}
	return ref, nil
}

// Handler 处理来自队列的步骤引用。
type Handler func(ctx context.Context, ref StepRef) error

// Producer 负责向队列投递步骤。
type Producer interface {
	Publish(ctx context.Context, ref StepRef) error
	Close() error
}

// Consumer 负责从队列中消费步骤。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}

// Package async 提供"发射后不管"的副作用执行方式。
//
// 通知、埋点、审计日志这类副作用失败时只记日志，绝不影响主流程的返回值。
// Go 返回的 *Task 由调用方显式丢弃（_ = async.Go(...)），测试里则可以 Wait 拿到结果。
package async

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Task 一个已派发的副作用
type Task struct {
	done chan struct{}
	err  error
}

// Go 在独立 goroutine 中执行 fn。
// 使用 context.WithoutCancel：请求结束（webhook 已经 ack）后副作用仍要继续完成。
func Go(ctx context.Context, log *zap.Logger, name string, fn func(ctx context.Context) error) *Task {
	t := &Task{done: make(chan struct{})}
	bg := context.WithoutCancel(ctx)

	go func() {
		defer close(t.done)
		defer func() {
			if r := recover(); r != nil {
				t.err = fmt.Errorf("副作用 %s panic: %v", name, r)
				log.Error("副作用执行 panic", zap.String("task", name), zap.Any("panic", r))
			}
		}()

		if err := fn(bg); err != nil {
			t.err = err
			log.Warn("副作用执行失败", zap.String("task", name), zap.Error(err))
		}
	}()

	return t
}

// Done 返回一个已完成的 Task，用于功能开关关闭等无需执行的场景
func Done(err error) *Task {
	t := &Task{done: make(chan struct{}), err: err}
	close(t.done)
	return t
}

// Wait 阻塞直到副作用结束
func (t *Task) Wait() error {
	<-t.done
	return t.err
}

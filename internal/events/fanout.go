package events

import (
	"context"
	"errors"
	"fmt"
)

// Fanout 把事件依次投递到多个 Publisher。
//
// 任何一个下游失败都不会阻止其余下游收到事件，失败以合并错误返回。
type Fanout struct {
	publishers []Publisher
}

// NewFanout 创建组合事件总线，nil 成员会被忽略。
func NewFanout(publishers ...Publisher) *Fanout {
	set := make([]Publisher, 0, len(publishers))
	for _, p := range publishers {
		if p != nil {
			set = append(set, p)
		}
	}
	return &Fanout{publishers: set}
}

// Publish 将事件广播给全部下游。
func (f *Fanout) Publish(ctx context.Context, event Event) error {
	if f == nil {
		return nil
	}
	var errs []error
	for idx, publisher := range f.publishers {
		if err := publisher.Publish(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("publisher %d: %w", idx, err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Close 依次关闭全部下游。
func (f *Fanout) Close() error {
	if f == nil {
		return nil
	}
	var errs []error
	for _, publisher := range f.publishers {
		if err := publisher.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

var _ Publisher = (*Fanout)(nil)

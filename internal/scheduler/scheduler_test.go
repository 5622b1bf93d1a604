package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestNextTickAligned(t *testing.T) {
	s := New(Options{Interval: time.Hour, AlignToStart: true}, zerolog.Nop())
	now := time.Date(2025, 10, 7, 1, 30, 5, 0, time.UTC)

	if got := s.nextTick(now); !got.Equal(time.Date(2025, 10, 7, 2, 0, 0, 0, time.UTC)) {
		t.Fatalf("对齐模式下应在下一个整点触发, 实际 %s", got)
	}
	boundary := time.Date(2025, 10, 7, 2, 0, 0, 0, time.UTC)
	if got := s.nextTick(boundary); !got.Equal(boundary.Add(time.Hour)) {
		t.Fatalf("恰好在边界时应顺延一个周期, 实际 %s", got)
	}
	if got := s.bucketStart(boundary.Add(time.Second)); !got.Equal(boundary) {
		t.Fatalf("bucket 应截断到周期起点, 实际 %s", got)
	}
}

func TestNextTickUnaligned(t *testing.T) {
	s := New(Options{Interval: 15 * time.Minute}, zerolog.Nop())
	now := time.Date(2025, 10, 7, 1, 30, 5, 0, time.UTC)
	if got := s.nextTick(now); !got.Equal(now.Add(15 * time.Minute)) {
		t.Fatalf("非对齐模式应在 now+interval 触发, 实际 %s", got)
	}
}

func TestRunKeepsTickingAfterErrors(t *testing.T) {
	s := New(Options{Interval: 10 * time.Millisecond, RunImmediately: true}, zerolog.Nop())

	var calls int32
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, func(context.Context, time.Time) error {
			if atomic.AddInt32(&calls, 1) >= 3 {
				cancel()
			}
			return errors.New("provider down")
		})
	}()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("取消后应返回 context.Canceled, 实际 %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler 未按预期结束")
	}
	if atomic.LoadInt32(&calls) < 3 {
		t.Fatalf("tick 失败后应继续调度, 实际只执行 %d 次", calls)
	}
}

func TestRunImmediatelyFiresBeforeInterval(t *testing.T) {
	s := New(Options{Interval: time.Hour, RunImmediately: true}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	fired := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, func(context.Context, time.Time) error {
			close(fired)
			return nil
		})
	}()

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("RunImmediately 应立即执行一次")
	}
	cancel()
	<-done
}

func TestNewPanicsOnZeroInterval(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("interval 为 0 时应 panic")
		}
	}()
	New(Options{}, zerolog.Nop())
}

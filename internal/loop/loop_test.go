package loop

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

func startLoop(t *testing.T) *Loop {
	t.Helper()
	l := New(16, zap.NewNop())
	go l.Run(context.Background())
	t.Cleanup(l.Stop)
	return l
}

func TestCallRunsInOrder(t *testing.T) {
	l := startLoop(t)

	var got []int
	for i := range 5 {
		l.Post(func() { got = append(got, i) })
	}
	if err := l.Call(context.Background(), func() {}); err != nil {
		t.Fatal(err)
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("got %v, want ascending order", got)
		}
	}
	if len(got) != 5 {
		t.Errorf("ran %d closures, want 5", len(got))
	}
}

func TestGoReentersLoop(t *testing.T) {
	l := startLoop(t)
	f := NewFuture()
	boom := errors.New("boom")

	l.Go(func(ctx context.Context) error {
		return boom
	}, func(err error) {
		f.Resolve(err)
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := f.Wait(ctx); !errors.Is(err, boom) {
		t.Errorf("Wait() = %v, want boom", err)
	}
}

func TestPostAfterStop(t *testing.T) {
	l := New(4, zap.NewNop())
	l.Stop()

	if l.Post(func() {}) {
		t.Error("Post() after Stop should return false")
	}
	if err := l.Call(context.Background(), func() {}); !errors.Is(err, ErrStopped) {
		t.Errorf("Call() = %v, want ErrStopped", err)
	}
	if l.Context().Err() == nil {
		t.Error("loop context should be cancelled after Stop")
	}
}

func TestPanicDoesNotKillLoop(t *testing.T) {
	l := startLoop(t)
	l.Post(func() { panic("bad handler") })

	ran := false
	if err := l.Call(context.Background(), func() { ran = true }); err != nil {
		t.Fatal(err)
	}
	if !ran {
		t.Error("loop stopped after panic")
	}
}

func TestFutureResolveOnce(t *testing.T) {
	f := NewFuture()
	f.Resolve(nil)
	f.Resolve(errors.New("late"))

	if err := f.Wait(context.Background()); err != nil {
		t.Errorf("Wait() = %v, want nil (first resolution wins)", err)
	}
	if err := Resolved(ErrStopped).Wait(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("Resolved().Wait() = %v, want ErrStopped", err)
	}
}

package device

import (
	"context"
	"time"

	"github.com/ardnew/softudc/device/hal"
	"github.com/ardnew/softudc/pkg"
)

// wakeGroup holds one auto-clearing wake bit per endpoint index. Index 0
// doubles as the EP0 bit. Posting an already-set bit is a no-op, so a
// completion that arrives before the waiter starts waiting is not lost.
type wakeGroup struct {
	bits [hal.MaxEndpointIndex]chan struct{}
}

func newWakeGroup() *wakeGroup {
	w := &wakeGroup{}
	for i := range w.bits {
		w.bits[i] = make(chan struct{}, 1)
	}
	return w
}

func (w *wakeGroup) post(idx int) {
	select {
	case w.bits[idx] <- struct{}{}:
	default:
	}
}

func (w *wakeGroup) postAll() {
	for i := range w.bits {
		w.post(i)
	}
}

func (w *wakeGroup) clear(idx int) {
	select {
	case <-w.bits[idx]:
	default:
	}
}

// wait consumes the bit at idx. A zero deadline waits forever.
func (w *wakeGroup) wait(ctx context.Context, idx int, deadline time.Time) error {
	var expired <-chan time.Time
	if !deadline.IsZero() {
		d := time.Until(deadline)
		if d <= 0 {
			select {
			case <-w.bits[idx]:
				return nil
			default:
				return pkg.ErrTransferTimeout
			}
		}
		t := time.NewTimer(d)
		defer t.Stop()
		expired = t.C
	}
	select {
	case <-w.bits[idx]:
		return nil
	case <-expired:
		return pkg.ErrTransferTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func deadlineFor(timeout time.Duration) time.Time {
	if timeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(timeout)
}

package poll

import (
	"context"

	"github.com/matheus3301/imcore/internal/bus"
)

// FollowVisibility applies host.visibility events (bool payload) until ctx
// is done.
func (p *Poller) FollowVisibility(ctx context.Context, b *bus.Bus) {
	ch, unsub := b.Subscribe(bus.HostVisibility, 8)
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case evt := <-ch:
				if v, ok := evt.Payload.(bool); ok {
					p.SetVisible(v)
				}
			}
		}
	}()
}

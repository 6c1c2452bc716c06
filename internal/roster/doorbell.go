package roster

import "context"

// Doorbell is an optional best-effort notification channel between
// participants. Missing or failing doorbells only delay re-syncs.
type Doorbell interface {
	// Ring tells other participants the folder changed.
	Ring(ctx context.Context) error

	// Listen returns a channel that receives a value whenever another
	// participant may have changed the folder. The channel is closed when ctx
	// is done.
	Listen(ctx context.Context) (<-chan struct{}, error)
}

// NopDoorbell never rings.
type NopDoorbell struct{}

func (NopDoorbell) Ring(context.Context) error { return nil }

func (NopDoorbell) Listen(ctx context.Context) (<-chan struct{}, error) {
	ch := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

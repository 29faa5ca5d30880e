package realtime

import (
	"context"
	"log/slog"
)

// Publisher hands an event to every live connection of an owner. It never
// reports failure to the caller.
type Publisher interface {
	Publish(ctx context.Context, ownerID string, event Event)
}

// Dispatcher delivers events to members of the local registry.
type Dispatcher struct {
	registry *Registry
	logger   *slog.Logger
}

func NewDispatcher(registry *Registry, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{registry: registry, logger: logger}
}

func (d *Dispatcher) Publish(_ context.Context, ownerID string, event Event) {
	frame, err := event.Encode()
	if err != nil {
		fanoutFailures.WithLabelValues("encode").Inc()
		d.logger.Error("encode event", "owner", ownerID, "kind", event.Kind, "error", err)
		return
	}
	d.Deliver(ownerID, frame)
}

// Deliver offers an encoded frame to each current member of the owner's
// group. A member that cannot take it is dropped and closed; the rest still
// receive the frame. It returns how many members accepted it.
func (d *Dispatcher) Deliver(ownerID string, frame []byte) int {
	delivered := 0
	for _, m := range d.registry.Members(ownerID) {
		if m.Enqueue(frame) {
			delivered++
			continue
		}
		d.registry.Leave(ownerID, m)
		m.Close()
		fanoutDrops.Inc()
		d.logger.Warn("dropped slow connection", "owner", ownerID)
	}
	fanoutDeliveries.Add(float64(delivered))
	return delivered
}

package call

import (
	"context"

	"github.com/adityaadpandey/plaza-relay/internals/signaling"
	"go.uber.org/zap"
)

// Inbox is the receive side of a relay connection.
type Inbox interface {
	Incoming() <-chan signaling.Message
}

// Pump feeds signaling events from inbox into m until the inbox closes or ctx
// is done. Other events go to onOther when it is set. A closed inbox forces
// the machine back to idle.
func Pump(ctx context.Context, inbox Inbox, m *Machine, onOther func(signaling.Message)) error {
	in := inbox.Incoming()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-in:
			if !ok {
				m.HandleTransportClosed()
				return ErrTransportClosed
			}
			if !msg.Type.IsSignal() {
				if onOther != nil {
					onOther(msg)
				}
				continue
			}
			if err := m.HandleMessage(msg); err != nil {
				m.logger.Warn("Dropping malformed signal",
					zap.String("type", string(msg.Type)),
					zap.String("from", msg.From),
					zap.Error(err),
				)
			}
		}
	}
}

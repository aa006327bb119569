// Package driver executes a round-based protocol state machine against
// a message stream/sink pair, bridging the signing library's handlers
// and the room transport.
package driver

import (
	"context"
	"fmt"

	"github.com/taurusgroup/multi-party-sig/pkg/protocol"
)

// Handler is the round state machine surface the driver needs. It is
// satisfied by *protocol.MultiHandler for every protocol this service
// runs (keygen, offline stage, online stage).
type Handler interface {
	// Listen yields the messages the state machine wants delivered to
	// the other parties; the channel closes when the protocol finished.
	Listen() <-chan *protocol.Message
	// Accept hands an inbound message to the state machine.
	Accept(msg *protocol.Message)
	// Result returns the final artifact, or the wrapped round error.
	Result() (interface{}, error)
	// Stop aborts the execution.
	Stop()
}

// Run drives h to completion: inbound messages are delivered in arrival
// order, outbound messages are forwarded to out in the order produced,
// nothing is reordered or deduplicated. The out channel is closed when
// the run ends so the transport's relay loop terminates. Run returns
// the state machine's final artifact, or a single wrapped error if the
// protocol failed; it never retries.
func Run(ctx context.Context, h Handler, in <-chan *protocol.Message, out chan<- *protocol.Message) (interface{}, error) {
	defer close(out)
	for {
		select {
		case msg, ok := <-h.Listen():
			if !ok {
				// channel closed: the protocol is done, successfully
				// or not.
				return result(h)
			}
			select {
			case out <- msg:
			case <-ctx.Done():
				h.Stop()
				return nil, ctx.Err()
			}
		case msg, ok := <-in:
			if !ok {
				// the transport went away under us; abort the round.
				h.Stop()
				return result(h)
			}
			h.Accept(msg)
		case <-ctx.Done():
			h.Stop()
			return nil, ctx.Err()
		}
	}
}

func result(h Handler) (interface{}, error) {
	r, err := h.Result()
	if err != nil {
		return nil, fmt.Errorf("protocol execution terminated with error: %w", err)
	}
	return r, nil
}

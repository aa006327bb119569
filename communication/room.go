package communication

import (
	"bytes"
	"fmt"
	"net/http"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Room relays one protocol stage's messages between the local server and
// a fixed set of peers. Inbound messages arrive through Receive (called
// by the broadcast endpoint) and are filtered by intended receiver;
// outbound messages are drained by the relay loop and posted to every
// peer. A room is never reused: once its relay loop terminates it must
// be replaced through the registry.
type Room struct {
	serverID  uint16
	sessionID string
	peerURLs  []string
	client    *http.Client

	inbound  chan<- string
	outgoing <-chan string

	done      chan struct{}
	closeOnce sync.Once
}

// NewRoom wires a room around its raw channel pair. The registry is the
// only caller; use Registry.CreateRoom.
func NewRoom(serverID uint16, sessionID string, peerURLs []string, client *http.Client, inbound chan<- string, outgoing <-chan string) *Room {
	return &Room{
		serverID:  serverID,
		sessionID: sessionID,
		peerURLs:  peerURLs,
		client:    client,
		inbound:   inbound,
		outgoing:  outgoing,
		done:      make(chan struct{}),
	}
}

// Receive accepts a raw envelope from the broadcast endpoint and
// forwards it into the inbound channel. Messages addressed to another
// server are dropped here; that is normal broadcast fan-out, not an
// error. A closed room also drops, so a stale round can never feed a
// consumer that moved on.
func (r *Room) Receive(raw string) {
	env, err := ParseEnvelope(raw)
	if err != nil {
		log.Errorf("session %s: dropping malformed envelope: %v", r.sessionID, err)
		return
	}
	if env.Receiver != nil && *env.Receiver != r.serverID {
		log.Infof("session %s: filtered out a message meant for %d", r.sessionID, *env.Receiver)
		return
	}
	// check done on its own first: a select racing the send against a
	// closed done channel picks randomly when both are ready, and a
	// torn-down room must never win that coin toss.
	select {
	case <-r.done:
		log.Infof("session %s: room closed, dropping message from %d", r.sessionID, env.Sender)
		return
	default:
	}
	select {
	case r.inbound <- raw:
	case <-r.done:
		log.Infof("session %s: room closed, dropping message from %d", r.sessionID, env.Sender)
	}
}

// Relay drains the outgoing channel and posts every message to every
// peer. Each per-peer failure is logged on its own and never blocks
// delivery to the remaining peers. The loop ends when the outgoing
// channel is closed or the room is torn down.
func (r *Room) Relay() {
	for {
		select {
		case message, ok := <-r.outgoing:
			if !ok {
				log.Infof("session %s: outgoing stream exhausted, relay done", r.sessionID)
				return
			}
			r.broadcast(message)
		case <-r.done:
			return
		}
	}
}

func (r *Room) broadcast(message string) {
	for _, url := range r.peerURLs {
		endpoint := fmt.Sprintf("%s/receive_broadcast/%s", url, r.sessionID)
		resp, err := r.client.Post(endpoint, "application/json", bytes.NewBufferString(message))
		if err != nil {
			log.Errorf("session %s: error sending message to %s: %v", r.sessionID, url, err)
			continue
		}
		resp.Body.Close()
		log.Infof("session %s: sent %d bytes to %s", r.sessionID, len(message), url)
	}
}

// Close tears the room down. Pending Receive calls drop their messages
// and the relay loop exits on its next iteration.
func (r *Room) Close() {
	r.closeOnce.Do(func() { close(r.done) })
}

// Done is closed when the room has been torn down.
func (r *Room) Done() <-chan struct{} {
	return r.done
}

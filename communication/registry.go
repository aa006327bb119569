package communication

import (
	"net/http"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/taurusgroup/multi-party-sig/pkg/protocol"
)

// channel depth per room; rounds are small, this only needs to absorb
// messages that arrive before the local driver starts consuming.
const roomBuffer = 64

// Registry maps a session identifier to its single live room. Creating
// a room under an identifier that is already taken tears the stale room
// down first, so messages from a superseded round can never leak into
// the new one. The lock guards the map only; relaying happens outside
// it.
type Registry struct {
	serverID uint16
	client   *http.Client

	mu    sync.RWMutex
	rooms map[string]*Room
}

// NewRegistry creates an empty registry. The client is shared by all
// rooms; it carries the mutual-TLS identity when TLS is configured.
func NewRegistry(serverID uint16, client *http.Client) *Registry {
	return &Registry{
		serverID: serverID,
		client:   client,
		rooms:    make(map[string]*Room),
	}
}

// CreateRoom registers a fresh room for sessionID and returns the typed
// message stream/sink pair for the protocol driver. The returned inbound
// channel is closed when the room is torn down; closing the outbound
// channel terminates the relay loop once drained. Tearing the room down
// also releases both codec pumps, so DeleteRoom is enough cleanup even
// when the ceremony never reached its driver and out stays open.
func (d *Registry) CreateRoom(sessionID string, peerURLs []string) (<-chan *protocol.Message, chan<- *protocol.Message) {
	room, rawIn, rawOut := d.createRawRoom(sessionID, peerURLs)

	in := make(chan *protocol.Message, roomBuffer)
	out := make(chan *protocol.Message, roomBuffer)

	go func() {
		defer close(in)
		for {
			// once the room is torn down nothing may be forwarded,
			// even when rawIn still holds undelivered messages; the
			// leading check keeps a ready Done from losing the
			// two-ready select race below.
			select {
			case <-room.Done():
				return
			default:
			}
			select {
			case raw := <-rawIn:
				msg, err := DecodeMessage(raw)
				if err != nil {
					log.Errorf("session %s: %v", sessionID, err)
					continue
				}
				select {
				case in <- msg:
				case <-room.Done():
					return
				}
			case <-room.Done():
				return
			}
		}
	}()

	go func() {
		defer close(rawOut)
		for {
			select {
			case msg, ok := <-out:
				if !ok {
					return
				}
				raw, err := EncodeMessage(msg)
				if err != nil {
					log.Errorf("session %s: %v", sessionID, err)
					continue
				}
				select {
				case rawOut <- raw:
				case <-room.Done():
					return
				}
			case <-room.Done():
				// the ceremony failed before its driver ran and will
				// never close out; Done is what releases this pump.
				return
			}
		}
	}()

	return in, out
}

// createRawRoom registers a room carrying raw envelope strings. The
// rendezvous barrier uses this directly; protocol rounds go through
// CreateRoom for the typed codec.
func (d *Registry) createRawRoom(sessionID string, peerURLs []string) (*Room, chan string, chan string) {
	rawIn := make(chan string, roomBuffer)
	rawOut := make(chan string, roomBuffer)
	room := NewRoom(d.serverID, sessionID, peerURLs, d.client, rawIn, rawOut)

	d.mu.Lock()
	if stale, ok := d.rooms[sessionID]; ok {
		log.Infof("session %s: replacing stale room", sessionID)
		stale.Close()
	}
	d.rooms[sessionID] = room
	d.mu.Unlock()

	go room.Relay()

	return room, rawIn, rawOut
}

// GetRoom looks a live room up for inbound delivery.
func (d *Registry) GetRoom(sessionID string) (*Room, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	room, ok := d.rooms[sessionID]
	return room, ok
}

// DeleteRoom tears a session down. Unknown identifiers are a no-op.
func (d *Registry) DeleteRoom(sessionID string) {
	d.mu.Lock()
	room, ok := d.rooms[sessionID]
	if ok {
		delete(d.rooms, sessionID)
	}
	d.mu.Unlock()
	if ok {
		room.Close()
	}
}

package communication

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// resendInterval paces the ready announcements. Peers that created
// their barrier room late simply catch a later resend, so the barrier
// tolerates the transport's fire-and-forget delivery.
const resendInterval = 500 * time.Millisecond

// Rendezvous blocks until every peer in the set has announced it is
// ready under sessionID. Each party broadcasts its own ready envelope
// repeatedly and collects one from every peer; the barrier replaces the
// fixed sleeps between protocol stages with an explicit handshake over
// the same transport. The barrier room is torn down before returning.
func (d *Registry) Rendezvous(ctx context.Context, sessionID string, peerURLs []string, peers []uint16) error {
	room, rawIn, rawOut := d.createRawRoom(sessionID, peerURLs)
	defer d.DeleteRoom(sessionID)

	pending := make(map[uint16]bool, len(peers))
	for _, id := range peers {
		pending[id] = true
	}

	collected := make(chan struct{})

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ticker := time.NewTicker(resendInterval)
		defer ticker.Stop()
		ready := EncodeReady(d.serverID)
		for {
			select {
			case rawOut <- ready:
			case <-ctx.Done():
				return ctx.Err()
			}
			select {
			case <-ticker.C:
			case <-collected:
				// one final announcement is already queued; peers
				// still waiting on us have it.
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})

	g.Go(func() error {
		defer close(collected)
		for len(pending) > 0 {
			select {
			case raw := <-rawIn:
				env, err := ParseEnvelope(raw)
				if err != nil {
					log.Errorf("session %s: %v", sessionID, err)
					continue
				}
				if !env.IsReady() {
					log.Infof("session %s: ignoring non-rendezvous message from %d", sessionID, env.Sender)
					continue
				}
				if pending[env.Sender] {
					delete(pending, env.Sender)
					log.Infof("session %s: peer %d is ready, %d to go", sessionID, env.Sender, len(pending))
				}
			case <-room.Done():
				return fmt.Errorf("session %s: rendezvous room torn down", sessionID)
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("rendezvous %s: %w", sessionID, err)
	}
	log.Infof("session %s: all %d peers ready", sessionID, len(peers))
	return nil
}

// SPDX-License-Identifier: LGPL-3.0-or-later

package node

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"github.com/Bluheir/cacophoney-lib/crypto"
	"github.com/Bluheir/cacophoney-lib/internal/logger"
	"github.com/Bluheir/cacophoney-lib/internal/metrics"
	"github.com/Bluheir/cacophoney-lib/message"
)

// ServerHandle is the registry shared by every InboundEndpoint accepted
// on one Node: it maps identified public keys to the endpoint currently
// holding them, tracks which connected peers advertised themselves as
// servers, and fans out identification to whoever subscribed first via
// KeysExists.
//
// Entries never serialize through a single lock: key_to_endpoint and
// notifications are sync.Map, keyed the same way the teacher's
// NonceCache nests a per-key sync.Map so unrelated keys never contend.
type ServerHandle struct {
	keyToEndpoint sync.Map // crypto.PublicKey -> *InboundEndpoint

	serversMu sync.Mutex
	servers   map[string]*InboundEndpoint // remote addr -> endpoint, insertion order tracked separately
	serverOrd []string

	notifications sync.Map // crypto.PublicKey -> *notifySet

	closed atomic.Bool

	log logger.Logger
}

type notifySet struct {
	mu  sync.Mutex
	ch  map[*InboundEndpoint]struct{}
}

// NewServerHandle creates an empty registry.
func NewServerHandle(log logger.Logger) *ServerHandle {
	return &ServerHandle{
		servers: make(map[string]*InboundEndpoint),
		log:     log,
	}
}

// shutdown marks the registry dropped: every handler that checks
// isClosed from this point on fails with a ServerHdlDropped error
// rather than silently serving against a registry nobody owns anymore.
func (s *ServerHandle) shutdown() {
	s.closed.Store(true)
}

// isClosed reports whether shutdown has been called.
func (s *ServerHandle) isClosed() bool {
	return s.closed.Load()
}

func (s *ServerHandle) lookup(key crypto.PublicKey) (*InboundEndpoint, bool) {
	v, ok := s.keyToEndpoint.Load(key)
	if !ok {
		return nil, false
	}
	return v.(*InboundEndpoint), true
}

// removeIfOwner deletes key only if it still points at ep, so a stale
// Close() from a since-displaced endpoint never evicts a newer owner.
func (s *ServerHandle) removeIfOwner(key crypto.PublicKey, ep *InboundEndpoint) {
	s.keyToEndpoint.CompareAndDelete(key, ep)
}

// addServer records ep as a connected server, addressable by its remote
// address.
func (s *ServerHandle) addServer(ep *InboundEndpoint) {
	s.serversMu.Lock()
	defer s.serversMu.Unlock()
	addr := ep.RemoteAddr().String()
	if _, exists := s.servers[addr]; exists {
		return
	}
	s.servers[addr] = ep
	s.serverOrd = append(s.serverOrd, addr)
	metrics.ConnectedServers.Set(float64(len(s.servers)))
}

// removeServer drops ep from the connected-servers set.
func (s *ServerHandle) removeServer(ep *InboundEndpoint) {
	s.serversMu.Lock()
	defer s.serversMu.Unlock()
	addr := ep.RemoteAddr().String()
	if _, exists := s.servers[addr]; !exists {
		return
	}
	delete(s.servers, addr)
	for i, a := range s.serverOrd {
		if a == addr {
			s.serverOrd = append(s.serverOrd[:i], s.serverOrd[i+1:]...)
			break
		}
	}
	metrics.ConnectedServers.Set(float64(len(s.servers)))
}

// listServers snapshots up to max connected servers in connection order.
func (s *ServerHandle) listServers(max *uint32) []message.ConnectedServer {
	s.serversMu.Lock()
	defer s.serversMu.Unlock()

	n := len(s.serverOrd)
	if max != nil && int(*max) < n {
		n = int(*max)
	}
	out := make([]message.ConnectedServer, 0, n)
	for i := 0; i < n; i++ {
		ep := s.servers[s.serverOrd[i]]
		domain := ""
		if ep.info.ServerInfo != nil {
			domain = ep.info.ServerInfo.Domain
		}
		host, _, err := net.SplitHostPort(ep.RemoteAddr().String())
		if err != nil {
			host = ep.RemoteAddr().String()
		}
		out = append(out, message.ConnectedServer{IP: net.ParseIP(host), Domain: domain})
	}
	return out
}

// keyLock returns the per-key mutex subscribeOrDeliver and commitIdentify
// both serialize through. It is the same lock guarding both halves of
// the fan-out policy required by the spec: a subscribe-or-create must be
// atomic with respect to the commit-and-drain step that follows
// identification, or a subscriber can race past an identify and be
// orphaned.
func (s *ServerHandle) keyLock(key crypto.PublicKey) *notifySet {
	v, _ := s.notifications.LoadOrStore(key, &notifySet{ch: make(map[*InboundEndpoint]struct{})})
	return v.(*notifySet)
}

// subscribeOrDeliver atomically either finds key already identified (and
// returns its triad) or registers ep to be notified the moment it does.
func (s *ServerHandle) subscribeOrDeliver(key crypto.PublicKey, ep *InboundEndpoint) (crypto.KeyTriad[message.SignedData], bool) {
	set := s.keyLock(key)
	set.mu.Lock()
	defer set.mu.Unlock()

	if holder, ok := s.lookup(key); ok {
		if triad, ok := holder.identityOf(key); ok {
			return triad, true
		}
	}
	set.ch[ep] = struct{}{}
	return crypto.KeyTriad[message.SignedData]{}, false
}

// unsubscribe removes ep from key's notification set, called when ep
// disconnects before the key ever identified.
func (s *ServerHandle) unsubscribe(key crypto.PublicKey, ep *InboundEndpoint) {
	v, ok := s.notifications.Load(key)
	if !ok {
		return
	}
	set := v.(*notifySet)
	set.mu.Lock()
	delete(set.ch, ep)
	set.mu.Unlock()
}

// commitIdentify installs ep as key's current owner and, in the same
// critical section, extracts whichever endpoints were waiting on key so
// the caller can notify them once the lock is released. By the time
// Identify calls this, ep's own identities map already holds the proof
// (set synchronously before this call), so any subscribeOrDeliver call
// that has to wait for this lock will see a fully committed identity
// rather than a half-updated one.
func (s *ServerHandle) commitIdentify(key crypto.PublicKey, ep *InboundEndpoint) []*InboundEndpoint {
	set := s.keyLock(key)
	set.mu.Lock()
	defer set.mu.Unlock()

	s.keyToEndpoint.Store(key, ep)

	subs := make([]*InboundEndpoint, 0, len(set.ch))
	for sub := range set.ch {
		subs = append(subs, sub)
	}
	set.ch = make(map[*InboundEndpoint]struct{})
	return subs
}

// notifyFanOut delivers triad to each of subs, fire-and-forget: a Notify
// failure is logged but never surfaces to the identifying caller.
func (s *ServerHandle) notifyFanOut(ctx context.Context, subs []*InboundEndpoint, triad crypto.KeyTriad[message.SignedData]) {
	for _, sub := range subs {
		go func(sub *InboundEndpoint) {
			if err := sub.conn.NotifyConnected(ctx, triad); err != nil {
				s.log.Warn("notify delivery failed", logger.Error(err))
				return
			}
			metrics.NotificationsDelivered.Inc()
		}(sub)
	}
}

// SPDX-License-Identifier: LGPL-3.0-or-later

package node

import (
	"context"
	"crypto/rand"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/Bluheir/cacophoney-lib/crypto"
	"github.com/Bluheir/cacophoney-lib/internal/logger"
	"github.com/Bluheir/cacophoney-lib/internal/metrics"
	"github.com/Bluheir/cacophoney-lib/message"
	"github.com/Bluheir/cacophoney-lib/transport"
)

// ChallengeTTL is how long an issued identify challenge remains valid.
// It is a package-level setting shared by every Node in the process; the
// configuration layer can override it at startup.
var ChallengeTTL uint64 = 5000 // milliseconds

// InboundEndpoint is the per-connection state machine on the accepting
// side: it issues identify challenges, verifies proofs submitted against
// them, and tracks every public key this connection has identified as.
//
// Go has no equivalent of the reference implementation's Weak<ServerHandle>.
// Instead a *ServerHandle is either absent for this endpoint's whole
// lifetime (NewOutboundOnlyNode: KeysExists, Communicate and
// ListConnectedServers fail with NotServer, while PreIdentify and
// Identify still work against this endpoint alone) or
// present but possibly shut down mid-lifetime (Node.Shutdown flips
// ServerHandle.closed): every handler that touches the registry checks
// hdl.isClosed() on entry and fails with ServerHdlDropped once it has
// been dropped, rather than serving against a registry nobody owns.
type InboundEndpoint struct {
	id     uuid.UUID
	hdl    *ServerHandle
	conn   transport.Connection
	info   message.EndpointInfo
	log    logger.Logger

	challengeMu sync.RWMutex
	challenge   *message.IdentifyData

	keysMu     sync.RWMutex
	publicKeys []crypto.PublicKey

	identities sync.Map // crypto.PublicKey -> crypto.KeyTriad[message.SignedData]
}

// NewInboundEndpoint wraps an accepted connection. hdl may be nil for a
// server-less endpoint, in which case KeysExists/Communicate/
// ListConnectedServers all fail with NotServer.
func NewInboundEndpoint(hdl *ServerHandle, conn transport.Connection, info message.EndpointInfo, log logger.Logger) *InboundEndpoint {
	return &InboundEndpoint{
		id:   uuid.New(),
		hdl:  hdl,
		conn: conn,
		info: info,
		log:  log,
	}
}

// RemoteAddr delegates to the underlying connection.
func (e *InboundEndpoint) RemoteAddr() net.Addr { return e.conn.RemoteAddr() }

// identityOf returns the cached proof for key if this endpoint has it.
func (e *InboundEndpoint) identityOf(key crypto.PublicKey) (crypto.KeyTriad[message.SignedData], bool) {
	v, ok := e.identities.Load(key)
	if !ok {
		return crypto.KeyTriad[message.SignedData]{}, false
	}
	return v.(crypto.KeyTriad[message.SignedData]), true
}

// PreIdentify issues a fresh challenge, overwriting whatever challenge
// was pending.
func (e *InboundEndpoint) PreIdentify(context.Context) (message.IdentifyData, error) {
	var salt message.Salt
	if _, err := rand.Read(salt[:]); err != nil {
		return message.IdentifyData{}, err
	}

	start := nowMillis()
	data := message.IdentifyData{
		Salt:       salt,
		StartTime:  start,
		ExpireTime: start + ChallengeTTL,
	}

	e.challengeMu.Lock()
	e.challenge = &data
	e.challengeMu.Unlock()

	return data, nil
}

// Identify verifies triad against the most recently issued challenge and,
// if valid, records the public key as identified on this endpoint.
func (e *InboundEndpoint) Identify(ctx context.Context, triad crypto.KeyTriad[message.SignedData]) (message.IdentifyResp, error) {
	metrics.IdentifyAttempts.Inc()
	if e.hdl != nil && e.hdl.isClosed() {
		metrics.IdentifyFailure.WithLabelValues(IdentifyServerHdlDropped).Inc()
		return message.IdentifyResp{}, newIdentifyErr(IdentifyServerHdlDropped)
	}

	e.challengeMu.RLock()
	challenge := e.challenge
	e.challengeMu.RUnlock()

	if challenge == nil {
		metrics.IdentifyFailure.WithLabelValues(IdentifyDataInvalid).Inc()
		return message.IdentifyResp{}, newIdentifyErr(IdentifyDataInvalid)
	}

	cached, err := message.ToCached[message.IdentifyData](triad.Signed)
	if err != nil {
		metrics.IdentifyFailure.WithLabelValues(IdentifyConvertErr).Inc()
		return message.IdentifyResp{}, newIdentifyConvertErr(err)
	}

	if cached.Signable.MsgType != message.SignMessageTypeIdentify ||
		!triad.PublicKey.Valid(cached.Value.Bytes(), triad.Signature) {
		metrics.IdentifyFailure.WithLabelValues(IdentifySignatureInvalid).Inc()
		return message.IdentifyResp{}, newIdentifyErr(IdentifySignatureInvalid)
	}

	if cached.Signable.Obj != *challenge {
		metrics.IdentifyFailure.WithLabelValues(IdentifyDataInvalid).Inc()
		return message.IdentifyResp{}, newIdentifyErr(IdentifyDataInvalid)
	}

	if nowMillis() > cached.Signable.Obj.ExpireTime {
		metrics.IdentifyFailure.WithLabelValues(IdentifyExpired).Inc()
		return message.IdentifyResp{}, newIdentifyErr(IdentifyExpired)
	}

	publicKey := triad.PublicKey
	proven := crypto.KeyTriad[message.SignedData]{
		PublicKey: publicKey,
		Signature: triad.Signature,
		Signed:    triad.Signed,
	}

	if _, loaded := e.identities.LoadOrStore(publicKey, proven); loaded {
		metrics.IdentifyFailure.WithLabelValues(IdentifyAlreadyIdentified).Inc()
		return message.IdentifyResp{}, newIdentifyErr(IdentifyAlreadyIdentified)
	}

	e.keysMu.Lock()
	e.publicKeys = append(e.publicKeys, publicKey)
	e.keysMu.Unlock()

	if e.hdl != nil {
		// e.identities already holds the committed proof, so any
		// subscriber unblocked by commitIdentify below observes a
		// fully-formed identity rather than a half-updated one.
		subs := e.hdl.commitIdentify(publicKey, e)
		if e.info.IsServer() {
			e.hdl.addServer(e)
		}
		e.hdl.notifyFanOut(ctx, subs, proven)
		metrics.IdentifiedKeys.Inc()
	}

	metrics.IdentifySuccess.Inc()
	e.log.Info("endpoint identified", logger.String("publicKey", publicKey.String()))
	return message.IdentifyResp{}, nil
}

// KeysExists resolves each requested key against the registry, returning
// whichever are currently identified and, when notify is set,
// subscribing this endpoint to be notified about the rest.
func (e *InboundEndpoint) KeysExists(ctx context.Context, keys []crypto.PublicKey, notify bool) (message.KeysExistsResp, error) {
	if e.hdl == nil {
		return message.KeysExistsResp{}, &KeysExistsReqError{Kind: KeysExistsNotServer}
	}
	if e.hdl.isClosed() {
		return message.KeysExistsResp{}, &KeysExistsReqError{Kind: KeysExistsServerHdlDropped}
	}
	metrics.KeysExistsQueries.Inc()

	resp := message.KeysExistsResp{}
	for _, key := range keys {
		if holder, ok := e.hdl.lookup(key); ok {
			if triad, ok := holder.identityOf(key); ok {
				resp.Triads = append(resp.Triads, triad)
				continue
			}
		}
		if notify {
			e.hdl.subscribeOrDeliver(key, e)
		}
	}
	return resp, nil
}

// Communicate asks the registry to locate the endpoint owning to, opens a
// raw stream on that endpoint's connection and returns the local side.
// from must be one of this endpoint's own identified keys; it is checked
// but not sent over the stream.
func (e *InboundEndpoint) Communicate(ctx context.Context, from, to crypto.PublicKey) (transport.Stream, error) {
	if e.hdl == nil {
		return transport.Stream{}, &CommunicationReqError{Kind: CommNotServer}
	}
	if e.hdl.isClosed() {
		return transport.Stream{}, &CommunicationReqError{Kind: CommServerHdlDropped}
	}
	if _, ok := e.identityOf(from); !ok {
		metrics.CommunicateRequests.WithLabelValues("invalid_public_key").Inc()
		return transport.Stream{}, &CommunicationReqError{Kind: CommInvalidPublicKey}
	}

	target, ok := e.hdl.lookup(to)
	if !ok {
		metrics.CommunicateRequests.WithLabelValues("cannot_find_key").Inc()
		return transport.Stream{}, &CommunicationReqError{Kind: CommCannotFindKey}
	}

	stream, err := target.conn.OpenRaw(ctx)
	if err != nil {
		metrics.CommunicateRequests.WithLabelValues("stream_open_error").Inc()
		return transport.Stream{}, &CommunicationReqError{Kind: CommStreamOpenErr, Err: err}
	}

	metrics.CommunicateRequests.WithLabelValues("success").Inc()
	return stream, nil
}

// ListConnectedServers snapshots the registry's connected-server set.
func (e *InboundEndpoint) ListConnectedServers(ctx context.Context, max *uint32) (message.ListConnectedServersResp, error) {
	if e.hdl == nil {
		return message.ListConnectedServersResp{}, &ListConnectedServersReqError{Kind: KeysExistsNotServer}
	}
	if e.hdl.isClosed() {
		return message.ListConnectedServersResp{}, &ListConnectedServersReqError{Kind: KeysExistsServerHdlDropped}
	}
	return message.ListConnectedServersResp{Servers: e.hdl.listServers(max)}, nil
}

// Close releases this endpoint's registry entries: every identified key
// still pointing at this endpoint is removed, any pending subscriptions
// it holds are dropped, and it is removed from the connected-servers set.
func (e *InboundEndpoint) Close() error {
	e.keysMu.RLock()
	keys := append([]crypto.PublicKey(nil), e.publicKeys...)
	e.keysMu.RUnlock()

	if e.hdl != nil {
		for _, key := range keys {
			e.hdl.removeIfOwner(key, e)
		}
		e.hdl.notifications.Range(func(k, _ any) bool {
			e.hdl.unsubscribe(k.(crypto.PublicKey), e)
			return true
		})
		if e.info.IsServer() {
			e.hdl.removeServer(e)
		}
		if len(keys) > 0 {
			metrics.IdentifiedKeys.Sub(float64(len(keys)))
		}
	}

	return e.conn.Close()
}

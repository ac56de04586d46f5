// SPDX-License-Identifier: LGPL-3.0-or-later

package node

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Bluheir/cacophoney-lib/crypto"
	"github.com/Bluheir/cacophoney-lib/internal/logger"
	"github.com/Bluheir/cacophoney-lib/message"
	"github.com/Bluheir/cacophoney-lib/transport/mock"
)

var testPrivateKey = [crypto.PrivateKeySize]byte{
	59, 120, 176, 12, 17, 37, 95, 32, 64, 53, 178, 193, 44, 9, 148, 4, 187,
	63, 144, 195, 132, 19, 169, 115, 232, 229, 225, 77, 170, 4, 162, 75,
}

func testAddr(s string) net.Addr {
	return &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: mustPort(s)}
}

func mustPort(s string) int {
	switch s {
	case "a":
		return 9001
	case "b":
		return 9002
	case "c":
		return 9003
	default:
		return 9000
	}
}

// signIdentify builds a valid KeyTriad[SignedData] proving key over
// challenge.
func signIdentify(t *testing.T, key crypto.PrivateKey, challenge message.IdentifyData) crypto.KeyTriad[message.SignedData] {
	t.Helper()
	signable := message.Signable[message.IdentifyData]{
		MsgType: message.SignMessageTypeIdentify,
		Obj:     challenge,
	}
	raw, err := json.Marshal(signable)
	require.NoError(t, err)
	signed := message.JSONSigned(string(raw))

	sig, err := key.Sign(signed.Bytes())
	require.NoError(t, err)

	return crypto.KeyTriad[message.SignedData]{
		PublicKey: key.DerivePublic(),
		Signature: sig,
		Signed:    signed,
	}
}

// harness pairs two nodes over the mock transport, with b as the
// server-side acceptor.
type harness struct {
	t       *testing.T
	ctx     context.Context
	a, b    *Node
	clientB *NodeConnection // a's view of its connection to b
	serverA *NodeConnection // b's view of its accepted connection from a
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	log := logger.NewDefaultLogger()

	mctx := mock.NewContext()
	addrA := testAddr("a")
	addrB := testAddr("b")

	epA := mock.NewEndpoint(mctx, addrA)
	epB := mock.NewEndpoint(mctx, addrB)

	nodeA := NewNode(epA, nil, log)
	nodeB := NewNode(epB, &message.ServerInfo{Domain: "b.example"}, log)

	acceptCh := make(chan *NodeConnection, 1)
	acceptErrCh := make(chan error, 1)
	go func() {
		nc, err := nodeB.Accept(ctx)
		if err != nil {
			acceptErrCh <- err
			return
		}
		acceptCh <- nc
	}()

	clientB, err := nodeA.Connect(ctx, "b.example", addrB)
	require.NoError(t, err)

	var serverSideA *NodeConnection
	select {
	case serverSideA = <-acceptCh:
	case err := <-acceptErrCh:
		t.Fatalf("accept failed: %v", err)
	case <-time.After(time.Second):
		t.Fatal("accept timed out")
	}

	go nodeB.Serve(ctx, serverSideA)

	return &harness{t: t, ctx: ctx, a: nodeA, b: nodeB, clientB: clientB, serverA: serverSideA}
}

func TestHappyPath(t *testing.T) {
	h := newHarness(t)
	key, err := crypto.NewPrivateKey(testPrivateKey[:])
	require.NoError(t, err)

	resp, err := h.clientB.Request(h.ctx, message.NewStartIdentifyReq(message.StartIdentifyReq{}))
	require.NoError(t, err)
	challengeResp, err := resp.AsStartIdentify()
	require.NoError(t, err)

	challenge := message.IdentifyData{
		Salt: challengeResp.Salt, StartTime: challengeResp.StartTime, ExpireTime: challengeResp.ExpireTime,
	}
	triad := signIdentify(t, key, challenge)

	resp, err = h.clientB.Request(h.ctx, message.NewIdentifyReq(message.IdentifyReq{Triad: triad}))
	require.NoError(t, err)
	_, err = resp.AsIdentify()
	require.NoError(t, err)

	resp, err = h.clientB.Request(h.ctx, message.NewKeysExistsReq(message.KeysExistsReq{
		Keys: []crypto.PublicKey{key.DerivePublic()}, Notify: false,
	}))
	require.NoError(t, err)
	existsResp, err := resp.AsKeysExists()
	require.NoError(t, err)
	require.Len(t, existsResp.Triads, 1)
	assert.Equal(t, triad.PublicKey, existsResp.Triads[0].PublicKey)
}

func TestBadSignature(t *testing.T) {
	h := newHarness(t)
	key, err := crypto.NewPrivateKey(testPrivateKey[:])
	require.NoError(t, err)

	resp, err := h.clientB.Request(h.ctx, message.NewStartIdentifyReq(message.StartIdentifyReq{}))
	require.NoError(t, err)
	challengeResp, err := resp.AsStartIdentify()
	require.NoError(t, err)

	challenge := message.IdentifyData{
		Salt: challengeResp.Salt, StartTime: challengeResp.StartTime, ExpireTime: challengeResp.ExpireTime,
	}
	triad := signIdentify(t, key, challenge)
	var badSig crypto.Signature
	for i := range badSig {
		badSig[i] = 1
	}
	triad.Signature = badSig

	resp, err = h.clientB.Request(h.ctx, message.NewIdentifyReq(message.IdentifyReq{Triad: triad}))
	require.NoError(t, err)
	errResp, ok := resp.AsError()
	require.True(t, ok)
	assert.Equal(t, IdentifySignatureInvalid, errResp.Kind)

	resp, err = h.clientB.Request(h.ctx, message.NewKeysExistsReq(message.KeysExistsReq{
		Keys: []crypto.PublicKey{key.DerivePublic()},
	}))
	require.NoError(t, err)
	existsResp, err := resp.AsKeysExists()
	require.NoError(t, err)
	assert.Empty(t, existsResp.Triads)
}

func TestExpiredChallenge(t *testing.T) {
	h := newHarness(t)
	key, err := crypto.NewPrivateKey(testPrivateKey[:])
	require.NoError(t, err)

	original := ChallengeTTL
	ChallengeTTL = 1
	defer func() { ChallengeTTL = original }()

	resp, err := h.clientB.Request(h.ctx, message.NewStartIdentifyReq(message.StartIdentifyReq{}))
	require.NoError(t, err)
	challengeResp, err := resp.AsStartIdentify()
	require.NoError(t, err)

	challenge := message.IdentifyData{
		Salt: challengeResp.Salt, StartTime: challengeResp.StartTime, ExpireTime: challengeResp.ExpireTime,
	}
	triad := signIdentify(t, key, challenge)
	time.Sleep(20 * time.Millisecond)

	resp, err = h.clientB.Request(h.ctx, message.NewIdentifyReq(message.IdentifyReq{Triad: triad}))
	require.NoError(t, err)
	errResp, ok := resp.AsError()
	require.True(t, ok)
	assert.Equal(t, IdentifyExpired, errResp.Kind)
}

func TestNotificationFanOut(t *testing.T) {
	ctx := context.Background()
	log := logger.NewDefaultLogger()
	mctx := mock.NewContext()

	addrServer := testAddr("c")
	epServer := mock.NewEndpoint(mctx, addrServer)
	server := NewNode(epServer, &message.ServerInfo{Domain: "srv"}, log)

	addrA := &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 9101}
	addrB := &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 9102}
	epA := mock.NewEndpoint(mctx, addrA)
	epB := mock.NewEndpoint(mctx, addrB)
	nodeA := NewNode(epA, nil, log)
	nodeB := NewNode(epB, nil, log)

	accept := func(n *Node) chan *NodeConnection {
		ch := make(chan *NodeConnection, 1)
		go func() {
			nc, err := n.Accept(ctx)
			require.NoError(t, err)
			ch <- nc
		}()
		return ch
	}

	serverAcceptA := accept(server)
	clientA, err := nodeA.Connect(ctx, "srv", addrServer)
	require.NoError(t, err)
	srvSideA := <-serverAcceptA
	go server.Serve(ctx, srvSideA)

	serverAcceptB := accept(server)
	clientB, err := nodeB.Connect(ctx, "srv", addrServer)
	require.NoError(t, err)
	srvSideB := <-serverAcceptB
	go server.Serve(ctx, srvSideB)

	key, err := crypto.NewPrivateKey(testPrivateKey[:])
	require.NoError(t, err)
	pub := key.DerivePublic()

	resp, err := clientA.Request(ctx, message.NewKeysExistsReq(message.KeysExistsReq{
		Keys: []crypto.PublicKey{pub}, Notify: true,
	}))
	require.NoError(t, err)
	existsResp, err := resp.AsKeysExists()
	require.NoError(t, err)
	assert.Empty(t, existsResp.Triads)

	// A's own connection is where the server pushes the notify frame,
	// not the server's side of the conversation (srvSideA) — that
	// channel only ever carries requests A itself sent.
	notifyCh := make(chan message.ReqMessage, 4)
	go func() {
		for {
			req, err := clientA.conn.NextRequest(ctx)
			if err != nil {
				return
			}
			notifyCh <- req.Message()
			_ = req.Respond(ctx, message.NewIdentifyResp(message.IdentifyResp{}))
		}
	}()

	// B identifies as pub.
	resp, err = clientB.Request(ctx, message.NewStartIdentifyReq(message.StartIdentifyReq{}))
	require.NoError(t, err)
	startResp, err := resp.AsStartIdentify()
	require.NoError(t, err)
	challenge := message.IdentifyData{Salt: startResp.Salt, StartTime: startResp.StartTime, ExpireTime: startResp.ExpireTime}
	triad := signIdentify(t, key, challenge)

	resp, err = clientB.Request(ctx, message.NewIdentifyReq(message.IdentifyReq{Triad: triad}))
	require.NoError(t, err)
	_, err = resp.AsIdentify()
	require.NoError(t, err)

	select {
	case notif := <-notifyCh:
		identifyReq, err := notif.AsIdentify()
		require.NoError(t, err)
		assert.Equal(t, pub, identifyReq.Triad.PublicKey)
	case <-time.After(time.Second):
		t.Fatal("notification not delivered")
	}

	select {
	case <-notifyCh:
		t.Fatal("notified more than once")
	case <-time.After(100 * time.Millisecond):
	}

	resp, err = clientB.Request(ctx, message.NewKeysExistsReq(message.KeysExistsReq{Keys: []crypto.PublicKey{pub}}))
	require.NoError(t, err)
	existsResp, err = resp.AsKeysExists()
	require.NoError(t, err)
	require.Len(t, existsResp.Triads, 1)
}

func TestVersionRejection(t *testing.T) {
	ctx := context.Background()
	log := logger.NewDefaultLogger()
	mctx := mock.NewContext()

	addrB := testAddr("b")
	epB := mock.NewEndpoint(mctx, addrB)
	nodeB := NewNode(epB, nil, log)

	addrA := testAddr("a")
	epA := mock.NewEndpoint(mctx, addrA)

	acceptErrCh := make(chan error, 1)
	go func() {
		_, err := nodeB.Accept(ctx)
		acceptErrCh <- err
	}()

	conn, err := epA.Connect(ctx, "b", addrB)
	require.NoError(t, err)

	resp, err := conn.Request(ctx, message.NewNodeInfoReq(message.NodeInfo{APIVersion: CurrentVersion + 1}))
	require.NoError(t, err)
	infoResp, err := resp.AsNodeInfo()
	require.NoError(t, err)
	assert.False(t, infoResp.Compatible)

	select {
	case err := <-acceptErrCh:
		var connErr *ConnError
		require.ErrorAs(t, err, &connErr)
		require.NotNil(t, connErr.IncompatibleVersion)
		assert.Equal(t, CurrentVersion+1, *connErr.IncompatibleVersion)
	case <-time.After(time.Second):
		t.Fatal("accept did not observe incompatible version")
	}
}

func TestImpersonationBlocked(t *testing.T) {
	h := newHarness(t)
	key1, err := crypto.NewPrivateKey(testPrivateKey[:])
	require.NoError(t, err)
	key2, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	key3, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)

	resp, err := h.clientB.Request(h.ctx, message.NewStartIdentifyReq(message.StartIdentifyReq{}))
	require.NoError(t, err)
	challengeResp, err := resp.AsStartIdentify()
	require.NoError(t, err)
	challenge := message.IdentifyData{Salt: challengeResp.Salt, StartTime: challengeResp.StartTime, ExpireTime: challengeResp.ExpireTime}
	triad := signIdentify(t, key1, challenge)

	resp, err = h.clientB.Request(h.ctx, message.NewIdentifyReq(message.IdentifyReq{Triad: triad}))
	require.NoError(t, err)
	_, err = resp.AsIdentify()
	require.NoError(t, err)

	resp, err = h.clientB.Request(h.ctx, message.NewCommunicationReq(message.CommunicationReq{
		From: key2.DerivePublic(), To: key3.DerivePublic(),
	}))
	require.NoError(t, err)
	errResp, ok := resp.AsError()
	require.True(t, ok)
	assert.Equal(t, CommInvalidPublicKey, errResp.Kind)
}

// TestDisconnectPrunesRegistry verifies that closing the accepting side's
// endpoint removes its identified keys from key_to_endpoint, so a stale
// connection can never keep answering KeysExists/Communicate after it is
// gone.
func TestDisconnectPrunesRegistry(t *testing.T) {
	h := newHarness(t)
	key, err := crypto.NewPrivateKey(testPrivateKey[:])
	require.NoError(t, err)
	pub := key.DerivePublic()

	resp, err := h.clientB.Request(h.ctx, message.NewStartIdentifyReq(message.StartIdentifyReq{}))
	require.NoError(t, err)
	challengeResp, err := resp.AsStartIdentify()
	require.NoError(t, err)
	challenge := message.IdentifyData{
		Salt: challengeResp.Salt, StartTime: challengeResp.StartTime, ExpireTime: challengeResp.ExpireTime,
	}
	triad := signIdentify(t, key, challenge)

	resp, err = h.clientB.Request(h.ctx, message.NewIdentifyReq(message.IdentifyReq{Triad: triad}))
	require.NoError(t, err)
	_, err = resp.AsIdentify()
	require.NoError(t, err)

	_, ok := h.b.Handle().lookup(pub)
	require.True(t, ok, "key should be registered immediately after identify")

	require.NoError(t, h.serverA.Endpoint().Close())

	_, ok = h.b.Handle().lookup(pub)
	assert.False(t, ok, "disconnect should prune key_to_endpoint")
}

// TestConcurrentSubscribeAndCommitIsAtomic races many subscribeOrDeliver
// callers against a single commitIdentify, verifying every subscriber is
// accounted for exactly once: it either observes the identity
// synchronously (it raced in after the commit) or is present in the set
// commitIdentify extracts (it raced in before). Neither path may leave a
// subscriber stuck waiting on a notification that never comes, which is
// the atomic extract-then-commit guarantee subscribeOrDeliver/
// commitIdentify share a per-key lock to provide.
func TestConcurrentSubscribeAndCommitIsAtomic(t *testing.T) {
	hdl := NewServerHandle(logger.NewDefaultLogger())

	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	pub := key.DerivePublic()
	proven := crypto.KeyTriad[message.SignedData]{PublicKey: pub}

	const subscribers = 100
	eps := make([]*InboundEndpoint, subscribers)
	delivered := make([]bool, subscribers)
	for i := range eps {
		eps[i] = &InboundEndpoint{}
	}

	start := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(subscribers)
	for i := 0; i < subscribers; i++ {
		go func(i int) {
			defer wg.Done()
			<-start
			_, ok := hdl.subscribeOrDeliver(pub, eps[i])
			delivered[i] = ok
		}(i)
	}

	owner := &InboundEndpoint{}
	owner.identities.Store(pub, proven)

	close(start)
	subs := hdl.commitIdentify(pub, owner)
	wg.Wait()

	extracted := make(map[*InboundEndpoint]struct{}, len(subs))
	for _, s := range subs {
		extracted[s] = struct{}{}
	}
	for i, ep := range eps {
		if delivered[i] {
			continue
		}
		_, ok := extracted[ep]
		assert.True(t, ok, "subscriber %d neither delivered synchronously nor extracted by commit", i)
	}
}

// TestServerHdlDroppedAfterShutdown verifies Node.Shutdown makes the
// Identify and KeysExists handlers fail with the ServerHdlDropped kind,
// not just return a generic error.
func TestServerHdlDroppedAfterShutdown(t *testing.T) {
	h := newHarness(t)
	key, err := crypto.NewPrivateKey(testPrivateKey[:])
	require.NoError(t, err)

	resp, err := h.clientB.Request(h.ctx, message.NewStartIdentifyReq(message.StartIdentifyReq{}))
	require.NoError(t, err)
	challengeResp, err := resp.AsStartIdentify()
	require.NoError(t, err)
	challenge := message.IdentifyData{
		Salt: challengeResp.Salt, StartTime: challengeResp.StartTime, ExpireTime: challengeResp.ExpireTime,
	}
	triad := signIdentify(t, key, challenge)

	h.b.Shutdown()

	resp, err = h.clientB.Request(h.ctx, message.NewIdentifyReq(message.IdentifyReq{Triad: triad}))
	require.NoError(t, err)
	errResp, ok := resp.AsError()
	require.True(t, ok)
	assert.Equal(t, IdentifyServerHdlDropped, errResp.Kind)

	resp, err = h.clientB.Request(h.ctx, message.NewKeysExistsReq(message.KeysExistsReq{
		Keys: []crypto.PublicKey{key.DerivePublic()},
	}))
	require.NoError(t, err)
	errResp, ok = resp.AsError()
	require.True(t, ok)
	assert.Equal(t, KeysExistsServerHdlDropped, errResp.Kind)
}

// TestOutboundOnlyNodeFailsWithNotServer verifies a Node built with
// NewOutboundOnlyNode never has a registry to consult: its endpoints are
// server-less for their whole lifetime, distinct from a dropped registry.
func TestOutboundOnlyNodeFailsWithNotServer(t *testing.T) {
	ctx := context.Background()
	log := logger.NewDefaultLogger()
	mctx := mock.NewContext()

	addrServer := testAddr("c")
	epServer := mock.NewEndpoint(mctx, addrServer)
	server := NewNode(epServer, &message.ServerInfo{Domain: "srv"}, log)

	addrClient := &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 9301}
	epClient := mock.NewEndpoint(mctx, addrClient)
	client := NewOutboundOnlyNode(epClient, log)
	assert.Nil(t, client.Handle())

	acceptCh := make(chan *NodeConnection, 1)
	go func() {
		nc, err := server.Accept(ctx)
		require.NoError(t, err)
		acceptCh <- nc
	}()

	clientConn, err := client.Connect(ctx, "srv", addrServer)
	require.NoError(t, err)
	serverSide := <-acceptCh
	go server.Serve(ctx, serverSide)

	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)

	_, err = clientConn.Endpoint().KeysExists(ctx, []crypto.PublicKey{key.DerivePublic()}, false)
	var kerr *KeysExistsReqError
	require.ErrorAs(t, err, &kerr)
	assert.Equal(t, KeysExistsNotServer, kerr.Kind)
}

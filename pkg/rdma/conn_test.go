package rdma

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mcreplica/mccore/pkg/rdma/simverbs"
)

// fakeNetwork is a minimal in-memory Verbs implementation for exercising
// Connect/Accept's capability negotiation without real rdma_cm: Dial
// rendezvous with a matching Listen on the same port over a channel,
// handing each side one end of a simverbs pair.
type fakeNetwork struct {
	mu        sync.Mutex
	listeners map[int]chan dialReq
}

type dialReq struct {
	privateData []byte
	qp          *simverbs.QueuePair
	respond     chan []byte
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{listeners: make(map[int]chan dialReq)}
}

type fakeVerbs struct{ net *fakeNetwork }

func (v *fakeVerbs) Dial(ctx context.Context, ep Endpoint, sendMax int, localPrivateData []byte) (QueuePair, []byte, error) {
	v.net.mu.Lock()
	ch, ok := v.net.listeners[ep.Port]
	v.net.mu.Unlock()
	if !ok {
		return nil, nil, fmt.Errorf("fakeVerbs: nothing listening on port %d", ep.Port)
	}
	a, b := simverbs.NewPair(sendMax)
	respond := make(chan []byte, 1)
	select {
	case ch <- dialReq{privateData: localPrivateData, qp: b, respond: respond}:
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
	select {
	case peerData := <-respond:
		return a, peerData, nil
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

func (v *fakeVerbs) Listen(ctx context.Context, port int, sendMax int) (Acceptor, error) {
	ch := make(chan dialReq, 1)
	v.net.mu.Lock()
	v.net.listeners[port] = ch
	v.net.mu.Unlock()
	return &fakeAcceptor{ch: ch}, nil
}

type fakeAcceptor struct{ ch chan dialReq }

func (a *fakeAcceptor) Accept(ctx context.Context, localPrivateData []byte) (QueuePair, []byte, error) {
	select {
	case req := <-a.ch:
		req.respond <- localPrivateData
		return req.qp, req.privateData, nil
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

func (a *fakeAcceptor) Close() error { return nil }

func TestConnectAccept_NegotiatesCapabilities(t *testing.T) {
	net := newFakeNetwork()
	v := &fakeVerbs{net: net}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	serverDone := make(chan *Conn, 1)
	serverErr := make(chan error, 1)
	go func() {
		conn, err := Accept(ctx, v, 9999, Capabilities{PinAll: true, Keepalive: false}, 512, 10, 0x1000)
		if err != nil {
			serverErr <- err
			return
		}
		serverDone <- conn
	}()

	// give the listener a moment to register before dialing.
	time.Sleep(10 * time.Millisecond)

	clientConn, err := Connect(ctx, v, Endpoint{Host: "127.0.0.1", Port: 9999}, Capabilities{PinAll: true, Keepalive: true}, 512, 20, 0x2000)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if clientConn.Capabilities != (Capabilities{PinAll: true, Keepalive: false}) {
		t.Fatalf("client negotiated capabilities = %+v, want PinAll only", clientConn.Capabilities)
	}
	if clientConn.Role != "primary" {
		t.Fatalf("client role = %q, want primary", clientConn.Role)
	}

	select {
	case err := <-serverErr:
		t.Fatalf("Accept: %v", err)
	case serverConn := <-serverDone:
		if serverConn.Capabilities != (Capabilities{PinAll: true, Keepalive: false}) {
			t.Fatalf("server negotiated capabilities = %+v, want PinAll only", serverConn.Capabilities)
		}
		if serverConn.Role != "secondary" {
			t.Fatalf("server role = %q, want secondary", serverConn.Role)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for Accept")
	}
}

func TestConnect_UnknownPortErrors(t *testing.T) {
	v := &fakeVerbs{net: newFakeNetwork()}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if _, err := Connect(ctx, v, Endpoint{Host: "127.0.0.1", Port: 1}, Capabilities{}, 8, 0, 0); err == nil {
		t.Fatal("expected error dialing a port with no listener")
	}
}

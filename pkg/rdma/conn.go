package rdma

import (
	"context"
	"fmt"
	"net"
)

// Conn is one established, capability-negotiated RDMA connection,
// wrapping the QueuePair returned by Verbs plus the capability set both
// sides agreed on.
type Conn struct {
	QP           QueuePair
	Capabilities Capabilities
	Role         string // "primary" or "secondary"
}

// resolveEndpoint picks the address family to dial. Per spec.md §4.1, an
// IPv4 address is preferred whenever the host resolves to one, since
// most RDMA fabrics in practice are still dual-stacked; ep.IPv6
// (pure RoCE/IPv6-only deployments) skips straight to AAAA lookup.
func resolveEndpoint(ctx context.Context, ep Endpoint) (string, error) {
	if ep.IPv6 {
		addrs, err := net.DefaultResolver.LookupIP(ctx, "ip6", ep.Host)
		if err != nil {
			return "", fmt.Errorf("rdma: resolve %s (ipv6): %w", ep.Host, err)
		}
		if len(addrs) == 0 {
			return "", fmt.Errorf("rdma: no AAAA records for %s", ep.Host)
		}
		return addrs[0].String(), nil
	}
	addrs, err := net.DefaultResolver.LookupIP(ctx, "ip4", ep.Host)
	if err == nil && len(addrs) > 0 {
		return addrs[0].String(), nil
	}
	addrs, err = net.DefaultResolver.LookupIP(ctx, "ip6", ep.Host)
	if err != nil || len(addrs) == 0 {
		return "", fmt.Errorf("rdma: resolve %s: no A or AAAA records", ep.Host)
	}
	return addrs[0].String(), nil
}

// Connect dials ep as the primary (active) side: it resolves the
// address, opens the queue pair through v, advertises local via the
// connect private data, and negotiates the effective capability set
// against whatever the peer advertised back.
func Connect(ctx context.Context, v Verbs, ep Endpoint, local Capabilities, sendMax int, keepaliveRkey uint32, keepaliveAddr uint64) (*Conn, error) {
	if _, err := resolveEndpoint(ctx, ep); err != nil {
		return nil, err
	}
	localRec := NewCapabilityRecord(local, keepaliveRkey, keepaliveAddr)
	qp, peerData, err := v.Dial(ctx, ep, sendMax, localRec.Encode())
	if err != nil {
		return nil, fmt.Errorf("rdma: connect to %s:%d: %w", ep.Host, ep.Port, err)
	}
	peerRec, err := DecodeCapabilityRecord(peerData)
	if err != nil {
		qp.Close()
		return nil, fmt.Errorf("rdma: connect: decode peer capabilities: %w", err)
	}
	return &Conn{
		QP:           qp,
		Capabilities: Negotiate(local, peerRec.Capabilities()),
		Role:         "primary",
	}, nil
}

// Accept listens on port as the secondary (passive) side and completes
// one incoming connection, mirroring Connect's capability negotiation.
func Accept(ctx context.Context, v Verbs, port int, local Capabilities, sendMax int, keepaliveRkey uint32, keepaliveAddr uint64) (*Conn, error) {
	acceptor, err := v.Listen(ctx, port, sendMax)
	if err != nil {
		return nil, fmt.Errorf("rdma: listen on port %d: %w", port, err)
	}
	defer acceptor.Close()

	localRec := NewCapabilityRecord(local, keepaliveRkey, keepaliveAddr)
	qp, peerData, err := acceptor.Accept(ctx, localRec.Encode())
	if err != nil {
		return nil, fmt.Errorf("rdma: accept: %w", err)
	}
	peerRec, err := DecodeCapabilityRecord(peerData)
	if err != nil {
		qp.Close()
		return nil, fmt.Errorf("rdma: accept: decode peer capabilities: %w", err)
	}
	return &Conn{
		QP:           qp,
		Capabilities: Negotiate(local, peerRec.Capabilities()),
		Role:         "secondary",
	}, nil
}

// Package discovery provides the libp2p mDNS implementation of Transport.
package discovery

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/libp2p/go-libp2p/p2p/net/swarm"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/iggydv12/mycelia/internal/config"
)

const (
	eventBuffer    = 64
	connectTimeout = 10 * time.Second

	defaultPeerTTL       = 20 * time.Second
	defaultSweepInterval = 5 * time.Second

	redialAttempts = 3
	redialDelay    = 250 * time.Millisecond

	// Expired peers are remembered this long so a reconnect can revive them.
	forgetAfter = time.Hour
)

// peerEntry is what the transport knows about an announced peer.
type peerEntry struct {
	info      peer.AddrInfo
	live      bool // Discovered emitted and not yet Expired
	redialing bool
	lastSeen  time.Time // last announcement or confirmed connection
}

// LibP2PTransport implements Transport using a libp2p host and mDNS.
//
// mDNS reports a peer once per record TTL, so departures are derived from the
// connection state instead: the host dials every announced peer, and when the
// last connection closes, or an announced peer stays unconnected for PeerTTL,
// it is redialed with backoff. Only a failed redial expires the peer. A later
// connection from or to an expired peer makes it discovered again.
type LibP2PTransport struct {
	cfg    config.MeshConfig
	priv   crypto.PrivKey
	id     peer.ID
	logger *zap.Logger

	host host.Host
	mdns mdns.Service

	ctx    context.Context
	cancel context.CancelFunc

	// mu also orders emits, so Discovered and Expired for a peer leave in
	// the order its state changed.
	mu    sync.Mutex
	peers map[peer.ID]*peerEntry

	// sendMu guards events against a send after close.
	sendMu    sync.RWMutex
	closed    bool
	events    chan Event
	closeOnce sync.Once
}

// NewLibP2PTransport creates a transport for the given identity. Nothing is
// opened until Start.
func NewLibP2PTransport(cfg config.MeshConfig, priv crypto.PrivKey, logger *zap.Logger) (*LibP2PTransport, error) {
	id, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("derive peer id: %w", err)
	}
	if cfg.PeerTTL <= 0 {
		cfg.PeerTTL = defaultPeerTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &LibP2PTransport{
		cfg:    cfg,
		priv:   priv,
		id:     id,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		peers:  make(map[peer.ID]*peerEntry),
		events: make(chan Event, eventBuffer),
	}, nil
}

// Start opens the libp2p host, starts mDNS announcements and the liveness sweeper.
// The transport closes itself when ctx is cancelled.
func (t *LibP2PTransport) Start(ctx context.Context) error {
	if err := t.openHost(); err != nil {
		return err
	}

	t.mdns = mdns.NewMdnsService(t.host, t.cfg.ServiceTag, &mdnsNotifee{transport: t})
	err := retry.Do(t.mdns.Start,
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(500*time.Millisecond),
		retry.OnRetry(func(n uint, err error) {
			t.logger.Warn("mDNS start retry", zap.Uint("attempt", n), zap.Error(err))
		}),
	)
	if err != nil {
		t.host.Close()
		return fmt.Errorf("mdns start: %w", err)
	}

	go t.sweep(ctx)

	t.logger.Info("mDNS discovery started",
		zap.String("peerID", t.id.String()),
		zap.String("serviceTag", t.cfg.ServiceTag),
		zap.Strings("addrs", addrsToStrings(t.host.Addrs())),
	)
	return nil
}

func (t *LibP2PTransport) openHost() error {
	h, err := libp2p.New(
		libp2p.Identity(t.priv),
		libp2p.ListenAddrStrings(t.cfg.ListenAddr),
	)
	if err != nil {
		return fmt.Errorf("libp2p host: %w", err)
	}
	t.host = h

	h.Network().Notify(&network.NotifyBundle{
		ConnectedF: func(_ network.Network, conn network.Conn) {
			t.handleConnect(conn.RemotePeer(), conn.RemoteMultiaddr())
		},
		DisconnectedF: func(_ network.Network, conn network.Conn) {
			t.handleDisconnect(conn.RemotePeer())
		},
	})
	return nil
}

// Events returns the discovery event stream.
func (t *LibP2PTransport) Events() <-chan Event { return t.events }

// LocalID returns this node's peer ID.
func (t *LibP2PTransport) LocalID() peer.ID { return t.id }

// Close stops mDNS, closes the host and ends the event stream.
func (t *LibP2PTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.cancel()
		if t.mdns != nil {
			if cerr := t.mdns.Close(); cerr != nil {
				t.logger.Warn("mDNS close failed", zap.Error(cerr))
			}
		}
		if t.host != nil {
			err = t.host.Close()
		}
		t.sendMu.Lock()
		t.closed = true
		close(t.events)
		t.sendMu.Unlock()
	})
	return err
}

func (t *LibP2PTransport) emit(ev Event) {
	t.sendMu.RLock()
	defer t.sendMu.RUnlock()
	if t.closed {
		return
	}
	select {
	case t.events <- ev:
	case <-t.ctx.Done():
	}
}

func (t *LibP2PTransport) handlePeerFound(pi peer.AddrInfo) {
	if pi.ID == t.id {
		return
	}
	t.mu.Lock()
	e, ok := t.peers[pi.ID]
	if !ok {
		e = &peerEntry{}
		t.peers[pi.ID] = e
	}
	e.info = pi
	e.live = true
	e.lastSeen = time.Now()
	t.emit(Event{Kind: EventDiscovered, Peer: pi.ID, Addr: routableIP(pi.Addrs)})
	t.mu.Unlock()

	if t.host.Network().Connectedness(pi.ID) == network.Connected {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(t.ctx, connectTimeout)
		defer cancel()
		if err := t.host.Connect(ctx, pi); err != nil {
			t.logger.Debug("mDNS connect failed", zap.String("peer", pi.ID.String()), zap.Error(err))
		}
	}()
}

// handleConnect revives an announced peer that had been expired.
func (t *LibP2PTransport) handleConnect(p peer.ID, remote multiaddr.Multiaddr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.peers[p]
	if !ok {
		return
	}
	e.lastSeen = time.Now()
	if e.live {
		return
	}
	e.live = true
	addr := routableIP(e.info.Addrs)
	if addr == nil && remote != nil {
		addr = ipOf(remote)
	}
	t.logger.Info("expired peer reconnected", zap.String("peer", p.String()))
	t.emit(Event{Kind: EventDiscovered, Peer: p, Addr: addr})
}

func (t *LibP2PTransport) handleDisconnect(p peer.ID) {
	if t.host.Network().Connectedness(p) == network.Connected {
		return
	}
	go t.redial(p)
}

// redial reconnects to a live peer with backoff and expires it when every
// attempt fails. Only one redial per peer runs at a time.
func (t *LibP2PTransport) redial(p peer.ID) {
	t.mu.Lock()
	e, ok := t.peers[p]
	if !ok || !e.live || e.redialing {
		t.mu.Unlock()
		return
	}
	e.redialing = true
	info := e.info
	t.mu.Unlock()

	err := retry.Do(
		func() error {
			if sw, ok := t.host.Network().(*swarm.Swarm); ok {
				sw.Backoff().Clear(p)
			}
			ctx, cancel := context.WithTimeout(t.ctx, connectTimeout)
			defer cancel()
			return t.host.Connect(ctx, info)
		},
		retry.Context(t.ctx),
		retry.Attempts(redialAttempts),
		retry.Delay(redialDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)

	t.mu.Lock()
	e.redialing = false
	if err == nil {
		e.lastSeen = time.Now()
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	if t.ctx.Err() != nil {
		return
	}
	t.logger.Info("peer unreachable", zap.String("peer", p.String()), zap.Error(err))
	t.expire(p)
}

// expire emits Expired for a live announced peer. Unknown or already expired
// peers are ignored.
func (t *LibP2PTransport) expire(p peer.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.peers[p]
	if !ok || !e.live {
		return
	}
	e.live = false
	e.lastSeen = time.Now()
	t.emit(Event{Kind: EventExpired, Peer: p})
}

// sweep redials live peers that have gone PeerTTL without a connection and
// forgets peers that have been expired for a long time.
func (t *LibP2PTransport) sweep(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			t.Close()
			return
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			for _, p := range t.stalePeers(time.Now()) {
				go t.redial(p)
			}
		}
	}
}

func (t *LibP2PTransport) stalePeers(now time.Time) []peer.ID {
	t.mu.Lock()
	defer t.mu.Unlock()
	var stale []peer.ID
	for p, e := range t.peers {
		switch {
		case t.host.Network().Connectedness(p) == network.Connected:
			e.lastSeen = now
		case e.redialing:
		case e.live && now.Sub(e.lastSeen) > t.cfg.PeerTTL:
			stale = append(stale, p)
		case !e.live && now.Sub(e.lastSeen) > forgetAfter:
			delete(t.peers, p)
		}
	}
	return stale
}

// routableIP picks the address the router should dial: the first
// non-loopback IP, falling back to a loopback IP, or nil when none parse.
func routableIP(addrs []multiaddr.Multiaddr) net.IP {
	var loopback net.IP
	for _, a := range addrs {
		ip := ipOf(a)
		switch {
		case ip == nil, ip.IsUnspecified(), ip.IsLinkLocalUnicast():
			continue
		case ip.IsLoopback():
			if loopback == nil {
				loopback = ip
			}
		default:
			return ip
		}
	}
	return loopback
}

func ipOf(a multiaddr.Multiaddr) net.IP {
	if v, err := a.ValueForProtocol(multiaddr.P_IP4); err == nil {
		return net.ParseIP(v)
	}
	if v, err := a.ValueForProtocol(multiaddr.P_IP6); err == nil {
		return net.ParseIP(v)
	}
	return nil
}

func addrsToStrings(addrs []multiaddr.Multiaddr) []string {
	s := make([]string, len(addrs))
	for i, a := range addrs {
		s[i] = a.String()
	}
	return s
}

// mdnsNotifee handles mDNS peer discovery notifications.
type mdnsNotifee struct {
	transport *LibP2PTransport
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	n.transport.logger.Debug("mDNS: found peer", zap.String("peerID", pi.ID.String()))
	n.transport.handlePeerFound(pi)
}

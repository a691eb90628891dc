// Package discovery defines the local-network peer discovery transport.
package discovery

import (
	"context"
	"crypto/rand"
	"fmt"
	"net"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

// EventKind distinguishes discovery events.
type EventKind int

const (
	EventDiscovered EventKind = iota + 1 // peer announced itself
	EventExpired                         // peer is no longer reachable
)

func (k EventKind) String() string {
	switch k {
	case EventDiscovered:
		return "discovered"
	case EventExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Event is a single discovered/expired notification.
// Addr is nil when the announcement carried no usable address.
type Event struct {
	Kind EventKind
	Peer peer.ID
	Addr net.IP
}

// Transport is the discovery collaborator consumed by the peer registry.
type Transport interface {
	// Start begins listening and announcing presence. Called once.
	Start(ctx context.Context) error
	// Events returns the event stream. It is closed when the transport stops.
	Events() <-chan Event
	// LocalID returns this node's peer ID.
	LocalID() peer.ID
	// Close stops announcing and closes the event stream.
	Close() error
}

// GenerateIdentity creates a fresh Ed25519 identity and the peer ID derived from it.
func GenerateIdentity() (crypto.PrivKey, peer.ID, error) {
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, "", fmt.Errorf("generate key: %w", err)
	}
	id, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return nil, "", fmt.Errorf("derive peer id: %w", err)
	}
	return priv, id, nil
}

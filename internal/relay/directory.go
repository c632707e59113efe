package relay

import (
	"slices"

	"github.com/SWAI-Ltd/sigrelay/internal/identity"
)

// Directory tracks which peers hold at least one live overlay connection.
// It is not safe for concurrent use; the Controller owns it.
type Directory struct {
	// conns lists live connections per peer in establishment order.
	conns map[identity.PeerID][]ConnID
	owner map[ConnID]identity.PeerID
}

func NewDirectory() *Directory {
	return &Directory{
		conns: make(map[identity.PeerID][]ConnID),
		owner: make(map[ConnID]identity.PeerID),
	}
}

// Register records conn for peer. It returns false, changing nothing, when
// conn is already registered (for any peer).
func (d *Directory) Register(peer identity.PeerID, conn ConnID) bool {
	if _, ok := d.owner[conn]; ok {
		return false
	}
	d.owner[conn] = peer
	d.conns[peer] = append(d.conns[peer], conn)
	return true
}

// Unregister removes conn from peer. Removing an absent connection is a
// no-op and returns false.
func (d *Directory) Unregister(peer identity.PeerID, conn ConnID) bool {
	if owner, ok := d.owner[conn]; !ok || owner != peer {
		return false
	}
	delete(d.owner, conn)
	list := d.conns[peer]
	if i := slices.Index(list, conn); i >= 0 {
		list = slices.Delete(list, i, i+1)
	}
	if len(list) == 0 {
		delete(d.conns, peer)
	} else {
		d.conns[peer] = list
	}
	return true
}

func (d *Directory) IsReachable(peer identity.PeerID) bool {
	return len(d.conns[peer]) > 0
}

func (d *Directory) ConnectionCount(peer identity.PeerID) int {
	return len(d.conns[peer])
}

// Has reports whether conn is registered for peer.
func (d *Directory) Has(peer identity.PeerID, conn ConnID) bool {
	owner, ok := d.owner[conn]
	return ok && owner == peer
}

// Preferred returns the most recently established live connection of peer.
func (d *Directory) Preferred(peer identity.PeerID) (ConnID, bool) {
	list := d.conns[peer]
	if len(list) == 0 {
		return 0, false
	}
	return list[len(list)-1], true
}

// Peers returns the reachable peers in no particular order.
func (d *Directory) Peers() []identity.PeerID {
	out := make([]identity.PeerID, 0, len(d.conns))
	for p := range d.conns {
		out = append(out, p)
	}
	return out
}

// Len returns the number of live connections.
func (d *Directory) Len() int {
	return len(d.owner)
}

//go:build linux

package kernel

import "github.com/itsChris/wgsync/internal/wg"

// Netlink messages are bounded by the socket buffer, so large peer lists
// and allowed IP sets are split across several WG_CMD_SET_DEVICE requests.
// The sizes are deliberately small because the encoded size of a peer is
// not known up front.
const (
	ipBatchChunk   = 256
	peerBatchChunk = 32
)

func (cfg deviceConfig) shouldBatch() bool {
	if len(cfg.peers) > peerBatchChunk {
		return true
	}
	var ips int
	for _, p := range cfg.peers {
		ips += len(p.peer.AllowedIPs)
	}
	return ips > ipBatchChunk
}

// batches splits cfg into requests that each carry a single peer chunk.
// Only the first chunk of a peer carries its scalar fields and the
// replace-allowed-ips flag, so later chunks append. Device fields and
// replace-peers only go out with the first request.
func (cfg deviceConfig) batches() []deviceConfig {
	if !cfg.shouldBatch() {
		return []deviceConfig{cfg}
	}

	base := cfg
	base.peers = nil

	var out []deviceConfig
	for _, p := range cfg.peers {
		ips := p.peer.AllowedIPs
		first := true
		for first || len(ips) > 0 {
			n := min(len(ips), ipBatchChunk)

			chunk := peerConfig{
				peer: wg.Peer{
					PublicKey:  p.peer.PublicKey,
					AllowedIPs: ips[:n:n],
				},
				remove: p.remove,
			}
			if first {
				chunk.peer.PresharedKey = p.peer.PresharedKey
				chunk.peer.Endpoint = p.peer.Endpoint
				chunk.peer.PersistentKeepalive = p.peer.PersistentKeepalive
				chunk.replaceAllowedIPs = p.replaceAllowedIPs
			}
			ips = ips[n:]
			first = false

			batch := base
			batch.peers = []peerConfig{chunk}
			out = append(out, batch)
		}
	}

	for i := range out {
		if i > 0 {
			out[i].replacePeers = false
			out[i].params = wg.InterfaceParams{}
		}
	}
	return out
}

package peerwire

import (
	"github.com/anacrolix/log"
)

// A config for tests: a fixed peer ID and a logger that only shows warnings and up.
func TestingConfig() *PeerConnConfig {
	cfg := NewDefaultPeerConnConfig()
	copy(cfg.PeerID[:], "-PW0100-testingpeer0")
	cfg.Logger = log.Default.FilterLevel(log.Warning)
	//cfg.Logger = log.Default
	return cfg
}

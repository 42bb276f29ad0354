package main

import (
	"fmt"
	"time"

	"github.com/hyperengineering/vigil/internal/broadcast"
	"github.com/hyperengineering/vigil/internal/config"
)

// broadcastOpener maps the configured transport kind to an opener. A nil
// opener leaves the coordinator on the no-op transport. The local bus only
// reaches coordinators inside this process.
func broadcastOpener(cfg config.BroadcastConfig) (broadcast.Opener, error) {
	switch cfg.Kind {
	case config.BroadcastNoop, "":
		return nil, nil
	case config.BroadcastLocal:
		return broadcast.NewLocalBus().Open, nil
	case config.BroadcastNATS:
		return broadcast.NATSOpener(cfg.URL, "vigil-watch"), nil
	case config.BroadcastFileDrop:
		return broadcast.FileDropOpener(cfg.Dir, time.Duration(cfg.Retention)), nil
	default:
		return nil, fmt.Errorf("unknown broadcast kind %q", cfg.Kind)
	}
}

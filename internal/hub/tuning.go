package hub

import (
	"time"

	"github.com/chatline/hub/internal/wire"
)

// Tuning holds the websocket connection parameters spec §4.1/§5 name as
// constants. A Hub carries one Tuning, sourced from internal/config.Config
// so deployments can retune without a rebuild (config.WebSocket mirrors
// these fields one-to-one).
type Tuning struct {
	PongWait      time.Duration
	PingPeriod    time.Duration
	WriteWait     time.Duration
	MaxFrameBytes int64
	OutQueueCap   int
	TypingTimeout time.Duration
}

// DefaultTuning mirrors config.defaults()'s websocket section, for callers
// (tests, local tooling) that construct a Hub without loading a Config.
func DefaultTuning() Tuning {
	return Tuning{
		PongWait:      60 * time.Second,
		PingPeriod:    54 * time.Second,
		WriteWait:     10 * time.Second,
		MaxFrameBytes: wire.MaxFrameBytes,
		OutQueueCap:   256,
		TypingTimeout: 3 * time.Second,
	}
}

package alert

import (
	"io"
	"sync"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/rs/zerolog/log"
)

const bel = "\a"

// Bell rings the terminal bell for an incoming call.
type Bell struct {
	mu      sync.Mutex
	out     io.Writer
	ringing domain.UserID
}

func NewBell(out io.Writer) *Bell {
	return &Bell{out: out}
}

func (b *Bell) Ring(caller domain.UserID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ringing = caller
	log.Info().Str("caller", caller.String()).Msg("Incoming call")
	if b.out == nil {
		return
	}
	if _, err := io.WriteString(b.out, bel); err != nil {
		log.Debug().Err(err).Msg("Bell write failed")
	}
}

func (b *Bell) Silence() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ringing == "" {
		return
	}
	log.Debug().Str("caller", b.ringing.String()).Msg("Alert silenced")
	b.ringing = ""
}

// Ringing returns the caller currently alerting, if any.
func (b *Bell) Ringing() (domain.UserID, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ringing, b.ringing != ""
}

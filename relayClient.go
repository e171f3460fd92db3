package lirc_relay

import (
	"time"

	"github.com/google/uuid"
)

type (
	clientStateEvent struct {
		newState  cxnState
		eventData any
	}

	// RelayClient is the view of one client session exposed outside the
	// session goroutine.
	RelayClient interface {
		SessionId() uuid.UUID
		ClientInfo() []string
		RequestClose()
		IsCloseRequested() bool
		ServerAddr() string
		ClientAddr() string
		ServerNow() time.Time
	}
)

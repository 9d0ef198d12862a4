package realtime

import (
	"sync"

	"github.com/google/uuid"

	"github.com/yungbote/brainstorm-realtime/internal/platform/logger"
)

// SSEClient is one open event stream. ParticipantID is whatever the browser
// identified itself as; the gateway does not authenticate it.
type SSEClient struct {
	ID            uuid.UUID
	ParticipantID string
	Channels      map[string]bool
	Outbound      chan SSEMessage
	done          chan struct{}
	closeOnce     sync.Once
	Logger        *logger.Logger
}

// Done is closed once the client has been closed by the hub.
func (c *SSEClient) Done() <-chan struct{} { return c.done }

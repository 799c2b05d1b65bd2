package port

import (
	"context"

	"github.com/Wyydra/orchestra/internal/core/domain"
)

// EventPublisher mirrors room presence and token state outside the
// process. Implementations must not block for long; callers bound them
// with a context deadline.
type EventPublisher interface {
	PublishPresence(ctx context.Context, evt domain.PresenceEvent) error
	PublishTokenState(ctx context.Context, meetingID domain.MeetingID, state domain.TokenState) error
}

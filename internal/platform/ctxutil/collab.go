package ctxutil

import "context"

type collabDataKey struct{}

// CollabData identifies who is acting on which brainstorm session for the
// lifetime of one request.
type CollabData struct {
	SessionID     string
	ParticipantID string
}

func WithCollabData(ctx context.Context, cd *CollabData) context.Context {
	return context.WithValue(ctx, collabDataKey{}, cd)
}

func GetCollabData(ctx context.Context) *CollabData {
	if cd, ok := ctx.Value(collabDataKey{}).(*CollabData); ok {
		return cd
	}
	return nil
}

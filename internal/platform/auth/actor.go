package auth

import "context"

type contextKey string

const actorKey contextKey = "actor"

// AnonymousSubject is the subject id used for callers without a session.
const AnonymousSubject = "anonymous"

// Actor identifies who performs an audited or consent-bearing action.
type Actor struct {
	ID         string   `json:"id"`
	Credential string   `json:"-"`
	Roles      []string `json:"roles,omitempty"`
	IP         string   `json:"ip,omitempty"`
	UserAgent  string   `json:"userAgent,omitempty"`
}

// Authenticated reports whether the actor carries a session credential.
func (a Actor) Authenticated() bool {
	return a.ID != "" && a.Credential != ""
}

// Subject returns the actor id, or AnonymousSubject when there is none.
func (a Actor) Subject() string {
	if a.ID == "" {
		return AnonymousSubject
	}
	return a.ID
}

// HasRole reports whether the actor holds role or admin.
func (a Actor) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role || r == RoleAdmin {
			return true
		}
	}
	return false
}

// WithActor returns a copy of ctx carrying a.
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey, a)
}

// ActorFromContext returns the actor stored in ctx, or the zero Actor.
func ActorFromContext(ctx context.Context) Actor {
	a, _ := ctx.Value(actorKey).(Actor)
	return a
}

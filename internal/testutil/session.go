package testutil

// DefaultSession is the session token used when none is given.
const DefaultSession = "test-session"

// FixedSession returns the same session token on every call. Unlike
// engine.FixedGenerator it never runs out, so a test may build any number
// of stores that share one journal session.
type FixedSession struct {
	token string
}

// NewFixedSession creates a generator for token, or DefaultSession when
// token is empty.
func NewFixedSession(token string) *FixedSession {
	if token == "" {
		token = DefaultSession
	}
	return &FixedSession{token: token}
}

// Generate returns the fixed token. Implements engine.SessionGenerator.
func (g *FixedSession) Generate() string {
	return g.token
}

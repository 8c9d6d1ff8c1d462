package model

// Anonymous user constants for no-auth mode.
// These are well-known IDs used when AUTH_ENABLED=false.
const (
	// AnonymousUserID is the reserved user ID for unauthenticated access.
	// This user is created during database seeding when auth is disabled.
	AnonymousUserID = "00000000-0000-0000-0000-000000000001"

	// AnonymousUserEmail is the email for the anonymous user.
	AnonymousUserEmail = "anonymous@local"

	// AnonymousUserName is the display name for the anonymous user.
	AnonymousUserName = "Anonymous User"
)

// NewAnonymousUser creates the anonymous user model.
func NewAnonymousUser() *User {
	name := AnonymousUserName
	return &User{
		ID:    AnonymousUserID,
		Email: AnonymousUserEmail,
		Name:  &name,
	}
}

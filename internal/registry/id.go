package registry

import "github.com/google/uuid"

// newInternalID generates a server-side diagnostic id for a session,
// distinct from the agent's own conversation id.
func newInternalID() string {
	return "srv_" + uuid.NewString()
}

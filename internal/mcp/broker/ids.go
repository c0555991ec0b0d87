package broker

import "github.com/google/uuid"

// newRequestID generates a fresh, effectively-unique request ID for the
// pending-call correlation table (spec §3: "unique, monotonically generated
// per Broker instance"). A random UUID satisfies the uniqueness requirement
// without a shared counter, which would otherwise need its own
// synchronization point shared by every server's writer.
func newRequestID() string {
	return uuid.NewString()
}

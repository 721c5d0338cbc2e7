package domain

// PermissionStatus is the consent state of an outbound call target.
type PermissionStatus string

const (
	PermissionGranted PermissionStatus = "granted"
	PermissionDenied  PermissionStatus = "denied"
	PermissionUnknown PermissionStatus = "unknown"
)

// Normalized webhook events delivered by the provider.

type CallConnect struct {
	CallID   string
	SDP      string
	CallerID string
}

type CallTerminate struct {
	CallID string
	Reason string
}

type PermissionUpdate struct {
	Target string
	Status PermissionStatus
}

type MessageStatus struct {
	ID     string
	Status string
}

package port

import (
	"context"

	"github.com/voxgate/bridge/internal/core/domain"
)

// CallControl is the provider's remote call-signaling API. Rejections map
// onto domain sentinels (ErrPermissionRequired, ErrRateLimited) so callers
// can classify failures without knowing provider error codes.
type CallControl interface {
	// Connect places an outbound call and returns the provider call ID.
	Connect(ctx context.Context, target, offerSDP string) (callID string, err error)

	PreAccept(ctx context.Context, callID, answerSDP string) error
	Accept(ctx context.Context, callID, answerSDP string) error
	Terminate(ctx context.Context, callID string) error

	// RequestPermission sends a consent request to target and returns the
	// provider message ID.
	RequestPermission(ctx context.Context, target string) (messageID string, err error)

	// CheckPermission probes the target's consent state. Ambiguous results
	// come back as PermissionUnknown.
	CheckPermission(ctx context.Context, target string) (domain.PermissionStatus, error)
}

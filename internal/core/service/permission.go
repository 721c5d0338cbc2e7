package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/voxgate/bridge/internal/core/domain"
	"github.com/voxgate/bridge/internal/core/port"
)

// SmartCallOutcome reports what SmartCall did for an outbound call attempt.
type SmartCallOutcome int

const (
	// OutcomePlaced means consent existed and the call was placed.
	OutcomePlaced SmartCallOutcome = iota
	// OutcomeRequested means a consent request was sent; the call is
	// placed later when a permission-granted webhook arrives.
	OutcomeRequested
	// OutcomeRateLimited means the consent request was refused because one
	// was already sent to this target recently.
	OutcomeRateLimited
	// OutcomeRequestFailed means the consent request could not be sent.
	OutcomeRequestFailed
)

// PermissionGate decides whether an outbound call may proceed directly or
// must first obtain consent from the target.
type PermissionGate struct {
	control port.CallControl
}

func NewPermissionGate(control port.CallControl) *PermissionGate {
	return &PermissionGate{control: control}
}

// Check probes the target's consent state. Any error or ambiguous result is
// treated as no permission: a failed check is never implicit consent.
func (g *PermissionGate) Check(ctx context.Context, target string) domain.PermissionStatus {
	status, err := g.control.CheckPermission(ctx, target)
	if err != nil {
		log.Warn().Err(err).Str("target", target).Msg("Permission check failed, treating as unknown")
		return domain.PermissionUnknown
	}
	return status
}

// Request sends a consent-request message to the target.
func (g *PermissionGate) Request(ctx context.Context, target string) (string, error) {
	messageID, err := g.control.RequestPermission(ctx, target)
	if err != nil {
		return "", fmt.Errorf("request permission for %s: %w", target, err)
	}
	return messageID, nil
}

// SmartCall places the call through place if the target already granted
// permission; otherwise it sends a consent request and stops. The call
// itself then happens asynchronously once the permission-granted webhook is
// observed.
func (g *PermissionGate) SmartCall(ctx context.Context, target string, place func(context.Context) error) (SmartCallOutcome, error) {
	if g.Check(ctx, target) == domain.PermissionGranted {
		if err := place(ctx); err != nil {
			return OutcomePlaced, err
		}
		return OutcomePlaced, nil
	}

	messageID, err := g.Request(ctx, target)
	if err != nil {
		if errors.Is(err, domain.ErrRateLimited) {
			log.Info().Str("target", target).Msg("Permission request rate limited")
			return OutcomeRateLimited, err
		}
		return OutcomeRequestFailed, err
	}
	log.Info().Str("target", target).Str("message_id", messageID).Msg("Permission request sent")
	return OutcomeRequested, nil
}

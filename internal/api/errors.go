package api

import (
	"context"
	"errors"

	"github.com/matheus3301/nostrdm/internal/cache"
	"github.com/matheus3301/nostrdm/internal/crypto"
	"github.com/matheus3301/nostrdm/internal/messaging"
	"github.com/matheus3301/nostrdm/internal/relay"
	"github.com/matheus3301/nostrdm/internal/signer"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

// toStatus maps domain errors to gRPC status codes.
func toStatus(op string, err error) error {
	if err == nil {
		return nil
	}
	var uploadErr *messaging.UploadError
	code := codes.Internal
	switch {
	case errors.Is(err, ErrSignedOut):
		code = codes.FailedPrecondition
	case errors.Is(err, crypto.ErrUserDenied):
		code = codes.PermissionDenied
	case errors.Is(err, crypto.ErrSignerTimeout), errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, crypto.ErrUnsupportedCapability):
		code = codes.Unimplemented
	case errors.Is(err, messaging.ErrSelfMessage), errors.Is(err, signer.ErrInvalidKey):
		code = codes.InvalidArgument
	case errors.Is(err, messaging.ErrUnknownConversation):
		code = codes.NotFound
	case errors.As(err, &uploadErr):
		code = codes.Aborted
	case errors.Is(err, relay.ErrPublishFailed), errors.Is(err, relay.ErrNoRelays),
		errors.Is(err, messaging.ErrFetchFailed), errors.Is(err, cache.ErrUnavailable):
		code = codes.Unavailable
	}
	return grpcstatus.Errorf(code, "%s: %v", op, err)
}

package gateway

import (
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/opensand-dama/internal/dama/controller"
	"github.com/signalsfoundry/opensand-dama/internal/dvb"
)

// ToStatusError maps NCC and codec errors onto gRPC status codes.
func ToStatusError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, controller.ErrUnknownTerminal):
		return status.Error(codes.NotFound, err.Error())

	case errors.Is(err, dvb.ErrTruncated),
		errors.Is(err, dvb.ErrLengthMismatch),
		errors.Is(err, dvb.ErrUnexpectedType),
		errors.Is(err, dvb.ErrRequestOutOfRange),
		errors.Is(err, dvb.ErrTooManyRequests),
		errors.Is(err, controller.ErrGroupMismatch):
		return status.Error(codes.InvalidArgument, err.Error())

	case errors.Is(err, controller.ErrCapacityOvercommit):
		return status.Error(codes.FailedPrecondition, err.Error())

	default:
		return status.Error(codes.Internal, err.Error())
	}
}

package receiver

import (
	"context"
	"errors"
	"log/slog"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/nestlog/nestlog/pkg/ingest"
	"github.com/nestlog/nestlog/pkg/types"
	"github.com/nestlog/nestlog/server/internal/metrics"
	"github.com/nestlog/nestlog/server/internal/nudge"
)

// Submitter evaluates a caregiver's samples and enqueues the resulting jobs.
// *nudge.Engine satisfies it.
type Submitter interface {
	Submit(ctx context.Context, caregiverKey string, samples []nudge.MetricSample) ([]nudge.Job, error)
}

// Receiver implements ingest.Server.
type Receiver struct {
	engine Submitter
}

var _ ingest.Server = (*Receiver)(nil)

// New creates a Receiver that hands submissions to engine.
func New(engine Submitter) *Receiver {
	return &Receiver{engine: engine}
}

// Submit is the unary RPC handler called by nestlog-agent instances.
// Authentication is enforced by the gRPC server interceptor before this is called.
func (r *Receiver) Submit(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	sub, err := ingest.DecodeSubmission(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	jobs, err := r.engine.Submit(ctx, sub.CaregiverKey, Samples(sub.Samples))
	if err != nil {
		return nil, Status(err)
	}
	metrics.ObserveSamples("grpc", len(sub.Samples))

	slog.Debug("receiver: submission evaluated",
		"caregiver", sub.CaregiverKey,
		"samples", len(sub.Samples),
		"jobs", len(jobs),
	)
	return ingest.Response(len(jobs)), nil
}

// Samples converts wire samples to evaluator samples.
func Samples(in []types.Sample) []nudge.MetricSample {
	out := make([]nudge.MetricSample, len(in))
	for i, s := range in {
		out[i] = nudge.MetricSample{Metric: s.Metric, Value: s.Value, CollectedAt: s.CollectedAt}
	}
	return out
}

// Status maps an Engine.Submit error to a gRPC status.
func Status(err error) error {
	var ve *nudge.ValidationError
	var nf *nudge.PreferenceNotFoundError
	var uc *nudge.UnknownChannelError
	switch {
	case errors.As(err, &ve), errors.As(err, &uc):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.As(err, &nf):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		slog.Error("receiver: submit failed", "err", err)
		return status.Error(codes.Internal, "internal error")
	}
}

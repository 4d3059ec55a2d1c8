package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/nestlog/nestlog/pkg/types"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "nestlog.ingest.v1.Ingest"

// SubmitMethod is the full method name of Submit, as seen by interceptors.
const SubmitMethod = "/" + ServiceName + "/Submit"

// Server is implemented by the nestlog-server receiver.
type Server interface {
	Submit(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// ServiceDesc describes the Ingest service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Submit", Handler: submitHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "nestlog/ingest/v1/ingest.proto",
}

// RegisterServer registers srv on s.
func RegisterServer(s grpc.ServiceRegistrar, srv Server) {
	s.RegisterService(&ServiceDesc, srv)
}

func submitHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).Submit(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: SubmitMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(Server).Submit(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// Client calls the Ingest service over an established connection.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps cc.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Submit sends sub and returns the number of nudge jobs the server enqueued.
func (c *Client) Submit(ctx context.Context, sub types.Submission, opts ...grpc.CallOption) (int, error) {
	req, err := EncodeSubmission(sub)
	if err != nil {
		return 0, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, SubmitMethod, req, out, opts...); err != nil {
		return 0, err
	}
	return int(out.GetFields()["enqueued"].GetNumberValue()), nil
}

// EncodeSubmission converts sub to its wire form. Timestamps are sent as
// RFC 3339 strings with nanosecond precision.
func EncodeSubmission(sub types.Submission) (*structpb.Struct, error) {
	metrics := make([]interface{}, 0, len(sub.Samples))
	for _, s := range sub.Samples {
		m := map[string]interface{}{
			"metric": s.Metric,
			"value":  s.Value,
		}
		if !s.CollectedAt.IsZero() {
			m["collected_at"] = s.CollectedAt.UTC().Format(time.RFC3339Nano)
		}
		metrics = append(metrics, m)
	}
	st, err := structpb.NewStruct(map[string]interface{}{
		"caregiver_key": sub.CaregiverKey,
		"metrics":       metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("ingest: encode submission: %w", err)
	}
	return st, nil
}

// DecodeSubmission converts a wire request back to a Submission. It checks
// shape only; field values are validated by the server's evaluator.
func DecodeSubmission(st *structpb.Struct) (types.Submission, error) {
	var sub types.Submission
	if st == nil {
		return sub, errors.New("empty request")
	}
	fields := st.GetFields()

	if v, ok := fields["caregiver_key"]; ok {
		s, ok := v.GetKind().(*structpb.Value_StringValue)
		if !ok {
			return sub, errors.New("caregiver_key must be a string")
		}
		sub.CaregiverKey = s.StringValue
	}

	list, ok := fields["metrics"]
	if !ok {
		return sub, nil
	}
	lv, ok := list.GetKind().(*structpb.Value_ListValue)
	if !ok {
		return sub, errors.New("metrics must be a list")
	}
	for i, item := range lv.ListValue.GetValues() {
		obj, ok := item.GetKind().(*structpb.Value_StructValue)
		if !ok {
			return sub, fmt.Errorf("metrics[%d] must be an object", i)
		}
		s, err := decodeSample(obj.StructValue.GetFields())
		if err != nil {
			return sub, fmt.Errorf("metrics[%d].%w", i, err)
		}
		sub.Samples = append(sub.Samples, s)
	}
	return sub, nil
}

func decodeSample(f map[string]*structpb.Value) (types.Sample, error) {
	var s types.Sample
	if v, ok := f["metric"]; ok {
		str, ok := v.GetKind().(*structpb.Value_StringValue)
		if !ok {
			return s, errors.New("metric must be a string")
		}
		s.Metric = str.StringValue
	}
	if v, ok := f["value"]; ok {
		num, ok := v.GetKind().(*structpb.Value_NumberValue)
		if !ok {
			return s, errors.New("value must be a number")
		}
		s.Value = num.NumberValue
	}
	if v, ok := f["collected_at"]; ok {
		t, err := types.ParseCollectedAt(v.AsInterface())
		if err != nil {
			return s, err
		}
		s.CollectedAt = t
	}
	return s, nil
}

// Response builds the Submit response.
func Response(enqueued int) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"enqueued": structpb.NewNumberValue(float64(enqueued)),
	}}
}

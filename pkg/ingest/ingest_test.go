package ingest

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/nestlog/nestlog/pkg/types"
)

type echoServer struct {
	got types.Submission
}

func (e *echoServer) Submit(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	sub, err := DecodeSubmission(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	e.got = sub
	return Response(len(sub.Samples)), nil
}

func dialBufconn(t *testing.T, srv Server, opts ...grpc.ServerOption) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 16)
	gs := grpc.NewServer(opts...)
	RegisterServer(gs, srv)
	go gs.Serve(lis) //nolint:errcheck
	t.Cleanup(gs.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestSubmit_RoundTrip(t *testing.T) {
	srv := &echoServer{}
	conn := dialBufconn(t, srv)

	at := time.Date(2024, 3, 1, 7, 30, 0, 123_000_000, time.UTC)
	sub := types.Submission{
		CaregiverKey: "demo-user",
		Samples: []types.Sample{
			{Metric: "wet_diapers_last_24h", Value: 4, CollectedAt: at},
			{Metric: "sleep_hours_last_24h", Value: 13.5, CollectedAt: at.Add(time.Hour)},
		},
	}

	n, err := NewClient(conn).Submit(context.Background(), sub)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if n != 2 {
		t.Errorf("enqueued: got %d, want 2", n)
	}
	if srv.got.CaregiverKey != "demo-user" || len(srv.got.Samples) != 2 {
		t.Fatalf("server received: %+v", srv.got)
	}
	if s := srv.got.Samples[0]; s.Metric != "wet_diapers_last_24h" || s.Value != 4 || !s.CollectedAt.Equal(at) {
		t.Errorf("sample[0]: got %+v", s)
	}
}

func TestSubmit_Interceptor(t *testing.T) {
	var method string
	intercept := func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, h grpc.UnaryHandler) (interface{}, error) {
		method = info.FullMethod
		return h(ctx, req)
	}
	conn := dialBufconn(t, &echoServer{}, grpc.UnaryInterceptor(intercept))

	if _, err := NewClient(conn).Submit(context.Background(), types.Submission{CaregiverKey: "x"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if method != SubmitMethod {
		t.Errorf("FullMethod: got %q, want %q", method, SubmitMethod)
	}
}

func TestDecodeSubmission_UnixMillis(t *testing.T) {
	st, err := structpb.NewStruct(map[string]interface{}{
		"caregiver_key": "demo-user",
		"metrics": []interface{}{
			map[string]interface{}{"metric": "m", "value": 1.0, "collected_at": 1709278200000.0},
		},
	})
	if err != nil {
		t.Fatalf("NewStruct: %v", err)
	}
	sub, err := DecodeSubmission(st)
	if err != nil {
		t.Fatalf("DecodeSubmission: %v", err)
	}
	want := time.Date(2024, 3, 1, 7, 30, 0, 0, time.UTC)
	if !sub.Samples[0].CollectedAt.Equal(want) {
		t.Errorf("CollectedAt: got %v, want %v", sub.Samples[0].CollectedAt, want)
	}
}

func TestDecodeSubmission_Errors(t *testing.T) {
	cases := map[string]struct {
		in   map[string]interface{}
		want string
	}{
		"key type":     {map[string]interface{}{"caregiver_key": 3.0}, "caregiver_key"},
		"metrics type": {map[string]interface{}{"metrics": "x"}, "metrics must be a list"},
		"item type":    {map[string]interface{}{"metrics": []interface{}{"x"}}, "metrics[0]"},
		"value type": {map[string]interface{}{"metrics": []interface{}{
			map[string]interface{}{"metric": "m", "value": "four"},
		}}, "metrics[0].value"},
		"bad time": {map[string]interface{}{"metrics": []interface{}{
			map[string]interface{}{"metric": "m", "value": 1.0, "collected_at": "soon"},
		}}, "metrics[0].collected_at"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			st, err := structpb.NewStruct(tc.in)
			if err != nil {
				t.Fatalf("NewStruct: %v", err)
			}
			_, err = DecodeSubmission(st)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("got %v, want error containing %q", err, tc.want)
			}
		})
	}
}

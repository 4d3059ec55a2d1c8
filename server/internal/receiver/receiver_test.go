package receiver_test

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/nestlog/nestlog/pkg/ingest"
	"github.com/nestlog/nestlog/pkg/types"
	"github.com/nestlog/nestlog/server/internal/auth"
	"github.com/nestlog/nestlog/server/internal/nudge"
	"github.com/nestlog/nestlog/server/internal/receiver"
	"github.com/nestlog/nestlog/server/internal/store"
)

// startServer starts a gRPC server backed by a real engine with the default
// thresholds and returns a connected client and the engine's queue.
func startServer(t *testing.T, interceptor grpc.UnaryServerInterceptor) (*ingest.Client, *nudge.Queue) {
	t.Helper()

	reg, err := nudge.LoadRegistry(nudge.DefaultThresholds())
	if err != nil {
		t.Fatalf("LoadRegistry: %v", err)
	}
	prefs := store.NewStaticPreferences([]nudge.Preference{
		{CaregiverKey: "demo-user", OptInEmail: true, OptInPush: true, OptInChat: true},
	})
	q := nudge.NewQueue(prefs, nudge.SenderFunc(func(context.Context, nudge.Job) (string, error) {
		return "ok", nil
	}), store.NewMemory(0))
	engine := nudge.NewEngine(reg, prefs, q)

	srv := grpc.NewServer(grpc.UnaryInterceptor(interceptor))
	ingest.RegisterServer(srv, receiver.New(engine))

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go srv.Serve(lis) //nolint:errcheck
	t.Cleanup(func() {
		srv.Stop()
		lis.Close()
	})

	conn, err := grpc.NewClient(lis.Addr().String(),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	return ingest.NewClient(conn), q
}

func allowAll(ctx context.Context, req interface{}, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	return handler(ctx, req)
}

var at = time.Date(2024, 3, 1, 7, 30, 0, 0, time.UTC)

func TestSubmit_EnqueuesJobs(t *testing.T) {
	client, q := startServer(t, allowAll)

	n, err := client.Submit(context.Background(), types.Submission{
		CaregiverKey: "demo-user",
		Samples: []types.Sample{
			{Metric: "wet_diapers_last_24h", Value: 4, CollectedAt: at},
			{Metric: "parent_mood_score", Value: 3, CollectedAt: at},
		},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if n != 1 {
		t.Errorf("enqueued: got %d, want 1", n)
	}
	pending := q.Pending()
	if len(pending) != 1 || pending[0].Channel != nudge.ChannelPush || pending[0].TriggeredBy != "wet_diapers_last_24h:4" {
		t.Errorf("pending: got %+v", pending)
	}
}

func TestSubmit_NoViolations(t *testing.T) {
	client, q := startServer(t, allowAll)

	n, err := client.Submit(context.Background(), types.Submission{
		CaregiverKey: "demo-user",
		Samples:      []types.Sample{{Metric: "wet_diapers_last_24h", Value: 6, CollectedAt: at}},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if n != 0 || q.Len() != 0 {
		t.Errorf("enqueued: got %d (queue %d), want 0", n, q.Len())
	}
}

func TestSubmit_ErrorCodes(t *testing.T) {
	client, q := startServer(t, allowAll)

	cases := []struct {
		name string
		sub  types.Submission
		want codes.Code
	}{
		{"missing caregiver", types.Submission{Samples: []types.Sample{{Metric: "m", Value: 1, CollectedAt: at}}}, codes.InvalidArgument},
		{"missing metric", types.Submission{CaregiverKey: "demo-user", Samples: []types.Sample{{Value: 1, CollectedAt: at}}}, codes.InvalidArgument},
		{"missing timestamp", types.Submission{CaregiverKey: "demo-user", Samples: []types.Sample{{Metric: "m", Value: 1}}}, codes.InvalidArgument},
		{"unknown caregiver", types.Submission{CaregiverKey: "ghost", Samples: []types.Sample{{Metric: "m", Value: 1, CollectedAt: at}}}, codes.NotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := client.Submit(context.Background(), tc.sub)
			if code := status.Code(err); code != tc.want {
				t.Errorf("code: got %v (%v), want %v", code, err, tc.want)
			}
		})
	}
	if q.Len() != 0 {
		t.Errorf("queue: got %d jobs after failed submits, want 0", q.Len())
	}
}

func TestSubmit_MalformedRequest(t *testing.T) {
	r := receiver.New(nil)
	req, _ := structpb.NewStruct(map[string]interface{}{"metrics": "not a list"})
	_, err := r.Submit(context.Background(), req)
	if code := status.Code(err); code != codes.InvalidArgument {
		t.Errorf("code: got %v, want InvalidArgument", code)
	}
}

func TestSubmit_APIKey(t *testing.T) {
	client, _ := startServer(t, auth.APIKeyInterceptor("apikey", "x-api-key", "testkey"))
	sub := types.Submission{
		CaregiverKey: "demo-user",
		Samples:      []types.Sample{{Metric: "night_sleep_hours", Value: 9, CollectedAt: at}},
	}

	ctx := metadata.AppendToOutgoingContext(context.Background(), "x-api-key", "testkey")
	if _, err := client.Submit(ctx, sub); err != nil {
		t.Fatalf("Submit with correct key: %v", err)
	}

	ctx = metadata.AppendToOutgoingContext(context.Background(), "x-api-key", "wrongkey")
	if _, err := client.Submit(ctx, sub); status.Code(err) != codes.Unauthenticated {
		t.Errorf("wrong key: got %v, want Unauthenticated", err)
	}
	if _, err := client.Submit(context.Background(), sub); status.Code(err) != codes.Unauthenticated {
		t.Errorf("missing key: got %v, want Unauthenticated", err)
	}
}

func TestStatus(t *testing.T) {
	cases := []struct {
		err  error
		want codes.Code
	}{
		{&nudge.ValidationError{Field: "f", Reason: "r"}, codes.InvalidArgument},
		{&nudge.UnknownChannelError{Channel: "FAX"}, codes.InvalidArgument},
		{&nudge.PreferenceNotFoundError{CaregiverKey: "x"}, codes.NotFound},
		{context.DeadlineExceeded, codes.DeadlineExceeded},
		{errors.New("db down"), codes.Internal},
	}
	for _, tc := range cases {
		if got := status.Code(receiver.Status(tc.err)); got != tc.want {
			t.Errorf("Status(%v): got %v, want %v", tc.err, got, tc.want)
		}
	}
}

package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"refbuild/internal/pipeline"
	"refbuild/internal/storage"

	"github.com/gorilla/websocket"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/proto"
)

type resultFeed struct {
	ch         chan pipeline.Result
	subscribed chan struct{}
}

func (f *resultFeed) Subscribe() (<-chan pipeline.Result, func()) {
	close(f.subscribed)
	return f.ch, func() {}
}

type logFeed struct {
	ch         chan string
	subscribed chan struct{}
}

func (f *logFeed) Subscribe() (<-chan string, func()) {
	close(f.subscribed)
	return f.ch, func() {}
}

func openStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "refbuild.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestHealthAndReferences(t *testing.T) {
	store := openStore(t)
	if err := store.RecordReference(storage.ReferenceRecord{
		RunID: "run-1", Telescope: "ML1", FieldID: 1234, Filter: "u",
		Path: "/ref/01234/ML1_u_red.fits", Fingerprint: "abc", NUsed: 5, Status: "built",
	}); err != nil {
		t.Fatalf("record reference: %v", err)
	}
	ts := httptest.NewServer(NewServer(Options{Store: store}).Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/references?limit=10")
	if err != nil {
		t.Fatalf("references: %v", err)
	}
	defer resp.Body.Close()
	var recs []storage.ReferenceRecord
	if err := json.NewDecoder(resp.Body).Decode(&recs); err != nil {
		t.Fatalf("decode references: %v", err)
	}
	if len(recs) != 1 || recs[0].FieldID != 1234 || recs[0].NUsed != 5 {
		t.Fatalf("unexpected references %+v", recs)
	}
}

func TestJobMetaNotFound(t *testing.T) {
	ts := httptest.NewServer(NewServer(Options{Store: openStore(t)}).Router())
	defer ts.Close()
	resp, err := http.Get(ts.URL + "/jobs/nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d, want 404", resp.StatusCode)
	}
}

func TestStreamWithoutPipelineIsUnavailable(t *testing.T) {
	ts := httptest.NewServer(NewServer(Options{}).Router())
	defer ts.Close()
	for _, path := range []string{"/stream", "/ws/logs"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("get %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Fatalf("%s status %d, want 503", path, resp.StatusCode)
		}
	}
}

func TestStreamSendsResultEvents(t *testing.T) {
	feed := &resultFeed{ch: make(chan pipeline.Result, 1), subscribed: make(chan struct{})}
	ts := httptest.NewServer(NewServer(Options{Results: feed}).Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/stream")
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer resp.Body.Close()
	<-feed.subscribed
	feed.ch <- pipeline.Result{
		Job:   pipeline.Job{ID: "ref-1", Type: pipeline.JobReference},
		Error: errors.New("too few images"),
		Meta:  map[string]any{"field_id": 12},
	}

	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	var ev resultEvent
	if err := json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &ev); err != nil {
		t.Fatalf("decode event %q: %v", line, err)
	}
	if ev.ID != "ref-1" || ev.Status != "failed" || ev.Error != "too few images" || ev.Meta["field_id"] != float64(12) {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestLogSocketForwardsLines(t *testing.T) {
	feed := &logFeed{ch: make(chan string, 1), subscribed: make(chan struct{})}
	ts := httptest.NewServer(NewServer(Options{Logs: feed}).Router())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/logs"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	<-feed.subscribed
	feed.ch <- "2024/01/01 00:00:00 INFO wrote reference\n"

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(msg), "wrote reference") {
		t.Fatalf("unexpected message %q", msg)
	}
}

func TestGRPCHealthServing(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewServer(Options{}).ServeGRPC(ctx, lis) }()
	defer func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("serve: %v", err)
		}
	}()

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	defer conn.Close()

	callCtx, callCancel := context.WithTimeout(ctx, 5*time.Second)
	defer callCancel()
	resp, err := healthpb.NewHealthClient(conn).Check(callCtx, &healthpb.HealthCheckRequest{Service: ServiceName}, grpc.WaitForReady(true))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if want := (&healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_SERVING}); !proto.Equal(resp, want) {
		t.Fatalf("health = %v, want %v", resp, want)
	}
}

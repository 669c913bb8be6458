package httpjson

import (
    "context"
    "encoding/json"
    "errors"
    "strings"
    "testing"
    "time"

    "github.com/amirimatin/go-raftgate/pkg/transport"
)

func startServer(t *testing.T, dispatch transport.DispatchFunc) *Server {
    t.Helper()
    srv := NewServer("127.0.0.1:0", nil)
    ctx, cancel := context.WithCancel(context.Background())
    t.Cleanup(cancel)
    if err := srv.Start(ctx, dispatch); err != nil {
        t.Fatalf("Start: %v", err)
    }
    t.Cleanup(func() { _ = srv.Stop(context.Background()) })
    return srv
}

func TestEnvelopeRoundtrip(t *testing.T) {
    var gotType string
    srv := startServer(t, func(ctx context.Context, env transport.Envelope) ([]byte, error) {
        gotType = env.Type
        var msg map[string]string
        if err := json.Unmarshal(env.Payload, &msg); err != nil {
            return nil, err
        }
        return json.Marshal(map[string]string{"echo": msg["k"]})
    })

    cli := NewClient(2 * time.Second)
    env, err := transport.NewEnvelope("test.echo", map[string]string{"k": "v"})
    if err != nil {
        t.Fatalf("NewEnvelope: %v", err)
    }
    body, err := cli.Send(context.Background(), srv.Addr(), env)
    if err != nil {
        t.Fatalf("Send: %v", err)
    }
    if gotType != "test.echo" {
        t.Fatalf("server saw type %q", gotType)
    }
    var reply map[string]string
    if err := json.Unmarshal(body, &reply); err != nil {
        t.Fatalf("reply: %v", err)
    }
    if reply["echo"] != "v" {
        t.Fatalf("unexpected reply: %v", reply)
    }
}

func TestDispatchErrorBecomesSendError(t *testing.T) {
    srv := startServer(t, func(ctx context.Context, env transport.Envelope) ([]byte, error) {
        return nil, errors.New("boom")
    })

    cli := NewClient(2 * time.Second)
    env, _ := transport.NewEnvelope("test.fail", struct{}{})
    _, err := cli.Send(context.Background(), srv.Addr(), env)
    if err == nil {
        t.Fatal("expected error from failing dispatch")
    }
    if !strings.Contains(err.Error(), "boom") {
        t.Fatalf("error should carry the dispatch message, got %v", err)
    }
}

func TestEmptyReplyBecomesEmptyObject(t *testing.T) {
    srv := startServer(t, func(ctx context.Context, env transport.Envelope) ([]byte, error) {
        return nil, nil
    })

    cli := NewClient(2 * time.Second)
    env, _ := transport.NewEnvelope("test.empty", struct{}{})
    body, err := cli.Send(context.Background(), srv.Addr(), env)
    if err != nil {
        t.Fatalf("Send: %v", err)
    }
    if string(body) != "{}" {
        t.Fatalf("expected {} for empty reply, got %q", body)
    }
}

func TestSendToDownServer(t *testing.T) {
    cli := NewClient(200 * time.Millisecond)
    env, _ := transport.NewEnvelope("test.echo", struct{}{})
    if _, err := cli.Send(context.Background(), "127.0.0.1:1", env); err == nil {
        t.Fatal("expected connection error")
    }
}

package registry

import (
    "context"
    "sync"
    "testing"
)

func TestDispatchRoutesToHandler(t *testing.T) {
    r := New()
    r.Register("ping", HandlerFunc(func(ctx context.Context, payload []byte) ([]byte, error) {
        return append([]byte("pong:"), payload...), nil
    }))

    out, err := r.Dispatch(context.Background(), "ping", []byte("x"))
    if err != nil {
        t.Fatalf("Dispatch: %v", err)
    }
    if string(out) != "pong:x" {
        t.Fatalf("unexpected reply: %q", out)
    }
}

func TestDispatchUnknownType(t *testing.T) {
    r := New()
    if _, err := r.Dispatch(context.Background(), "nope", nil); err == nil {
        t.Fatal("expected error for unknown message type")
    }
}

func TestReRegisterReplacesHandler(t *testing.T) {
    r := New()
    r.Register("m", HandlerFunc(func(context.Context, []byte) ([]byte, error) {
        return []byte("old"), nil
    }))
    r.Register("m", HandlerFunc(func(context.Context, []byte) ([]byte, error) {
        return []byte("new"), nil
    }))
    out, err := r.Dispatch(context.Background(), "m", nil)
    if err != nil {
        t.Fatalf("Dispatch: %v", err)
    }
    if string(out) != "new" {
        t.Fatalf("expected replacement handler, got %q", out)
    }
}

func TestConcurrentRegisterAndDispatch(t *testing.T) {
    r := New()
    r.Register("m", HandlerFunc(func(context.Context, []byte) ([]byte, error) {
        return []byte("ok"), nil
    }))

    var wg sync.WaitGroup
    for i := 0; i < 8; i++ {
        wg.Add(2)
        go func() {
            defer wg.Done()
            for j := 0; j < 100; j++ {
                r.Register("m", HandlerFunc(func(context.Context, []byte) ([]byte, error) {
                    return []byte("ok"), nil
                }))
            }
        }()
        go func() {
            defer wg.Done()
            for j := 0; j < 100; j++ {
                if _, err := r.Dispatch(context.Background(), "m", nil); err != nil {
                    t.Errorf("Dispatch: %v", err)
                    return
                }
            }
        }()
    }
    wg.Wait()
}

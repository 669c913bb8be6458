package gateway

import "errors"

var (
    // ErrAlreadyInitialized is returned when Init is called a second time.
    // The gateway is a one-shot front: re-initialization would silently
    // replace the engine and orphan in-flight requests.
    ErrAlreadyInitialized = errors.New("gateway: already initialized")
    // ErrNotInitialized is returned when a request arrives before Init.
    ErrNotInitialized = errors.New("gateway: not initialized")
    // ErrClosed is returned when the gateway has been stopped.
    ErrClosed = errors.New("gateway: closed")
)

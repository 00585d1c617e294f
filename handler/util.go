package handler

import (
	"net"

	"github.com/google/uuid"
)

// newRequestID generates a UUID v4 string, the canonical request ID used
// when the client supplies none.
func newRequestID() string { return uuid.NewString() }

func netListen(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}

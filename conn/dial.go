package conn

import (
	"context"
	"fmt"
	"net"

	"github.com/mdlayher/vsock"
	"nhooyr.io/websocket"
)

// DialUnix connects to a helper listening on a unix domain socket.
func DialUnix(path string) (*SocketConn, error) {
	nc, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("dialing unix socket %q: %w", path, err)
	}
	return New(nc), nil
}

// DialVsock connects to a helper inside a VM over AF_VSOCK.
func DialVsock(contextID, port uint32) (*SocketConn, error) {
	nc, err := vsock.Dial(contextID, port, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing vsock cid=%d port=%d: %w", contextID, port, err)
	}
	return New(nc), nil
}

// DialWebsocket connects to a helper reachable through a websocket proxy,
// for sandboxes where the only way out is an HTTP listener. Frames are
// carried as binary websocket messages.
func DialWebsocket(ctx context.Context, url string) (*SocketConn, error) {
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing websocket %q: %w", url, err)
	}
	// The returned net.Conn supports deadlines, which CanRead relies on.
	nc := websocket.NetConn(context.Background(), ws, websocket.MessageBinary)
	return New(nc), nil
}

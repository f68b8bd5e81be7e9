package events

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/vk/pipegrid/internal/ctxlog"
	"github.com/zishang520/engine.io-client-go/transports"
	"github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/socket.io-client-go/socket"
)

const connectTimeout = 15 * time.Second

// SocketIOPublisher emits every event to a socket.io server under the
// event's type name.
type SocketIOPublisher struct {
	client *socket.Socket
}

// DialSocketIO connects to rawURL and namespace, waiting for the connection
// to be established.
func DialSocketIO(ctx context.Context, rawURL, namespace string) (*SocketIOPublisher, error) {
	logger := ctxlog.FromContext(ctx).With("component", "events", "url", rawURL)

	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}

	opts := socket.DefaultOptions()
	if parsedURL.Path != "" {
		opts.SetPath(parsedURL.Path)
	}
	opts.SetTransports(types.NewSet(transports.WebSocket))

	connectChan := make(chan error, 1)
	baseURL := fmt.Sprintf("%s://%s", parsedURL.Scheme, parsedURL.Host)
	manager := socket.NewManager(baseURL, opts)
	io := manager.Socket(namespace, opts)

	io.Once(types.EventName("connect"), func(...any) {
		logger.Info("Event feed connected.", "sid", io.Id())
		connectChan <- nil
	})
	io.Once(types.EventName("connect_error"), func(errs ...any) {
		err, _ := errs[0].(error)
		if err == nil {
			err = fmt.Errorf("%v", errs[0])
		}
		connectChan <- err
	})
	io.Connect()

	select {
	case err := <-connectChan:
		if err != nil {
			io.Disconnect()
			return nil, fmt.Errorf("socket.io connection failed: %w", err)
		}
		return &SocketIOPublisher{client: io}, nil
	case <-ctx.Done():
		io.Disconnect()
		return nil, fmt.Errorf("context cancelled while waiting for socket.io connection")
	case <-time.After(connectTimeout):
		io.Disconnect()
		return nil, fmt.Errorf("timed out after %s waiting for socket.io connection", connectTimeout)
	}
}

// Publish implements Publisher. Events are dropped while disconnected.
func (p *SocketIOPublisher) Publish(ctx context.Context, e Event) {
	if !p.client.Connected() {
		ctxlog.FromContext(ctx).Debug("Event feed disconnected, dropping event.", "type", e.Type, "run_id", e.RunID)
		return
	}
	p.client.Emit(string(e.Type), e)
}

// Close disconnects from the server.
func (p *SocketIOPublisher) Close() error {
	p.client.Disconnect()
	return nil
}

package socketio

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/vk/pipegrid/internal/ctxlog"
	"github.com/vk/pipegrid/internal/jobctx"
	"github.com/vk/pipegrid/internal/registry"
	"github.com/zishang520/engine.io-client-go/transports"
	"github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/socket.io-client-go/socket"
)

const defaultTimeout = 10 * time.Second

// Module implements the registry.Module interface for this package.
type Module struct{}

// Input defines the arguments for the socketio-emit action.
type Input struct {
	URL                string            `hcl:"url" validate:"required,url"`
	Namespace          string            `hcl:"namespace,optional"`
	Event              string            `hcl:"event" validate:"required"`
	Data               map[string]string `hcl:"data,optional"`
	WaitFor            string            `hcl:"wait_for,optional"`
	Timeout            string            `hcl:"timeout,optional"`
	InsecureSkipVerify bool              `hcl:"insecure_skip_verify,optional"`
}

// opResult is a private struct to safely pass results through the done channel.
type opResult struct {
	value registry.Outputs
	err   error
}

// OnRunSocketIOEmit connects to a socket.io server, emits one event and,
// when wait_for is set, waits for the reply event.
func OnRunSocketIOEmit(ctx context.Context, jc *jobctx.Context, input *Input) (registry.Outputs, error) {
	logger := ctxlog.FromContext(ctx).With("url", jc.Masker.Mask(input.URL), "event", input.Event, "wait_for", input.WaitFor)
	logger.Debug("Handler started")
	defer logger.Debug("Handler finished")

	var isConnected atomic.Bool

	timeout := defaultTimeout
	if input.Timeout != "" {
		d, err := time.ParseDuration(input.Timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid timeout %q: %w", input.Timeout, err)
		}
		timeout = d
	}
	namespace := input.Namespace
	if namespace == "" {
		namespace = "/"
	}

	done := make(chan opResult, 1)
	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	parsedURL, err := url.Parse(input.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}

	baseURL := fmt.Sprintf("%s://%s", parsedURL.Scheme, parsedURL.Host)
	opts := socket.DefaultOptions()
	if parsedURL.Path != "" {
		opts.SetPath(parsedURL.Path)
	}
	if input.InsecureSkipVerify {
		logger.Warn("Skipping TLS certificate verification")
		opts.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	}
	opts.SetTransports(types.NewSet(transports.WebSocket))

	manager := socket.NewManager(baseURL, opts)
	io := manager.Socket(namespace, opts)
	defer func() {
		logger.Debug("Disconnecting socket client")
		io.Disconnect()
	}()

	send := func(r opResult) {
		select {
		case done <- r:
		default:
		}
	}

	io.Once(types.EventName("connect"), func(...any) {
		isConnected.Store(true)
		logger.Info("Successfully connected", "namespace", namespace, "sid", io.Id())
		io.Emit(input.Event, input.Data)
		if input.WaitFor == "" {
			send(opResult{value: registry.Outputs{"emitted": input.Event}})
		}
	})

	io.Once(types.EventName("connect_error"), func(errs ...any) {
		err, _ := errs[0].(error)
		if err == nil {
			err = fmt.Errorf("%v", errs[0])
		}
		send(opResult{err: err})
	})

	if input.WaitFor != "" {
		io.Once(types.EventName(input.WaitFor), func(data ...any) {
			var payload any
			if len(data) > 0 {
				payload = data[0]
			}
			encoded, err := json.Marshal(payload)
			if err != nil {
				send(opResult{err: fmt.Errorf("encoding reply: %w", err)})
				return
			}
			send(opResult{value: registry.Outputs{"emitted": input.Event, "response": string(encoded)}})
		})
	}

	io.Connect()

	select {
	case <-opCtx.Done():
		if isConnected.Load() {
			return nil, fmt.Errorf("timed out after connecting while waiting for event '%s'", input.WaitFor)
		}
		return nil, fmt.Errorf("timed out while waiting for initial connection")
	case res := <-done:
		return res.value, res.err
	}
}

// Register registers the action with the engine.
func (m *Module) Register(r *registry.Registry) {
	r.RegisterAction("socketio-emit", &registry.RegisteredAction{
		NewInput: func() any { return new(Input) },
		Fn:       OnRunSocketIOEmit,
	})
}

// Package router dispatches work requests either to the local engine or,
// on shim nodes, round-robin across the discovered peers.
package router

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"slices"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	"github.com/iggydv12/mycelia/internal/compute"
	"github.com/iggydv12/mycelia/internal/config"
	"github.com/iggydv12/mycelia/internal/metrics"
)

// RequestIDHeader carries the request ID to the peer a request is forwarded to.
const RequestIDHeader = "X-Request-Id"

const defaultChunkSize = 32 * 1024

// AddressBook is satisfied by mesh.Registry.
type AddressBook interface {
	Addresses() map[peer.ID]net.IP
}

// Sink receives a response stream. Flush is called after every chunk so the
// caller sees data as it arrives.
type Sink interface {
	io.Writer
	Flush()
}

// Target is a routable peer.
type Target struct {
	Peer peer.ID
	IP   net.IP
}

// Router executes or forwards work according to its role.
type Router struct {
	role      Role
	book      AddressBook
	engine    compute.Engine
	client    *http.Client
	port      int
	timeout   time.Duration // zero leaves the forwarded call unbounded
	chunkSize int
	logger    *zap.Logger

	counter atomic.Uint64 // round-robin dispatch counter
}

// New creates a Router. port is the service port shared by all mesh members.
func New(role Role, book AddressBook, engine compute.Engine, port int, cfg config.RouterConfig, logger *zap.Logger) *Router {
	chunk := cfg.ChunkSize
	if chunk <= 0 {
		chunk = defaultChunkSize
	}
	return &Router{
		role:      role,
		book:      book,
		engine:    engine,
		client:    &http.Client{},
		port:      port,
		timeout:   cfg.ForwardTimeout,
		chunkSize: chunk,
		logger:    logger,
	}
}

// SetClient replaces the HTTP client used for forwarding.
func (r *Router) SetClient(c *http.Client) {
	r.client = c
}

// Role returns the role this router was created with.
func (r *Router) Role() Role { return r.role }

// Targets returns the routable peers ordered by peer ID. The order is the
// cycle round-robin selection walks through.
func (r *Router) Targets() []Target {
	addrs := r.book.Addresses()
	targets := make([]Target, 0, len(addrs))
	for p, ip := range addrs {
		targets = append(targets, Target{Peer: p, IP: ip})
	}
	slices.SortFunc(targets, func(a, b Target) int { return cmp.Compare(a.Peer, b.Peer) })
	return targets
}

// Handle produces the response stream for req into sink.
//
// Workers always execute locally. Shims execute locally when no peer is
// routable, otherwise forward to the next peer in round-robin order and relay
// its stream as it arrives. A forward that fails before any byte reaches the
// sink falls back to local execution; once bytes were relayed the stream is
// ended as is.
func (r *Router) Handle(ctx context.Context, op Operation, req compute.Request, sink Sink) error {
	reqID := uuid.NewString()
	logger := r.logger.With(zap.String("requestID", reqID), zap.String("op", op.String()))

	if r.role != RoleShim {
		metrics.DispatchTotal.WithLabelValues(op.String(), "local").Inc()
		return r.local(ctx, op, req, sink)
	}

	targets := r.Targets()
	if len(targets) == 0 {
		logger.Debug("no routable peers, executing locally")
		metrics.DispatchTotal.WithLabelValues(op.String(), "local").Inc()
		return r.local(ctx, op, req, sink)
	}

	idx := (r.counter.Add(1) - 1) % uint64(len(targets))
	target := targets[idx]
	logger = logger.With(zap.String("peer", target.Peer.String()), zap.Stringer("ip", target.IP))

	relayed, err := r.forward(ctx, reqID, target, op, req, sink)
	if err == nil {
		metrics.DispatchTotal.WithLabelValues(op.String(), "remote").Inc()
		return nil
	}

	var sinkErr *sinkError
	if errors.As(err, &sinkErr) {
		return sinkErr.err
	}
	// The caller went away; there is nobody to fall back for.
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	var fwdErr *forwardError
	stage := "stream"
	if errors.As(err, &fwdErr) {
		stage = fwdErr.stage
	}
	metrics.ForwardFailuresTotal.WithLabelValues(stage).Inc()

	if relayed {
		logger.Warn("forwarded stream broke after partial relay", zap.Error(err))
		metrics.DispatchTotal.WithLabelValues(op.String(), "remote").Inc()
		return nil
	}

	logger.Warn("forward failed, executing locally", zap.String("stage", stage), zap.Error(err))
	metrics.DispatchTotal.WithLabelValues(op.String(), "fallback").Inc()
	return r.local(ctx, op, req, sink)
}

// local runs the work on this node and writes it as newline-delimited JSON.
func (r *Router) local(ctx context.Context, op Operation, req compute.Request, sink Sink) error {
	enc := json.NewEncoder(sink)
	switch op {
	case OpGenerate:
		return r.engine.Generate(ctx, req.Prompt, func(chunk compute.GenerateResponse) error {
			if err := enc.Encode(chunk); err != nil {
				return err
			}
			sink.Flush()
			return nil
		})
	case OpEmbeddings:
		emb, err := r.engine.Embed(ctx, req.Prompt)
		if err != nil {
			return err
		}
		if err := enc.Encode(compute.EmbeddingsResponse{Embedding: emb, Done: true}); err != nil {
			return err
		}
		sink.Flush()
		return nil
	default:
		return fmt.Errorf("unknown operation %d", op)
	}
}

func (r *Router) endpoint(t Target, op Operation) string {
	return "http://" + net.JoinHostPort(t.IP.String(), strconv.Itoa(r.port)) + op.Path()
}

// forward posts req to target and relays the response into sink. relayed
// reports whether any byte reached the sink.
func (r *Router) forward(ctx context.Context, reqID string, target Target, op Operation, req compute.Request, sink Sink) (bool, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return false, &forwardError{stage: "encode", err: err}
	}

	var cancel context.CancelFunc
	if r.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint(target, op), bytes.NewReader(body))
	if err != nil {
		return false, &forwardError{stage: "encode", err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(RequestIDHeader, reqID)

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return false, &forwardError{stage: "connect", err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, &forwardError{stage: "status", err: fmt.Errorf("peer answered %s", resp.Status)}
	}

	relayed, err := relay(ctx, cancel, resp.Body, sink, r.chunkSize)
	if err != nil {
		return relayed, err
	}
	if !relayed {
		return false, &forwardError{stage: "stream", err: errors.New("peer sent an empty response")}
	}
	return true, nil
}

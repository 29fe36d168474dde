package wskit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/fgrzl/pushkit/pkg/api"
	"github.com/fgrzl/pushkit/pkg/endpoint"
	"github.com/fgrzl/pushkit/pkg/metrics"
	"github.com/fgrzl/pushkit/pkg/registry"
	"github.com/fgrzl/timestamp"
	"github.com/google/uuid"
)

// call is the active subscription of one call id.
type call struct {
	id     int64
	ctx    context.Context
	cancel context.CancelCauseFunc
	// prev is the subscription this call replaced; it must stop before this call
	// writes anything.
	prev *call
	done chan struct{}
	// finishing is set under callsMu once the terminal envelope is being written.
	// The id may then be reused without a duplicate_id.
	finishing bool
}

// WebSocketMuxer multiplexes the item streams of many concurrent calls over a
// single connection. Each call is identified by the caller's id and is driven by
// its own goroutine; writes to the connection are serialized by the session.
type WebSocketMuxer struct {
	ctx      context.Context
	cancel   context.CancelCauseFunc
	id       uuid.UUID
	endpoint *endpoint.Endpoint
	session  api.Session
	metrics  *metrics.Collector
	logger   *slog.Logger
	calls    map[int64]*call
	callsMu  sync.Mutex
	wg       sync.WaitGroup
	done     chan struct{}
}

// NewWebSocketMuxer binds a connection to an endpoint. Call Serve to start
// processing frames.
func NewWebSocketMuxer(ctx context.Context, ep *endpoint.Endpoint, session api.Session, collector *metrics.Collector) *WebSocketMuxer {
	id := uuid.New()
	ctx, cancel := context.WithCancelCause(endpoint.WithSessionID(ctx, id))
	return &WebSocketMuxer{
		ctx:      ctx,
		cancel:   cancel,
		id:       id,
		endpoint: ep,
		session:  session,
		metrics:  collector,
		logger: slog.With(
			slog.String("session_id", id.String()),
			slog.String("endpoint", ep.Name())),
		calls: make(map[int64]*call),
		done:  make(chan struct{}),
	}
}

// ID returns the session id used in logs.
func (m *WebSocketMuxer) ID() uuid.UUID {
	return m.id
}

// Done is closed once Serve has torn down every call.
func (m *WebSocketMuxer) Done() <-chan struct{} {
	return m.done
}

// ActiveCalls returns the number of calls with a live subscription.
func (m *WebSocketMuxer) ActiveCalls() int {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()
	return len(m.calls)
}

// Serve reads frames until the connection closes or the context ends, then tears
// down every active call and waits for them to stop.
func (m *WebSocketMuxer) Serve() {
	openedAt := timestamp.GetTimestamp()
	stop := context.AfterFunc(m.ctx, func() {
		_ = m.session.Close()
	})
	defer stop()

	m.metrics.ConnectionOpened(m.endpoint.Name())
	m.logger.DebugContext(m.ctx, "muxer: connection opened", slog.Int64("opened_at", openedAt))

	m.readLoop()

	m.cancel(api.ErrConnectionClosed)
	m.wg.Wait()
	_ = m.session.Close()

	m.metrics.ConnectionClosed(m.endpoint.Name())
	m.logger.DebugContext(m.ctx, "muxer: connection closed",
		slog.Int64("opened_at", openedAt),
		slog.Int64("closed_at", timestamp.GetTimestamp()),
		slog.String("cause", context.Cause(m.ctx).Error()))
	close(m.done)
}

// Close tears down the connection and every active call.
func (m *WebSocketMuxer) Close() {
	m.cancel(api.ErrConnectionClosed)
}

func (m *WebSocketMuxer) readLoop() {
	for {
		frame, err := m.session.Receive()
		if err != nil {
			if errors.Is(err, io.EOF) || m.ctx.Err() != nil {
				m.logger.Debug("muxer: receive stopped", slog.String("error", err.Error()))
			} else {
				m.logger.Warn("muxer: websocket receive error", slog.String("error", err.Error()))
			}
			return
		}
		m.handleFrame(frame)
	}
}

func (m *WebSocketMuxer) handleFrame(frame []byte) {
	req, err := api.DecodeCall(frame)
	if req == nil {
		m.metrics.FrameDropped(m.endpoint.Name())
		m.logger.Warn("muxer: dropped uncorrelated frame", slog.String("error", err.Error()))
		return
	}

	if req.Cancel {
		m.cancelCall(req.ID)
		return
	}

	m.startCall(req, err)
}

// startCall registers the subscription for the request's id and drives it on its
// own goroutine. A non-nil reject resolves the call with that error instead of
// dispatching it.
func (m *WebSocketMuxer) startCall(req *api.Call, reject error) {
	ctx, cancel := context.WithCancelCause(endpoint.WithCallID(m.ctx, req.ID))
	c := &call{
		id:     req.ID,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	m.callsMu.Lock()
	c.prev = m.calls[req.ID]
	active := c.prev != nil && !c.prev.finishing
	m.calls[req.ID] = c
	m.wg.Add(1)
	m.callsMu.Unlock()

	if active {
		m.logger.Warn("muxer: call id reused while active", slog.Int64("call_id", req.ID), slog.String("method", req.Method))
		c.prev.cancel(api.ErrDuplicateID)
		reject = api.NewCallError(req.ID, api.CodeDuplicateID, fmt.Errorf("call id %d is already active", req.ID))
	}

	m.metrics.CallStarted(m.endpoint.Name())
	go m.run(c, req, reject)
}

func (m *WebSocketMuxer) cancelCall(id int64) {
	m.callsMu.Lock()
	c := m.calls[id]
	m.callsMu.Unlock()

	if c == nil {
		m.logger.Debug("muxer: cancel for inactive call", slog.Int64("call_id", id))
		return
	}
	m.logger.Debug("muxer: cancelling call", slog.Int64("call_id", id))
	c.cancel(api.ErrCancelled)
}

func (m *WebSocketMuxer) run(c *call, req *api.Call, reject error) {
	outcome := api.OutcomeAborted
	defer func() {
		m.release(c)
		close(c.done)
		m.metrics.CallFinished(m.endpoint.Name(), outcome)
		m.wg.Done()
	}()

	if c.prev != nil {
		<-c.prev.done
	}
	if c.ctx.Err() != nil {
		outcome = m.finishCancelled(c)
		return
	}

	if reject != nil {
		m.logger.Warn("muxer: call rejected", slog.Int64("call_id", c.id), slog.String("error", reject.Error()))
		outcome = m.finish(c, api.NewError(c.id, api.CodeBadRequest, reject), api.KindError, api.OutcomeFailed)
		return
	}

	seq, err := m.endpoint.Dispatch(c.ctx, req)
	if err != nil {
		m.logger.Warn("muxer: dispatch failed",
			slog.Int64("call_id", c.id),
			slog.String("method", req.Method),
			slog.String("error", err.Error()))
		outcome = m.finish(c, api.NewError(c.id, api.CodeInvocationFailed, err), api.KindError, api.OutcomeFailed)
		return
	}

	outcome = m.drain(c, req.Method, seq)
}

// drain writes every item of the sequence in order, followed by exactly one
// terminal envelope unless the connection went away.
func (m *WebSocketMuxer) drain(c *call, method string, seq registry.Sequence) string {
	terminal, kind, outcome := m.consume(c, method, seq)
	if terminal == nil {
		if outcome == api.OutcomeCancelled || c.ctx.Err() != nil {
			return m.finishCancelled(c)
		}
		return outcome
	}
	return m.finish(c, terminal, kind, outcome)
}

// consume pulls items until the sequence ends, fails or the call is cancelled,
// and disposes the sequence before the terminal envelope is written.
func (m *WebSocketMuxer) consume(c *call, method string, seq registry.Sequence) (any, string, string) {
	defer seq.Dispose()

	for seq.MoveNext() {
		if c.ctx.Err() != nil {
			return nil, "", api.OutcomeCancelled
		}

		item, err := seq.Current()
		if err != nil {
			if c.ctx.Err() != nil {
				return nil, "", api.OutcomeCancelled
			}
			return m.streamFailed(c, method, err)
		}

		if err := m.send(api.NewItem(c.id, item), api.KindItem); err != nil {
			if errors.Is(err, api.ErrTransport) {
				return nil, "", api.OutcomeAborted
			}
			m.logger.Error("muxer: item not serializable",
				slog.Int64("call_id", c.id),
				slog.String("method", method),
				slog.String("error", err.Error()))
			failure := api.NewCallError(c.id, api.CodeStreamFailed, err)
			return api.NewError(c.id, api.CodeStreamFailed, failure), api.KindError, api.OutcomeFailed
		}
	}

	if c.ctx.Err() != nil {
		return nil, "", api.OutcomeCancelled
	}
	if err := seq.Err(); err != nil {
		return m.streamFailed(c, method, err)
	}
	return api.NewDone(c.id), api.KindDone, api.OutcomeCompleted
}

// streamFailed logs a sequence that stopped with an error and builds its
// stream_failed terminal.
func (m *WebSocketMuxer) streamFailed(c *call, method string, err error) (any, string, string) {
	m.logger.Error("muxer: stream failed",
		slog.Int64("call_id", c.id),
		slog.String("method", method),
		slog.String("error", err.Error()))
	failure := api.NewCallError(c.id, api.CodeStreamFailed, err)
	return api.NewError(c.id, api.CodeStreamFailed, failure), api.KindError, api.OutcomeFailed
}

// finishCancelled resolves a call whose context ended. Only a caller's cancel
// gets a terminal envelope; a replaced call or a closed connection gets none.
func (m *WebSocketMuxer) finishCancelled(c *call) string {
	if !errors.Is(context.Cause(c.ctx), api.ErrCancelled) {
		return api.OutcomeAborted
	}
	return m.finish(c, api.NewCancelled(c.id), api.KindCancelled, api.OutcomeCancelled)
}

func (m *WebSocketMuxer) finish(c *call, terminal any, kind, outcome string) string {
	m.callsMu.Lock()
	c.finishing = true
	m.callsMu.Unlock()

	if err := m.send(terminal, kind); err != nil {
		m.logger.Warn("muxer: terminal envelope not sent", slog.Int64("call_id", c.id), slog.String("error", err.Error()))
		return api.OutcomeAborted
	}
	m.logger.Debug("muxer: call finished", slog.Int64("call_id", c.id), slog.String("outcome", outcome))
	return outcome
}

func (m *WebSocketMuxer) send(envelope any, kind string) error {
	if err := m.session.Send(envelope); err != nil {
		if errors.Is(err, api.ErrTransport) {
			m.abort(err)
		}
		return err
	}
	m.metrics.EnvelopeSent(m.endpoint.Name(), kind)
	return nil
}

// abort tears down the connection after a transport failure.
func (m *WebSocketMuxer) abort(err error) {
	if m.ctx.Err() == nil {
		m.logger.Warn("muxer: transport failed, closing connection", slog.String("error", err.Error()))
	}
	m.cancel(err)
}

func (m *WebSocketMuxer) release(c *call) {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()
	if m.calls[c.id] == c {
		delete(m.calls, c.id)
	}
	c.cancel(nil)
}

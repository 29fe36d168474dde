package wstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fgrzl/enumerators"
	"github.com/fgrzl/pushkit"
	"github.com/fgrzl/pushkit/pkg/api"
	"github.com/gorilla/websocket"
)

var ErrClientClosed = errors.New("client closed")

// DefaultOrigin is sent when the caller does not set an Origin header.
const DefaultOrigin = "http://localhost"

// Client is one connection to an endpoint. All calls opened on it share the
// connection; ids are assigned by the client in increasing order.
type Client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	nextID  atomic.Int64

	mu      sync.Mutex
	streams map[int64]*stream
	err     error

	closeOnce sync.Once
	done      chan struct{}
}

var _ pushkit.Client = (*Client)(nil)

// Dial connects to the endpoint at url, for example ws://host/countdown.
func Dial(ctx context.Context, url string, header http.Header) (*Client, error) {
	if header == nil {
		header = http.Header{}
	}
	if header.Get("Origin") == "" {
		header.Set("Origin", DefaultOrigin)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial websocket: %w", err)
	}

	c := &Client{
		conn:    conn,
		streams: make(map[int64]*stream),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Open calls method with args and streams the raw items it yields. Disposing the
// enumerator before it ends cancels the call on the server, as does ending ctx.
func (c *Client) Open(ctx context.Context, method string, args ...any) enumerators.Enumerator[json.RawMessage] {
	raw := make([]json.RawMessage, len(args))
	for i, arg := range args {
		data, err := json.Marshal(arg)
		if err != nil {
			return enumerators.Error[json.RawMessage](fmt.Errorf("encode argument %d: %w", i, err))
		}
		raw[i] = data
	}

	id := c.nextID.Add(1) - 1
	s := newStream(c, id)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return enumerators.Error[json.RawMessage](err)
	}
	c.streams[id] = s
	c.mu.Unlock()

	if err := c.send(&api.Call{Method: method, ID: id, Args: raw}); err != nil {
		c.unregister(id)
		return enumerators.Error[json.RawMessage](err)
	}

	stop := context.AfterFunc(ctx, s.Dispose)
	s.mu.Lock()
	s.stopAfter = stop
	s.mu.Unlock()
	return s
}

// Close closes the connection. Open streams fail with ErrClientClosed.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	<-c.done
	return err
}

func (c *Client) send(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

func (c *Client) cancel(id int64) {
	if err := c.send(&api.CancelCall{ID: id, Cancel: true}); err != nil {
		slog.Debug("wstream: cancel not sent", slog.Int64("call_id", id), slog.String("error", err.Error()))
	}
}

func (c *Client) unregister(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.streams, id)
}

func (c *Client) readLoop() {
	defer close(c.done)

	var failure error
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			failure = err
			break
		}

		var resp api.Response
		if err := json.Unmarshal(data, &resp); err != nil {
			slog.Warn("wstream: invalid response", slog.String("error", err.Error()))
			continue
		}

		c.mu.Lock()
		s, ok := c.streams[resp.ID]
		if ok && resp.IsTerminal() {
			delete(c.streams, resp.ID)
		}
		c.mu.Unlock()

		if !ok {
			slog.Debug("wstream: no stream for call id", slog.Int64("call_id", resp.ID))
			continue
		}
		s.deliver(&resp)
	}

	if websocket.IsUnexpectedCloseError(failure, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		slog.Warn("wstream: connection closed unexpectedly", slog.String("error", failure.Error()))
	}
	_ = c.conn.Close()

	c.mu.Lock()
	c.err = fmt.Errorf("%w: %v", ErrClientClosed, failure)
	streams := c.streams
	c.streams = make(map[int64]*stream)
	c.mu.Unlock()

	for _, s := range streams {
		s.fail(c.err)
	}
}

// stream receives the envelopes of one call. The read loop never blocks on it.
type stream struct {
	id     int64
	client *Client

	mu      sync.Mutex
	queue   []*api.Response
	failure error
	notify  chan struct{}

	current   json.RawMessage
	err       error
	finished  bool
	disposed  chan struct{}
	once      sync.Once
	stopAfter func() bool
}

func newStream(c *Client, id int64) *stream {
	return &stream{
		id:       id,
		client:   c,
		notify:   make(chan struct{}, 1),
		disposed: make(chan struct{}),
	}
}

func (s *stream) deliver(resp *api.Response) {
	s.mu.Lock()
	s.queue = append(s.queue, resp)
	s.mu.Unlock()
	s.wake()
}

func (s *stream) fail(err error) {
	s.mu.Lock()
	s.failure = err
	s.mu.Unlock()
	s.wake()
}

func (s *stream) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *stream) next() (*api.Response, bool, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			resp := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return resp, true, nil
		}
		failure := s.failure
		s.mu.Unlock()

		if failure != nil {
			return nil, true, failure
		}

		select {
		case <-s.notify:
		case <-s.disposed:
			return nil, false, nil
		}
	}
}

// MoveNext returns false once the call ends. A call that failed, or whose
// connection was lost, reports why from Err.
func (s *stream) MoveNext() bool {
	if s.finished {
		return false
	}
	select {
	case <-s.disposed:
		s.finished = true
		return false
	default:
	}

	resp, ok, err := s.next()
	if !ok {
		s.finished = true
		return false
	}
	if err != nil {
		s.finished = true
		s.current, s.err = nil, err
		return false
	}

	switch {
	case resp.Error != "" || resp.Code != "":
		s.finished = true
		s.current, s.err = nil, resp.Err()
		return false
	case resp.Done:
		s.finished = true
		s.current = nil
		return false
	default:
		s.current = resp.Item
		return true
	}
}

func (s *stream) Current() (json.RawMessage, error) {
	return s.current, nil
}

func (s *stream) Err() error {
	return s.err
}

// Dispose cancels the call when it has not ended yet. It may be called from any
// goroutine and more than once.
func (s *stream) Dispose() {
	s.once.Do(func() {
		close(s.disposed)
		s.mu.Lock()
		stop := s.stopAfter
		s.mu.Unlock()
		if stop != nil {
			stop()
		}

		s.client.mu.Lock()
		_, active := s.client.streams[s.id]
		delete(s.client.streams, s.id)
		s.client.mu.Unlock()

		if active {
			s.client.cancel(s.id)
		}
	})
}

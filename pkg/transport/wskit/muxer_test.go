package wskit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/fgrzl/enumerators"
	"github.com/fgrzl/pushkit/pkg/api"
	"github.com/fgrzl/pushkit/pkg/endpoint"
	"github.com/fgrzl/pushkit/pkg/metrics"
	"github.com/fgrzl/pushkit/pkg/registry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 5 * time.Second

// fakeSession is an in-memory connection. Frames pushed with receive are read by
// the muxer; envelopes the muxer sends come out of sent.
type fakeSession struct {
	incoming  chan []byte
	sent      chan api.Response
	closed    chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	sendLimit int
	sendCount int
	// onSend sees every envelope before Send returns.
	onSend func(api.Response)
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		incoming:  make(chan []byte, 16),
		sent:      make(chan api.Response, 4096),
		closed:    make(chan struct{}),
		sendLimit: -1,
	}
}

func (s *fakeSession) Send(envelope any) error {
	data, err := json.Marshal(envelope)
	if err != nil {
		return err
	}

	var resp api.Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return err
	}

	s.mu.Lock()
	select {
	case <-s.closed:
		s.mu.Unlock()
		return api.TransportError(io.ErrClosedPipe)
	default:
	}
	if s.sendLimit >= 0 && s.sendCount >= s.sendLimit {
		s.mu.Unlock()
		return api.TransportError(io.ErrClosedPipe)
	}
	s.sendCount++
	s.sent <- resp
	onSend := s.onSend
	s.mu.Unlock()

	if onSend != nil {
		onSend(resp)
	}
	return nil
}

func (s *fakeSession) Receive() ([]byte, error) {
	select {
	case frame, ok := <-s.incoming:
		if !ok {
			return nil, io.EOF
		}
		return frame, nil
	case <-s.closed:
		return nil, io.EOF
	}
}

func (s *fakeSession) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSession) receive(frame string) {
	s.incoming <- []byte(frame)
}

func (s *fakeSession) next(t *testing.T) api.Response {
	t.Helper()
	select {
	case resp := <-s.sent:
		return resp
	case <-time.After(waitTimeout):
		require.FailNow(t, "no envelope received")
		return api.Response{}
	}
}

func (s *fakeSession) assertQuiet(t *testing.T) {
	t.Helper()
	select {
	case resp := <-s.sent:
		assert.Failf(t, "unexpected envelope", "%+v", resp)
	case <-time.After(50 * time.Millisecond):
	}
}

// testHandler exposes one operation per muxer behaviour under test.
type testHandler struct {
	disposed chan int64
}

func newTestHandler() *testHandler {
	return &testHandler{disposed: make(chan int64, 64)}
}

func (h *testHandler) Count(n int) enumerators.Enumerator[int] {
	return enumerators.Range(0, n, func(i int) int { return i })
}

func (h *testHandler) Fail(ctx context.Context, n int) enumerators.Enumerator[int] {
	id, _ := endpoint.CallIDFromContext(ctx)
	return &scriptedEnumerator{items: n, err: errors.New("backend down"), id: id, disposed: h.disposed}
}

func (h *testHandler) Block(ctx context.Context) enumerators.Enumerator[int] {
	id, _ := endpoint.CallIDFromContext(ctx)
	return &scriptedEnumerator{items: 1, block: ctx, id: id, disposed: h.disposed}
}

// Flaky fails while mapping its second item.
func (h *testHandler) Flaky() enumerators.Enumerator[int] {
	return enumerators.Map(enumerators.Range(0, 3, func(i int) int { return i }), func(i int) (int, error) {
		if i == 1 {
			return 0, fmt.Errorf("flaky at %d", i)
		}
		return i, nil
	})
}

func (h *testHandler) Refuse(reason string) (enumerators.Enumerator[int], error) {
	return nil, errors.New(reason)
}

func (h *testHandler) Opaque() enumerators.Enumerator[func()] {
	return enumerators.Slice([]func(){func() {}})
}

func (h *testHandler) Nothing() enumerators.Enumerator[string] {
	return enumerators.Slice([]string{})
}

// scriptedEnumerator yields 0..items-1, then either stops and reports err, blocks
// until block ends, or ends. Dispose reports the call id.
type scriptedEnumerator struct {
	items    int
	err      error
	block    context.Context
	id       int64
	disposed chan int64
	pos      int
	failed   bool
	once     sync.Once
}

func (e *scriptedEnumerator) MoveNext() bool {
	if e.pos < e.items {
		e.pos++
		return true
	}
	if e.err != nil {
		e.failed = true
		return false
	}
	if e.block != nil {
		<-e.block.Done()
	}
	return false
}

func (e *scriptedEnumerator) Current() (int, error) {
	if e.failed {
		return 0, e.err
	}
	return e.pos - 1, nil
}

func (e *scriptedEnumerator) Err() error {
	if e.failed {
		return e.err
	}
	return nil
}

func (e *scriptedEnumerator) Dispose() {
	e.once.Do(func() { e.disposed <- e.id })
}

type harness struct {
	session *fakeSession
	muxer   *WebSocketMuxer
	handler *testHandler
}

func newHarness(t *testing.T, collector *metrics.Collector) *harness {
	t.Helper()
	handler := newTestHandler()
	h := newEndpointHarness(t, endpoint.New("test", handler), collector)
	h.handler = handler
	return h
}

func newEndpointHarness(t *testing.T, ep *endpoint.Endpoint, collector *metrics.Collector) *harness {
	t.Helper()
	session := newFakeSession()
	muxer := NewWebSocketMuxer(t.Context(), ep, session, collector)
	go muxer.Serve()
	t.Cleanup(func() {
		muxer.Close()
		<-muxer.Done()
	})
	return &harness{session: session, muxer: muxer}
}

func (h *harness) waitDisposed(t *testing.T, id int64) {
	t.Helper()
	select {
	case got := <-h.handler.disposed:
		assert.Equal(t, id, got)
	case <-time.After(waitTimeout):
		require.FailNow(t, "sequence not disposed")
	}
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	total, err := gathered(reg, name)
	require.NoError(t, err)
	return total
}

// gathered sums the counters and gauges of the family called name.
func gathered(reg *prometheus.Registry, name string) (float64, error) {
	families, err := reg.Gather()
	if err != nil {
		return 0, err
	}
	var total float64
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, m := range family.GetMetric() {
			total += m.GetCounter().GetValue() + m.GetGauge().GetValue()
		}
	}
	return total, nil
}

func itemOf(t *testing.T, resp api.Response) any {
	t.Helper()
	var item any
	require.NoError(t, json.Unmarshal(resp.Item, &item))
	return item
}

func TestMuxerStreams(t *testing.T) {
	t.Run("should send items in order then done", func(t *testing.T) {
		// Arrange
		h := newHarness(t, nil)

		// Act
		h.session.receive(`{"method":"count","id":0,"args":[3]}`)

		// Assert
		for i := range 3 {
			resp := h.session.next(t)
			assert.Equal(t, int64(0), resp.ID)
			assert.Equal(t, float64(i), itemOf(t, resp))
			assert.False(t, resp.IsTerminal())
		}
		done := h.session.next(t)
		assert.Equal(t, api.Response{ID: 0, Done: true}, done)
		h.session.assertQuiet(t)
	})

	t.Run("should send only done for an empty sequence", func(t *testing.T) {
		// Arrange
		h := newHarness(t, nil)

		// Act
		h.session.receive(`{"method":"nothing","id":5,"args":[]}`)

		// Assert
		assert.Equal(t, api.Response{ID: 5, Done: true}, h.session.next(t))
	})

	t.Run("should accept absent args for operations without parameters", func(t *testing.T) {
		// Arrange
		h := newHarness(t, nil)

		// Act
		h.session.receive(`{"method":"nothing","id":6}`)

		// Assert
		assert.Equal(t, api.Response{ID: 6, Done: true}, h.session.next(t))
	})

	t.Run("should interleave concurrent calls without mixing ids", func(t *testing.T) {
		// Arrange
		h := newHarness(t, nil)
		const calls, items = 10, 50

		// Act
		for id := range calls {
			h.session.receive(fmt.Sprintf(`{"method":"count","id":%d,"args":[%d]}`, id, items))
		}

		// Assert
		next := make(map[int64]int)
		finished := make(map[int64]bool)
		for len(finished) < calls {
			resp := h.session.next(t)
			require.False(t, finished[resp.ID], "envelope after terminal for id %d", resp.ID)
			if resp.Done {
				assert.Equal(t, items, next[resp.ID])
				finished[resp.ID] = true
				continue
			}
			assert.Equal(t, float64(next[resp.ID]), itemOf(t, resp))
			next[resp.ID]++
		}
	})
}

func TestMuxerErrors(t *testing.T) {
	cases := map[string]struct {
		frame string
		code  api.ErrorCode
	}{
		"unknown method":   {`{"method":"nope","id":3,"args":[]}`, api.CodeUnknownMethod},
		"go method name":   {`{"method":"Count","id":3,"args":[1]}`, api.CodeUnknownMethod},
		"missing argument": {`{"method":"count","id":3,"args":[]}`, api.CodeBadArguments},
		"mistyped":         {`{"method":"count","id":3,"args":["three"]}`, api.CodeBadArguments},
		"null argument":    {`{"method":"count","id":3,"args":[null]}`, api.CodeBadArguments},
		"refused":          {`{"method":"refuse","id":3,"args":["not today"]}`, api.CodeInvocationFailed},
		"missing method":   {`{"id":3,"args":[]}`, api.CodeBadRequest},
		"unserializable":   {`{"method":"opaque","id":3,"args":[]}`, api.CodeStreamFailed},
	}
	for name, tc := range cases {
		t.Run("should resolve "+name+" with an error envelope", func(t *testing.T) {
			// Arrange
			h := newHarness(t, nil)

			// Act
			h.session.receive(tc.frame)

			// Assert
			resp := h.session.next(t)
			assert.Equal(t, int64(3), resp.ID)
			assert.Equal(t, tc.code, resp.Code)
			assert.NotEmpty(t, resp.Error)
			assert.True(t, resp.IsTerminal())
			h.session.assertQuiet(t)
		})
	}

	t.Run("should send items before a stream failure", func(t *testing.T) {
		// Arrange
		h := newHarness(t, nil)

		// Act
		h.session.receive(`{"method":"fail","id":1,"args":[2]}`)

		// Assert
		assert.Equal(t, float64(0), itemOf(t, h.session.next(t)))
		assert.Equal(t, float64(1), itemOf(t, h.session.next(t)))
		resp := h.session.next(t)
		assert.Equal(t, api.CodeStreamFailed, resp.Code)
		assert.Equal(t, "backend down", resp.Error)
		h.waitDisposed(t, 1)
	})

	t.Run("should report a mapped sequence that fails", func(t *testing.T) {
		// Arrange
		h := newHarness(t, nil)

		// Act
		h.session.receive(`{"method":"flaky","id":1,"args":[]}`)

		// Assert
		assert.Equal(t, float64(0), itemOf(t, h.session.next(t)))
		resp := h.session.next(t)
		assert.Equal(t, int64(1), resp.ID)
		assert.Equal(t, api.CodeStreamFailed, resp.Code)
		assert.Equal(t, "flaky at 1", resp.Error)
		assert.False(t, resp.Done)
		h.session.assertQuiet(t)
	})

	t.Run("should report a registered operation whose source fails", func(t *testing.T) {
		// Arrange
		reg := registry.New()
		registry.Register0(reg, "boom", func(ctx context.Context) enumerators.Enumerator[int] {
			return enumerators.Error[int](errors.New("backend down"))
		})
		registry.Register0(reg, "half", func(ctx context.Context) enumerators.Enumerator[int] {
			return enumerators.Map(enumerators.Range(0, 2, func(i int) int { return i }), func(i int) (int, error) {
				if i > 0 {
					return 0, errors.New("lost backend")
				}
				return i, nil
			})
		})
		h := newEndpointHarness(t, endpoint.NewFromRegistry("typed", reg), nil)

		// Act
		h.session.receive(`{"method":"boom","id":2}`)
		first := h.session.next(t)
		h.session.receive(`{"method":"half","id":3}`)

		// Assert
		assert.Equal(t, api.Response{ID: 2, Error: "backend down", Code: api.CodeStreamFailed}, first)
		assert.Equal(t, float64(0), itemOf(t, h.session.next(t)))
		assert.Equal(t, api.Response{ID: 3, Error: "lost backend", Code: api.CodeStreamFailed}, h.session.next(t))
		h.session.assertQuiet(t)
	})

	t.Run("should keep the connection after a failed call", func(t *testing.T) {
		// Arrange
		h := newHarness(t, nil)
		h.session.receive(`{"method":"nope","id":1,"args":[]}`)
		require.Equal(t, api.CodeUnknownMethod, h.session.next(t).Code)

		// Act
		h.session.receive(`{"method":"count","id":2,"args":[1]}`)

		// Assert
		assert.Equal(t, float64(0), itemOf(t, h.session.next(t)))
		assert.Equal(t, api.Response{ID: 2, Done: true}, h.session.next(t))
	})

	t.Run("should drop uncorrelated frames and keep serving", func(t *testing.T) {
		// Arrange
		reg := prometheus.NewRegistry()
		collector := metrics.NewCollector(reg)
		h := newHarness(t, collector)

		// Act
		h.session.receive(`not json`)
		h.session.receive(`{"method":"count","args":[1]}`)
		h.session.receive(`{"method":"count","id":9,"args":[1]}`)

		// Assert
		resp := h.session.next(t)
		assert.Equal(t, int64(9), resp.ID)
		assert.Equal(t, api.Response{ID: 9, Done: true}, h.session.next(t))
		assert.Equal(t, 2.0, counterValue(t, reg, "pushkit_session_dropped_frames_total"))
	})
}

func TestMuxerCancel(t *testing.T) {
	t.Run("should stop a call and confirm the cancel", func(t *testing.T) {
		// Arrange
		h := newHarness(t, nil)
		h.session.receive(`{"method":"block","id":4,"args":[]}`)
		require.Equal(t, int64(4), h.session.next(t).ID)

		// Act
		h.session.receive(`{"id":4,"cancel":true}`)

		// Assert
		h.waitDisposed(t, 4)
		assert.Equal(t, api.Response{ID: 4, Done: true, Cancelled: true}, h.session.next(t))
		h.session.assertQuiet(t)
		assert.Eventually(t, func() bool { return h.muxer.ActiveCalls() == 0 }, waitTimeout, 10*time.Millisecond)
	})

	t.Run("should ignore a cancel for an inactive id", func(t *testing.T) {
		// Arrange
		h := newHarness(t, nil)

		// Act
		h.session.receive(`{"id":99,"cancel":true}`)
		h.session.receive(`{"method":"count","id":1,"args":[1]}`)

		// Assert
		assert.Equal(t, int64(1), h.session.next(t).ID)
		assert.Equal(t, api.Response{ID: 1, Done: true}, h.session.next(t))
	})

	t.Run("should only affect the cancelled id", func(t *testing.T) {
		// Arrange
		h := newHarness(t, nil)
		h.session.receive(`{"method":"block","id":1,"args":[]}`)
		h.session.receive(`{"method":"block","id":2,"args":[]}`)
		seen := map[int64]bool{}
		seen[h.session.next(t).ID] = true
		seen[h.session.next(t).ID] = true
		require.Equal(t, map[int64]bool{1: true, 2: true}, seen)

		// Act
		h.session.receive(`{"id":1,"cancel":true}`)

		// Assert
		h.waitDisposed(t, 1)
		assert.Equal(t, api.Response{ID: 1, Done: true, Cancelled: true}, h.session.next(t))
		assert.Eventually(t, func() bool { return h.muxer.ActiveCalls() == 1 }, waitTimeout, 10*time.Millisecond)
	})
}

func TestMuxerDuplicateID(t *testing.T) {
	t.Run("should replace the active call and report the reuse", func(t *testing.T) {
		// Arrange
		h := newHarness(t, nil)
		h.session.receive(`{"method":"block","id":7,"args":[]}`)
		require.Equal(t, int64(7), h.session.next(t).ID)

		// Act
		h.session.receive(`{"method":"count","id":7,"args":[3]}`)

		// Assert
		h.waitDisposed(t, 7)
		resp := h.session.next(t)
		assert.Equal(t, int64(7), resp.ID)
		assert.Equal(t, api.CodeDuplicateID, resp.Code)
		h.session.assertQuiet(t)
	})

	t.Run("should accept an id reused while its done is being written", func(t *testing.T) {
		// Arrange
		reg := prometheus.NewRegistry()
		h := newHarness(t, metrics.NewCollector(reg))
		var reuse sync.Once
		h.session.mu.Lock()
		h.session.onSend = func(resp api.Response) {
			if resp.ID != 5 || !resp.Done {
				return
			}
			reuse.Do(func() {
				h.session.receive(`{"method":"count","id":5,"args":[1]}`)
				// hold the first done until the muxer has taken the reused id
				deadline := time.Now().Add(waitTimeout)
				for time.Now().Before(deadline) {
					if active, err := gathered(reg, "pushkit_session_active_calls"); err == nil && active == 2 {
						return
					}
					time.Sleep(time.Millisecond)
				}
			})
		}
		h.session.mu.Unlock()

		// Act
		h.session.receive(`{"method":"count","id":5,"args":[1]}`)

		// Assert
		assert.Equal(t, float64(0), itemOf(t, h.session.next(t)))
		assert.Equal(t, api.Response{ID: 5, Done: true}, h.session.next(t))
		assert.Equal(t, float64(0), itemOf(t, h.session.next(t)))
		assert.Equal(t, api.Response{ID: 5, Done: true}, h.session.next(t))
		h.session.assertQuiet(t)
	})

	t.Run("should accept the id again once it is free", func(t *testing.T) {
		// Arrange
		h := newHarness(t, nil)
		h.session.receive(`{"method":"count","id":7,"args":[1]}`)
		h.session.next(t)
		require.Equal(t, api.Response{ID: 7, Done: true}, h.session.next(t))

		// Act
		h.session.receive(`{"method":"count","id":7,"args":[1]}`)

		// Assert
		assert.Equal(t, float64(0), itemOf(t, h.session.next(t)))
		assert.Equal(t, api.Response{ID: 7, Done: true}, h.session.next(t))
	})
}

func TestMuxerTeardown(t *testing.T) {
	t.Run("should dispose active calls when the connection closes", func(t *testing.T) {
		// Arrange
		h := newHarness(t, nil)
		h.session.receive(`{"method":"block","id":1,"args":[]}`)
		h.session.receive(`{"method":"block","id":2,"args":[]}`)
		h.session.next(t)
		h.session.next(t)

		// Act
		close(h.session.incoming)

		// Assert
		select {
		case <-h.muxer.Done():
		case <-time.After(waitTimeout):
			require.FailNow(t, "muxer did not stop")
		}
		disposed := []int64{<-h.handler.disposed, <-h.handler.disposed}
		assert.ElementsMatch(t, []int64{1, 2}, disposed)
		assert.Equal(t, 0, h.muxer.ActiveCalls())
		h.session.assertQuiet(t)
	})

	t.Run("should close the connection when a write fails", func(t *testing.T) {
		// Arrange
		h := newHarness(t, nil)
		h.session.mu.Lock()
		h.session.sendLimit = 1
		h.session.mu.Unlock()

		// Act
		h.session.receive(`{"method":"block","id":1,"args":[]}`)
		h.session.receive(`{"method":"count","id":2,"args":[5]}`)

		// Assert
		select {
		case <-h.muxer.Done():
		case <-time.After(waitTimeout):
			require.FailNow(t, "muxer did not stop")
		}
		h.waitDisposed(t, 1)
		assert.Len(t, h.session.sent, 1)
	})

	t.Run("should stop when the parent context ends", func(t *testing.T) {
		// Arrange
		ctx, cancel := context.WithCancel(t.Context())
		session := newFakeSession()
		muxer := NewWebSocketMuxer(ctx, endpoint.New("test", newTestHandler()), session, nil)
		go muxer.Serve()

		// Act
		cancel()

		// Assert
		select {
		case <-muxer.Done():
		case <-time.After(waitTimeout):
			require.FailNow(t, "muxer did not stop")
		}
	})
}

func TestMuxerMetrics(t *testing.T) {
	t.Run("should record outcomes", func(t *testing.T) {
		// Arrange
		reg := prometheus.NewRegistry()
		collector := metrics.NewCollector(reg)
		h := newHarness(t, collector)

		// Act
		h.session.receive(`{"method":"count","id":1,"args":[2]}`)
		h.session.receive(`{"method":"nope","id":2,"args":[]}`)
		for range 4 {
			h.session.next(t)
		}

		// Assert
		assert.Eventually(t, func() bool {
			count, err := testutil.GatherAndCount(reg, "pushkit_session_calls_total")
			return err == nil && count == 2
		}, waitTimeout, 10*time.Millisecond)
		assert.Equal(t, 4.0, counterValue(t, reg, "pushkit_session_envelopes_total"))
	})
}

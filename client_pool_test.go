package pushkit

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/fgrzl/enumerators"
	"github.com/fgrzl/pushkit/pkg/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubClient struct {
	endpoint string
	items    []json.RawMessage
	err      error
	closed   bool
}

func (c *stubClient) Open(ctx context.Context, method string, args ...any) enumerators.Enumerator[json.RawMessage] {
	if c.err != nil {
		return enumerators.Error[json.RawMessage](c.err)
	}
	return enumerators.Slice(c.items)
}

func (c *stubClient) Close() error {
	c.closed = true
	return nil
}

func TestChannelPool(t *testing.T) {
	t.Run("should create one client per endpoint", func(t *testing.T) {
		// Arrange
		var mu sync.Mutex
		created := map[string]int{}
		pool := NewChannelPool(func(endpoint string) (Client, error) {
			mu.Lock()
			defer mu.Unlock()
			created[endpoint]++
			return &stubClient{endpoint: endpoint}, nil
		})

		// Act
		var wg sync.WaitGroup
		for range 20 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := pool.GetClient("countdown")
				assert.NoError(t, err)
			}()
		}
		wg.Wait()
		other, err := pool.GetClient("chat")

		// Assert
		require.NoError(t, err)
		assert.Equal(t, "chat", other.(*stubClient).endpoint)
		assert.Equal(t, map[string]int{"countdown": 1, "chat": 1}, created)
	})

	t.Run("should not cache a failed connection", func(t *testing.T) {
		// Arrange
		fail := true
		pool := NewChannelPool(func(endpoint string) (Client, error) {
			if fail {
				return nil, errors.New("refused")
			}
			return &stubClient{endpoint: endpoint}, nil
		})

		// Act
		_, first := pool.GetClient("countdown")
		fail = false
		client, second := pool.GetClient("countdown")

		// Assert
		assert.EqualError(t, first, "refused")
		require.NoError(t, second)
		assert.NotNil(t, client)
	})

	t.Run("should close removed clients", func(t *testing.T) {
		// Arrange
		pool := NewChannelPool(func(endpoint string) (Client, error) {
			return &stubClient{endpoint: endpoint}, nil
		})
		a, _ := pool.GetClient("a")
		b, _ := pool.GetClient("b")

		// Act
		pool.Remove("a")
		again, _ := pool.GetClient("a")
		pool.Close()

		// Assert
		assert.True(t, a.(*stubClient).closed)
		assert.True(t, b.(*stubClient).closed)
		assert.True(t, again.(*stubClient).closed)
		assert.NotSame(t, a, again)
	})
}

func TestOpen(t *testing.T) {
	t.Run("should decode items", func(t *testing.T) {
		// Arrange
		client := &stubClient{items: []json.RawMessage{json.RawMessage(`"2..."`), json.RawMessage(`"Hello, World"`)}}

		// Act
		items, err := enumerators.ToSlice(Open[string](t.Context(), client, "startCountdown", "World", 1))

		// Assert
		require.NoError(t, err)
		assert.Equal(t, []string{"2...", "Hello, World"}, items)
	})

	t.Run("should report the error of a failed call", func(t *testing.T) {
		// Arrange
		client := &stubClient{err: api.NewCallError(4, api.CodeStreamFailed, errors.New("backend down"))}
		stream := Open[string](t.Context(), client, "m")
		defer stream.Dispose()

		// Act
		moved := stream.MoveNext()

		// Assert
		assert.False(t, moved)
		var callErr *CallError
		require.ErrorAs(t, stream.Err(), &callErr)
		assert.Equal(t, int64(4), callErr.ID)
		assert.ErrorIs(t, stream.Err(), api.ErrStreamFailed)
	})

	t.Run("should fail on an item of the wrong type", func(t *testing.T) {
		// Arrange
		client := &stubClient{items: []json.RawMessage{json.RawMessage(`{"x":1}`)}}

		// Act
		_, err := enumerators.ToSlice(Open[int](t.Context(), client, "m"))

		// Assert
		assert.Error(t, err)
	})
}

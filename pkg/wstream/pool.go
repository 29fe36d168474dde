package wstream

import (
	"context"
	"net/http"
	"strings"

	"github.com/fgrzl/pushkit"
)

// NewChannelPool creates a pool that dials baseURL + "/" + endpoint the first time
// an endpoint is used, the way the browser client keeps one socket per endpoint.
func NewChannelPool(ctx context.Context, baseURL string, header http.Header) *pushkit.ChannelPool {
	base := strings.TrimSuffix(baseURL, "/")
	return pushkit.NewChannelPool(func(endpoint string) (pushkit.Client, error) {
		return Dial(ctx, base+"/"+endpoint, header.Clone())
	})
}

package raster

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rasterfleet/scheduler-core/internal/httpclient"
)

// Source performs a partial remote read of length bytes starting at
// offset, without downloading the whole object.
type Source interface {
	ReadRange(ctx context.Context, url string, offset, length int64) ([]byte, error)
}

// HTTPRangeSource reads via HTTP Range requests, the transport every cloud
// object store (S3, GCS, Azure Blob) exposes for this purpose.
type HTTPRangeSource struct {
	Client *http.Client
}

// NewHTTPRangeSource builds a Source backed by client, or the package's
// tuned outbound client (see internal/httpclient.NewOutbound) if nil —
// never the zero-config http.DefaultClient, which has no dial or overall
// request timeout and would let a stalled remote header read hang the
// calling tick indefinitely.
func NewHTTPRangeSource(client *http.Client) *HTTPRangeSource {
	if client == nil {
		client = httpclient.NewOutbound(30 * time.Second)
	}
	return &HTTPRangeSource{Client: client}
}

func (s *HTTPRangeSource) ReadRange(ctx context.Context, url string, offset, length int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build range request: %w", err)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))

	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("range request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("range request: unexpected status %s", resp.Status)
	}

	buf, err := io.ReadAll(io.LimitReader(resp.Body, length))
	if err != nil {
		return nil, fmt.Errorf("read range body: %w", err)
	}
	return buf, nil
}

package wallet

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/webplusdid/webplus/pkg/did"
	"github.com/webplusdid/webplus/pkg/webplus"
)

// HTTPVDRClient is the concrete VDRClient (spec §4.9 "HTTP call"): it
// POSTs/PUTs canonical document bytes to a VDR's JSONL mutation endpoint
// (spec §6), mirroring the plain net/http-client idiom the rest of this
// module uses for outbound calls (no HTTP client framework).
type HTTPVDRClient struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPVDRClient returns a client against baseURL (e.g.
// "http://localhost:8080") with a sane default timeout.
func NewHTTPVDRClient(baseURL string) *HTTPVDRClient {
	return &HTTPVDRClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *HTTPVDRClient) do(ctx context.Context, method string, d did.DID, canonicalJSON []byte) error {
	url := c.BaseURL + d.JSONLURL()
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(canonicalJSON))
	if err != nil {
		return webplus.E(webplus.HTTPRequestError, "wallet.HTTPVDRClient", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return webplus.E(webplus.HTTPRequestError, "wallet.HTTPVDRClient", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return webplus.E(webplus.HTTPOperationStatus, "wallet.HTTPVDRClient",
			fmt.Errorf("%s %s: status %d: %s", method, url, resp.StatusCode, string(body)))
	}
	return nil
}

// CreateDID implements VDRClient by POSTing to the VDR's create endpoint.
func (c *HTTPVDRClient) CreateDID(ctx context.Context, d did.DID, canonicalJSON []byte) error {
	return c.do(ctx, http.MethodPost, d, canonicalJSON)
}

// UpdateDID implements VDRClient by PUTing to the VDR's update endpoint.
func (c *HTTPVDRClient) UpdateDID(ctx context.Context, d did.DID, canonicalJSON []byte) error {
	return c.do(ctx, http.MethodPut, d, canonicalJSON)
}

var _ VDRClient = (*HTTPVDRClient)(nil)

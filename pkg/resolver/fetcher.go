package resolver

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/webplusdid/webplus/pkg/did"
	"github.com/webplusdid/webplus/pkg/webplus"
)

// VDRFetcher is the read-side counterpart of wallet.VDRClient: it fetches
// document bytes from a VDR (or a VDG fanning out across several VDRs)
// over HTTP, the transport spec §6 fixes for this method.
type VDRFetcher interface {
	// FetchDocument fetches a single document. selfHash and versionID are
	// mutually exclusive selectors; both empty/nil means "latest".
	FetchDocument(ctx context.Context, d did.DID, selfHash string, versionID *int64) ([]byte, error)
	// FetchJSONLRange fetches a byte range of the DID's append-only JSONL
	// stream. A nil begin or end means "from the start"/"to the end."
	FetchJSONLRange(ctx context.Context, d did.DID, begin, end *int64) ([]byte, error)
}

// HTTPVDRFetcher is the concrete VDRFetcher, grounded on
// wallet.HTTPVDRClient's plain net/http idiom.
type HTTPVDRFetcher struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPVDRFetcher returns a fetcher against baseURL with a sane default
// timeout.
func NewHTTPVDRFetcher(baseURL string) *HTTPVDRFetcher {
	return &HTTPVDRFetcher{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (f *HTTPVDRFetcher) client() *http.Client {
	if f.Client != nil {
		return f.Client
	}
	return http.DefaultClient
}

func (f *HTTPVDRFetcher) get(ctx context.Context, url string, headers map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, webplus.E(webplus.HTTPRequestError, "resolver.HTTPVDRFetcher", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := f.client().Do(req)
	if err != nil {
		return nil, webplus.E(webplus.HTTPRequestError, "resolver.HTTPVDRFetcher", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, webplus.E(webplus.HTTPRequestError, "resolver.HTTPVDRFetcher", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, webplus.E(webplus.NotFound, "resolver.HTTPVDRFetcher", fmt.Errorf("GET %s: not found", url))
	}
	if resp.StatusCode/100 != 2 && resp.StatusCode != http.StatusPartialContent {
		return nil, webplus.E(webplus.HTTPOperationStatus, "resolver.HTTPVDRFetcher",
			fmt.Errorf("GET %s: status %d: %s", url, resp.StatusCode, string(body)))
	}
	return body, nil
}

// FetchDocument implements VDRFetcher.
func (f *HTTPVDRFetcher) FetchDocument(ctx context.Context, d did.DID, selfHash string, versionID *int64) ([]byte, error) {
	var path string
	switch {
	case selfHash != "":
		path = d.DocumentBySelfHashURL(selfHash)
	case versionID != nil:
		path = d.DocumentByVersionIDURL(*versionID)
	default:
		path = d.LatestDocumentURL()
	}
	return f.get(ctx, f.BaseURL+path, nil)
}

// FetchJSONLRange implements VDRFetcher.
func (f *HTTPVDRFetcher) FetchJSONLRange(ctx context.Context, d did.DID, begin, end *int64) ([]byte, error) {
	headers := map[string]string{}
	if begin != nil || end != nil {
		b, e := "", ""
		if begin != nil {
			b = fmt.Sprintf("%d", *begin)
		}
		if end != nil {
			e = fmt.Sprintf("%d", *end-1) // store's range is half-open; HTTP Range is inclusive
		}
		headers["Range"] = fmt.Sprintf("bytes=%s-%s", b, e)
	}
	return f.get(ctx, f.BaseURL+d.JSONLURL(), headers)
}

var _ VDRFetcher = (*HTTPVDRFetcher)(nil)

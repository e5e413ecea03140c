package resolver

import (
	"encoding/json"
	"net/http"

	"github.com/webplusdid/webplus/pkg/apierr"
	"github.com/webplusdid/webplus/pkg/document"
)

// Handler exposes a Resolver over HTTP, hand-routed the way pkg/vdr's
// Server is: a single query parameter surface rather than a router
// framework, since this module has exactly one resolution operation.
type Handler struct {
	Resolver *Resolver
}

// NewHandler wraps r for HTTP serving.
func NewHandler(r *Resolver) *Handler {
	return &Handler{Resolver: r}
}

// metadataWire is the wire shape of spec §4.5's three metadata classes,
// independently defined from pkg/vdr's own metadataWire: each HTTP
// surface owns its JSON shape rather than sharing one coupled to the
// other's route layout.
type metadataWire struct {
	Created             document.Time  `json:"created"`
	NextUpdate          *document.Time `json:"nextUpdate,omitempty"`
	NextVersionID       *int64         `json:"nextVersionId,omitempty"`
	MostRecentUpdate    document.Time  `json:"mostRecentUpdate"`
	MostRecentVersionID int64          `json:"mostRecentVersionId"`
}

type resolutionResponse struct {
	DIDDocument         json.RawMessage `json:"didDocument"`
	DIDDocumentMetadata metadataWire    `json:"didDocumentMetadata"`
}

// ServeHTTP serves GET /resolve?did=<did-with-optional-query>[&currency=true][&idempotent=true].
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		apierr.WriteMethodNotAllowed(w)
		return
	}
	if r.URL.Path != "/resolve" {
		apierr.WriteError(w, http.StatusNotFound, "Not Found", "unknown path")
		return
	}

	query := r.URL.Query().Get("did")
	if query == "" {
		apierr.WriteErrorR(w, r, http.StatusBadRequest, "Malformed", "missing required 'did' query parameter")
		return
	}
	reqMeta := RequestedMetadata{
		Currency:   r.URL.Query().Get("currency") == "true",
		Idempotent: r.URL.Query().Get("idempotent") == "true",
	}

	res, err := h.Resolver.Resolve(r.Context(), query, reqMeta)
	if err != nil {
		apierr.WriteWebplusError(w, r, "resolver.Resolve", err)
		return
	}

	resp := resolutionResponse{
		DIDDocument: json.RawMessage(res.CanonicalJSON),
		DIDDocumentMetadata: metadataWire{
			Created:             res.Metadata.Created,
			NextUpdate:          res.Metadata.NextUpdate,
			NextVersionID:       res.Metadata.NextVersionID,
			MostRecentUpdate:    res.Metadata.MostRecentUpdate,
			MostRecentVersionID: res.Metadata.MostRecentVersionID,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

var _ http.Handler = (*Handler)(nil)

// Package vdr implements the Verifiable Data Registry HTTP surface spec
// §4.8 and §6 define: the authoritative host of one DID's document
// sequence, serving reads and accepting creates/updates, then fanning
// out best-effort notifications to configured gateways.
//
// Routing is hand-rolled off r.URL.Path — no router framework.
package vdr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/webplusdid/webplus/pkg/apierr"
	"github.com/webplusdid/webplus/pkg/did"
	"github.com/webplusdid/webplus/pkg/document"
	"github.com/webplusdid/webplus/pkg/store"
	"github.com/webplusdid/webplus/pkg/telemetry"
	"github.com/webplusdid/webplus/pkg/webplus"
)

// maxBodyBytes bounds an incoming document body via http.MaxBytesReader.
const maxBodyBytes = 1 << 20

// BearerAuth authorizes a mutation request (POST/PUT); returning an error
// aborts the request with 401. A nil BearerAuth on Server disables the
// check entirely — operator auth is deployment policy, not part of the
// core protocol (spec §4.8 leaves "who may POST/PUT" unspecified).
type BearerAuth func(r *http.Request) error

// Server is the VDR's HTTP handler. Zero value is not usable; construct
// with New.
type Server struct {
	Store         store.KV
	GatewayURLs   []string
	HTTPClient    *http.Client
	Logger        *slog.Logger
	Telemetry     *telemetry.Provider
	NotifyTimeout time.Duration
	Auth          BearerAuth
}

// New constructs a Server with the given store and gateway URLs and
// reasonable defaults for everything else.
func New(kv store.KV, gatewayURLs []string) *Server {
	return &Server{
		Store:         kv,
		GatewayURLs:   gatewayURLs,
		HTTPClient:    &http.Client{Timeout: 10 * time.Second},
		Logger:        slog.Default(),
		NotifyTimeout: 5 * time.Second,
	}
}

func (s *Server) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// ServeHTTP dispatches a request to the appropriate read or mutation
// handler based on the DID-resolution path mapping of spec §6.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	prefix, suffix, ok := did.SplitResolutionPath(r.URL.Path)
	if !ok {
		apierr.WriteErrorR(w, r, http.StatusNotFound, "Not Found", "unrecognized resolution path")
		return
	}
	targetDID, err := did.DIDFromPathPrefix(prefix)
	if err != nil {
		apierr.WriteWebplusError(w, r, "vdr.ServeHTTP", err)
		return
	}

	switch {
	case suffix == "did.json":
		s.handleGetLatest(w, r, targetDID)
	case strings.HasPrefix(suffix, "selfHash/"):
		hash := trimmedParam(suffix, "selfHash/", ".json")
		s.handleGetBySelfHash(w, r, targetDID, hash)
	case strings.HasPrefix(suffix, "versionId/"):
		n, perr := parseVersionID(trimmedParam(suffix, "versionId/", ".json"))
		if perr != nil {
			apierr.WriteWebplusError(w, r, "vdr.ServeHTTP", perr)
			return
		}
		s.handleGetByVersionID(w, r, targetDID, n)
	case suffix == "metadata.json":
		s.handleGetMetadata(w, r, targetDID, nil, nil)
	case suffix == "metadata/constant.json":
		s.handleGetConstantMetadata(w, r, targetDID)
	case strings.HasPrefix(suffix, "metadata/selfHash/"):
		hash := trimmedParam(suffix, "metadata/selfHash/", ".json")
		s.handleGetMetadata(w, r, targetDID, &hash, nil)
	case strings.HasPrefix(suffix, "metadata/versionId/"):
		n, perr := parseVersionID(trimmedParam(suffix, "metadata/versionId/", ".json"))
		if perr != nil {
			apierr.WriteWebplusError(w, r, "vdr.ServeHTTP", perr)
			return
		}
		s.handleGetMetadata(w, r, targetDID, nil, &n)
	case suffix == "didDocuments.jsonl":
		s.handleJSONL(w, r, targetDID)
	default:
		apierr.WriteErrorR(w, r, http.StatusNotFound, "Not Found", "unrecognized resolution path")
	}
}

func trimmedParam(suffix, prefix, ext string) string {
	return strings.TrimSuffix(strings.TrimPrefix(suffix, prefix), ext)
}

func parseVersionID(s string) (int64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, webplus.E(webplus.Malformed, "vdr.parseVersionID", fmt.Errorf("bad versionId %q: %w", s, err))
	}
	return n, nil
}

func (s *Server) handleGetLatest(w http.ResponseWriter, r *http.Request, d did.DID) {
	if r.Method != http.MethodGet {
		apierr.WriteMethodNotAllowed(w)
		return
	}
	rec, err := s.Store.GetLatestKnownDidDocRecord(r.Context(), d.String())
	if err != nil {
		apierr.WriteWebplusError(w, r, "vdr.handleGetLatest", err)
		return
	}
	s.writeDocument(w, r, rec)
}

func (s *Server) handleGetBySelfHash(w http.ResponseWriter, r *http.Request, d did.DID, hash string) {
	if r.Method != http.MethodGet {
		apierr.WriteMethodNotAllowed(w)
		return
	}
	rec, err := s.Store.GetDidDocRecordWithSelfHash(r.Context(), d.String(), hash)
	if err != nil {
		apierr.WriteWebplusError(w, r, "vdr.handleGetBySelfHash", err)
		return
	}
	s.writeDocument(w, r, rec)
}

func (s *Server) handleGetByVersionID(w http.ResponseWriter, r *http.Request, d did.DID, versionID int64) {
	if r.Method != http.MethodGet {
		apierr.WriteMethodNotAllowed(w)
		return
	}
	rec, err := s.Store.GetDidDocRecordWithVersionID(r.Context(), d.String(), versionID)
	if err != nil {
		apierr.WriteWebplusError(w, r, "vdr.handleGetByVersionID", err)
		return
	}
	s.writeDocument(w, r, rec)
}

func (s *Server) writeDocument(w http.ResponseWriter, r *http.Request, rec store.DidDocRecord) {
	setCacheHeaders(w, rec)
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(rec.DidDocumentJCS)
}

func setCacheHeaders(w http.ResponseWriter, rec store.DidDocRecord) {
	const maxAge = 365 * 24 * time.Hour
	now := time.Now().UTC()
	h := w.Header()
	h.Set("Cache-Control", fmt.Sprintf("public, max-age=%d, immutable", int(maxAge.Seconds())))
	h.Set("ETag", rec.SelfHash)
	h.Set("Last-Modified", rec.ValidFrom.Time.Format(time.RFC1123Z))
	h.Set("Expires", now.Add(maxAge).Format(time.RFC1123Z))
	h.Set("X-Cache-Hit", "false")
}

// metadataWire is the JSON shape spec §4.5 / §6 describe for the
// metadata endpoints.
type metadataWire struct {
	Created             string `json:"created"`
	NextUpdate          string `json:"nextUpdate,omitempty"`
	NextVersionID       *int64 `json:"nextVersionId,omitempty"`
	MostRecentUpdate    string `json:"mostRecentUpdate,omitempty"`
	MostRecentVersionID *int64 `json:"mostRecentVersionId,omitempty"`
}

func (s *Server) handleGetConstantMetadata(w http.ResponseWriter, r *http.Request, d did.DID) {
	if r.Method != http.MethodGet {
		apierr.WriteMethodNotAllowed(w)
		return
	}
	root, err := s.Store.GetDidDocRecordWithVersionID(r.Context(), d.String(), 0)
	if err != nil {
		apierr.WriteWebplusError(w, r, "vdr.handleGetConstantMetadata", err)
		return
	}
	writeJSON(w, http.StatusOK, metadataWire{Created: root.ValidFrom.Time.UTC().Format(time.RFC3339Nano)})
}

// handleGetMetadata serves full metadata for the document identified by
// selfHash or versionID (both nil means "latest"), per spec §4.5: constant
// + idempotent (if a successor exists) + currency (always against the
// store's current latest).
func (s *Server) handleGetMetadata(w http.ResponseWriter, r *http.Request, d did.DID, selfHash *string, versionID *int64) {
	if r.Method != http.MethodGet {
		apierr.WriteMethodNotAllowed(w)
		return
	}
	ctx := r.Context()
	var target store.DidDocRecord
	var err error
	switch {
	case selfHash != nil:
		target, err = s.Store.GetDidDocRecordWithSelfHash(ctx, d.String(), *selfHash)
	case versionID != nil:
		target, err = s.Store.GetDidDocRecordWithVersionID(ctx, d.String(), *versionID)
	default:
		target, err = s.Store.GetLatestKnownDidDocRecord(ctx, d.String())
	}
	if err != nil {
		apierr.WriteWebplusError(w, r, "vdr.handleGetMetadata", err)
		return
	}
	root, err := s.Store.GetDidDocRecordWithVersionID(ctx, d.String(), 0)
	if err != nil {
		apierr.WriteWebplusError(w, r, "vdr.handleGetMetadata", err)
		return
	}
	latest, err := s.Store.GetLatestKnownDidDocRecord(ctx, d.String())
	if err != nil {
		apierr.WriteWebplusError(w, r, "vdr.handleGetMetadata", err)
		return
	}
	out := metadataWire{
		Created:             root.ValidFrom.Time.UTC().Format(time.RFC3339Nano),
		MostRecentUpdate:    latest.ValidFrom.Time.UTC().Format(time.RFC3339Nano),
		MostRecentVersionID: &latest.VersionID,
	}
	if next, nerr := s.Store.GetDidDocRecordWithVersionID(ctx, d.String(), target.VersionID+1); nerr == nil {
		out.NextUpdate = next.ValidFrom.Time.UTC().Format(time.RFC3339Nano)
		v := next.VersionID
		out.NextVersionID = &v
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleJSONL serves the append-only JSONL document stream (GET, with
// optional byte-range) and accepts creates (POST) and updates (PUT), per
// spec §6's mutation surface.
func (s *Server) handleJSONL(w http.ResponseWriter, r *http.Request, d did.DID) {
	switch r.Method {
	case http.MethodGet:
		s.handleJSONLRead(w, r, d)
	case http.MethodPost:
		s.handleMutate(w, r, d, false)
	case http.MethodPut:
		s.handleMutate(w, r, d, true)
	default:
		apierr.WriteMethodNotAllowed(w)
	}
}

func (s *Server) handleJSONLRead(w http.ResponseWriter, r *http.Request, d did.DID) {
	begin, end := parseRange(r.Header.Get("Range"))
	recs, err := s.Store.GetDidDocRecordsForJsonlRange(r.Context(), d.String(), begin, end)
	if err != nil {
		apierr.WriteWebplusError(w, r, "vdr.handleJSONLRead", err)
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	status := http.StatusOK
	if begin != nil || end != nil {
		status = http.StatusPartialContent
	}
	w.WriteHeader(status)
	for _, rec := range recs {
		_, _ = w.Write(rec.DidDocumentJCS)
		_, _ = w.Write([]byte("\n"))
	}
}

// parseRange parses a bare "Range: bytes=<begin>-<end>" header. Either
// side may be omitted; a fully malformed header is treated as "no range."
func parseRange(header string) (begin, end *int64) {
	header = strings.TrimPrefix(header, "bytes=")
	if header == "" {
		return nil, nil
	}
	parts := strings.SplitN(header, "-", 2)
	if len(parts) != 2 {
		return nil, nil
	}
	if parts[0] != "" {
		if n, err := strconv.ParseInt(parts[0], 10, 64); err == nil {
			begin = &n
		}
	}
	if parts[1] != "" {
		if n, err := strconv.ParseInt(parts[1], 10, 64); err == nil {
			n++ // Range end is inclusive; our range query end is exclusive.
			end = &n
		}
	}
	return begin, end
}

func (s *Server) handleMutate(w http.ResponseWriter, r *http.Request, targetDID did.DID, isUpdate bool) {
	if s.Auth != nil {
		if err := s.Auth(r); err != nil {
			apierr.WriteUnauthorized(w, err.Error())
			return
		}
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		apierr.WriteError(w, http.StatusBadRequest, "Bad Request", "body too large or unreadable")
		return
	}

	if err := document.PrecheckShape(body); err != nil {
		apierr.WriteWebplusError(w, r, "vdr.handleMutate", err)
		return
	}
	var newDoc document.Document
	if err := json.Unmarshal(body, &newDoc); err != nil {
		apierr.WriteWebplusError(w, r, "vdr.handleMutate", webplus.E(webplus.Malformed, "vdr.handleMutate", err))
		return
	}
	if newDoc.ID.String() != targetDID.String() {
		apierr.WriteWebplusError(w, r, "vdr.handleMutate",
			webplus.E(webplus.Malformed, "vdr.handleMutate", fmt.Errorf("DID in body (%s) does not match DID in URL (%s)", newDoc.ID.String(), targetDID.String())))
		return
	}

	ctx := r.Context()
	var prevDoc *document.Document
	if isUpdate {
		prevRec, err := s.Store.GetLatestKnownDidDocRecord(ctx, targetDID.String())
		if err != nil {
			apierr.WriteWebplusError(w, r, "vdr.handleMutate", err)
			return
		}
		var prev document.Document
		if err := json.Unmarshal(prevRec.DidDocumentJCS, &prev); err != nil {
			apierr.WriteWebplusError(w, r, "vdr.handleMutate", webplus.E(webplus.StorageError, "vdr.handleMutate", err))
			return
		}
		prevDoc = &prev
	}

	if err := s.Store.ValidateAndAddDidDoc(ctx, &newDoc, prevDoc, body); err != nil {
		apierr.WriteWebplusError(w, r, "vdr.handleMutate", err)
		return
	}
	if s.Telemetry != nil {
		s.Telemetry.DocumentsValidated.Add(ctx, 1)
	}

	w.WriteHeader(http.StatusOK)

	// Gateway fan-out is fire-and-forget and independent per gateway
	// (spec §4.8 step 4); it must never affect the response already sent.
	go s.notifyGateways(targetDID)
}

// notifyGateways POSTs an empty-body update notification to every
// configured gateway (spec §6 "gateway notification"). Failures are
// logged and swallowed (spec §7 propagation policy).
func (s *Server) notifyGateways(d did.DID) {
	for _, base := range s.GatewayURLs {
		base := base
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), s.timeoutOrDefault())
			defer cancel()
			url := did.GatewayNotificationURL(base, d)
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(nil))
			if err != nil {
				s.recordNotifyFailure(d, base, err)
				return
			}
			resp, err := s.httpClient().Do(req)
			if err != nil {
				s.recordNotifyFailure(d, base, err)
				return
			}
			defer resp.Body.Close()
			if resp.StatusCode/100 != 2 {
				s.recordNotifyFailure(d, base, fmt.Errorf("status %d", resp.StatusCode))
				return
			}
			if s.Telemetry != nil {
				s.Telemetry.GatewayNotificationsOK.Add(ctx, 1)
			}
		}()
	}
}

func (s *Server) recordNotifyFailure(d did.DID, gateway string, err error) {
	s.logger().Warn("gateway notification failed", "did", d.String(), "gateway", gateway, "err", err)
	if s.Telemetry != nil {
		s.Telemetry.GatewayNotificationsErr.Add(context.Background(), 1)
	}
}

func (s *Server) httpClient() *http.Client {
	if s.HTTPClient != nil {
		return s.HTTPClient
	}
	return http.DefaultClient
}

func (s *Server) timeoutOrDefault() time.Duration {
	if s.NotifyTimeout > 0 {
		return s.NotifyTimeout
	}
	return 5 * time.Second
}

// Package resolver implements the resolver/verified-cache engine spec
// §4.7 describes: it turns a DID query into a validated document plus
// metadata, fetching and cryptographically verifying any missing
// predecessors from a VDR (or VDG) and persisting the result so a
// repeated selfHash or versionId query is answered from the store without
// re-fetching (spec §8 "resolver idempotence"). A query for the latest
// document always asks the VDR for its current head.
package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/webplusdid/webplus/pkg/did"
	"github.com/webplusdid/webplus/pkg/document"
	"github.com/webplusdid/webplus/pkg/microledger"
	"github.com/webplusdid/webplus/pkg/store"
	"github.com/webplusdid/webplus/pkg/telemetry"
	"github.com/webplusdid/webplus/pkg/webplus"
)

// Strategy selects the gap-filling fetch pattern of spec §4.7 step 5. All
// three produce identical results; they differ only in latency profile
// and load on the upstream VDR.
type Strategy string

const (
	Serial   Strategy = "serial"
	Parallel Strategy = "parallel"
	Batch    Strategy = "batch"
)

// DefaultParallelism is the default bound on in-flight predecessor
// requests for Parallel (spec §5: "default bound on the order of 256
// in-flight requests").
const DefaultParallelism = 256

// RequestedMetadata is spec §4.5's RequestedDIDDocumentMetadata: how far
// past the queried document the resolver should pull the tail.
type RequestedMetadata struct {
	// Currency, if true, pulls all the way to the VDR's current latest.
	Currency bool
	// Idempotent, if true (and Currency is false), pulls one version past
	// the target so NextUpdate/NextVersionID are derivable.
	Idempotent bool
}

// Resolver answers resolution queries against an upstream VDRFetcher,
// persisting validated documents to Store so a repeated selfHash or
// versionId query without Currency is served entirely from the store
// (spec §8 property 6); latest and Currency queries always contact the VDR.
type Resolver struct {
	Store    store.KV
	VDR      VDRFetcher
	Strategy Strategy
	// Parallelism bounds in-flight requests for Strategy == Parallel.
	Parallelism int
	Cache       SharedCache // optional; nil disables the shared-cache layer
	Telemetry   *telemetry.Provider
	Logger      *slog.Logger
}

// New returns a Resolver with the Parallel strategy and
// DefaultParallelism, the way spec §2's component table lists
// "serial/parallel/batch" with parallel as the general-purpose default.
func New(kv store.KV, vdr VDRFetcher) *Resolver {
	return &Resolver{
		Store:       kv,
		VDR:         vdr,
		Strategy:    Parallel,
		Parallelism: DefaultParallelism,
	}
}

func (r *Resolver) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// Result is what Resolve returns: the validated target document, its
// canonical bytes, and its derived metadata (spec §4.5).
type Result struct {
	Document      *document.Document
	CanonicalJSON []byte
	Metadata      microledger.DocumentMetadata
}

// Resolve implements the algorithm of spec §4.7.
func (r *Resolver) Resolve(ctx context.Context, query string, reqMeta RequestedMetadata) (*Result, error) {
	q, err := did.ParseWithQuery(query)
	if err != nil {
		return nil, err
	}
	didStr := q.DID.String()
	explicit := q.SelfHash != "" || q.VersionID != nil

	// Step 2: try to satisfy entirely from the local store when the
	// caller asked for neither idempotent nor currency metadata beyond
	// what's already cached.
	if explicit && !reqMeta.Currency {
		if rec, ok := r.tryLocalExplicit(ctx, didStr, q, reqMeta); ok {
			return r.buildResult(ctx, didStr, rec)
		}
	}
	if r.Telemetry != nil {
		r.Telemetry.CacheMisses.Add(ctx, 1)
	}

	cachedLatestVersion := int64(-1)
	if latestRec, err := r.Store.GetLatestKnownDidDocRecord(ctx, didStr); err == nil {
		cachedLatestVersion = latestRec.VersionID
	}

	// Step 4: fetch the target document body using the most specific
	// query available.
	anchorBody, err := r.fetchAnchorBody(ctx, q)
	if err != nil {
		return nil, err
	}
	var anchor document.Document
	if err := document.PrecheckShape(anchorBody); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(anchorBody, &anchor); err != nil {
		return nil, webplus.E(webplus.Malformed, "resolver.Resolve", err)
	}

	pullThrough := anchor.VersionID
	if reqMeta.Idempotent && !reqMeta.Currency {
		pullThrough = anchor.VersionID + 1
	}
	if reqMeta.Currency {
		latestBody, err := r.VDR.FetchDocument(ctx, q.DID, "", nil)
		if err != nil {
			return nil, err
		}
		var latestDoc document.Document
		if err := json.Unmarshal(latestBody, &latestDoc); err != nil {
			return nil, webplus.E(webplus.Malformed, "resolver.Resolve", err)
		}
		if latestDoc.VersionID > pullThrough {
			pullThrough = latestDoc.VersionID
		}
	}

	versionIDStart := cachedLatestVersion + 1
	if versionIDStart < 0 {
		versionIDStart = 0
	}

	if pullThrough >= versionIDStart {
		r.logger().DebugContext(ctx, "gap-filling microledger tail", "did", didStr,
			"from", versionIDStart, "through", pullThrough, "strategy", r.Strategy)
		docs, bodies, err := r.fetchRange(ctx, q.DID, versionIDStart, pullThrough, anchor, anchorBody)
		if err != nil {
			return nil, err
		}
		if err := r.validateAndInsertAscending(ctx, didStr, versionIDStart, docs, bodies); err != nil {
			return nil, err
		}
	}

	// Step 8: post-checks against the caller's original query.
	if q.SelfHash != "" && anchor.SelfHash != q.SelfHash {
		return nil, webplus.E(webplus.FailedConstraint, "resolver.Resolve", fmt.Errorf("selfHash %q does not match the document resolved at the requested constraint", q.SelfHash))
	}
	if q.VersionID != nil && anchor.VersionID != *q.VersionID {
		return nil, webplus.E(webplus.FailedConstraint, "resolver.Resolve", fmt.Errorf("versionId %d does not match the document resolved at the requested constraint", *q.VersionID))
	}

	rec, err := r.Store.GetDidDocRecordWithVersionID(ctx, didStr, anchor.VersionID)
	if err != nil {
		return nil, err
	}
	if r.Telemetry != nil {
		r.Telemetry.ResolutionsServed.Add(ctx, 1)
	}
	return r.buildResult(ctx, didStr, rec)
}

// tryLocalExplicit implements spec §4.7 step 2: an explicit-query
// resolution that the local store already satisfies, cross-checked for
// internal consistency (selfHash/versionId agree with the stored record)
// before being trusted.
func (r *Resolver) tryLocalExplicit(ctx context.Context, didStr string, q *did.WithQuery, reqMeta RequestedMetadata) (store.DidDocRecord, bool) {
	var rec store.DidDocRecord
	var err error
	switch {
	case q.VersionID != nil:
		rec, err = r.Store.GetDidDocRecordWithVersionID(ctx, didStr, *q.VersionID)
	case q.SelfHash != "":
		rec, err = r.Store.GetDidDocRecordWithSelfHash(ctx, didStr, q.SelfHash)
	}
	if err != nil {
		return store.DidDocRecord{}, false
	}
	if q.VersionID != nil && q.SelfHash != "" && rec.SelfHash != q.SelfHash {
		return store.DidDocRecord{}, false
	}
	if q.SelfHash != "" && q.VersionID != nil && rec.VersionID != *q.VersionID {
		return store.DidDocRecord{}, false
	}
	if reqMeta.Idempotent {
		if _, err := r.Store.GetDidDocRecordWithVersionID(ctx, didStr, rec.VersionID+1); err != nil {
			if webplus.KindOf(err) == webplus.NotFound {
				return store.DidDocRecord{}, false // successor not cached; must fetch
			}
		}
	}
	if r.Telemetry != nil {
		r.Telemetry.CacheHits.Add(ctx, 1)
	}
	return rec, true
}

func (r *Resolver) buildResult(ctx context.Context, didStr string, rec store.DidDocRecord) (*Result, error) {
	var doc document.Document
	if err := json.Unmarshal(rec.DidDocumentJCS, &doc); err != nil {
		return nil, webplus.E(webplus.StorageError, "resolver.buildResult", err)
	}
	md, err := r.metadataFor(ctx, didStr, rec.VersionID)
	if err != nil {
		return nil, err
	}
	return &Result{Document: &doc, CanonicalJSON: rec.DidDocumentJCS, Metadata: md}, nil
}

// metadataFor derives spec §4.5's three metadata classes directly from
// the store, matching microledger.Metadata's shape without requiring a
// fully materialized in-process Microledger.
func (r *Resolver) metadataFor(ctx context.Context, didStr string, versionID int64) (microledger.DocumentMetadata, error) {
	root, err := r.Store.GetDidDocRecordWithVersionID(ctx, didStr, 0)
	if err != nil {
		return microledger.DocumentMetadata{}, err
	}
	latest, err := r.Store.GetLatestKnownDidDocRecord(ctx, didStr)
	if err != nil {
		return microledger.DocumentMetadata{}, err
	}
	md := microledger.DocumentMetadata{
		Created:             root.ValidFrom,
		MostRecentUpdate:    latest.ValidFrom,
		MostRecentVersionID: latest.VersionID,
	}
	if next, err := r.Store.GetDidDocRecordWithVersionID(ctx, didStr, versionID+1); err == nil {
		nu := next.ValidFrom
		nv := next.VersionID
		md.NextUpdate = &nu
		md.NextVersionID = &nv
	}
	return md, nil
}

// validateAndInsertAscending runs document.VerifyNonRecursive against the
// evolving previous document and persists each document via
// ValidateAndAddDidDoc in ascending versionId order (spec §4.7 step 6,
// §5 "no document with versionId=v was inserted before v-1"). Any
// verification failure aborts immediately; nothing partially validated
// remains in the store (spec §4.7 "Failure semantics").
func (r *Resolver) validateAndInsertAscending(ctx context.Context, didStr string, versionIDStart int64, docs []*document.Document, bodies [][]byte) error {
	var prev *document.Document
	if versionIDStart > 0 {
		prevRec, err := r.Store.GetDidDocRecordWithVersionID(ctx, didStr, versionIDStart-1)
		if err != nil {
			return err
		}
		var pd document.Document
		if err := json.Unmarshal(prevRec.DidDocumentJCS, &pd); err != nil {
			return webplus.E(webplus.StorageError, "resolver.validateAndInsertAscending", err)
		}
		prev = &pd
	}
	for i, d := range docs {
		if err := r.Store.ValidateAndAddDidDoc(ctx, d, prev, bodies[i]); err != nil {
			return err
		}
		if r.Telemetry != nil {
			r.Telemetry.DocumentsValidated.Add(ctx, 1)
		}
		prev = d
	}
	return nil
}

// fetchRange returns the documents (and their canonical bodies) for
// versionId in [from, to], ascending, reusing the already-fetched anchor
// body when its versionId falls in range instead of fetching it again.
func (r *Resolver) fetchRange(ctx context.Context, d did.DID, from, to int64, anchor document.Document, anchorBody []byte) ([]*document.Document, [][]byte, error) {
	missing := make([]int64, 0, to-from+1)
	for v := from; v <= to; v++ {
		if v == anchor.VersionID {
			continue
		}
		missing = append(missing, v)
	}

	var bodies map[int64][]byte
	var err error
	switch r.Strategy {
	case Serial:
		bodies, err = r.fetchSerial(ctx, d, missing)
	case Batch:
		bodies, err = r.fetchBatch(ctx, d, missing)
	default:
		bodies, err = r.fetchParallel(ctx, d, missing)
	}
	if err != nil {
		return nil, nil, err
	}
	bodies[anchor.VersionID] = anchorBody

	docs := make([]*document.Document, 0, to-from+1)
	bodyList := make([][]byte, 0, to-from+1)
	for v := from; v <= to; v++ {
		body, ok := bodies[v]
		if !ok {
			return nil, nil, webplus.E(webplus.NotFound, "resolver.fetchRange", fmt.Errorf("VDR did not return versionId %d in requested range [%d,%d]", v, from, to))
		}
		var doc document.Document
		if v == anchor.VersionID {
			dCopy := anchor
			docs = append(docs, &dCopy)
			bodyList = append(bodyList, body)
			continue
		}
		if err := document.PrecheckShape(body); err != nil {
			return nil, nil, err
		}
		if err := json.Unmarshal(body, &doc); err != nil {
			return nil, nil, webplus.E(webplus.Malformed, "resolver.fetchRange", err)
		}
		docs = append(docs, &doc)
		bodyList = append(bodyList, body)
	}
	return docs, bodyList, nil
}

func (r *Resolver) fetchSerial(ctx context.Context, d did.DID, versions []int64) (map[int64][]byte, error) {
	out := make(map[int64][]byte, len(versions))
	for _, v := range versions {
		v := v
		body, err := r.fetchOne(ctx, d, v)
		if err != nil {
			return nil, err
		}
		out[v] = body
	}
	return out, nil
}

func (r *Resolver) fetchParallel(ctx context.Context, d did.DID, versions []int64) (map[int64][]byte, error) {
	limit := r.Parallelism
	if limit <= 0 {
		limit = DefaultParallelism
	}
	sem := make(chan struct{}, limit)
	type fetched struct {
		v    int64
		body []byte
		err  error
	}
	results := make(chan fetched, len(versions))
	for _, v := range versions {
		v := v
		sem <- struct{}{}
		go func() {
			defer func() { <-sem }()
			body, err := r.fetchOne(ctx, d, v)
			results <- fetched{v: v, body: body, err: err}
		}()
	}
	out := make(map[int64][]byte, len(versions))
	var firstErr error
	for range versions {
		f := <-results
		if f.err != nil && firstErr == nil {
			firstErr = f.err
			continue
		}
		if f.err == nil {
			out[f.v] = f.body
		}
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

// fetchAnchorBody fetches the caller's explicitly queried document,
// consulting the shared cache first when the query is explicit (a
// selfHash or versionId pins the bytes, so they're safe to reuse across
// processes). A "latest" query always goes straight to the VDR: caching
// it would risk serving a stale tail.
func (r *Resolver) fetchAnchorBody(ctx context.Context, q *did.WithQuery) ([]byte, error) {
	key := anchorCacheKey(q)
	if r.Cache != nil && key != "" {
		if body, ok, err := r.Cache.Get(ctx, key); err == nil && ok {
			return body, nil
		}
	}
	body, err := r.VDR.FetchDocument(ctx, q.DID, q.SelfHash, q.VersionID)
	if err != nil {
		return nil, err
	}
	if r.Cache != nil && key != "" {
		_ = r.Cache.Set(ctx, key, body)
	}
	return body, nil
}

func anchorCacheKey(q *did.WithQuery) string {
	switch {
	case q.SelfHash != "":
		return "selfHash:" + q.DID.String() + ":" + q.SelfHash
	case q.VersionID != nil:
		return cacheKey(q.DID, *q.VersionID)
	default:
		return ""
	}
}

func (r *Resolver) fetchOne(ctx context.Context, d did.DID, v int64) ([]byte, error) {
	if r.Cache != nil {
		key := cacheKey(d, v)
		if body, ok, err := r.Cache.Get(ctx, key); err == nil && ok {
			return body, nil
		}
	}
	body, err := r.VDR.FetchDocument(ctx, d, "", &v)
	if err != nil {
		return nil, err
	}
	if r.Cache != nil {
		_ = r.Cache.Set(ctx, cacheKey(d, v), body)
	}
	return body, nil
}

// fetchBatch satisfies spec §4.7 step 5's "batch (single JSONL range
// request)" pattern: one request for the whole JSONL stream, then a
// local filter to the requested [versions] — a degenerate single-range
// request when the whole tail is wanted, which is the common case for a
// cold cache (spec §8 S5).
func (r *Resolver) fetchBatch(ctx context.Context, d did.DID, versions []int64) (map[int64][]byte, error) {
	if len(versions) == 0 {
		return map[int64][]byte{}, nil
	}
	raw, err := r.VDR.FetchJSONLRange(ctx, d, nil, nil)
	if err != nil {
		return nil, err
	}
	want := make(map[int64]bool, len(versions))
	for _, v := range versions {
		want[v] = true
	}
	out := make(map[int64][]byte, len(versions))
	for _, line := range splitJSONLLines(raw) {
		var probe struct {
			VersionID int64 `json:"versionId"`
		}
		if err := json.Unmarshal(line, &probe); err != nil {
			continue
		}
		if want[probe.VersionID] {
			out[probe.VersionID] = line
		}
	}
	return out, nil
}

func splitJSONLLines(raw []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range raw {
		if b == '\n' {
			if i > start {
				lines = append(lines, raw[start:i])
			}
			start = i + 1
		}
	}
	if start < len(raw) {
		lines = append(lines, raw[start:])
	}
	return lines
}

func cacheKey(d did.DID, v int64) string {
	return fmt.Sprintf("%s@%d", d.String(), v)
}

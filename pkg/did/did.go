// Package did parses and formats did:webplus identifiers and the three
// derived product types spec §6 and the original did-webplus crate both
// name: a DID with a resolution query (selfHash and/or versionId), a DID
// with a fragment (the shape a verification method id takes), and a DID
// with both a query and a fragment (the shape a user-facing JWS kid
// takes, per §4.2). All four round-trip bit-exactly through String/Parse.
package did

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/webplusdid/webplus/pkg/webplus"
)

const method = "webplus"

// DID is a parsed did:webplus identifier with no query or fragment:
// did:webplus:<host>[%3A<port>][:<path-segment>]*:<rootSelfHash>
type DID struct {
	Host         string
	Port         string // empty if not present
	PathSegments []string
	RootSelfHash string
}

// String renders d in its canonical ASCII form.
func (d DID) String() string {
	var b strings.Builder
	b.WriteString("did:")
	b.WriteString(method)
	b.WriteString(":")
	b.WriteString(d.Host)
	if d.Port != "" {
		b.WriteString("%3A")
		b.WriteString(d.Port)
	}
	for _, seg := range d.PathSegments {
		b.WriteString(":")
		b.WriteString(seg)
	}
	b.WriteString(":")
	b.WriteString(d.RootSelfHash)
	return b.String()
}

// MarshalText implements encoding.TextMarshaler.
func (d DID) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *DID) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*d = *parsed
	return nil
}

// Parse parses a bare DID (no query, no fragment).
func Parse(s string) (*DID, error) {
	uriParts, err := splitURI(s)
	if err != nil {
		return nil, err
	}
	if uriParts.query != "" {
		return nil, webplus.E(webplus.Malformed, "did.Parse", fmt.Errorf("unexpected query component in bare DID %q", s))
	}
	if uriParts.fragment != "" {
		return nil, webplus.E(webplus.Malformed, "did.Parse", fmt.Errorf("unexpected fragment component in bare DID %q", s))
	}
	return parseMethodSpecificID(uriParts.methodSpecificID)
}

// WithQuery is a DID together with an optional selfHash and/or versionId
// resolution query (spec §6, §4.7 step 1): the shape a resolution
// request takes.
type WithQuery struct {
	DID
	SelfHash  string // empty if absent
	VersionID *int64 // nil if absent
}

func (q WithQuery) String() string {
	base := q.DID.String()
	switch {
	case q.SelfHash != "" && q.VersionID != nil:
		return fmt.Sprintf("%s?selfHash=%s&versionId=%d", base, q.SelfHash, *q.VersionID)
	case q.SelfHash != "":
		return fmt.Sprintf("%s?selfHash=%s", base, q.SelfHash)
	case q.VersionID != nil:
		return fmt.Sprintf("%s?versionId=%d", base, *q.VersionID)
	default:
		return base
	}
}

// ParseWithQuery parses a DID with an optional resolution query and no
// fragment.
func ParseWithQuery(s string) (*WithQuery, error) {
	uriParts, err := splitURI(s)
	if err != nil {
		return nil, err
	}
	if uriParts.fragment != "" {
		return nil, webplus.E(webplus.Malformed, "did.ParseWithQuery", fmt.Errorf("unexpected fragment component %q", s))
	}
	base, err := parseMethodSpecificID(uriParts.methodSpecificID)
	if err != nil {
		return nil, err
	}
	selfHash, versionID, err := parseQuery(uriParts.query)
	if err != nil {
		return nil, err
	}
	return &WithQuery{DID: *base, SelfHash: selfHash, VersionID: versionID}, nil
}

// WithFragment is a DID plus a fragment identifier, no query: the shape
// a verification-method id takes inside a document.
type WithFragment struct {
	DID
	Fragment string
}

func (f WithFragment) String() string {
	return fmt.Sprintf("%s#%s", f.DID.String(), f.Fragment)
}

// ParseWithFragment parses a DID with a required fragment and no query.
func ParseWithFragment(s string) (*WithFragment, error) {
	uriParts, err := splitURI(s)
	if err != nil {
		return nil, err
	}
	if uriParts.query != "" {
		return nil, webplus.E(webplus.Malformed, "did.ParseWithFragment", fmt.Errorf("unexpected query component %q", s))
	}
	if uriParts.fragment == "" {
		return nil, webplus.E(webplus.Malformed, "did.ParseWithFragment", fmt.Errorf("expected fragment in %q", s))
	}
	base, err := parseMethodSpecificID(uriParts.methodSpecificID)
	if err != nil {
		return nil, err
	}
	return &WithFragment{DID: *base, Fragment: uriParts.fragment}, nil
}

// WithQueryAndFragment is a DID plus a resolution query and a fragment:
// the shape a user-facing JWS kid takes (spec §4.2: "the kid is a fully
// qualified DID URL [...] and fragment identifying the method").
type WithQueryAndFragment struct {
	DID
	SelfHash  string
	VersionID *int64
	Fragment  string
}

func (f WithQueryAndFragment) String() string {
	q := WithQuery{DID: f.DID, SelfHash: f.SelfHash, VersionID: f.VersionID}
	return fmt.Sprintf("%s#%s", q.String(), f.Fragment)
}

// ParseWithQueryAndFragment parses a DID with both a resolution query and
// a fragment.
func ParseWithQueryAndFragment(s string) (*WithQueryAndFragment, error) {
	uriParts, err := splitURI(s)
	if err != nil {
		return nil, err
	}
	if uriParts.fragment == "" {
		return nil, webplus.E(webplus.Malformed, "did.ParseWithQueryAndFragment", fmt.Errorf("expected fragment in %q", s))
	}
	base, err := parseMethodSpecificID(uriParts.methodSpecificID)
	if err != nil {
		return nil, err
	}
	selfHash, versionID, err := parseQuery(uriParts.query)
	if err != nil {
		return nil, err
	}
	return &WithQueryAndFragment{DID: *base, SelfHash: selfHash, VersionID: versionID, Fragment: uriParts.fragment}, nil
}

type uriParts struct {
	methodSpecificID string
	query            string
	fragment         string
}

// splitURI splits off the query and fragment components, leaving
// "<method>:<methodSpecificID>" as methodSpecificID's prefix. All DID
// syntax is ASCII and case-sensitive (spec §6); the only percent-encoding
// permitted is %3A for an embedded port colon.
func splitURI(s string) (uriParts, error) {
	if !isASCII(s) {
		return uriParts{}, webplus.E(webplus.Malformed, "did.splitURI", fmt.Errorf("DID must be ASCII: %q", s))
	}
	rest := s
	fragment := ""
	if i := strings.IndexByte(rest, '#'); i >= 0 {
		fragment = rest[i+1:]
		rest = rest[:i]
	}
	query := ""
	if i := strings.IndexByte(rest, '?'); i >= 0 {
		query = rest[i+1:]
		rest = rest[:i]
	}
	if !strings.HasPrefix(rest, "did:"+method+":") {
		return uriParts{}, webplus.E(webplus.Malformed, "did.splitURI", fmt.Errorf("expected did:%s: prefix in %q", method, s))
	}
	return uriParts{methodSpecificID: strings.TrimPrefix(rest, "did:"+method+":"), query: query, fragment: fragment}, nil
}

// parseMethodSpecificID parses "<host>[%3A<port>][:<path>]*:<rootSelfHash>".
func parseMethodSpecificID(id string) (*DID, error) {
	segments := strings.Split(id, ":")
	if len(segments) < 2 {
		return nil, webplus.E(webplus.Malformed, "did.parseMethodSpecificID", fmt.Errorf("expected at least host and self-hash segments in %q", id))
	}
	hostSeg := segments[0]
	host, port, err := splitHostPort(hostSeg)
	if err != nil {
		return nil, err
	}
	rootSelfHash := segments[len(segments)-1]
	if rootSelfHash == "" {
		return nil, webplus.E(webplus.Malformed, "did.parseMethodSpecificID", fmt.Errorf("empty root self-hash in %q", id))
	}
	pathSegments := segments[1 : len(segments)-1]
	return &DID{Host: host, Port: port, PathSegments: append([]string{}, pathSegments...), RootSelfHash: rootSelfHash}, nil
}

func splitHostPort(seg string) (host, port string, err error) {
	if i := strings.Index(seg, "%3A"); i >= 0 {
		return seg[:i], seg[i+3:], nil
	}
	return seg, "", nil
}

func parseQuery(raw string) (selfHash string, versionID *int64, err error) {
	if raw == "" {
		return "", nil, nil
	}
	values, parseErr := url.ParseQuery(raw)
	if parseErr != nil {
		return "", nil, webplus.E(webplus.Malformed, "did.parseQuery", parseErr)
	}
	if v := values.Get("selfHash"); v != "" {
		selfHash = v
	}
	if v := values.Get("versionId"); v != "" {
		n, convErr := strconv.ParseInt(v, 10, 64)
		if convErr != nil {
			return "", nil, webplus.E(webplus.Malformed, "did.parseQuery", fmt.Errorf("bad versionId %q: %w", v, convErr))
		}
		versionID = &n
	}
	return selfHash, versionID, nil
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > 127 {
			return false
		}
	}
	return true
}

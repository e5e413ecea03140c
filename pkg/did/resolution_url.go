package did

import (
	"fmt"
	"strings"

	"github.com/webplusdid/webplus/pkg/webplus"
)

// pathPrefix renders "<host[:port]>/<path-segments>" the way spec §6
// describes VDR resolution paths: "path-with-colons-as-slashes". Callers
// append "/<rootSelfHash>" themselves.
func (d DID) pathPrefix() string {
	var b strings.Builder
	b.WriteString(d.Host)
	if d.Port != "" {
		b.WriteString(":")
		b.WriteString(d.Port)
	}
	for _, seg := range d.PathSegments {
		b.WriteString("/")
		b.WriteString(seg)
	}
	return b.String()
}

// LatestDocumentURL returns the VDR path for the latest DID document.
func (d DID) LatestDocumentURL() string {
	return fmt.Sprintf("/%s/%s/did.json", d.pathPrefix(), d.RootSelfHash)
}

// DocumentBySelfHashURL returns the VDR path for a specific document by
// self-hash.
func (d DID) DocumentBySelfHashURL(selfHash string) string {
	return fmt.Sprintf("/%s/%s/did/selfHash/%s.json", d.pathPrefix(), d.RootSelfHash, selfHash)
}

// DocumentByVersionIDURL returns the VDR path for a specific document by
// versionId.
func (d DID) DocumentByVersionIDURL(versionID int64) string {
	return fmt.Sprintf("/%s/%s/did/versionId/%d.json", d.pathPrefix(), d.RootSelfHash, versionID)
}

// MetadataURL returns the VDR path for full metadata.
func (d DID) MetadataURL() string {
	return fmt.Sprintf("/%s/%s/did/metadata.json", d.pathPrefix(), d.RootSelfHash)
}

// ConstantMetadataURL returns the VDR path for constant-only metadata.
func (d DID) ConstantMetadataURL() string {
	return fmt.Sprintf("/%s/%s/did/metadata/constant.json", d.pathPrefix(), d.RootSelfHash)
}

// MetadataBySelfHashURL returns the VDR path for metadata as of a
// specific self-hash.
func (d DID) MetadataBySelfHashURL(selfHash string) string {
	return fmt.Sprintf("/%s/%s/did/metadata/selfHash/%s.json", d.pathPrefix(), d.RootSelfHash, selfHash)
}

// MetadataByVersionIDURL returns the VDR path for metadata as of a
// specific versionId.
func (d DID) MetadataByVersionIDURL(versionID int64) string {
	return fmt.Sprintf("/%s/%s/did/metadata/versionId/%d.json", d.pathPrefix(), d.RootSelfHash, versionID)
}

// JSONLURL returns the VDR path for the append-only JSONL document
// stream; callers wanting a byte range set the Range header themselves.
func (d DID) JSONLURL() string {
	return fmt.Sprintf("/%s/%s/did/didDocuments.jsonl", d.pathPrefix(), d.RootSelfHash)
}

// GatewayNotificationURL returns the VDG path the VDR posts to on
// acceptance of a new document (spec §6, §4.8 step 4). The DID is
// percent-encoded as a single path segment.
func GatewayNotificationURL(vdgBaseURL string, d DID) string {
	return fmt.Sprintf("%s/update/%s", strings.TrimRight(vdgBaseURL, "/"), percentEncodeDID(d))
}

func percentEncodeDID(d DID) string {
	s := d.String()
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreserved(c) {
			b.WriteByte(c)
		} else {
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}

func isUnreserved(c byte) bool {
	switch {
	case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		return true
	case c == '-' || c == '_' || c == '.' || c == '~':
		return true
	}
	return false
}

// DIDFromPathPrefix is the inverse of pathPrefix: it reconstructs a DID
// from the "<host[:port]>/<path-segments>/<rootSelfHash>" prefix a VDR
// request path carries ahead of its "/did.json" or "/did/..." suffix
// (spec §6). Used by pkg/vdr to recover the DID a mutation or read
// request targets.
func DIDFromPathPrefix(prefix string) (DID, error) {
	prefix = strings.Trim(prefix, "/")
	segs := strings.Split(prefix, "/")
	if len(segs) < 2 {
		return DID{}, webplus.E(webplus.Malformed, "did.DIDFromPathPrefix", fmt.Errorf("expected at least host and self-hash segments in %q", prefix))
	}
	hostPort := segs[0]
	host, port := hostPort, ""
	if i := strings.Index(hostPort, ":"); i >= 0 {
		host, port = hostPort[:i], hostPort[i+1:]
	}
	rootSelfHash := segs[len(segs)-1]
	if rootSelfHash == "" {
		return DID{}, webplus.E(webplus.Malformed, "did.DIDFromPathPrefix", fmt.Errorf("empty root self-hash in %q", prefix))
	}
	pathSegments := append([]string{}, segs[1:len(segs)-1]...)
	return DID{Host: host, Port: port, PathSegments: pathSegments, RootSelfHash: rootSelfHash}, nil
}

// SplitResolutionPath splits an incoming VDR request path into its DID
// path-prefix and the resolution suffix following it (one of "did.json",
// "did/selfHash/{h}.json", "did/versionId/{n}.json", "did/metadata.json",
// "did/metadata/constant.json", "did/metadata/selfHash/{h}.json",
// "did/metadata/versionId/{n}.json", or "did/didDocuments.jsonl"). ok is
// false if path does not end in a recognized suffix.
func SplitResolutionPath(path string) (prefix, suffix string, ok bool) {
	path = strings.TrimPrefix(path, "/")
	if strings.HasSuffix(path, "/did.json") {
		return strings.TrimSuffix(path, "/did.json"), "did.json", true
	}
	idx := strings.LastIndex(path, "/did/")
	if idx < 0 {
		return "", "", false
	}
	return path[:idx], path[idx+len("/did/"):], true
}

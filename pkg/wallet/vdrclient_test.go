package wallet

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webplusdid/webplus/pkg/did"
	"github.com/webplusdid/webplus/pkg/webplus"
)

func testDID(t *testing.T) did.DID {
	t.Helper()
	return did.DID{Host: "example.com", PathSegments: []string{"user"}, RootSelfHash: "abc123"}
}

func TestHTTPVDRClientCreateDIDSendsPOST(t *testing.T) {
	var gotMethod, gotPath string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewHTTPVDRClient(srv.URL)
	d := testDID(t)
	err := c.CreateDID(context.Background(), d, []byte(`{"versionId":0}`))
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, d.JSONLURL(), gotPath)
	assert.Equal(t, `{"versionId":0}`, string(gotBody))
}

func TestHTTPVDRClientUpdateDIDSendsPUT(t *testing.T) {
	var gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewHTTPVDRClient(srv.URL)
	d := testDID(t)
	err := c.UpdateDID(context.Background(), d, []byte(`{"versionId":1}`))
	require.NoError(t, err)
	assert.Equal(t, http.MethodPut, gotMethod)
}

func TestHTTPVDRClientNonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"title":"AlreadyExists"}`))
	}))
	defer srv.Close()

	c := NewHTTPVDRClient(srv.URL)
	err := c.CreateDID(context.Background(), testDID(t), []byte(`{}`))
	require.Error(t, err)
	assert.Equal(t, webplus.HTTPOperationStatus, webplus.KindOf(err))
}

func TestHTTPVDRClientUnreachable(t *testing.T) {
	c := NewHTTPVDRClient("http://127.0.0.1:1")
	err := c.CreateDID(context.Background(), testDID(t), []byte(`{}`))
	require.Error(t, err)
	assert.Equal(t, webplus.HTTPRequestError, webplus.KindOf(err))
}

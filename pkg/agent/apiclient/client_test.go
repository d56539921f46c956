package apiclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus"
	"gotest.tools/assert"

	"github.com/fabrice-guiot/shuttersense-sub005/pkg/apis"
)

func discardLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(discardWriter{})
	return logrus.NewEntry(l)
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// TestRegisterRetriesConnectionErrors drops the first two connections
// outright (simulating a flaky network) before letting the third
// succeed, confirming Register's backoff keeps retrying a
// *ConnectionError instead of giving up on the first failure.
func TestRegisterRetriesConnectionErrors(t *testing.T) {
	var attempts int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		if n <= 2 {
			hj, ok := w.(http.Hijacker)
			assert.Assert(t, ok)
			conn, _, err := hj.Hijack()
			assert.NilError(t, err)
			conn.Close()
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"agent_guid":"agt_test","api_key":"key123"}`))
	}))
	defer srv.Close()

	resp, err := Register(context.Background(), srv.URL, apis.RegisterRequest{Token: "tok"}, discardLog())
	assert.NilError(t, err)
	assert.Equal(t, resp.AgentGUID, "agt_test")
	assert.Equal(t, int(atomic.LoadInt32(&attempts)), 3)
}

// TestRegisterDoesNotRetryAuthErrors confirms a non-connection failure
// (here, a plain 401) short-circuits the backoff loop instead of
// retrying for up to registerMaxElapsed.
func TestRegisterDoesNotRetryAuthErrors(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"invalid token"}`))
	}))
	defer srv.Close()

	_, err := Register(context.Background(), srv.URL, apis.RegisterRequest{Token: "bad"}, discardLog())
	assert.ErrorType(t, err, &AuthenticationError{})
	assert.Equal(t, int(atomic.LoadInt32(&attempts)), 1)
}

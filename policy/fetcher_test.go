package policy

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"tangled.org/labelmuncher/idresolver"
	"tangled.org/labelmuncher/log"
	"tangled.org/labelmuncher/store"
)

const testDid = "did:plc:ar7c4by46qjdydhdevvrndac"

type fakeResolver struct {
	pds string
	err error
}

func (r *fakeResolver) ResolveLabeler(ctx context.Context, did string, noCache bool) (*idresolver.Labeler, error) {
	if r.err != nil {
		return nil, r.err
	}
	return &idresolver.Labeler{Did: did, PdsEndpoint: r.pds}, nil
}

func fakePds(t *testing.T, body string, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/xrpc/com.atproto.repo.getRecord", r.URL.Path)
		require.Equal(t, "app.bsky.labeler.service", r.URL.Query().Get("collection"))
		require.Equal(t, testDid, r.URL.Query().Get("repo"))
		require.Equal(t, "self", r.URL.Query().Get("rkey"))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestFetcher(t *testing.T, resolver Resolver) (*Fetcher, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewFetcher(resolver, st, log.New("test")), st
}

func TestDeclaredValues(t *testing.T) {
	body := fmt.Sprintf(`{
		"uri": "at://%s/app.bsky.labeler.service/self",
		"value": {
			"$type": "app.bsky.labeler.service",
			"createdAt": "2024-01-01T00:00:00Z",
			"policies": {"labelValues": ["spam", "scam"]}
		}
	}`, testDid)
	srv := fakePds(t, body, http.StatusOK)

	f, st := newTestFetcher(t, &fakeResolver{pds: srv.URL})

	values, err := f.DeclaredValues(context.Background(), testDid)
	require.NoError(t, err)
	require.Equal(t, []string{"spam", "scam"}, values)

	// result was written through to the service cache
	svc, err := st.Service(testDid)
	require.NoError(t, err)
	require.Equal(t, []string{"spam", "scam"}, svc.LabelValues)
}

func TestDeclaredValuesAbsentPolicies(t *testing.T) {
	body := fmt.Sprintf(`{
		"uri": "at://%s/app.bsky.labeler.service/self",
		"value": {
			"$type": "app.bsky.labeler.service",
			"createdAt": "2024-01-01T00:00:00Z"
		}
	}`, testDid)
	srv := fakePds(t, body, http.StatusOK)

	f, st := newTestFetcher(t, &fakeResolver{pds: srv.URL})

	values, err := f.DeclaredValues(context.Background(), testDid)
	require.NoError(t, err)
	require.Empty(t, values)

	svc, err := st.Service(testDid)
	require.NoError(t, err)
	require.Empty(t, svc.LabelValues)
}

func TestDeclaredValuesRecordMissing(t *testing.T) {
	srv := fakePds(t, `{"error":"RecordNotFound","message":"no record"}`, http.StatusBadRequest)

	f, st := newTestFetcher(t, &fakeResolver{pds: srv.URL})

	_, err := f.DeclaredValues(context.Background(), testDid)
	require.Error(t, err)

	// nothing was cached
	_, err = st.Service(testDid)
	require.ErrorIs(t, err, store.ErrCacheMiss)
}

func TestDeclaredValuesResolveFailure(t *testing.T) {
	f, _ := newTestFetcher(t, &fakeResolver{err: fmt.Errorf("directory unavailable")})

	_, err := f.DeclaredValues(context.Background(), testDid)
	require.Error(t, err)
}

func TestDeclaredValuesNoPds(t *testing.T) {
	f, _ := newTestFetcher(t, &fakeResolver{pds: ""})

	_, err := f.DeclaredValues(context.Background(), testDid)
	require.Error(t, err)
}

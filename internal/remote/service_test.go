package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"segforge/internal/client"
	"segforge/internal/session"
)

// staticRefresher returns a fixed cookie set; the test session provider
// needs no browser.
type staticRefresher struct {
	calls atomic.Int32
}

func (r *staticRefresher) RefreshCookies(ctx context.Context) ([]session.Cookie, error) {
	r.calls.Add(1)
	// httptest servers listen on the loopback address.
	return []session.Cookie{{Name: "sid", Value: "fresh", Domain: "127.0.0.1", Path: "/"}}, nil
}

// newTestService wires a Service against one httptest server acting as all
// three hosts.
func newTestService(t *testing.T, srv *httptest.Server) (*Service, *staticRefresher) {
	t.Helper()
	ref := &staticRefresher{}
	p := session.NewStaticProvider(
		&session.Handle{Generation: 1, Header: http.Header{}},
		ref, nil,
	)
	c := client.New(client.DefaultPolicy(), nil)
	return NewService(Hosts{Segment: srv.URL, Campaign: srv.URL, Metrics: srv.URL}, c, p, nil), ref
}

func TestLoadLatestVersionDirect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/request/loadLatestQueryVersion", r.URL.Path)
		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.EqualValues(t, 123, payload["id"])
		fmt.Fprint(w, `{"version": 7}`)
	}))
	defer srv.Close()

	svc, _ := newTestService(t, srv)
	v, err := svc.LoadLatestVersion(context.Background(), 123)
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestLoadLatestVersionFallsBackToVersionList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/request/loadLatestQueryVersion":
			fmt.Fprint(w, `{}`) // no version field
		case "/request/loadSegmentVersions":
			fmt.Fprint(w, `{"versions":[{"version":3},{"version":9},{"version":5}]}`)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	svc, _ := newTestService(t, srv)
	v, err := svc.LoadLatestVersion(context.Background(), 123)
	require.NoError(t, err)
	assert.Equal(t, 9, v)
}

func TestLoadDefinitionMapsWireShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/request/loadQuery", r.URL.Path)
		fmt.Fprint(w, `{
			"name": "DE_Promo",
			"basic": {"marketplaceId": 4, "rules": {"operator":"AND","rules":[],"constraints":[{"key":"marketId","operator":"EQUALS","values":[4]}]}},
			"queryString": "marketId=4",
			"realtime": false,
			"email": true,
			"secured": true
		}`)
	}))
	defer srv.Close()

	svc, _ := newTestService(t, srv)
	def, raw, err := svc.LoadDefinition(context.Background(), 55, 2)
	require.NoError(t, err)
	require.NotNil(t, raw)
	assert.Equal(t, int64(55), def.ID)
	assert.Equal(t, 2, def.Version)
	assert.Equal(t, 4, def.MarketID)
	assert.Equal(t, "DE_Promo", def.Name)
	assert.Equal(t, "marketId=4", def.Query)
	assert.False(t, def.Realtime)
	assert.True(t, def.Email)
	assert.True(t, def.Secured)
	require.NotNil(t, def.Rules)
	require.Len(t, def.Rules.Constraints, 1)
}

func TestLoadSegmentMeta(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantMarket int
		wantVer    int
	}{
		{
			name: "metadata as object",
			body: `{"segment":{"currentVersion":4,"owner":{"name":"Team X"},"createdBy":"jsmith"},
			        "queryVersionInfo":{"queryMetadata":{"marketplaceId":5}}}`,
			wantMarket: 5,
			wantVer:    4,
		},
		{
			name: "metadata double-encoded",
			body: `{"segment":{"currentVersion":"2"},
			        "queryVersionInfo":{"queryMetadata":"{\"marketplaceId\": 35691}"}}`,
			wantMarket: 35691,
			wantVer:    2,
		},
		{
			name: "metadata malformed, regex fallback",
			body: `{"segment":{"currentVersion":1},
			        "queryVersionInfo":{"queryMetadata":"garbage \"marketplaceId\": 3 trailing"}}`,
			wantMarket: 3,
			wantVer:    1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			svc, _ := newTestService(t, srv)
			meta, err := svc.LoadSegmentMeta(context.Background(), 9)
			require.NoError(t, err)
			assert.Equal(t, tt.wantMarket, meta.MarketID)
			assert.Equal(t, tt.wantVer, meta.CurrentVersion)
		})
	}
}

func TestCreateDefinitionAcceptsAnyIDKey(t *testing.T) {
	for _, body := range []string{`{"id": 901}`, `{"segmentId": 901}`, `{"newId": "901"}`} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/request/createSegment", r.URL.Path)
			fmt.Fprint(w, body)
		}))
		svc, _ := newTestService(t, srv)
		res, err := svc.CreateDefinition(context.Background(), map[string]any{"name": "x"}, 1, 1, "e", "OTHER")
		srv.Close()
		require.NoError(t, err, body)
		assert.Equal(t, int64(901), res.NewID, body)
	}
}

func TestCreateDefinitionNoIDIsParseError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":"ok"}`)
	}))
	defer srv.Close()

	svc, _ := newTestService(t, srv)
	_, err := svc.CreateDefinition(context.Background(), map[string]any{}, 1, 1, "e", "OTHER")
	require.Error(t, err)
	assert.True(t, client.IsClass(err, client.ClassParse))
}

func TestUploadToTargetQuery(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/ajax/campaign/777/targeting/bullseyeSegments", r.URL.Path)
		got = map[string]string{}
		for k := range r.URL.Query() {
			got[k] = r.URL.Query().Get(k)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	svc, _ := newTestService(t, srv)
	require.NoError(t, svc.UploadToTarget(context.Background(), 1234, 6, 3, 777))
	assert.Equal(t, "1234", got["bullseyeSegmentId"])
	assert.Equal(t, "6", got["bullseyeCurrentVersion"])
	assert.Equal(t, "3", got["marketplaceId"])
	assert.Equal(t, "ADD", got["targetingLoadType"])
	assert.Equal(t, "false", got["bullseyeWaitForNewestVersion"])
}

func TestApprovalFallsBackToRecipientsPath(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		if r.URL.Path == "/ajax/campaign/42/approvalRequest" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		require.Equal(t, "/ajax/campaign/42/recipients/approvalRequest", r.URL.Path)
		require.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "APPROVED", r.URL.Query().Get("status"))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	svc, _ := newTestService(t, srv)
	require.NoError(t, svc.Approve(context.Background(), 42, 3))
	assert.Equal(t, []string{
		"/ajax/campaign/42/approvalRequest",
		"/ajax/campaign/42/recipients/approvalRequest",
	}, paths)
}

func TestApprovalNoFallbackOnServerError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTeapot) // permanent but not fallback-worthy
	}))
	defer srv.Close()

	svc, _ := newTestService(t, srv)
	err := svc.RequestReview(context.Background(), 42, 3, "jsmith")
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestAuthRetryRefreshesOnce(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		// The replay must carry the refreshed cookie.
		c, err := r.Cookie("sid")
		require.NoError(t, err)
		assert.Equal(t, "fresh", c.Value)
		fmt.Fprint(w, `{"version": 1}`)
	}))
	defer srv.Close()

	svc, ref := newTestService(t, srv)
	v, err := svc.LoadLatestVersion(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	assert.Equal(t, int32(1), ref.calls.Load())
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestLoadIngestionMetrics(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/campaigns/88/recipientMetricsSummary", r.URL.Path)
		assert.Len(t, r.URL.Query()["recipientMetricTypeList[]"], 4)
		fmt.Fprint(w, `{"campaignRecipientMetrics":[
			{"type":"UNAPPROVED_RECIPIENTS_SUBMITTED","value":12},
			{"type":"RECIPIENTS_SUCCESS","value":"3"}
		]}`)
	}))
	defer srv.Close()

	svc, _ := newTestService(t, srv)
	m, err := svc.LoadIngestionMetrics(context.Background(), 88)
	require.NoError(t, err)
	assert.Equal(t, 12.0, m.UnapprovedSubmitted)
	assert.Equal(t, 3.0, m.Success)
	assert.Equal(t, 0.0, m.UnapprovedSuccess)
}

func TestLoadApprovalMetrics(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/campaigns/88/metricsSummary", r.URL.Path)
		assert.Equal(t, "3", r.URL.Query().Get("marketplaceId"))
		assert.Equal(t, "jsmith", r.URL.Query().Get("requester"))
		fmt.Fprint(w, `{"approvedRecipientsCount": 41, "uploadedRecipientsCount": 0}`)
	}))
	defer srv.Close()

	svc, _ := newTestService(t, srv)
	m, err := svc.LoadApprovalMetrics(context.Background(), 88, 3, "jsmith")
	require.NoError(t, err)
	assert.Equal(t, 41, m.ApprovedCount)
	assert.Equal(t, 0, m.UploadedCount)
}

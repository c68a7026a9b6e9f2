package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"

	"thirdcoast.systems/lumen/internal/federation"
	"thirdcoast.systems/lumen/internal/jobs"
	"thirdcoast.systems/lumen/internal/library"
	"thirdcoast.systems/lumen/internal/queue"
	"thirdcoast.systems/lumen/internal/store/memory"
)

const adminToken = "let-me-in"

type fakeUsers struct {
	created []library.User
}

func (f *fakeUsers) CreateUser(_ context.Context, username, mediaFolder string) (*library.User, error) {
	for _, u := range f.created {
		if u.Username == username || u.MediaFolder == mediaFolder {
			return nil, fmt.Errorf("user %q: %w", username, library.ErrAlreadyExists)
		}
	}
	u := library.User{ID: int64(len(f.created) + 1), Username: username, MediaFolder: mediaFolder}
	f.created = append(f.created, u)
	return &u, nil
}

type testServer struct {
	ws     *Webserver
	store  *memory.Store
	signer *federation.Signer
	users  *fakeUsers
}

func newTestServer(t *testing.T, mutate func(*Options)) *testServer {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.New()
	store.AddUser(library.User{ID: 1, Username: "ana", MediaFolder: "ana"})
	enq := queue.NewEnqueuer(store, t.TempDir(), 3,
		queue.WithVideoClassifier(func(string) bool { return false }),
		queue.WithEnqueueLogger(log),
	)
	ts := &testServer{
		store:  store,
		signer: federation.NewSigner("s3cret", "https://photos.example.org"),
		users:  &fakeUsers{},
	}
	opts := Options{
		Jobs:       store,
		Library:    store,
		Enqueuer:   enq,
		Users:      ts.users,
		Signer:     ts.signer,
		MediaDir:   t.TempDir(),
		AdminToken: adminToken,
		InviteTTL:  time.Hour,
		Logger:     log,
	}
	if mutate != nil {
		mutate(&opts)
	}
	ws, err := NewWebserver(opts)
	require.NoError(t, err)
	ts.ws = ws
	return ts
}

func (ts *testServer) do(t *testing.T, method, target, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = bytes.NewBufferString(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, r)
	if body != nil {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if token != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	ts.ws.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) liveJobs(t *testing.T) []*jobs.Job {
	t.Helper()
	all, err := ts.store.ListJobs(context.Background(), jobs.ListOptions{})
	require.NoError(t, err)
	var out []*jobs.Job
	for _, j := range all {
		if j.Status.Live() {
			out = append(out, j)
		}
	}
	return out
}

func TestAdminAPI_RequiresToken(t *testing.T) {
	ts := newTestServer(t, nil)

	require.Equal(t, http.StatusUnauthorized, ts.do(t, http.MethodGet, "/api/jobs", "", nil).Code)
	require.Equal(t, http.StatusUnauthorized, ts.do(t, http.MethodGet, "/api/jobs", "nope", nil).Code)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/jobs", adminToken, nil).Code)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/healthz", "", nil).Code)
}

func TestAdminAPI_NotMountedWithoutToken(t *testing.T) {
	ts := newTestServer(t, func(o *Options) { o.AdminToken = "" })
	require.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/api/jobs", "anything", nil).Code)
}

func TestCreateJob_IngestResolvesOwner(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodPost, "/api/jobs", adminToken, map[string]any{
		"type":          "ingest",
		"relative_path": "ana/beach.jpg",
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	live := ts.liveJobs(t)
	require.Len(t, live, 2)
	types := []jobs.Type{live[0].Type, live[1].Type}
	require.ElementsMatch(t, []jobs.Type{jobs.TypeIngest, jobs.TypeAnalysis}, types)
	for _, j := range live {
		require.Equal(t, int64(1), j.User())
		require.Equal(t, "ana/beach.jpg", j.Path())
	}
}

func TestCreateJob_RejectsInvalidRequests(t *testing.T) {
	ts := newTestServer(t, nil)

	cases := map[string]any{
		"malformed body":      "{",
		"missing type":        map[string]any{"relative_path": "ana/a.jpg"},
		"unknown type":        map[string]any{"type": "transcode"},
		"federation type":     map[string]any{"type": "import_album"},
		"scan with path":      map[string]any{"type": "scan", "relative_path": "ana"},
		"ingest without path": map[string]any{"type": "ingest"},
		"ingest unowned path": map[string]any{"type": "ingest", "relative_path": "bo/a.jpg"},
		"escaping path":       map[string]any{"type": "remove", "relative_path": "../etc/passwd"},
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/api/jobs", adminToken, body)
			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
	require.Empty(t, ts.liveJobs(t))
}

func TestListJobs_FiltersByType(t *testing.T) {
	ts := newTestServer(t, nil)

	require.Equal(t, http.StatusAccepted, ts.do(t, http.MethodPost, "/api/jobs", adminToken, map[string]any{"type": "scan"}).Code)
	require.Equal(t, http.StatusAccepted, ts.do(t, http.MethodPost, "/api/jobs", adminToken, map[string]any{"type": "remove", "relative_path": "ana/old.jpg"}).Code)

	rec := ts.do(t, http.MethodGet, "/api/jobs?type=remove", adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Jobs []struct {
			Type         string `json:"type"`
			RelativePath string `json:"relative_path"`
			UserID       int64  `json:"user_id"`
			Status       string `json:"status"`
		} `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Jobs, 1)
	require.Equal(t, "remove", resp.Jobs[0].Type)
	require.Equal(t, "ana/old.jpg", resp.Jobs[0].RelativePath)
	require.Equal(t, int64(1), resp.Jobs[0].UserID)
	require.Equal(t, "queued", resp.Jobs[0].Status)
	require.NotContains(t, rec.Body.String(), "payload")

	require.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/api/jobs?status=done", adminToken, nil).Code)
	require.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/api/jobs?limit=-1", adminToken, nil).Code)
}

func TestListFailures(t *testing.T) {
	ts := newTestServer(t, nil)
	ctx := context.Background()

	path := "ana/broken.jpg"
	uid := int64(1)
	id, _, err := ts.store.EnqueueJob(ctx, jobs.NewJob{Type: jobs.TypeIngest, RelativePath: &path, UserID: &uid, MaxAttempts: 1})
	require.NoError(t, err)
	claimed, err := ts.store.ClaimJob(ctx)
	require.NoError(t, err)
	require.Equal(t, id, claimed.ID)
	require.NoError(t, ts.store.DeadLetterJob(ctx, claimed, 1, "decode failed"))

	rec := ts.do(t, http.MethodGet, "/api/jobs/failures", adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Failures []struct {
			JobID int64  `json:"job_id"`
			Error string `json:"error"`
		} `json:"failures"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Failures, 1)
	require.Equal(t, id, resp.Failures[0].JobID)
	require.Equal(t, "decode failed", resp.Failures[0].Error)
}

func TestInviteThenImport(t *testing.T) {
	ts := newTestServer(t, nil)
	ctx := context.Background()
	require.NoError(t, ts.store.InTx(ctx, func(tx library.Tx) error {
		_, err := tx.CreateAlbum(ctx, &library.Album{ID: "summer", UserID: 1, Name: "Summer"})
		return err
	}))

	rec := ts.do(t, http.MethodPost, "/api/albums/summer/invites", adminToken, map[string]any{"ttl": "2h"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var invite struct {
		Token     string `json:"token"`
		RemoteURL string `json:"remote_url"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &invite))
	require.Equal(t, "https://photos.example.org", invite.RemoteURL)
	claims, err := ts.signer.Verify(invite.Token)
	require.NoError(t, err)
	require.Equal(t, "summer", claims.AlbumID())

	require.Equal(t, http.StatusNotFound, ts.do(t, http.MethodPost, "/api/albums/missing/invites", adminToken, nil).Code)
	require.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/api/albums/summer/invites", adminToken, map[string]any{"ttl": "soon"}).Code)

	rec = ts.do(t, http.MethodPost, "/api/albums/import", adminToken, map[string]any{
		"user_id":         1,
		"token":           invite.Token,
		"remote_username": "rita",
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	live := ts.liveJobs(t)
	require.Len(t, live, 1)
	require.Equal(t, jobs.TypeImportAlbum, live[0].Type)
	require.Equal(t, int64(1), live[0].User())
	p, ok := live[0].Payload.(jobs.ImportAlbumPayload)
	require.True(t, ok)
	require.Equal(t, "rita", p.RemoteUsername)
	require.Equal(t, invite.Token, p.Token)
}

func TestImport_RejectsBadRequests(t *testing.T) {
	ts := newTestServer(t, nil)
	token, err := ts.signer.Sign("summer", time.Hour)
	require.NoError(t, err)

	rec := ts.do(t, http.MethodPost, "/api/albums/import", adminToken, map[string]any{
		"user_id": 1, "token": "garbage", "remote_username": "rita",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/albums/import", adminToken, map[string]any{
		"user_id": 1, "token": token,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/albums/import", adminToken, map[string]any{
		"user_id": 99, "token": token, "remote_username": "rita",
	})
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Empty(t, ts.liveJobs(t))
}

func TestFederationDisabled(t *testing.T) {
	ts := newTestServer(t, func(o *Options) { o.Signer = nil })

	require.Equal(t, http.StatusServiceUnavailable, ts.do(t, http.MethodPost, "/api/albums/summer/invites", adminToken, nil).Code)
	require.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/s2s/albums/invite-summary", "", nil).Code)
}

func TestFederationRoutesMounted(t *testing.T) {
	ts := newTestServer(t, nil)
	require.Equal(t, http.StatusUnauthorized, ts.do(t, http.MethodGet, "/s2s/albums/invite-summary", "", nil).Code)
	require.Equal(t, http.StatusUnauthorized, ts.do(t, http.MethodGet, "/s2s/albums/invite-summary", adminToken, nil).Code)
}

func TestCreateUser(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodPost, "/api/users", adminToken, map[string]any{"username": "bo", "media_folder": "/bo/"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.Equal(t, "bo", ts.users.created[0].MediaFolder)

	rec = ts.do(t, http.MethodPost, "/api/users", adminToken, map[string]any{"username": "bo", "media_folder": "other"})
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/users", adminToken, map[string]any{"username": "cy", "media_folder": "../cy"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/agentmux/agentmux/internal/artifacts"
	"github.com/agentmux/agentmux/internal/broker"
	"github.com/agentmux/agentmux/internal/bus"
	"github.com/agentmux/agentmux/internal/config"
	"github.com/agentmux/agentmux/internal/hub"
	"github.com/agentmux/agentmux/internal/logging"
	"github.com/agentmux/agentmux/internal/redact"
	"github.com/agentmux/agentmux/internal/signing"
	"github.com/agentmux/agentmux/internal/store"
)

const testSecret = "test-hmac-secret"

type testEnv struct {
	srv    *httptest.Server
	store  *store.Store
	signer *signing.Signer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logging.Init(logging.Config{Level: "error"})

	dir := t.TempDir()
	db, err := store.Open(filepath.Join(dir, "db.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg := &config.Gateway{
		HMACSecret:      testSecret,
		MaxArtifactSize: 1024,
		AllowedCommands: config.DefaultAllowedCommands,
		IngestRateLimit: 10000,
	}

	b := bus.NewMemoryBus()
	bk := broker.New(db, b, redact.MustNew(), cfg.AllowedCommands)
	h := hub.New(b)
	files, err := artifacts.New(filepath.Join(dir, "artifacts"), cfg.MaxArtifactSize, db)
	require.NoError(t, err)

	api := New(cfg, db, bk, h, files)
	srv := httptest.NewServer(api.Router())
	t.Cleanup(func() {
		srv.Close()
		h.Close()
		api.Close()
	})

	return &testEnv{srv: srv, store: db, signer: signing.NewSigner(testSecret)}
}

func (e *testEnv) createUser(t *testing.T, username, password, role string) {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	require.NoError(t, e.store.CreateUser(&store.User{
		ID: username, Username: username, PasswordHash: string(hash), Role: role,
	}))
}

func (e *testEnv) login(t *testing.T, username, password string) string {
	t.Helper()
	resp := e.doJSON(t, http.MethodPost, "/api/auth/login", "",
		map[string]string{"username": username, "password": password})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.NotEmpty(t, body.Token)
	return body.Token
}

func (e *testEnv) doJSON(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

// doSigned sends a wrapper-signed request. A nonce is minted per call
// unless one is supplied.
func (e *testEnv) doSigned(t *testing.T, method, path string, body []byte,
	runID, capToken, nonce string, extra map[string]string) *http.Response {
	t.Helper()
	if nonce == "" {
		var err error
		nonce, err = signing.NewNonce()
		require.NoError(t, err)
	}
	ts := fmt.Sprintf("%d", time.Now().Unix())

	sig := e.signer.Sign(&signing.Request{
		Method: method, Path: path, Body: body,
		Timestamp: ts, Nonce: nonce, RunID: runID, CapabilityToken: capToken,
	})

	req, err := http.NewRequest(method, e.srv.URL+path, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set(signing.HeaderTimestamp, ts)
	req.Header.Set(signing.HeaderNonce, nonce)
	req.Header.Set(signing.HeaderSignature, sig)
	req.Header.Set(signing.HeaderRunID, runID)
	req.Header.Set(signing.HeaderCapabilityToken, capToken)
	for k, v := range extra {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func (e *testEnv) createRun(t *testing.T, token string, body map[string]any) (id, capToken string) {
	t.Helper()
	resp := e.doJSON(t, http.MethodPost, "/api/runs", token, body)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var out createRunResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotEmpty(t, out.CapabilityToken)
	require.Equal(t, "pending", out.Status)
	return out.ID, out.CapabilityToken
}

func (e *testEnv) ingest(t *testing.T, runID, capToken, eventType, data string) *http.Response {
	t.Helper()
	body, _ := json.Marshal(map[string]any{"type": eventType, "data": data})
	return e.doSigned(t, http.MethodPost, "/api/ingest/event", body, runID, capToken, "", nil)
}

func TestLoginAndRoles(t *testing.T) {
	e := newTestEnv(t)
	e.createUser(t, "admin", "pw", store.RoleAdmin)
	e.createUser(t, "viewer", "pw", store.RoleViewer)

	resp := e.doJSON(t, http.MethodPost, "/api/auth/login", "",
		map[string]string{"username": "admin", "password": "wrong"})
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	viewerTok := e.login(t, "viewer", "pw")
	resp = e.doJSON(t, http.MethodPost, "/api/runs", viewerTok, map[string]any{})
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode, "viewer cannot create runs")

	resp = e.doJSON(t, http.MethodGet, "/api/runs", viewerTok, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode, "viewer may list runs")

	resp = e.doJSON(t, http.MethodGet, "/api/runs", "", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCreateThenIngestLifecycle(t *testing.T) {
	e := newTestEnv(t)
	e.createUser(t, "op", "pw", store.RoleOperator)
	tok := e.login(t, "op", "pw")

	runID, capToken := e.createRun(t, tok, map[string]any{"command": "echo hi"})

	resp := e.ingest(t, runID, capToken, "marker", `{"event":"started"}`)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = e.ingest(t, runID, capToken, "stdout", "hi\n")
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = e.ingest(t, runID, capToken, "marker", `{"event":"finished","exitCode":0}`)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = e.doJSON(t, http.MethodGet, "/api/runs/"+runID, tok, nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got struct {
		Run store.Run `json:"run"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, "done", got.Run.Status)
	require.NotNil(t, got.Run.ExitCode)
	assert.Equal(t, 0, *got.Run.ExitCode)

	resp = e.doJSON(t, http.MethodGet, "/api/runs/"+runID+"/events", tok, nil)
	defer resp.Body.Close()
	var events struct {
		Events []store.Event `json:"events"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&events))
	require.Len(t, events.Events, 3)
	assert.Equal(t, "marker", events.Events[0].Type)
	assert.Equal(t, "stdout", events.Events[1].Type)
	assert.Less(t, events.Events[0].ID, events.Events[1].ID)
	assert.Less(t, events.Events[1].ID, events.Events[2].ID)
}

func TestCapabilityMismatchIs403(t *testing.T) {
	e := newTestEnv(t)
	e.createUser(t, "op", "pw", store.RoleOperator)
	tok := e.login(t, "op", "pw")
	runID, _ := e.createRun(t, tok, map[string]any{})

	resp := e.ingest(t, runID, "forged-capability-token", "stdout", "x")
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	events, err := e.store.ListEvents(runID, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, events, "forged request must leave no events")
}

func TestReplayRejectedAndAudited(t *testing.T) {
	e := newTestEnv(t)
	e.createUser(t, "admin", "pw", store.RoleAdmin)
	tok := e.login(t, "admin", "pw")
	runID, capToken := e.createRun(t, tok, map[string]any{})

	nonce, err := signing.NewNonce()
	require.NoError(t, err)
	body, _ := json.Marshal(map[string]any{"type": "stdout", "data": "once"})

	resp := e.doSigned(t, http.MethodPost, "/api/ingest/event", body, runID, capToken, nonce, nil)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = e.doSigned(t, http.MethodPost, "/api/ingest/event", body, runID, capToken, nonce, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	entries, err := e.store.ListAudit(100, 0)
	require.NoError(t, err)
	replays := 0
	for _, en := range entries {
		if en.Action == "replay_rejected" {
			replays++
		}
	}
	assert.Equal(t, 1, replays)
}

func TestCommandAllowlistAndSentinels(t *testing.T) {
	e := newTestEnv(t)
	e.createUser(t, "op", "pw", store.RoleOperator)
	tok := e.login(t, "op", "pw")
	runID, capToken := e.createRun(t, tok, map[string]any{})

	resp := e.ingest(t, runID, capToken, "marker", `{"event":"started"}`)
	resp.Body.Close()

	resp = e.doJSON(t, http.MethodPost, "/api/runs/"+runID+"/command", tok,
		map[string]string{"command": "rm -rf /"})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = e.doJSON(t, http.MethodPost, "/api/runs/"+runID+"/command", tok,
		map[string]string{"command": "git status"})
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	// Sentinels cannot be smuggled through the command route.
	resp = e.doJSON(t, http.MethodPost, "/api/runs/"+runID+"/command", tok,
		map[string]string{"command": "__HALT__"})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStopDebounceAndHaltConflict(t *testing.T) {
	e := newTestEnv(t)
	e.createUser(t, "op", "pw", store.RoleOperator)
	tok := e.login(t, "op", "pw")
	runID, capToken := e.createRun(t, tok, map[string]any{})

	// Halt before the run starts is a conflict.
	resp := e.doJSON(t, http.MethodPost, "/api/runs/"+runID+"/halt", tok, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	r := e.ingest(t, runID, capToken, "marker", `{"event":"started"}`)
	r.Body.Close()

	resp = e.doJSON(t, http.MethodPost, "/api/runs/"+runID+"/stop", tok, nil)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = e.doJSON(t, http.MethodPost, "/api/runs/"+runID+"/stop", tok, nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var deb struct {
		Debounced bool `json:"debounced"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&deb))
	assert.True(t, deb.Debounced)

	pending, err := e.store.PendingCommands(runID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "__STOP__", pending[0].Command)
}

func TestWrapperPollAndAck(t *testing.T) {
	e := newTestEnv(t)
	e.createUser(t, "op", "pw", store.RoleOperator)
	tok := e.login(t, "op", "pw")
	runID, capToken := e.createRun(t, tok, map[string]any{})

	r := e.ingest(t, runID, capToken, "marker", `{"event":"started"}`)
	r.Body.Close()
	resp := e.doJSON(t, http.MethodPost, "/api/runs/"+runID+"/command", tok,
		map[string]string{"command": "pwd"})
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = e.doSigned(t, http.MethodGet, "/api/runs/"+runID+"/commands", nil, runID, capToken, "", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var polled struct {
		Commands []store.Command `json:"commands"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&polled))
	require.Len(t, polled.Commands, 1)

	ackBody, _ := json.Marshal(map[string]string{"result": "/work"})
	ackPath := "/api/runs/" + runID + "/commands/" + polled.Commands[0].ID + "/ack"
	resp = e.doSigned(t, http.MethodPost, ackPath, ackBody, runID, capToken, "", nil)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	pending, err := e.store.PendingCommands(runID)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestArtifactOverflowIs413(t *testing.T) {
	e := newTestEnv(t)
	e.createUser(t, "op", "pw", store.RoleOperator)
	tok := e.login(t, "op", "pw")
	runID, capToken := e.createRun(t, tok, map[string]any{})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "big.log")
	require.NoError(t, err)
	_, err = fw.Write([]byte(strings.Repeat("x", 2048)))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp := e.doSigned(t, http.MethodPost, "/api/ingest/artifact", buf.Bytes(),
		runID, capToken, "", map[string]string{"Content-Type": mw.FormDataContentType()})
	resp.Body.Close()
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)

	rows, err := e.store.ListArtifacts(runID)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestArtifactUploadAndDownload(t *testing.T) {
	e := newTestEnv(t)
	e.createUser(t, "op", "pw", store.RoleOperator)
	tok := e.login(t, "op", "pw")
	runID, capToken := e.createRun(t, tok, map[string]any{})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "latest.diff")
	require.NoError(t, err)
	_, err = fw.Write([]byte("--- a\n+++ b\n"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp := e.doSigned(t, http.MethodPost, "/api/ingest/artifact", buf.Bytes(),
		runID, capToken, "", map[string]string{"Content-Type": mw.FormDataContentType()})
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var a store.Artifact
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&a))
	assert.Equal(t, "diff", a.Type)

	resp = e.doJSON(t, http.MethodGet, "/api/artifacts/"+a.ID, tok, nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "diff")
}

func TestClientLifecycle(t *testing.T) {
	e := newTestEnv(t)
	e.createUser(t, "admin", "pw", store.RoleAdmin)
	tok := e.login(t, "admin", "pw")

	resp := e.doJSON(t, http.MethodPost, "/api/clients/create", tok,
		map[string]string{"displayName": "worker-1"})
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created clientTokenResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	require.NotEmpty(t, created.Token)

	// Register with the issued token.
	regBody, _ := json.Marshal(map[string]any{"agentId": "host-a", "version": "1.0.0"})
	resp = e.doSigned(t, http.MethodPost, "/api/clients/register", regBody, "", "", "",
		map[string]string{signing.HeaderClientToken: created.Token})
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// A pending run is claimable.
	runID, _ := e.createRun(t, tok, map[string]any{"command": "echo hi"})
	resp = e.doSigned(t, http.MethodPost, "/api/runs/claim", nil, "", "", "",
		map[string]string{signing.HeaderClientToken: created.Token})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var claim struct {
		Run             *store.Run `json:"run"`
		CapabilityToken string     `json:"capabilityToken"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&claim))
	require.NotNil(t, claim.Run)
	assert.Equal(t, runID, claim.Run.ID)
	assert.NotEmpty(t, claim.CapabilityToken)

	// Rotation invalidates the old token.
	resp = e.doJSON(t, http.MethodPost, "/api/clients/"+created.ID+"/token", tok, nil)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = e.doSigned(t, http.MethodPost, "/api/clients/register", regBody, "", "", "",
		map[string]string{signing.HeaderClientToken: created.Token})
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRunStateRoundTrip(t *testing.T) {
	e := newTestEnv(t)
	e.createUser(t, "op", "pw", store.RoleOperator)
	tok := e.login(t, "op", "pw")
	runID, capToken := e.createRun(t, tok, map[string]any{"command": "echo hi"})

	stateBody, _ := json.Marshal(map[string]any{"workingDir": "/work", "lastSequence": 5})
	resp := e.doSigned(t, http.MethodPost, "/api/runs/"+runID+"/state", stateBody, runID, capToken, "", nil)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	r := e.ingest(t, runID, capToken, "marker", `{"event":"started"}`)
	r.Body.Close()
	r = e.ingest(t, runID, capToken, "marker", `{"event":"finished","exitCode":1}`)
	r.Body.Close()

	resp = e.doJSON(t, http.MethodGet, "/api/runs/"+runID+"/state", tok, nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var info broker.ResumeInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	assert.True(t, info.CanResume, "failed runs can resume")
	require.NotNil(t, info.State)
	assert.Equal(t, "/work", info.State.WorkingDir)
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t)
	resp, err := http.Get(e.srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

package api

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"cosmossdk.io/log"
	"cosmossdk.io/math"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	keepertest "github.com/paw-chain/mosaic/testutil/keeper"
	"github.com/paw-chain/mosaic/x/jobs/commitment"
	"github.com/paw-chain/mosaic/x/jobs/keeper"
	"github.com/paw-chain/mosaic/x/jobs/settlement"
	"github.com/paw-chain/mosaic/x/jobs/types"
)

const testOutput = "42 transactions"

// fakeOrders returns a canned outcome.
type fakeOrders struct {
	out *settlement.Outcome
	err error
}

func (f fakeOrders) Run(context.Context, settlement.Order) (*settlement.Outcome, error) {
	return f.out, f.err
}

type testServer struct {
	*Server
	fixture *keepertest.Fixture
	events  *settlement.Broadcaster
}

// setupTestServer creates a server over a fixture keeper
func setupTestServer(t *testing.T, orders OrderRunner) *testServer {
	t.Helper()
	events := settlement.NewBroadcaster(16)
	f := keepertest.JobsKeeper(t, types.DefaultParams(), keeper.WithEventSink(events))

	config := DefaultConfig()
	config.JWTSecret = []byte("test-secret")
	config.CORSOrigins = []string{"*"}
	config.RateLimit = nil

	server, err := NewServer(Deps{
		Keeper: f.Keeper,
		Gate:   f.Gate,
		Orders: orders,
		Events: events,
	}, config, log.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(server.Close)

	return &testServer{Server: server, fixture: f, events: events}
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func (ts *testServer) bearer(t *testing.T) []string {
	t.Helper()
	token, _, err := ts.auth.GenerateToken(keepertest.Operator, time.Hour)
	require.NoError(t, err)
	return []string{"Authorization", "Bearer " + token}
}

// createJob opens a job through the API and returns it
func (ts *testServer) createJob(t *testing.T, input string) *types.Job {
	t.Helper()
	w := ts.do(t, http.MethodPost, "/api/jobs", CreateJobRequest{
		Payer:   keepertest.Payer,
		Input:   input,
		Payment: "100",
		ModelID: keepertest.TestModel,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	job := decode[types.Job](t, w)
	return &job
}

// commitJob stakes the fixture worker and commits it to job
func (ts *testServer) commitJob(t *testing.T, job *types.Job) []byte {
	t.Helper()
	w := ts.do(t, http.MethodPost, "/api/workers/"+keepertest.Worker+"/stake/deposit", StakeRequest{Amount: "1000"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	nonce, err := commitment.NewNonce()
	require.NoError(t, err)
	hash, err := commitment.Build(job.ModelID, job.InputHash, nonce, keepertest.Worker)
	require.NoError(t, err)
	w = ts.do(t, http.MethodPost, "/api/jobs/"+job.ID+"/commit", CommitRequest{Worker: keepertest.Worker, CommitmentHash: hash})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	return nonce
}

func TestHealthCheck(t *testing.T) {
	ts := setupTestServer(t, nil)

	w := ts.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	response := decode[map[string]interface{}](t, w)
	assert.Equal(t, "healthy", response["status"])
	assert.NotNil(t, response["timestamp"])
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestNewServerRequiresKeeper(t *testing.T) {
	_, err := NewServer(Deps{}, nil, log.NewNopLogger())
	require.Error(t, err)
}

func TestGetParams(t *testing.T) {
	ts := setupTestServer(t, nil)
	w := ts.do(t, http.MethodGet, "/api/params", nil)
	require.Equal(t, http.StatusOK, w.Code)
	params := decode[map[string]interface{}](t, w)
	assert.Equal(t, "umosaic", params["stake_denom"])
}

func TestCreateJob(t *testing.T) {
	ts := setupTestServer(t, nil)

	tests := []struct {
		name           string
		payload        CreateJobRequest
		expectedStatus int
	}{
		{
			name:           "input hashed server side",
			payload:        CreateJobRequest{Payer: keepertest.Payer, Input: "block 7", Payment: "100", ModelID: keepertest.TestModel},
			expectedStatus: http.StatusCreated,
		},
		{
			name:           "explicit input hash",
			payload:        CreateJobRequest{Payer: keepertest.Payer, InputHash: commitment.HashInput("block 8"), Payment: "100", ModelID: keepertest.TestModel},
			expectedStatus: http.StatusCreated,
		},
		{
			name:           "hash and input disagree",
			payload:        CreateJobRequest{Payer: keepertest.Payer, Input: "block 9", InputHash: commitment.HashInput("other"), Payment: "100", ModelID: keepertest.TestModel},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "no input",
			payload:        CreateJobRequest{Payer: keepertest.Payer, Payment: "100", ModelID: keepertest.TestModel},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "bad payment",
			payload:        CreateJobRequest{Payer: keepertest.Payer, Input: "x", Payment: "-5", ModelID: keepertest.TestModel},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "missing payer",
			payload:        CreateJobRequest{Input: "x", Payment: "100", ModelID: keepertest.TestModel},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "payer cannot cover payment",
			payload:        CreateJobRequest{Payer: "pauper", Input: "x", Payment: "100", ModelID: keepertest.TestModel},
			expectedStatus: http.StatusPaymentRequired,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do(t, http.MethodPost, "/api/jobs", tt.payload)
			assert.Equal(t, tt.expectedStatus, w.Code, w.Body.String())
			if tt.expectedStatus != http.StatusCreated {
				body := decode[ErrorResponse](t, w)
				assert.NotEmpty(t, body.Error)
			}
		})
	}
}

func TestGetAndListJobs(t *testing.T) {
	ts := setupTestServer(t, nil)
	job := ts.createJob(t, "block 1")
	ts.createJob(t, "block 2")

	w := ts.do(t, http.MethodGet, "/api/jobs/"+job.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[types.Job](t, w)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, types.StatusCreated, got.Status())

	w = ts.do(t, http.MethodGet, "/api/jobs/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, codeName(types.ErrJobNotFound.ABCICode()), decode[ErrorResponse](t, w).Code)

	w = ts.do(t, http.MethodGet, "/api/jobs?payer="+keepertest.Payer, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2, decode[JobsResponse](t, w).Total)

	w = ts.do(t, http.MethodGet, "/api/jobs?status=created&limit=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[JobsResponse](t, w)
	assert.Equal(t, 2, list.Total)
	assert.Len(t, list.Jobs, 1)

	w = ts.do(t, http.MethodGet, "/api/jobs?worker=nobody", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "[]", string(mustField(t, w.Body.Bytes(), "jobs")))

	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/api/jobs?status=bogus", nil).Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/api/jobs?limit=0", nil).Code)
}

func mustField(t *testing.T, bz []byte, field string) json.RawMessage {
	t.Helper()
	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(bz, &m))
	return m[field]
}

func TestJobLifecycleOverHTTP(t *testing.T) {
	ts := setupTestServer(t, nil)
	job := ts.createJob(t, "count txs in block 100")
	nonce := ts.commitJob(t, job)
	artifact := keepertest.HonestArtifact(t, job, testOutput)

	w := ts.do(t, http.MethodPost, "/api/jobs/"+job.ID+"/submit", SubmitRequest{
		Worker:      keepertest.Worker,
		OutputHash:  commitment.HashOutput(testOutput),
		Proof:       artifact.Proof,
		RevealNonce: hex.EncodeToString(nonce),
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	gotJob := decode[types.Job](t, w)
	assert.Equal(t, types.StatusSubmitted, gotJob.Status())

	w = ts.do(t, http.MethodPost, "/api/jobs/"+job.ID+"/settle", SettleRequest{Artifact: artifact, Output: testOutput})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode[types.SettlementResult](t, w)
	assert.True(t, res.Verification.Valid)
	assert.Equal(t, types.StatusVerified, res.Job.Status())

	// Settling twice reports the existing settlement.
	w = ts.do(t, http.MethodPost, "/api/jobs/"+job.ID+"/settle", SettleRequest{Artifact: artifact, Output: testOutput})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, decode[types.SettlementResult](t, w).AlreadyFinalized)

	w = ts.do(t, http.MethodGet, "/api/workers/"+keepertest.Worker+"/stake", nil)
	require.Equal(t, http.StatusOK, w.Code)
	stake := decode[StakeResponse](t, w)
	assert.Equal(t, math.NewInt(1000), stake.Amount)
	assert.Equal(t, "umosaic", stake.Denom)
}

func TestSettleWithForeignOutputLeavesJob(t *testing.T) {
	ts := setupTestServer(t, nil)
	job := ts.createJob(t, "block 7")
	nonce := ts.commitJob(t, job)
	artifact := keepertest.HonestArtifact(t, job, testOutput)
	w := ts.do(t, http.MethodPost, "/api/jobs/"+job.ID+"/submit", SubmitRequest{
		Worker:      keepertest.Worker,
		OutputHash:  commitment.HashOutput(testOutput),
		Proof:       artifact.Proof,
		RevealNonce: hex.EncodeToString(nonce),
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = ts.do(t, http.MethodPost, "/api/jobs/"+job.ID+"/settle", SettleRequest{Artifact: artifact, Output: "someone else's output"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodGet, "/api/jobs/"+job.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	gotJob := decode[types.Job](t, w)
	assert.Equal(t, types.StatusSubmitted, gotJob.Status())

	w = ts.do(t, http.MethodGet, "/api/workers/"+keepertest.Worker+"/stake", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, math.NewInt(1000), decode[StakeResponse](t, w).Amount)
}

func TestSubmitRejectsBadNonce(t *testing.T) {
	ts := setupTestServer(t, nil)
	job := ts.createJob(t, "block 3")
	ts.commitJob(t, job)

	w := ts.do(t, http.MethodPost, "/api/jobs/"+job.ID+"/submit", SubmitRequest{
		Worker:      keepertest.Worker,
		OutputHash:  commitment.HashOutput(testOutput),
		RevealNonce: "not-hex",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSettleRequiresArtifact(t *testing.T) {
	ts := setupTestServer(t, nil)
	job := ts.createJob(t, "block 4")
	w := ts.do(t, http.MethodPost, "/api/jobs/"+job.ID+"/settle", SettleRequest{Output: testOutput})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCommitConflicts(t *testing.T) {
	ts := setupTestServer(t, nil)
	job := ts.createJob(t, "block 5")
	ts.commitJob(t, job)

	nonce, err := commitment.NewNonce()
	require.NoError(t, err)
	hash, err := commitment.Build(job.ModelID, job.InputHash, nonce, keepertest.Worker)
	require.NoError(t, err)
	w := ts.do(t, http.MethodPost, "/api/jobs/"+job.ID+"/commit", CommitRequest{Worker: keepertest.Worker, CommitmentHash: hash})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestRefundNotReady(t *testing.T) {
	ts := setupTestServer(t, nil)
	job := ts.createJob(t, "block 6")
	w := ts.do(t, http.MethodPost, "/api/jobs/"+job.ID+"/refund", RefundRequest{Payer: keepertest.Payer})
	assert.Equal(t, http.StatusConflict, w.Code, w.Body.String())
}

func TestStakeWithdraw(t *testing.T) {
	ts := setupTestServer(t, nil)
	path := "/api/workers/" + keepertest.Worker + "/stake"

	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, path+"/deposit", StakeRequest{Amount: "500"}).Code)
	w := ts.do(t, http.MethodPost, path+"/withdraw", StakeRequest{Amount: "200"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, math.NewInt(300), decode[StakeResponse](t, w).Amount)

	w = ts.do(t, http.MethodPost, path+"/withdraw", StakeRequest{Amount: "1000"})
	assert.Equal(t, http.StatusPaymentRequired, w.Code, w.Body.String())

	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, path+"/deposit", StakeRequest{Amount: "abc"}).Code)
}

func TestOperatorRoutes(t *testing.T) {
	ts := setupTestServer(t, nil)
	job := ts.createJob(t, "block 10")
	ts.commitJob(t, job)

	disputePath := "/api/jobs/" + job.ID + "/dispute"
	w := ts.do(t, http.MethodPost, disputePath, DisputeRequest{Reason: "suspicious"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = ts.do(t, http.MethodPost, disputePath, DisputeRequest{Reason: "suspicious"}, "Authorization", "Token abc")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = ts.do(t, http.MethodPost, disputePath, DisputeRequest{Reason: "suspicious"}, "Authorization", "Bearer garbage")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	auth := ts.bearer(t)
	w = ts.do(t, http.MethodPost, disputePath, DisputeRequest{Reason: "suspicious"}, auth...)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	gotJob := decode[types.Job](t, w)
	assert.Equal(t, types.StatusDisputed, gotJob.Status())

	resolvePath := "/api/jobs/" + job.ID + "/resolve"
	w = ts.do(t, http.MethodPost, resolvePath, ResolveRequest{Resolution: "maybe"}, auth...)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	payerBefore := ts.fixture.Balance(keepertest.Payer)
	w = ts.do(t, http.MethodPost, resolvePath, ResolveRequest{Resolution: "refund"}, auth...)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, payerBefore.AddRaw(100), ts.fixture.Balance(keepertest.Payer))

	w = ts.do(t, http.MethodPost, resolvePath, ResolveRequest{Resolution: "refund"}, auth...)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestTokenRenew(t *testing.T) {
	ts := setupTestServer(t, nil)

	w := ts.do(t, http.MethodPost, "/api/auth/token/renew", nil, ts.bearer(t)...)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[TokenResponse](t, w)
	assert.Equal(t, keepertest.Operator, resp.Operator)

	claims, err := ts.auth.ValidateToken(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, keepertest.Operator, claims.Subject)
}

func TestAuthService(t *testing.T) {
	operators := map[string]bool{"op": true}
	as := NewAuthService([]byte("secret"), func(a string) bool { return operators[a] })

	_, _, err := as.GenerateToken("", time.Hour)
	assert.Error(t, err)
	_, _, err = as.GenerateToken("stranger", time.Hour)
	assert.Error(t, err)

	token, expiresAt, err := as.GenerateToken("op", time.Hour)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expiresAt, time.Minute)

	_, err = NewAuthService([]byte("other"), nil).ValidateToken(token)
	assert.Error(t, err, "wrong secret")

	expired, _, err := as.GenerateToken("op", -time.Minute)
	require.NoError(t, err)
	_, err = as.ValidateToken(expired)
	assert.Error(t, err)

	delete(operators, "op")
	_, err = as.ValidateToken(token)
	assert.Error(t, err, "removed operators lose access")
}

func TestCreateOrder(t *testing.T) {
	order := OrderRequest{Payer: keepertest.Payer, Input: "block 11", ModelID: keepertest.TestModel, Payment: "100"}

	t.Run("no worker configured", func(t *testing.T) {
		ts := setupTestServer(t, nil)
		assert.Equal(t, http.StatusServiceUnavailable, ts.do(t, http.MethodPost, "/api/orders", order).Code)
	})

	t.Run("settled", func(t *testing.T) {
		job := &types.Job{ID: "job-1", Payment: math.NewInt(100)}
		ts := setupTestServer(t, fakeOrders{out: &settlement.Outcome{Job: job, Output: testOutput}})
		w := ts.do(t, http.MethodPost, "/api/orders", order)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		resp := decode[OrderResponse](t, w)
		assert.Equal(t, commitment.HashOutput(testOutput), resp.OutputHash)
		assert.Nil(t, resp.Error)
	})

	t.Run("failed after create", func(t *testing.T) {
		job := &types.Job{ID: "job-2", Payment: math.NewInt(100)}
		err := types.ErrProofGenerationFailed.Wrap("prover crashed")
		ts := setupTestServer(t, fakeOrders{out: &settlement.Outcome{Job: job}, err: err})
		w := ts.do(t, http.MethodPost, "/api/orders", order)
		assert.Equal(t, http.StatusBadGateway, w.Code)
		resp := decode[OrderResponse](t, w)
		require.NotNil(t, resp.Error)
		require.NotNil(t, resp.Job)
		assert.Equal(t, "job-2", resp.Job.ID)
	})

	t.Run("failed before create", func(t *testing.T) {
		ts := setupTestServer(t, fakeOrders{err: types.ErrInsufficientFunds})
		assert.Equal(t, http.StatusPaymentRequired, ts.do(t, http.MethodPost, "/api/orders", order).Code)
	})
}

func TestArchiveNotConfigured(t *testing.T) {
	ts := setupTestServer(t, nil)
	assert.Equal(t, http.StatusServiceUnavailable, ts.do(t, http.MethodGet, "/api/archive/"+keepertest.Payer, nil).Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{types.ErrJobNotFound, http.StatusNotFound},
		{types.ErrUnauthorized.Wrap("x"), http.StatusForbidden},
		{types.ErrInvalidTransition, http.StatusConflict},
		{types.ErrInsufficientStake, http.StatusPaymentRequired},
		{types.ErrProverUnavailable, http.StatusServiceUnavailable},
		{types.ErrExecutionFailed, http.StatusBadGateway},
		{types.ErrInvalidCommitment, http.StatusBadRequest},
		{fmt.Errorf("wrapped: %w", context.DeadlineExceeded), http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}

func TestCORS(t *testing.T) {
	ts := setupTestServer(t, nil)
	req := httptest.NewRequest(http.MethodOptions, "/api/jobs", nil)
	req.Header.Set("Origin", "http://example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := httptest.NewRecorder()
	ts.Handler().ServeHTTP(w, req)
	assert.NotEmpty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestRateLimitStats(t *testing.T) {
	ts := setupTestServer(t, nil)
	w := ts.do(t, http.MethodGet, "/rate-limit/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode[map[string]interface{}](t, w)
	assert.Equal(t, false, stats["enabled"])
}

func TestWebSocketEvents(t *testing.T) {
	ts := setupTestServer(t, nil)
	srv := httptest.NewServer(ts.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(WSSubscribeMessage{Type: "subscribe", Channel: "type:" + string(types.EventJobCreated)}))
	var ack WSMessage
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, "subscribed", ack.Type)

	job := ts.createJob(t, "block 12")

	var msg WSMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "event", msg.Type)
	assert.Equal(t, "job:"+job.ID, msg.Channel)

	require.NoError(t, conn.WriteJSON(WSSubscribeMessage{Type: "subscribe", Channel: "bogus"}))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "error", msg.Type)
}

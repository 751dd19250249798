package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pgverity/pgverity/internal/archive"
	"github.com/pgverity/pgverity/internal/capture"
	"github.com/pgverity/pgverity/internal/dbval"
	"github.com/pgverity/pgverity/internal/hashcore"
	"github.com/pgverity/pgverity/internal/model"
	"github.com/pgverity/pgverity/internal/verify"
)

func mustTestServer(t *testing.T) (*Server, *verify.Manager, *capture.Engine) {
	t.Helper()
	store, err := archive.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	hasher, err := hashcore.New(hashcore.SHA256)
	if err != nil {
		t.Fatal(err)
	}
	snap, err := capture.NewSnapshot(hasher)
	if err != nil {
		t.Fatal(err)
	}
	if err := snap.EnsureTable("accounts", []string{"id", "balance"}); err != nil {
		t.Fatal(err)
	}
	engine := capture.NewEngine(snap)
	manager := verify.NewManager(store, hasher)

	srv := New(ServerConfig{
		Store:               store,
		Manager:             manager,
		Engine:              engine,
		Logger:              slog.New(slog.NewTextHandler(io.Discard, nil)),
		Version:             "test",
		Backend:             "test-backend",
		VerificationEnabled: true,
		StartedAt:           time.Now(),
		MaxRequestBodyBytes: 1 << 20,
		CORSAllowedOrigins:  []string{"*"},
	})
	return srv, manager, engine
}

func commitTestTx(t *testing.T, m *verify.Manager, eng *capture.Engine, txID uint64, rowID string, balance int32) {
	t.Helper()
	ctx := context.Background()
	tx := eng.Begin(txID)
	if err := m.Prepare(ctx, txID, tx.PreStateRoot); err != nil {
		t.Fatal(err)
	}
	tx.Insert("accounts", rowID, map[string]dbval.Value{
		"id":      dbval.NewText(rowID),
		"balance": dbval.NewInt32(balance),
	})
	bs, err := eng.Commit(tx, 1000)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Finalize(ctx, tx, bs, []string{"INSERT INTO accounts ..."}); err != nil {
		t.Fatal(err)
	}
}

func decodeEnvelope(t *testing.T, body []byte, data any) {
	t.Helper()
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("decode envelope: %v, body: %s", err, body)
	}
	if err := json.Unmarshal(env.Data, data); err != nil {
		t.Fatalf("decode envelope data: %v, body: %s", err, body)
	}
}

func TestHandleHealth(t *testing.T) {
	srv, _, _ := mustTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var health model.HealthResponse
	decodeEnvelope(t, rec.Body.Bytes(), &health)
	if !health.VerificationOn {
		t.Fatal("expected verification_enabled true")
	}
}

func TestHandleLatestStateRootNotFoundBeforeAnyCommit(t *testing.T) {
	srv, _, _ := mustTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/state-root/latest", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before any block is archived, got %d", rec.Code)
	}
}

func TestHandleLatestStateRootAfterCommit(t *testing.T) {
	srv, m, eng := mustTestServer(t)
	commitTestTx(t, m, eng, 1, "a1", 100)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/state-root/latest", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var sr model.StateRootResponse
	decodeEnvelope(t, rec.Body.Bytes(), &sr)
	if sr.BlockNumber != 1 {
		t.Fatalf("expected block 1, got %d", sr.BlockNumber)
	}
	if sr.StateRoot != eng.Snapshot.StateRoot().String() {
		t.Fatal("returned state root should match the live snapshot")
	}
}

func TestHandleGetTransaction(t *testing.T) {
	srv, m, eng := mustTestServer(t)
	commitTestTx(t, m, eng, 1, "a1", 100)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/transaction/1", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var tx model.TransactionResponse
	decodeEnvelope(t, rec.Body.Bytes(), &tx)
	if tx.Status != "committed" {
		t.Fatalf("expected committed status, got %s", tx.Status)
	}
	if tx.PostStateRoot == nil {
		t.Fatal("expected a post state root for a committed transaction")
	}
}

func TestHandleVerifyTransactionBitEqual(t *testing.T) {
	srv, m, eng := mustTestServer(t)
	commitTestTx(t, m, eng, 1, "a1", 100)

	body, _ := json.Marshal(model.VerifyTransactionRequest{TransactionID: 1})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/verify/transaction", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp model.VerifyTransactionResponse
	decodeEnvelope(t, rec.Body.Bytes(), &resp)
	if !resp.Verified {
		t.Fatal("expected verified=true for an untampered committed transaction")
	}
}

func TestHandleVerifyTransactionDivergent(t *testing.T) {
	srv, m, eng := mustTestServer(t)
	commitTestTx(t, m, eng, 1, "a1", 100)

	rec0, err := srv.handlers.store.TransactionByID(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	rec0.Ops[0].Row.Values["balance"] = dbval.NewInt32(999)
	if err := srv.handlers.store.PutTransaction(context.Background(), rec0); err != nil {
		t.Fatal(err)
	}

	body, _ := json.Marshal(model.VerifyTransactionRequest{TransactionID: 1})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/verify/transaction", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for a divergent replay, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp model.VerifyTransactionResponse
	decodeEnvelope(t, rec.Body.Bytes(), &resp)
	if resp.Verified {
		t.Fatal("expected verified=false for a tampered transaction")
	}
}

func TestHandleRowProofRoundTrip(t *testing.T) {
	srv, m, eng := mustTestServer(t)
	commitTestTx(t, m, eng, 1, "a1", 100)

	body, _ := json.Marshal(model.RowProofRequest{TableName: "accounts", Condition: "a1"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/proof/row", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var proofResp model.RowProofResponse
	decodeEnvelope(t, rec.Body.Bytes(), &proofResp)
	if proofResp.RowID != "a1" {
		t.Fatalf("expected row_id a1, got %s", proofResp.RowID)
	}

	verifyBody, _ := json.Marshal(proofResp)
	verifyReq := httptest.NewRequest(http.MethodPost, "/api/v1/verify/proof/row", bytes.NewReader(verifyBody))
	verifyRec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(verifyRec, verifyReq)
	if verifyRec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", verifyRec.Code, verifyRec.Body.String())
	}
	var verified bool
	decodeEnvelope(t, verifyRec.Body.Bytes(), &verified)
	if !verified {
		t.Fatal("expected a freshly issued row proof to verify against its own state root")
	}
}

func TestHandleChallengeLifecycle(t *testing.T) {
	srv, m, eng := mustTestServer(t)
	commitTestTx(t, m, eng, 1, "a1", 100)

	rec0, err := srv.handlers.store.TransactionByID(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	bs, err := srv.handlers.store.BlockStateByNumber(context.Background(), *rec0.BlockNumber)
	if err != nil {
		t.Fatal(err)
	}

	reqBody, _ := json.Marshal(model.ChallengeRequest{
		StateRootHex:   bs.StateRoot.String(),
		BlockNumber:    bs.BlockNumber,
		EvidenceBase64: base64.StdEncoding.EncodeToString([]byte("suspect replay diverges")),
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/challenge", bytes.NewReader(reqBody))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var challenge model.ChallengeResponse
	decodeEnvelope(t, rec.Body.Bytes(), &challenge)
	if challenge.Status != "active" {
		t.Fatalf("expected a freshly submitted challenge to be active, got %s", challenge.Status)
	}

	getReq := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/v1/challenge/%s", challenge.ID), nil)
	getRec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(getRec, getReq)
	if getRec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", getRec.Code, getRec.Body.String())
	}

	listReq := httptest.NewRequest(http.MethodGet, "/api/v1/challenges", nil)
	listRec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(listRec, listReq)
	if listRec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", listRec.Code, listRec.Body.String())
	}
}

func TestHandleChallengeIdempotentReplay(t *testing.T) {
	srv, m, eng := mustTestServer(t)
	commitTestTx(t, m, eng, 1, "a1", 100)

	rec0, err := srv.handlers.store.TransactionByID(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	bs, err := srv.handlers.store.BlockStateByNumber(context.Background(), *rec0.BlockNumber)
	if err != nil {
		t.Fatal(err)
	}

	reqBody, _ := json.Marshal(model.ChallengeRequest{
		StateRootHex:   bs.StateRoot.String(),
		BlockNumber:    bs.BlockNumber,
		EvidenceBase64: base64.StdEncoding.EncodeToString([]byte("evidence")),
	})

	first := httptest.NewRequest(http.MethodPost, "/api/v1/challenge", bytes.NewReader(reqBody))
	first.Header.Set("Idempotency-Key", "retry-key-1")
	firstRec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(firstRec, first)
	var firstChallenge model.ChallengeResponse
	decodeEnvelope(t, firstRec.Body.Bytes(), &firstChallenge)

	second := httptest.NewRequest(http.MethodPost, "/api/v1/challenge", bytes.NewReader(reqBody))
	second.Header.Set("Idempotency-Key", "retry-key-1")
	secondRec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(secondRec, second)
	if secondRec.Code != http.StatusOK {
		t.Fatalf("expected a replayed idempotent submission to return 200, got %d", secondRec.Code)
	}
	var secondChallenge model.ChallengeResponse
	decodeEnvelope(t, secondRec.Body.Bytes(), &secondChallenge)
	if secondChallenge.ID != firstChallenge.ID {
		t.Fatal("retried submission with the same idempotency key should return the original challenge")
	}

	listReq := httptest.NewRequest(http.MethodGet, "/api/v1/challenges", nil)
	listRec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(listRec, listReq)
	var challenges []model.ChallengeResponse
	decodeEnvelope(t, listRec.Body.Bytes(), &challenges)
	if len(challenges) != 1 {
		t.Fatalf("expected exactly one challenge to have been opened, got %d", len(challenges))
	}
}

package server

import (
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/pgverity/pgverity/internal/archive"
	"github.com/pgverity/pgverity/internal/capture"
	"github.com/pgverity/pgverity/internal/hashcore"
	"github.com/pgverity/pgverity/internal/merkle"
	"github.com/pgverity/pgverity/internal/model"
	"github.com/pgverity/pgverity/internal/pgerr"
	"github.com/pgverity/pgverity/internal/verify"
)

// Handlers holds the dependencies every control plane endpoint needs.
type Handlers struct {
	store               *archive.Store
	manager             *verify.Manager
	engine              *capture.Engine
	logger              *slog.Logger
	version             string
	backend             string
	verificationEnabled bool
	startedAt           time.Time
	maxRequestBodyBytes int64
}

// HandlersDeps are the dependencies passed to NewHandlers.
type HandlersDeps struct {
	Store               *archive.Store
	Manager             *verify.Manager
	Engine              *capture.Engine
	Logger              *slog.Logger
	Version             string
	Backend             string
	VerificationEnabled bool
	StartedAt           time.Time
	MaxRequestBodyBytes int64
}

// NewHandlers constructs Handlers from its dependencies.
func NewHandlers(deps HandlersDeps) *Handlers {
	maxBody := deps.MaxRequestBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	return &Handlers{
		store:               deps.Store,
		manager:             deps.Manager,
		engine:              deps.Engine,
		logger:              deps.Logger,
		version:             deps.Version,
		backend:             deps.Backend,
		verificationEnabled: deps.VerificationEnabled,
		startedAt:           deps.StartedAt,
		maxRequestBodyBytes: maxBody,
	}
}

// HandleHealth reports process liveness and current configuration.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, model.HealthResponse{
		Status:         "ok",
		Version:        h.version,
		Backend:        h.backend,
		VerificationOn: h.verificationEnabled,
		Uptime:         int64(time.Since(h.startedAt).Seconds()),
	})
}

// HandleLatestStateRoot implements GET /api/v1/state-root/latest.
func (h *Handlers) HandleLatestStateRoot(w http.ResponseWriter, r *http.Request) {
	bs, err := h.store.LatestBlockState(r.Context())
	if err != nil {
		h.writeNotFoundOrInternal(w, r, "no block state archived yet", err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.StateRootResponse{
		BlockNumber: bs.BlockNumber,
		StateRoot:   bs.StateRoot.String(),
		Timestamp:   bs.TimestampS,
	})
}

// HandleStateRootAtBlock implements GET /api/v1/state-root/{block}.
func (h *Handlers) HandleStateRootAtBlock(w http.ResponseWriter, r *http.Request) {
	blockNumber, err := strconv.ParseUint(r.PathValue("block"), 10, 64)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "block must be a non-negative integer")
		return
	}
	bs, err := h.store.BlockStateByNumber(r.Context(), blockNumber)
	if err != nil {
		h.writeNotFoundOrInternal(w, r, fmt.Sprintf("no block state archived for block %d", blockNumber), err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.StateRootResponse{
		BlockNumber: bs.BlockNumber,
		StateRoot:   bs.StateRoot.String(),
		Timestamp:   bs.TimestampS,
	})
}

// HandleLatestBlock implements GET /api/v1/block/latest.
func (h *Handlers) HandleLatestBlock(w http.ResponseWriter, r *http.Request) {
	h.HandleLatestStateRoot(w, r)
}

// HandleStateCommitments implements GET /api/v1/state-commitments: the
// latest block's state root plus its per-table roots.
func (h *Handlers) HandleStateCommitments(w http.ResponseWriter, r *http.Request) {
	bs, err := h.store.LatestBlockState(r.Context())
	if err != nil {
		h.writeNotFoundOrInternal(w, r, "no block state archived yet", err)
		return
	}
	tables := make([]model.TableCommitment, 0, len(bs.TableRoots))
	for name, root := range bs.TableRoots {
		tables = append(tables, model.TableCommitment{TableName: name, Root: root.String()})
	}
	writeJSON(w, r, http.StatusOK, model.StateCommitmentsResponse{
		BlockNumber: bs.BlockNumber,
		StateRoot:   bs.StateRoot.String(),
		Tables:      tables,
	})
}

// HandleGetTransaction implements GET /api/v1/transaction/{id}.
func (h *Handlers) HandleGetTransaction(w http.ResponseWriter, r *http.Request) {
	txID, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "id must be a non-negative integer")
		return
	}
	rec, err := h.store.TransactionByID(r.Context(), txID)
	if err != nil {
		h.writeNotFoundOrInternal(w, r, fmt.Sprintf("no transaction archived with id %d", txID), err)
		return
	}
	writeJSON(w, r, http.StatusOK, transactionResponse(rec))
}

func transactionResponse(rec archive.TransactionRecord) model.TransactionResponse {
	resp := model.TransactionResponse{
		TxID:         rec.TxID,
		BlockNumber:  rec.BlockNumber,
		PreStateRoot: rec.PreStateRoot.String(),
		Status:       rec.Status,
		Outcome:      rec.Outcome,
		Statements:   rec.Statements,
	}
	if rec.PostStateRoot != nil {
		s := rec.PostStateRoot.String()
		resp.PostStateRoot = &s
	}
	return resp
}

// HandleVerifyTransaction implements POST /api/v1/verify/transaction: it
// replays the transaction's archived write-set and reports whether the
// result bit-equals the post-state root archived at commit time.
func (h *Handlers) HandleVerifyTransaction(w http.ResponseWriter, r *http.Request) {
	var req model.VerifyTransactionRequest
	if err := decodeJSON(r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "malformed request body: "+err.Error())
		return
	}

	bs, err := h.manager.Replay(r.Context(), req.TransactionID)
	if err != nil {
		if pgerr.Is(err, pgerr.KindDivergentRoot) {
			writeJSON(w, r, http.StatusConflict, model.VerifyTransactionResponse{
				TransactionID: req.TransactionID,
				Verified:      false,
			})
			return
		}
		h.writeNotFoundOrInternal(w, r, fmt.Sprintf("could not replay transaction %d", req.TransactionID), err)
		return
	}

	writeJSON(w, r, http.StatusOK, model.VerifyTransactionResponse{
		TransactionID:   req.TransactionID,
		Verified:        true,
		ReplayedRootHex: bs.StateRoot.String(),
	})
}

// HandleRowProof implements POST /api/v1/proof/row. condition is taken as
// a literal row identifier: the engine has no SQL predicate evaluator of
// its own (query execution is delegated to the backend), so the control
// plane can only prove inclusion for a row it can name directly.
func (h *Handlers) HandleRowProof(w http.ResponseWriter, r *http.Request) {
	var req model.RowProofRequest
	if err := decodeJSON(r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "malformed request body: "+err.Error())
		return
	}
	if req.TableName == "" || req.Condition == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "table_name and condition are required")
		return
	}

	snap := h.engine.Snapshot
	proof, _, err := snap.Proof(req.TableName, req.Condition)
	if err != nil {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, err.Error())
		return
	}

	bs, err := h.store.LatestBlockState(r.Context())
	if err != nil {
		h.writeNotFoundOrInternal(w, r, "no block state archived yet", err)
		return
	}

	writeJSON(w, r, http.StatusOK, model.RowProofResponse{
		TableName: req.TableName,
		RowID:     req.Condition,
		ProofHex:  encodeProof(proof),
		StateRoot: bs.StateRoot.String(),
		Timestamp: bs.TimestampS,
	})
}

// HandleVerifyRowProof implements POST /api/v1/verify/proof/row: it
// recomputes the root from a previously issued proof and reports whether
// it matches the claimed state root.
func (h *Handlers) HandleVerifyRowProof(w http.ResponseWriter, r *http.Request) {
	var req model.RowProofResponse
	if err := decodeJSON(r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "malformed request body: "+err.Error())
		return
	}

	root, err := hashcore.ParseHash(req.StateRoot)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	proof, err := decodeProof(req.RowID, req.ProofHex)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	ok := merkle.Verify(h.manager.Hasher(), proof, root)
	writeJSON(w, r, http.StatusOK, ok)
}

// HandleSubmitChallenge implements POST /api/v1/challenge. Submissions
// carrying an Idempotency-Key header that was already used with the same
// body replay the previously recorded challenge instead of opening a
// second dispute for a retried request.
func (h *Handlers) HandleSubmitChallenge(w http.ResponseWriter, r *http.Request) {
	var req model.ChallengeRequest
	bodyHash, err := decodeJSONWithHash(r, &req, h.maxRequestBodyBytes)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "malformed request body: "+err.Error())
		return
	}

	stateRoot, err := hashcore.ParseHash(req.StateRootHex)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	evidence, err := base64.StdEncoding.DecodeString(req.EvidenceBase64)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "evidence_base64 is not valid base64")
		return
	}

	idemKey := r.Header.Get("Idempotency-Key")
	if idemKey != "" {
		existingID, replay, err := h.store.BeginIdempotentChallenge(r.Context(), idemKey, bodyHash)
		if err != nil {
			if errors.Is(err, archive.ErrIdempotencyPayloadMismatch) {
				writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "idempotency key reused with a different request body")
				return
			}
			h.writeInternalError(w, r, "idempotency check failed", err)
			return
		}
		if replay {
			c, err := h.store.ChallengeByID(r.Context(), existingID)
			if err != nil {
				h.writeInternalError(w, r, "failed to load replayed challenge", err)
				return
			}
			writeJSON(w, r, http.StatusOK, challengeResponse(c))
			return
		}
	}

	challenger := r.Header.Get("X-Challenger-ID")
	if challenger == "" {
		challenger = "anonymous"
	}

	c, err := h.manager.SubmitChallenge(r.Context(), uuid.New().String(), stateRoot, req.BlockNumber,
		challenger, h.backend, 0, time.Now().Unix(), evidence)
	if err != nil {
		h.writeInternalError(w, r, "failed to submit challenge", err)
		return
	}

	if idemKey != "" {
		if err := h.store.CompleteIdempotentChallenge(r.Context(), idemKey, c.ID); err != nil {
			h.logger.Warn("failed to record idempotency completion", "error", err, "key", idemKey)
		}
	}

	writeJSON(w, r, http.StatusCreated, challengeResponse(c))
}

// HandleListChallenges implements GET /api/v1/challenges.
func (h *Handlers) HandleListChallenges(w http.ResponseWriter, r *http.Request) {
	challenges, err := h.store.ListChallenges(r.Context())
	if err != nil {
		h.writeInternalError(w, r, "failed to list challenges", err)
		return
	}
	out := make([]model.ChallengeResponse, len(challenges))
	for i, c := range challenges {
		out[i] = challengeResponse(c)
	}
	writeJSON(w, r, http.StatusOK, out)
}

// HandleGetChallenge implements GET /api/v1/challenge/{id}. It resolves
// the challenge against the archive before returning it, so a client
// polling this endpoint observes a resolved-by-replay or deadline-expiry
// transition without a separate background sweep being a precondition.
func (h *Handlers) HandleGetChallenge(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	c, err := h.manager.ResolveChallenge(r.Context(), id)
	if err != nil {
		h.writeNotFoundOrInternal(w, r, fmt.Sprintf("no challenge with id %s", id), err)
		return
	}
	writeJSON(w, r, http.StatusOK, challengeResponse(c))
}

func challengeResponse(c archive.Challenge) model.ChallengeResponse {
	return model.ChallengeResponse{
		ID:          c.ID,
		StateRoot:   c.StateRoot.String(),
		BlockNumber: c.BlockNumber,
		Challenger:  c.Challenger,
		Operator:    c.Operator,
		Status:      string(c.Status),
		Bond:        c.Bond,
		TimestampS:  c.TimestampS,
	}
}

// writeNotFoundOrInternal maps a sql.ErrNoRows lookup failure to 404 and
// everything else to 500.
func (h *Handlers) writeNotFoundOrInternal(w http.ResponseWriter, r *http.Request, notFoundMsg string, err error) {
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, notFoundMsg)
		return
	}
	h.writeInternalError(w, r, notFoundMsg, err)
}

func encodeProof(p *merkle.Proof) []string {
	out := make([]string, len(p.Items))
	for i, item := range p.Items {
		prefix := "R"
		if item.Direction == merkle.Left {
			prefix = "L"
		}
		out[i] = prefix + hex.EncodeToString(item.Sibling.Bytes())
	}
	return out
}

func decodeProof(rowID string, proofHex []string) (*merkle.Proof, error) {
	proof := &merkle.Proof{LeafData: []byte(rowID), Items: make([]merkle.ProofItem, len(proofHex))}
	for i, entry := range proofHex {
		if len(entry) < 2 {
			return nil, fmt.Errorf("proof_hex[%d] is too short", i)
		}
		var dir merkle.Direction
		switch entry[0] {
		case 'L':
			dir = merkle.Left
		case 'R':
			dir = merkle.Right
		default:
			return nil, fmt.Errorf("proof_hex[%d] has unknown direction prefix %q", i, entry[0])
		}
		b, err := hex.DecodeString(entry[1:])
		if err != nil {
			return nil, fmt.Errorf("proof_hex[%d] is not valid hex: %w", i, err)
		}
		if len(b) != hashcore.Size {
			return nil, fmt.Errorf("proof_hex[%d] decodes to %d bytes, want %d", i, len(b), hashcore.Size)
		}
		var sib hashcore.Hash
		copy(sib[:], b)
		proof.Items[i] = merkle.ProofItem{Sibling: sib, Direction: dir}
	}
	return proof, nil
}

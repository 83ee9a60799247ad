package httpserver

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/fedlab/registry-backend/credential"
	"github.com/fedlab/registry-backend/gid"
	"github.com/fedlab/registry-backend/hierarchy"
	"github.com/fedlab/registry-backend/interfaces"
	"github.com/fedlab/registry-backend/metrics"
	"github.com/fedlab/registry-backend/naming"
	"github.com/fedlab/registry-backend/policy"
	"github.com/fedlab/registry-backend/rights"
)

const (
	// maxBodySize is the maximum allowed request body size (1MB).
	maxBodySize = 1024 * 1024

	// SelfCredentialValidity bounds credentials minted via the self endpoint.
	SelfCredentialValidity = 24 * time.Hour
)

// Handler processes registry API requests.
type Handler struct {
	store    interfaces.RecordStore
	hier     *hierarchy.Hierarchy
	verifier *credential.Verifier
	policy   *policy.Engine
	log      *slog.Logger
}

// NewHandler creates an API handler over the given components.
func NewHandler(store interfaces.RecordStore, hier *hierarchy.Hierarchy, verifier *credential.Verifier, pol *policy.Engine, log *slog.Logger) *Handler {
	return &Handler{
		store:    store,
		hier:     hier,
		verifier: verifier,
		policy:   pol,
		log:      log,
	}
}

type checkRequest struct {
	Credentials []string `json:"credentials"`
	Operation   string   `json:"operation"`
	Targets     []string `json:"targets"`

	// SpeaksFor is a PEM GID bundle for the speaks-for indirection. The
	// server has no transport-level client identity, so possession of the
	// named identity's key must be proven: SpeaksForProof carries a base64
	// ECDSA signature by that key over the rest of the request.
	SpeaksFor      string `json:"speaks_for,omitempty"`
	SpeaksForProof string `json:"speaks_for_proof,omitempty"`
}

// speaksForDigest is what a speaks-for proof signs: the request content,
// so a captured proof cannot be replayed against a different check.
func (req *checkRequest) speaksForDigest() ([]byte, error) {
	data, err := json.Marshal(struct {
		Credentials []string `json:"credentials"`
		Operation   string   `json:"operation"`
		Targets     []string `json:"targets"`
	}{req.Credentials, req.Operation, req.Targets})
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(data)
	return sum[:], nil
}

type credentialSummary struct {
	Object  string     `json:"object"`
	Caller  string     `json:"caller"`
	Rights  rights.Set `json:"rights"`
	Expires time.Time  `json:"expires"`
}

type rejection struct {
	Reason string `json:"reason"`
	Error  string `json:"error"`
}

// HandleCheckCredentials verifies a batch of credentials against an
// operation and target names.
//
// URL format: POST /api/credentials/check
//
// Response: JSON {accepted: [{object, caller, rights, expires}]} on success,
// {reason, error} with status 403 (400 for malformed input) otherwise.
func (h *Handler) HandleCheckCredentials(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	targets := make([]naming.HRN, 0, len(req.Targets))
	for _, t := range req.Targets {
		hrn, err := naming.ParseHRN(t)
		if err != nil {
			http.Error(w, "Invalid target name", http.StatusBadRequest)
			return
		}
		targets = append(targets, hrn)
	}

	var opts credential.CheckOptions
	if req.SpeaksFor != "" {
		speaksFor, err := gid.Decode([]byte(req.SpeaksFor))
		if err != nil {
			http.Error(w, "Invalid speaks-for identity", http.StatusBadRequest)
			return
		}
		sig, err := base64.StdEncoding.DecodeString(req.SpeaksForProof)
		if err != nil || len(sig) == 0 {
			http.Error(w, "Missing speaks-for proof", http.StatusBadRequest)
			return
		}
		digest, err := req.speaksForDigest()
		if err != nil {
			h.log.Error("Failed to compute speaks-for digest", "err", err)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		pub, ok := speaksFor.PublicKey().(*ecdsa.PublicKey)
		if !ok || !ecdsa.VerifyASN1(pub, digest, sig) {
			http.Error(w, "Speaks-for possession not proven", http.StatusForbidden)
			return
		}
		opts.SpeaksFor = speaksFor
	}

	accepted, err := h.verifier.CheckCredentials(req.Credentials, req.Operation, targets, opts)
	if err != nil {
		var rej *credential.RejectionError
		if errors.As(err, &rej) {
			metrics.CredentialChecks.WithLabelValues(string(rej.Reason)).Inc()
			status := http.StatusForbidden
			if rej.Reason == credential.ReasonMalformed {
				status = http.StatusBadRequest
			}
			writeJSON(w, status, rejection{Reason: string(rej.Reason), Error: rej.Err.Error()})
			return
		}
		h.log.Error("Credential check failed", "err", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	metrics.CredentialChecks.WithLabelValues("accepted").Inc()
	summaries := make([]credentialSummary, len(accepted))
	for i, cred := range accepted {
		summaries[i] = credentialSummary{
			Object:  cred.Object.HRN().String(),
			Caller:  cred.Caller.HRN().String(),
			Rights:  cred.Rights,
			Expires: cred.Expires,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"accepted": summaries})
}

// HandleGetRecord returns one registry record.
//
// URL format: GET /api/records/{record_type}/{hrn}
func (h *Handler) HandleGetRecord(w http.ResponseWriter, r *http.Request) {
	typ, err := interfaces.ParseRecordType(r.PathValue("record_type"))
	if err != nil {
		http.Error(w, "Invalid record type", http.StatusBadRequest)
		return
	}
	hrn, err := naming.ParseHRN(r.PathValue("hrn"))
	if err != nil {
		http.Error(w, "Invalid record name", http.StatusBadRequest)
		return
	}

	rec, err := h.store.FindByHRN(r.Context(), typ, hrn)
	if errors.Is(err, interfaces.ErrRecordNotFound) {
		http.Error(w, "Record not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.log.Error("Record lookup failed", "err", err, slog.String("hrn", hrn.String()))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

// HandleGetGID returns an authority's GID chain in PEM format.
//
// URL format: GET /api/gid/{hrn}
func (h *Handler) HandleGetGID(w http.ResponseWriter, r *http.Request) {
	hrn, err := naming.ParseHRN(r.PathValue("hrn"))
	if err != nil {
		http.Error(w, "Invalid authority name", http.StatusBadRequest)
		return
	}

	info, err := h.hier.Get(r.Context(), hrn)
	if errors.Is(err, hierarchy.ErrAuthorityNotFound) {
		http.Error(w, "Authority not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.log.Error("Authority lookup failed", "err", err, slog.String("hrn", hrn.String()))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/x-pem-file")
	w.WriteHeader(http.StatusOK)
	w.Write(info.GID.Encode())
}

type selfRequest struct {
	Type string `json:"type"`
	HRN  string `json:"hrn"`
}

// HandleSelfCredential mints a credential for a record over itself, carrying
// the rights the policy engine grants the record's own identity.
//
// URL format: POST /api/credentials/self
//
// Response: JSON {credential: <opaque signed string>}.
func (h *Handler) HandleSelfCredential(w http.ResponseWriter, r *http.Request) {
	var req selfRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	typ, err := interfaces.ParseRecordType(req.Type)
	if err != nil {
		http.Error(w, "Invalid record type", http.StatusBadRequest)
		return
	}
	hrn, err := naming.ParseHRN(req.HRN)
	if err != nil {
		http.Error(w, "Invalid record name", http.StatusBadRequest)
		return
	}

	rec, err := h.store.FindByHRN(r.Context(), typ, hrn)
	if errors.Is(err, interfaces.ErrRecordNotFound) {
		http.Error(w, "Record not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.log.Error("Record lookup failed", "err", err, slog.String("hrn", hrn.String()))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if len(rec.GID) == 0 {
		http.Error(w, "Record has no identity yet", http.StatusConflict)
		return
	}

	g, err := gid.Decode(rec.GID)
	if err != nil {
		h.log.Error("Stored GID does not decode", "err", err, slog.String("hrn", hrn.String()))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	rightsSet, err := h.policy.DetermineRights(r.Context(), hrn, rec)
	if err != nil {
		h.log.Error("Rights determination failed", "err", err, slog.String("hrn", hrn.String()))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if len(rightsSet) == 0 {
		http.Error(w, "No rights over record", http.StatusForbidden)
		return
	}

	authority := rec.Authority
	if authority == "" {
		authority = hrn
	}
	info, err := h.hier.Get(r.Context(), authority)
	if err != nil {
		h.log.Error("Signing authority unavailable", "err", err, slog.String("authority", authority.String()))
		http.Error(w, "Signing authority unavailable", http.StatusInternalServerError)
		return
	}

	cred := &credential.Credential{
		Object:  g,
		Caller:  g,
		Rights:  rightsSet,
		Expires: time.Now().Add(SelfCredentialValidity),
	}
	if err := credential.Sign(cred, info.Key, info.GID); err != nil {
		h.log.Error("Failed to sign credential", "err", err, slog.String("hrn", hrn.String()))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	enc, err := cred.Encode()
	if err != nil {
		h.log.Error("Failed to encode credential", "err", err, slog.String("hrn", hrn.String()))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"credential": enc})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

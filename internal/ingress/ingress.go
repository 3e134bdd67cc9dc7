// Package ingress implements the HTTP collaborator spec.md §6 leaves
// external to the core: a single route accepting a signed receipt
// alongside a query, verifying and storing it through
// admitter.TapManager before the query itself is served.
package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/streamingfast/logging"
	"go.uber.org/zap"

	"github.com/graphprotocol/tap-agent/internal/admitter"
	"github.com/graphprotocol/tap-agent/internal/tap"
)

var zlog, _ = logging.PackageLogger("ingress", "github.com/graphprotocol/tap-agent/internal/ingress")

// Verifier is the ingress contract spec.md §6 names:
// "a function verify_and_store(signed_receipt) usable by an HTTP
// handler". admitter.TapManager satisfies it directly.
type Verifier interface {
	VerifyAndStore(ctx context.Context, signed *tap.SignedReceipt) error
}

// receiptEnvelope is the wire shape of the receipt POST's JSON body:
// a signed receipt alongside the GraphQL query it pays for. The query
// body itself is forwarded to the cost-model/query-execution
// collaborator, which is out of scope here.
type receiptEnvelope struct {
	Receipt *tap.SignedReceipt `json:"receipt"`
	Query   json.RawMessage    `json:"query"`
}

// Handler wires receipt verification in front of query serving for one
// allocation's subgraph deployment. downstream handles the query itself
// once a receipt has been verified and stored; it is never called when
// verification fails.
type Handler struct {
	verifier   Verifier
	downstream http.Handler
}

// NewHandler returns a Handler that verifies every request's receipt
// before invoking downstream.
func NewHandler(verifier Verifier, downstream http.Handler) *Handler {
	return &Handler{verifier: verifier, downstream: downstream}
}

// Register mounts the handler's route onto router at
// urlPrefix/subgraphs/id/{deployment_id}, matching the indexer-service
// URL convention the spec's external HTTP collaborator follows.
func (h *Handler) Register(router *mux.Router, urlPrefix string) {
	router.HandleFunc(urlPrefix+"/subgraphs/id/{deployment_id}", h.serveHTTP).Methods(http.MethodPost)
}

func (h *Handler) serveHTTP(w http.ResponseWriter, r *http.Request) {
	var envelope receiptEnvelope
	if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decoding request body: %w", err))
		return
	}
	if envelope.Receipt == nil {
		writeError(w, http.StatusBadRequest, errors.New("missing receipt"))
		return
	}

	if err := h.verifier.VerifyAndStore(r.Context(), envelope.Receipt); err != nil {
		status, logLevel := classify(err)
		if logLevel {
			zlog.Warn("receipt rejected", zap.Error(err))
		}
		writeError(w, status, err)
		return
	}

	deploymentID := mux.Vars(r)["deployment_id"]
	r = r.WithContext(context.WithValue(r.Context(), deploymentIDKey{}, deploymentID))
	h.downstream.ServeHTTP(w, r)
}

type deploymentIDKey struct{}

// DeploymentIDFromContext returns the {deployment_id} path variable the
// verified request was routed under, for the downstream query handler.
func DeploymentIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(deploymentIDKey{}).(string)
	return id, ok
}

// classify maps an admitter error to the HTTP status spec.md §7's error
// taxonomy prescribes, and whether it warrants a warn-level log (storage
// errors are noisy upstream failures, not malicious client behavior).
func classify(err error) (status int, warn bool) {
	switch {
	case errors.Is(err, admitter.ErrIneligibleAllocation),
		errors.Is(err, admitter.ErrSignatureInvalid),
		errors.Is(err, admitter.ErrUnknownSigner),
		errors.Is(err, admitter.ErrIneligibleSender):
		return http.StatusBadRequest, false
	default:
		return http.StatusInternalServerError, true
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

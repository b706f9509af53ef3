package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/nicktill/tinymeter/pkg/account"
	"github.com/nicktill/tinymeter/pkg/cache"
	"github.com/nicktill/tinymeter/pkg/config"
	"github.com/nicktill/tinymeter/pkg/httpx"
	"github.com/nicktill/tinymeter/pkg/reading"
)

// AccountsHandler serves meter registration and lookups
type AccountsHandler struct {
	accounts account.Registry
	latest   cache.Cache
}

// NewAccountsHandler creates a new accounts handler
func NewAccountsHandler(accounts account.Registry, latest cache.Cache) *AccountsHandler {
	return &AccountsHandler{accounts: accounts, latest: latest}
}

// HandleRegister handles POST /v1/meters
func (h *AccountsHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, config.MaxRequestBodySize)

	var req account.Account
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, fmt.Errorf("%w: invalid JSON body: %v", reading.ErrMalformedInput, err))
		return
	}

	acct, err := h.accounts.Register(r.Context(), req)
	if err != nil {
		httpx.RespondFromError(w, err)
		return
	}
	httpx.RespondJSON(w, http.StatusCreated, acct)
}

// HandleList handles GET /v1/meters?area=
func (h *AccountsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	accts, err := h.accounts.List(r.Context(), r.URL.Query().Get("area"))
	if err != nil {
		httpx.RespondFromError(w, fmt.Errorf("%w: %v", reading.ErrStorageFailure, err))
		return
	}
	if accts == nil {
		accts = []account.Account{}
	}
	httpx.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"meters": accts,
		"count":  len(accts),
	})
}

// HandleGet handles GET /v1/meters/{id}
func (h *AccountsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	acct, err := h.accounts.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		httpx.RespondFromError(w, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, acct)
}

// HandleLatest handles GET /v1/meters/{id}/latest from the latest-value cache.
// The cache lags the writer, so a just-accepted reading may not show yet.
func (h *AccountsHandler) HandleLatest(w http.ResponseWriter, r *http.Request) {
	meterID := mux.Vars(r)["id"]

	ok, err := h.accounts.Exists(r.Context(), meterID)
	if err != nil {
		httpx.RespondFromError(w, fmt.Errorf("%w: %v", reading.ErrStorageFailure, err))
		return
	}
	if !ok {
		httpx.RespondFromError(w, fmt.Errorf("%w: meter %s", reading.ErrNotFound, meterID))
		return
	}

	latest, found, err := h.latest.Get(r.Context(), meterID)
	if err != nil {
		httpx.RespondFromError(w, fmt.Errorf("%w: latest value: %v", reading.ErrStorageFailure, err))
		return
	}
	if !found {
		httpx.RespondFromError(w, fmt.Errorf("%w: no reading cached for %s", reading.ErrNoData, meterID))
		return
	}
	httpx.RespondJSON(w, http.StatusOK, latest)
}

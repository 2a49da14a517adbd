package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/skridlevsky/expert-voter/internal/feed"
	"github.com/skridlevsky/expert-voter/internal/strategy"
)

// AccountsHandler serves poller status
type AccountsHandler struct {
	source StatusSource
}

// NewAccountsHandler creates a new accounts handler
func NewAccountsHandler(source StatusSource) *AccountsHandler {
	return &AccountsHandler{source: source}
}

// AccountsResponse is the body of GET /api/accounts
type AccountsResponse struct {
	Accounts   []feed.Status    `json:"accounts"`
	Excluded   []feed.Exclusion `json:"excluded"`
	TotalVotes int              `json:"totalVotes"`
}

// List handles GET /api/accounts
func (h *AccountsHandler) List(w http.ResponseWriter, r *http.Request) {
	response := AccountsResponse{
		Accounts: []feed.Status{},
		Excluded: []feed.Exclusion{},
	}

	if h.source != nil {
		if statuses := h.source.Statuses(); statuses != nil {
			response.Accounts = statuses
		}
		if excluded := h.source.Excluded(); excluded != nil {
			response.Excluded = excluded
		}
	}
	for _, s := range response.Accounts {
		response.TotalVotes += s.Votes
	}

	respondJSON(w, http.StatusOK, response)
}

// Get handles GET /api/accounts/{login}
func (h *AccountsHandler) Get(w http.ResponseWriter, r *http.Request) {
	login := chi.URLParam(r, "login")
	if login == "" {
		http.Error(w, "Missing login", http.StatusBadRequest)
		return
	}

	if h.source != nil {
		for _, s := range h.source.Statuses() {
			if s.Login == login {
				respondJSON(w, http.StatusOK, s)
				return
			}
		}
	}

	http.Error(w, "Account not found", http.StatusNotFound)
}

// StrategiesResponse is the body of GET /api/strategies
type StrategiesResponse struct {
	Default    string              `json:"default"`
	Strategies []strategy.Strategy `json:"strategies"`
}

// NewStrategiesHandler lists the registered strategy presets
func NewStrategiesHandler(reg *strategy.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		def, err := reg.Resolve("")
		if err != nil {
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		respondJSON(w, http.StatusOK, StrategiesResponse{
			Default:    def.Name,
			Strategies: reg.List(),
		})
	}
}

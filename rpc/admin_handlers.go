package rpc

import (
	"encoding/json"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"tokenbank/registry"
)

func (s *Server) handleRegisterAsset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Address  string `json:"address"`
		Feed     string `json:"feed"`
		Decimals uint8  `json:"decimals"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if !common.IsHexAddress(req.Address) || !common.IsHexAddress(req.Feed) {
		http.Error(w, "address and feed must be hex addresses", http.StatusBadRequest)
		return
	}
	asset := registry.Asset{
		ID:       common.HexToAddress(req.Address),
		Feed:     common.HexToAddress(req.Feed),
		Decimals: req.Decimals,
	}
	if err := s.engine.RegisterAsset(adminActor(r), asset); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"asset": asset.ID.Hex()})
}

func (s *Server) handleDeregisterAsset(w http.ResponseWriter, r *http.Request) {
	asset, err := parseAsset(chi.URLParam(r, "asset"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.engine.DeregisterAsset(adminActor(r), asset); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetPerTxCap(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Cap string `json:"cap"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	limit, err := parseAmount(req.Cap)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.engine.SetPerTxNativeCap(adminActor(r), limit); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"per_tx_native_cap": limit.String()})
}

func (s *Server) handleSetBalance(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Account string `json:"account"`
		Asset   string `json:"asset"`
		Amount  string `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	account, err := parseAccount(req.Account)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	asset, err := parseAsset(req.Asset)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	previous, err := s.engine.AdminSetBalance(r.Context(), adminActor(r), account, asset, amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"account":  account.Hex(),
		"asset":    asset.Hex(),
		"previous": previous.String(),
		"balance":  amount.String(),
	})
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	report, err := s.engine.Reconcile(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"recorded": report.Recorded.String(),
		"computed": report.Computed.String(),
		"drift":    report.Drift().String(),
		"entries":  report.Entries,
	})
}

func (s *Server) handleAuditTrail(w http.ResponseWriter, r *http.Request) {
	records, err := s.engine.AuditTrail()
	if err != nil {
		s.writeError(w, err)
		return
	}
	type recordView struct {
		ID        string `json:"id"`
		Kind      string `json:"kind"`
		Actor     string `json:"actor"`
		Account   string `json:"account,omitempty"`
		Asset     string `json:"asset,omitempty"`
		OldValue  string `json:"old_value"`
		NewValue  string `json:"new_value"`
		CreatedAt int64  `json:"created_at"`
	}
	views := make([]recordView, 0, len(records))
	for _, record := range records {
		view := recordView{
			ID:        record.ID,
			Kind:      record.Kind,
			Actor:     record.Actor,
			OldValue:  record.OldValue.String(),
			NewValue:  record.NewValue.String(),
			CreatedAt: record.CreatedAt,
		}
		if record.Account != (common.Address{}) {
			view.Account = record.Account.Hex()
		}
		if record.Asset != (common.Address{}) {
			view.Asset = record.Asset.Hex()
		}
		views = append(views, view)
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": views})
}

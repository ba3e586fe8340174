package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"tokenbank/limits"
	"tokenbank/registry"
)

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	Requested string `json:"requested,omitempty"`
	Limit     string `json:"limit,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	resp := errorResponse{Error: err.Error()}
	var violation *limits.Violation
	if errors.As(err, &violation) {
		resp.Code = string(violation.Code)
		resp.Requested = violation.Requested.String()
		resp.Limit = violation.Limit.String()
	}
	code := status(err)
	if code >= http.StatusInternalServerError {
		s.log.Error("request failed", "err", err)
	}
	writeJSON(w, code, resp)
}

// parseAsset resolves an asset path or payload value: "native" or the zero
// address selects the native currency, anything else must be a hex address.
func parseAsset(value string) (common.Address, error) {
	trimmed := strings.TrimSpace(value)
	if strings.EqualFold(trimmed, "native") {
		return registry.NativeAsset, nil
	}
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, fmt.Errorf("rpc: invalid asset address %q", value)
	}
	return common.HexToAddress(trimmed), nil
}

func parseAccount(value string) (common.Address, error) {
	trimmed := strings.TrimSpace(value)
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, fmt.Errorf("rpc: invalid account address %q", value)
	}
	return common.HexToAddress(trimmed), nil
}

func parseAmount(value string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(value), 10)
	if !ok {
		return nil, fmt.Errorf("rpc: invalid amount %q", value)
	}
	return amount, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListAssets(w http.ResponseWriter, r *http.Request) {
	type assetView struct {
		Address  string `json:"address"`
		Feed     string `json:"feed"`
		Decimals uint8  `json:"decimals"`
		Native   bool   `json:"native,omitempty"`
	}
	records := s.engine.Assets()
	views := make([]assetView, 0, len(records))
	for _, record := range records {
		views = append(views, assetView{
			Address:  record.ID.Hex(),
			Feed:     record.Feed.Hex(),
			Decimals: record.Decimals,
			Native:   record.ID == registry.NativeAsset,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"assets": views})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	account, err := parseAccount(chi.URLParam(r, "account"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	asset, err := parseAsset(chi.URLParam(r, "asset"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	balance, err := s.engine.BalanceOf(account, asset)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"account": account.Hex(),
		"asset":   asset.Hex(),
		"balance": balance.String(),
	})
}

func (s *Server) handleExposure(w http.ResponseWriter, r *http.Request) {
	exposure, err := s.engine.TotalExposure()
	if err != nil {
		s.writeError(w, err)
		return
	}
	deposits, err := s.engine.DepositCount()
	if err != nil {
		s.writeError(w, err)
		return
	}
	withdrawals, err := s.engine.WithdrawCount()
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"exposure":    exposure.String(),
		"bank_cap":    s.engine.BankCap().String(),
		"deposits":    deposits,
		"withdrawals": withdrawals,
	})
}

func (s *Server) handleWithdrawCeiling(w http.ResponseWriter, r *http.Request) {
	asset, err := parseAsset(chi.URLParam(r, "asset"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ceiling, err := s.engine.WithdrawCeiling(r.Context(), asset)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"asset":            asset.Hex(),
		"withdraw_ceiling": ceiling.String(),
	})
}

type transferRequest struct {
	Account string `json:"account"`
	Asset   string `json:"asset,omitempty"`
	Amount  string `json:"amount"`
}

func (s *Server) decodeTransfer(w http.ResponseWriter, r *http.Request, wantAsset bool) (common.Address, common.Address, *big.Int, bool) {
	var req transferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return common.Address{}, common.Address{}, nil, false
	}
	account, err := parseAccount(req.Account)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return common.Address{}, common.Address{}, nil, false
	}
	asset := registry.NativeAsset
	if wantAsset {
		asset, err = parseAsset(req.Asset)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return common.Address{}, common.Address{}, nil, false
		}
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return common.Address{}, common.Address{}, nil, false
	}
	return account, asset, amount, true
}

func (s *Server) handleDepositNative(w http.ResponseWriter, r *http.Request) {
	account, _, amount, ok := s.decodeTransfer(w, r, false)
	if !ok {
		return
	}
	if err := s.engine.DepositNative(r.Context(), account, amount); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"credited": amount.String()})
}

func (s *Server) handleWithdrawNative(w http.ResponseWriter, r *http.Request) {
	account, _, amount, ok := s.decodeTransfer(w, r, false)
	if !ok {
		return
	}
	if err := s.engine.WithdrawNative(r.Context(), account, amount); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"debited": amount.String()})
}

func (s *Server) handleDepositToken(w http.ResponseWriter, r *http.Request) {
	account, asset, amount, ok := s.decodeTransfer(w, r, true)
	if !ok {
		return
	}
	received, err := s.engine.DepositToken(r.Context(), account, asset, amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"credited": received.String()})
}

func (s *Server) handleWithdrawToken(w http.ResponseWriter, r *http.Request) {
	account, asset, amount, ok := s.decodeTransfer(w, r, true)
	if !ok {
		return
	}
	if err := s.engine.WithdrawToken(r.Context(), account, asset, amount); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"debited": amount.String()})
}

func (s *Server) handleDepositSwap(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Account         string `json:"account"`
		Asset           string `json:"asset"`
		Amount          string `json:"amount"`
		MinOut          string `json:"min_out,omitempty"`
		DeadlineSeconds int64  `json:"deadline_seconds,omitempty"`
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
	minOut := big.NewInt(0)
	if strings.TrimSpace(req.MinOut) != "" {
		minOut, err = parseAmount(req.MinOut)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	var deadline time.Time
	if req.DeadlineSeconds > 0 {
		deadline = time.Now().Add(time.Duration(req.DeadlineSeconds) * time.Second)
	}
	output, err := s.engine.DepositArbitraryToken(r.Context(), account, asset, amount, minOut, deadline)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"credited": output.String()})
}

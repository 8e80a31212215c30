package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cashstack/paygate/internal/storage"
	"github.com/cashstack/paygate/internal/users"
)

// userView is the wire form of a user; the password hash never leaves
// the service.
type userView struct {
	ID              string     `json:"id"`
	ExternalID      string     `json:"externalId,omitempty"`
	Email           string     `json:"email"`
	Name            string     `json:"name,omitempty"`
	Type            string     `json:"type"`
	WalletAddress   string     `json:"walletAddress"`
	WalletIndex     uint32     `json:"walletIndex"`
	LastPaymentTime *time.Time `json:"lastPaymentTime,omitempty"`
	LastReviewTime  *time.Time `json:"lastReviewTime,omitempty"`
}

func viewUser(u *storage.User) userView {
	return userView{
		ID:              u.ID,
		ExternalID:      u.ExternalID,
		Email:           u.Email,
		Name:            u.Name,
		Type:            u.Type,
		WalletAddress:   u.WalletAddress,
		WalletIndex:     u.WalletIndex,
		LastPaymentTime: u.LastPaymentTime,
		LastReviewTime:  u.LastReviewTime,
	}
}

type paymentView struct {
	ID              string     `json:"id"`
	UserID          string     `json:"userId"`
	Status          string     `json:"status"`
	Type            int        `json:"type"`
	PriceUSD        float64    `json:"priceUSD"`
	PriceSats       int64      `json:"priceSats"`
	CreditsQuantity int64      `json:"creditsQuantity"`
	Txs             []string   `json:"txs"`
	CreatedAt       time.Time  `json:"createdAt"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
}

func viewPayment(p *storage.Payment) paymentView {
	txs := p.Txs
	if txs == nil {
		txs = []string{}
	}
	return paymentView{
		ID:              p.ID,
		UserID:          p.UserID,
		Status:          p.Status,
		Type:            p.Type,
		PriceUSD:        p.PriceUSD,
		PriceSats:       p.PriceSats,
		CreditsQuantity: p.CreditsQuantity,
		Txs:             txs,
		CreatedAt:       p.CreatedAt,
		CompletedAt:     p.CompletedAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeServiceError maps use-case errors onto HTTP statuses: missing
// records are 404, auth failures 401, everything else 422.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, users.ErrUnauthorized), errors.Is(err, users.ErrBadToken):
		writeError(w, http.StatusUnauthorized, err.Error())
	default:
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	}
}

// --- Users ---

type createUserRequest struct {
	User struct {
		Email      string `json:"email"`
		Password   string `json:"password"`
		Name       string `json:"name"`
		ExternalID string `json:"externalId"`
	} `json:"user"`
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid request body")
		return
	}

	user, token, err := s.users.Create(users.CreateParams{
		Email:      req.User.Email,
		Password:   req.User.Password,
		Name:       req.User.Name,
		ExternalID: req.User.ExternalID,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"userData": viewUser(user),
		"token":    token,
	})
}

type authRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleAuthUser(w http.ResponseWriter, r *http.Request) {
	var req authRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid request body")
		return
	}

	user, token, err := s.users.Authenticate(req.Email, req.Password)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user":  viewUser(user),
		"token": token,
	})
}

func (s *Server) handleGetUsers(w http.ResponseWriter, r *http.Request) {
	if requestUser(r).Type != "admin" {
		writeError(w, http.StatusUnauthorized, "admin only")
		return
	}

	all, err := s.users.GetAll()
	if err != nil {
		writeServiceError(w, err)
		return
	}

	views := make([]userView, 0, len(all))
	for i := range all {
		views = append(views, viewUser(&all[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": views})
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	user, err := s.users.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": viewUser(user)})
}

type updateUserRequest struct {
	User struct {
		Email    *string `json:"email"`
		Name     *string `json:"name"`
		Password *string `json:"password"`
		Type     *string `json:"type"`
	} `json:"user"`
}

func (s *Server) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	var req updateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid request body")
		return
	}

	user, err := s.users.Update(requestUser(r), chi.URLParam(r, "id"), users.UpdateParams{
		Email:    req.User.Email,
		Name:     req.User.Name,
		Password: req.User.Password,
		Type:     req.User.Type,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": viewUser(user)})
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	if requestUser(r).Type != "admin" {
		writeError(w, http.StatusUnauthorized, "admin only")
		return
	}

	if err := s.users.Delete(chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleAddressByExternalID(w http.ResponseWriter, r *http.Request) {
	info, err := s.users.AddressByExternalID(chi.URLParam(r, "externalID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// --- Payments ---

type createPaymentRequest struct {
	Payment struct {
		UserID string `json:"userId"`
		Type   int    `json:"type"`
	} `json:"payment"`
}

func (s *Server) handleCreatePayment(w http.ResponseWriter, r *http.Request) {
	var req createPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid request body")
		return
	}

	payment, err := s.payments.Create(r.Context(), req.Payment.UserID, req.Payment.Type)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"payment": viewPayment(payment)})
}

func (s *Server) handleGetPayments(w http.ResponseWriter, r *http.Request) {
	all, err := s.payments.GetAll()
	if err != nil {
		writeServiceError(w, err)
		return
	}

	views := make([]paymentView, 0, len(all))
	for i := range all {
		views = append(views, viewPayment(&all[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"payments": views})
}

func (s *Server) handleGetPayment(w http.ResponseWriter, r *http.Request) {
	payment, err := s.payments.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"payment": viewPayment(payment)})
}

func (s *Server) handleCancelPayment(w http.ResponseWriter, r *http.Request) {
	payment, err := s.payments.Cancel(chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"payment": viewPayment(payment)})
}

func (s *Server) handleDeletePayment(w http.ResponseWriter, r *http.Request) {
	if err := s.payments.Delete(chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

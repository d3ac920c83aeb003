package auth

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"authcore/internal/account"
	"authcore/internal/autherr"
	"authcore/internal/observability"
	"authcore/internal/ratelimit"
	"authcore/internal/reset"
	"authcore/internal/token"
)

const maxJSONBodyBytes = 1 << 20

const (
	forgotPasswordMessage = "If an account exists for that email, a password reset link has been sent."
	resetPasswordMessage  = "Password reset successfully"
)

type Accounts interface {
	Register(ctx context.Context, in account.RegisterInput) (account.Account, error)
	Verify(ctx context.Context, email, password string) (account.Account, error)
	Get(ctx context.Context, id string) (account.Account, error)
}

type Tokens interface {
	AccessVerifier
	Issue(ctx context.Context, accountID string) (token.Pair, error)
	Refresh(ctx context.Context, raw string) (token.Pair, error)
	Revoke(ctx context.Context, raw string) error
	RevokeAll(ctx context.Context, accountID string) error
}

type Resets interface {
	RequestReset(ctx context.Context, email string) error
	Redeem(ctx context.Context, in reset.RedeemInput) error
}

type Handler struct {
	accounts Accounts
	tokens   Tokens
	resets   Resets
	logger   *observability.Logger
	metrics  *observability.Metrics
}

func NewHandler(accounts Accounts, tokens Tokens, resets Resets, logger *observability.Logger, metrics *observability.Metrics) *Handler {
	return &Handler{accounts: accounts, tokens: tokens, resets: resets, logger: logger, metrics: metrics}
}

// Routes registers every auth endpoint on mux. Login and both reset
// endpoints pass through the rate limiter.
func (h *Handler) Routes(mux *http.ServeMux, limiter *RateLimiter) {
	mux.HandleFunc("POST /auth/register", h.Register)
	mux.Handle("POST /auth/login", limiter.Middleware(ratelimit.Login, http.HandlerFunc(h.Login)))
	mux.HandleFunc("POST /auth/refresh", h.Refresh)
	mux.HandleFunc("POST /auth/logout", h.Logout)
	mux.Handle("POST /auth/logout-all", Middleware(h.tokens, http.HandlerFunc(h.LogoutAll)))
	mux.Handle("POST /auth/forgot-password", limiter.Middleware(ratelimit.ForgotPassword, http.HandlerFunc(h.ForgotPassword)))
	mux.Handle("POST /auth/reset-password", limiter.Middleware(ratelimit.ResetPassword, http.HandlerFunc(h.ResetPassword)))
	mux.Handle("GET /auth/me", Middleware(h.tokens, http.HandlerFunc(h.Me)))
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type forgotPasswordRequest struct {
	Email string `json:"email"`
}

type loginResponse struct {
	token.Pair
	Account account.Account `json:"account"`
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var body account.RegisterInput
	if !decodeJSON(w, r, &body) {
		return
	}

	created, err := h.accounts.Register(r.Context(), body)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	h.logger.Info("account_registered", map[string]any{"account_id": created.ID})
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var body loginRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	body.Email = strings.TrimSpace(body.Email)
	if body.Email == "" || body.Password == "" {
		respondError(w, r, h.logger, autherr.Validation("email and password are required", nil))
		return
	}

	acc, err := h.accounts.Verify(r.Context(), body.Email, body.Password)
	if err != nil {
		if errors.Is(err, autherr.ErrAuthentication) {
			h.metrics.Login("invalid")
		} else {
			h.metrics.Login("error")
		}
		respondError(w, r, h.logger, err)
		return
	}

	pair, err := h.tokens.Issue(r.Context(), acc.ID)
	if err != nil {
		h.metrics.Login("error")
		respondError(w, r, h.logger, err)
		return
	}

	h.metrics.Login("ok")
	h.logger.Info("login_succeeded", map[string]any{"account_id": acc.ID})
	writeJSON(w, http.StatusOK, loginResponse{Pair: pair, Account: acc})
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var body refreshRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	pair, err := h.tokens.Refresh(r.Context(), strings.TrimSpace(body.RefreshToken))
	if err != nil {
		switch autherr.KindOf(err) {
		case autherr.KindTokenRevoked:
			h.metrics.Refresh("revoked")
		case autherr.KindTokenInvalid, autherr.KindTokenExpired:
			h.metrics.Refresh("invalid")
		default:
			h.metrics.Refresh("error")
		}
		respondError(w, r, h.logger, err)
		return
	}

	h.metrics.Refresh("ok")
	writeJSON(w, http.StatusOK, pair)
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	var body refreshRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	body.RefreshToken = strings.TrimSpace(body.RefreshToken)
	if body.RefreshToken == "" {
		badRequest(w, "refresh_token is required")
		return
	}

	if err := h.tokens.Revoke(r.Context(), body.RefreshToken); err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFrom(r.Context())
	if !ok {
		unauthorized(w, "missing authorization token")
		return
	}

	if err := h.tokens.RevokeAll(r.Context(), claims.AccountID); err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var body forgotPasswordRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	if strings.TrimSpace(body.Email) == "" {
		respondError(w, r, h.logger, autherr.Validation("email is required", map[string]string{"email": "email is required"}))
		return
	}

	if err := h.resets.RequestReset(r.Context(), body.Email); err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": forgotPasswordMessage})
}

func (h *Handler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var body reset.RedeemInput
	if !decodeJSON(w, r, &body) {
		return
	}

	if err := h.resets.Redeem(r.Context(), body); err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": resetPasswordMessage})
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFrom(r.Context())
	if !ok {
		unauthorized(w, "missing authorization token")
		return
	}

	acc, err := h.accounts.Get(r.Context(), claims.AccountID)
	if err != nil {
		if isNotFound(err) {
			unauthorized(w, "account no longer exists")
			return
		}
		respondError(w, r, h.logger, err)
		return
	}
	if !acc.Active {
		unauthorized(w, "account is disabled")
		return
	}

	writeJSON(w, http.StatusOK, acc)
}

// decodeJSON reads a single JSON object into dst. On failure it writes a
// 400 response and returns false.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: "request body too large", Code: autherr.KindValidation.String()})
			return false
		}
		badRequest(w, "invalid json body")
		return false
	}
	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		badRequest(w, "request body must contain a single json object")
		return false
	}
	return true
}

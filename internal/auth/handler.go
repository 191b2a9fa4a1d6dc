package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/mail"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/readmark/auth-service/internal/auth/entity"
)

// Handler exposes the HTTP endpoints for the auth flows.
type Handler struct {
	svc    *Service
	logger *zap.SugaredLogger
}

func NewHandler(svc *Service, logger *zap.SugaredLogger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

type ctxKey int

const userKey ctxKey = 0

// UserFromContext returns the authenticated user placed by RequireAuth.
func UserFromContext(ctx context.Context) (*entity.User, bool) {
	u, ok := ctx.Value(userKey).(*entity.User)
	return u, ok
}

// FieldError carries one validation failure for the 400 response body.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// RegisterRequest request body for the register endpoint.
type RegisterRequest struct {
	Email    string  `json:"email"`
	Password string  `json:"password"`
	Name     *string `json:"name,omitempty"`
}

func (r *RegisterRequest) validate() []FieldError {
	var errs []FieldError
	errs = appendEmailError(errs, r.Email)
	errs = appendPasswordError(errs, r.Password)
	if r.Name != nil && len(*r.Name) > 100 {
		errs = append(errs, FieldError{Field: "name", Message: "must be at most 100 characters"})
	}
	return errs
}

func appendEmailError(errs []FieldError, email string) []FieldError {
	if email == "" {
		return append(errs, FieldError{Field: "email", Message: "is required"})
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return append(errs, FieldError{Field: "email", Message: "must be a valid email address"})
	}
	return errs
}

func appendPasswordError(errs []FieldError, password string) []FieldError {
	if len(password) < 6 {
		return append(errs, FieldError{Field: "password", Message: "must be at least 6 characters"})
	}
	// bcrypt only reads the first 72 bytes; longer input would silently truncate.
	if len(password) > 72 {
		return append(errs, FieldError{Field: "password", Message: "must be at most 72 characters"})
	}
	return errs
}

// AuthResponse is the register/login/refresh response body.
type AuthResponse struct {
	User         *entity.User `json:"user,omitempty"`
	AccessToken  string       `json:"access_token"`
	RefreshToken string       `json:"refresh_token"`
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}
	if errs := req.validate(); len(errs) > 0 {
		h.writeValidation(w, errs)
		return
	}
	u, pair, err := h.svc.Register(r.Context(), req.Email, req.Password, req.Name)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, AuthResponse{User: u, AccessToken: pair.AccessToken, RefreshToken: pair.RefreshToken})
}

// LoginRequest login payload.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}
	var errs []FieldError
	errs = appendEmailError(errs, req.Email)
	errs = appendPasswordError(errs, req.Password)
	if len(errs) > 0 {
		h.writeValidation(w, errs)
		return
	}
	u, pair, err := h.svc.Login(r.Context(), req.Email, req.Password, clientIP(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, AuthResponse{User: u, AccessToken: pair.AccessToken, RefreshToken: pair.RefreshToken})
}

// ExternalLoginRequest carries an identity assertion from a federated
// provider. The provider exchange itself happens upstream; this endpoint
// trusts the asserted identity and runs the account-linking flow.
type ExternalLoginRequest struct {
	ExternalID string  `json:"external_id"`
	Email      string  `json:"email"`
	Name       *string `json:"name,omitempty"`
}

func (h *Handler) ExternalLogin(w http.ResponseWriter, r *http.Request) {
	var req ExternalLoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}
	var errs []FieldError
	if req.ExternalID == "" {
		errs = append(errs, FieldError{Field: "external_id", Message: "is required"})
	}
	errs = appendEmailError(errs, req.Email)
	if len(errs) > 0 {
		h.writeValidation(w, errs)
		return
	}
	u, pair, err := h.svc.LoginExternal(r.Context(), req.ExternalID, req.Email, req.Name)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, AuthResponse{User: u, AccessToken: pair.AccessToken, RefreshToken: pair.RefreshToken})
}

// RefreshRequest refresh payload.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "refresh_token required"})
		return
	}
	_, pair, err := h.svc.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, AuthResponse{AccessToken: pair.AccessToken, RefreshToken: pair.RefreshToken})
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	access := bearerToken(r)
	if access == "" {
		h.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "access token required"})
		return
	}
	var req RefreshRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if err := h.svc.Logout(r.Context(), access, req.RefreshToken); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

// ForgotPasswordRequest initiates a reset.
type ForgotPasswordRequest struct {
	Email string `json:"email"`
}

func (h *Handler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req ForgotPasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}
	if errs := appendEmailError(nil, req.Email); len(errs) > 0 {
		h.writeValidation(w, errs)
		return
	}
	if err := h.svc.InitiatePasswordReset(r.Context(), req.Email); err != nil {
		// Still report success: the response must not depend on whether the
		// account exists or the mail went out.
		h.logger.Errorw("password reset initiation failed", "err", err)
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"message": "if the email exists, a reset link has been sent"})
}

// ResetPasswordRequest completes a reset.
type ResetPasswordRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"new_password"`
}

func (h *Handler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req ResetPasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "token required"})
		return
	}
	if errs := appendPasswordError(nil, req.NewPassword); len(errs) > 0 {
		h.writeValidation(w, errs)
		return
	}
	if err := h.svc.ResetPassword(r.Context(), req.Token, req.NewPassword); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"message": "password reset"})
}

// ChangePasswordRequest for authenticated password change.
type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	u, ok := UserFromContext(r.Context())
	if !ok {
		h.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	var req ChangePasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}
	if errs := appendPasswordError(nil, req.NewPassword); len(errs) > 0 {
		h.writeValidation(w, errs)
		return
	}
	if err := h.svc.ChangePassword(r.Context(), u.ID, req.CurrentPassword, req.NewPassword); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"message": "password changed"})
}

// VerifyEmailRequest carries the verification token.
type VerifyEmailRequest struct {
	Token string `json:"token"`
}

func (h *Handler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	var req VerifyEmailRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "token required"})
		return
	}
	if err := h.svc.VerifyEmail(r.Context(), req.Token); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"message": "email verified"})
}

func (h *Handler) ResendVerification(w http.ResponseWriter, r *http.Request) {
	u, ok := UserFromContext(r.Context())
	if !ok {
		h.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	if err := h.svc.RequestEmailVerification(r.Context(), u.ID); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"message": "verification email sent"})
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	u, ok := UserFromContext(r.Context())
	if !ok {
		h.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	h.writeJSON(w, http.StatusOK, u)
}

// UpdateProfileRequest carries the mutable profile fields.
type UpdateProfileRequest struct {
	Name *string `json:"name"`
}

func (h *Handler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	u, ok := UserFromContext(r.Context())
	if !ok {
		h.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	var req UpdateProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}
	if req.Name != nil && len(*req.Name) > 100 {
		h.writeValidation(w, []FieldError{{Field: "name", Message: "must be at most 100 characters"}})
		return
	}
	updated, err := h.svc.UpdateProfile(r.Context(), u.ID, req.Name)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, updated)
}

func (h *Handler) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	u, ok := UserFromContext(r.Context())
	if !ok {
		h.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	if err := h.svc.DeleteAccount(r.Context(), u.ID); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"message": "account deleted"})
}

func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	users, err := h.svc.ListUsers(r.Context(), limit, offset)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

func (h *Handler) GetUserByID(w http.ResponseWriter, r *http.Request) {
	u, err := h.svc.GetUser(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, u)
}

// UpdateRoleRequest carries the new role for an account.
type UpdateRoleRequest struct {
	Role string `json:"role"`
}

func (h *Handler) UpdateUserRole(w http.ResponseWriter, r *http.Request) {
	var req UpdateRoleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}
	u, err := h.svc.UpdateRole(r.Context(), r.PathValue("id"), req.Role)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, u)
}

// RequireAuth resolves the Bearer token and stores the current user in the
// request context. Lock state and role come from the store, not the claims.
func (h *Handler) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tok := bearerToken(r)
		if tok == "" {
			h.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "access token required"})
			return
		}
		u, err := h.svc.Authenticate(r.Context(), tok)
		if err != nil {
			h.writeError(w, err)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), userKey, u)))
	}
}

// RequireRole gates a handler on the caller's role. The role comes from the
// store via RequireAuth, never from the token claims.
func (h *Handler) RequireRole(role string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u, ok := UserFromContext(r.Context())
		if !ok {
			h.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		if u.Role != role {
			h.writeJSON(w, http.StatusForbidden, map[string]string{"error": "insufficient role"})
			return
		}
		next(w, r)
	}
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// writeError maps service errors to HTTP statuses. Unrecognized errors are
// logged with full detail and surfaced as a bare 500.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrValidation):
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": ErrValidation.Error()})
	case errors.Is(err, ErrDuplicateEmail):
		h.writeJSON(w, http.StatusConflict, map[string]string{"error": "email already registered"})
	case errors.Is(err, ErrInvalidCredentials),
		errors.Is(err, ErrAccountLocked),
		errors.Is(err, ErrTokenExpired),
		errors.Is(err, ErrTokenInvalid),
		errors.Is(err, ErrRefreshTokenReuse):
		h.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": unauthorizedMessage(err)})
	case errors.Is(err, ErrEmailNotVerified):
		h.writeJSON(w, http.StatusForbidden, map[string]string{"error": "email verification required"})
	case errors.Is(err, ErrTokenUsedOrExpired):
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "token invalid or expired"})
	case errors.Is(err, ErrNotFound):
		h.writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	default:
		h.logger.Errorw("internal error", "err", err)
		h.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

// unauthorizedMessage picks the client-facing text for 401s. Invalid email
// and invalid password share one message on purpose.
func unauthorizedMessage(err error) string {
	switch {
	case errors.Is(err, ErrAccountLocked):
		return "account temporarily locked"
	case errors.Is(err, ErrTokenExpired):
		return "token expired"
	case errors.Is(err, ErrTokenInvalid), errors.Is(err, ErrRefreshTokenReuse):
		return "invalid token"
	default:
		return "invalid credentials"
	}
}

func (h *Handler) writeValidation(w http.ResponseWriter, errs []FieldError) {
	h.writeJSON(w, http.StatusBadRequest, map[string]any{
		"error":   "validation failed",
		"details": errs,
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

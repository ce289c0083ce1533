package handlers

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"github.com/hongminglow/all-in-ledger/internal/auth"
	"github.com/hongminglow/all-in-ledger/internal/http/respond"
	"github.com/hongminglow/all-in-ledger/internal/ledger"
	"github.com/hongminglow/all-in-ledger/internal/models"
	"github.com/hongminglow/all-in-ledger/internal/models/dto"
	"github.com/hongminglow/all-in-ledger/internal/storage"
)

// AuthHandler owns register/login endpoints. Registering opens the user's
// single account.
type AuthHandler struct {
	store       storage.UserStore
	tokens      *auth.TokenManager
	initBalance decimal.Decimal
}

// NewAuthHandler constructs the handler. New accounts open with initBalance.
func NewAuthHandler(store storage.UserStore, tokens *auth.TokenManager, initBalance decimal.Decimal) *AuthHandler {
	return &AuthHandler{store: store, tokens: tokens, initBalance: initBalance}
}

// Register attaches auth routes to the router.
func (h *AuthHandler) Register(r *mux.Router) {
	r.HandleFunc("/register", h.handleRegister).Methods(http.MethodPost)
	r.HandleFunc("/login", h.handleLogin).Methods(http.MethodPost)
}

func (h *AuthHandler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req dto.RegisterRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	phone := normalizePhone(req)
	if err := validateCredentials(req.Username, req.Email, phone, req.Password); err != nil {
		respond.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	account, err := accountFromRequest(req)
	if err != nil {
		respond.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	account.InitialBalance = h.initBalance

	passwordHash, err := hashPassword(req.Password)
	if err != nil {
		respond.Error(w, http.StatusInternalServerError, "failed to hash password")
		return
	}

	user := models.User{
		Username:     strings.TrimSpace(req.Username),
		Email:        strings.TrimSpace(req.Email),
		Phone:        phone,
		Role:         models.CustomerRole,
		PasswordHash: passwordHash,
	}
	createdUser, createdAccount, err := h.store.CreateUserWithAccount(r.Context(), user, account)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrAlreadyExists):
			respond.Error(w, http.StatusConflict, "user already exists")
		default:
			log.Printf("create user error: %v", err)
			respond.Error(w, http.StatusInternalServerError, "failed to create user")
		}
		return
	}

	respond.JSON(w, http.StatusCreated, "account opened", dto.RegisterResponse{User: createdUser, Account: createdAccount})
}

func (h *AuthHandler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req dto.LoginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Identifier) == "" || strings.TrimSpace(req.Password) == "" {
		respond.Error(w, http.StatusBadRequest, "identifier and password are required")
		return
	}
	user, err := h.store.FindByUsernameOrEmail(r.Context(), strings.TrimSpace(req.Identifier))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			respond.Error(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		log.Printf("login failed: error fetching user %s: %v", req.Identifier, err)
		respond.Error(w, http.StatusInternalServerError, "failed to fetch user")
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		respond.Error(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	token, err := h.tokens.Generate(user)
	if err != nil {
		respond.Error(w, http.StatusInternalServerError, "failed to generate token")
		return
	}
	respond.JSON(w, http.StatusOK, "login successful", dto.LoginResponse{Token: token, User: user})
}

// EnsureAdmin creates the admin user unless one with the same username or
// email already exists.
func (h *AuthHandler) EnsureAdmin(ctx context.Context, username, email, phone, password string) error {
	if err := validateCredentials(username, email, phone, password); err != nil {
		return fmt.Errorf("admin credentials: %w", err)
	}
	passwordHash, err := hashPassword(password)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}
	user := models.User{
		Username:     strings.TrimSpace(username),
		Email:        strings.TrimSpace(email),
		Phone:        strings.TrimSpace(phone),
		Role:         models.AdminRole,
		PasswordHash: passwordHash,
	}
	_, _, err = h.store.CreateUserWithAccount(ctx, user, models.Account{Category: models.Current, InitialBalance: decimal.Zero})
	if errors.Is(err, storage.ErrAlreadyExists) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("create admin: %w", err)
	}
	log.Printf("created admin user %s", user.Username)
	return nil
}

func normalizePhone(req dto.RegisterRequest) string {
	if trimmed := strings.TrimSpace(req.Phone); trimmed != "" {
		return trimmed
	}
	return strings.TrimSpace(req.PhoneNumber)
}

func validateCredentials(username, email, phone, password string) error {
	if strings.TrimSpace(username) == "" || strings.TrimSpace(email) == "" || strings.TrimSpace(phone) == "" {
		return errors.New("username, email, and phone are required")
	}
	if len(strings.TrimSpace(password)) < 8 || !utf8.ValidString(password) {
		return errors.New("password must be at least 8 characters")
	}
	return nil
}

// accountFromRequest reads the display-only account fields.
func accountFromRequest(req dto.RegisterRequest) (models.Account, error) {
	account := models.Account{Category: models.Savings}
	if c := strings.ToLower(strings.TrimSpace(req.AccountType)); c != "" {
		account.Category = models.AccountCategory(c)
		if !account.Category.Valid() {
			return models.Account{}, errors.New("account_type must be savings or current")
		}
	}
	if g := strings.ToLower(strings.TrimSpace(req.Gender)); g != "" {
		account.Gender = models.Gender(g)
		if !account.Gender.Valid() {
			return models.Account{}, errors.New("gender must be male, female or other")
		}
	}
	if dob := strings.TrimSpace(req.DateOfBirth); dob != "" {
		parsed, err := time.Parse(ledger.DateLayout, dob)
		if err != nil {
			return models.Account{}, errors.New("date_of_birth must be YYYY-MM-DD")
		}
		account.DateOfBirth = &parsed
	}
	return account, nil
}

func hashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

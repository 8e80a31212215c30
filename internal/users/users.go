// Package users implements the user use cases: registration with
// wallet assignment, authentication and profile management.
package users

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/cashstack/paygate/internal/storage"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrUnauthorized = errors.New("unauthorized")
	ErrBadToken     = errors.New("invalid token")
)

// AddressDeriver resolves a derivation index to a receiving address.
type AddressDeriver interface {
	DeriveAddress(index uint32) (string, error)
}

type Service struct {
	store   *storage.Storage
	deriver AddressDeriver
	secret  []byte
	log     *slog.Logger
	now     func() time.Time
}

func New(store *storage.Storage, deriver AddressDeriver, jwtSecret []byte, log *slog.Logger) *Service {
	return &Service{
		store:   store,
		deriver: deriver,
		secret:  jwtSecret,
		log:     log,
		now:     time.Now,
	}
}

type CreateParams struct {
	Email      string
	Password   string
	Name       string
	ExternalID string
}

// Create registers a new user. A fresh derivation index is reserved
// and the receiving wallet address derived from it before the record
// is stored; both are immutable afterwards. Returns the user and an
// API token. If index reservation or derivation fails the creation
// fails cleanly, no wallet address is assigned.
func (s *Service) Create(p CreateParams) (*storage.User, string, error) {
	if p.Email == "" {
		return nil, "", fmt.Errorf("%w: email is required", ErrInvalidInput)
	}
	if p.Password == "" {
		return nil, "", fmt.Errorf("%w: password is required", ErrInvalidInput)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(p.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("hash password: %w", err)
	}

	index, err := s.store.ReserveWalletIndex()
	if err != nil {
		return nil, "", fmt.Errorf("reserve wallet index: %w", err)
	}

	address, err := s.deriver.DeriveAddress(index)
	if err != nil {
		return nil, "", fmt.Errorf("derive wallet at index %d: %w", index, err)
	}

	user := &storage.User{
		ID:            uuid.NewString(),
		ExternalID:    p.ExternalID,
		Email:         p.Email,
		PasswordHash:  string(hash),
		Name:          p.Name,
		Type:          "user",
		WalletAddress: address,
		WalletIndex:   index,
		CreatedAt:     s.now(),
	}
	if err := s.store.CreateUser(user); err != nil {
		return nil, "", fmt.Errorf("store user: %w", err)
	}

	token, err := s.token(user)
	if err != nil {
		return nil, "", err
	}

	s.log.Info("user created",
		"user_id", user.ID,
		"wallet_index", index,
		"wallet_address", address,
	)
	return user, token, nil
}

func (s *Service) token(u *storage.User) (string, error) {
	claims := jwt.MapClaims{
		"sub":  u.ID,
		"type": u.Type,
		"iat":  s.now().Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return token, nil
}

// VerifyToken resolves an API token back to its user.
func (s *Service) VerifyToken(tokenString string) (*storage.User, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrBadToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrBadToken
	}
	sub, ok := claims["sub"].(string)
	if !ok {
		return nil, ErrBadToken
	}

	return s.store.GetUser(sub)
}

// Authenticate checks email/password credentials and returns the user
// with a fresh token.
func (s *Service) Authenticate(email, password string) (*storage.User, string, error) {
	user, err := s.store.GetUserByEmail(email)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, "", ErrUnauthorized
	}
	if err != nil {
		return nil, "", err
	}

	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return nil, "", ErrUnauthorized
	}

	token, err := s.token(user)
	if err != nil {
		return nil, "", err
	}
	return user, token, nil
}

// Get returns a user by id.
func (s *Service) Get(id string) (*storage.User, error) {
	return s.store.GetUser(id)
}

// GetAll returns all users.
func (s *Service) GetAll() ([]storage.User, error) {
	return s.store.GetAllUsers()
}

type UpdateParams struct {
	Email    *string
	Name     *string
	Password *string
	Type     *string
}

// Update modifies a user's profile. Changing the user type requires
// the acting user to be an admin. Wallet fields are never touched.
func (s *Service) Update(actor *storage.User, id string, p UpdateParams) (*storage.User, error) {
	user, err := s.store.GetUser(id)
	if err != nil {
		return nil, err
	}

	if p.Email != nil {
		if *p.Email == "" {
			return nil, fmt.Errorf("%w: email cannot be empty", ErrInvalidInput)
		}
		user.Email = *p.Email
	}
	if p.Name != nil {
		user.Name = *p.Name
	}
	if p.Password != nil {
		hash, err := bcrypt.GenerateFromPassword([]byte(*p.Password), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hash password: %w", err)
		}
		user.PasswordHash = string(hash)
	}
	if p.Type != nil {
		if actor == nil || actor.Type != "admin" {
			return nil, fmt.Errorf("%w: user type can only be changed by an admin", ErrUnauthorized)
		}
		user.Type = *p.Type
	}

	if err := s.store.UpdateUser(user); err != nil {
		return nil, err
	}
	return user, nil
}

// Delete removes a user.
func (s *Service) Delete(id string) error {
	return s.store.DeleteUser(id)
}

// AddressInfo is the payment-facing view of a user, looked up by the
// upstream identity id.
type AddressInfo struct {
	Address         string     `json:"address"`
	LastPaymentTime *time.Time `json:"lastPaymentTime"`
	LastReviewTime  *time.Time `json:"lastReviewTime"`
}

// AddressByExternalID returns the receiving address and detection
// state of the user registered under an upstream identity id.
func (s *Service) AddressByExternalID(externalID string) (*AddressInfo, error) {
	if externalID == "" {
		return nil, fmt.Errorf("%w: external id is required", ErrInvalidInput)
	}

	user, err := s.store.GetUserByExternalID(externalID)
	if err != nil {
		return nil, err
	}

	return &AddressInfo{
		Address:         user.WalletAddress,
		LastPaymentTime: user.LastPaymentTime,
		LastReviewTime:  user.LastReviewTime,
	}, nil
}

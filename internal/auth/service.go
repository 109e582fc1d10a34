/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package auth implements account registration and token issuance. All
// tokens are HS256 JWTs carrying a scope claim; verification and reset
// tokens are scoped JWTs as well, so no token table exists and a leaked
// database cannot mint sessions.
package auth

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/vietstack/vpsd/internal/config"
	"github.com/vietstack/vpsd/internal/errdefs"
	"github.com/vietstack/vpsd/internal/mail"
	"github.com/vietstack/vpsd/internal/model"
	"github.com/vietstack/vpsd/internal/obs/logging"
	"github.com/vietstack/vpsd/internal/store"
)

// Token scopes. A token is only accepted for the purpose it was minted for.
const (
	ScopeAccess  = "access"
	ScopeRefresh = "refresh"
	ScopeVerify  = "verify_email"
	ScopeReset   = "reset_password"
)

const (
	verifyTokenTTL = 24 * time.Hour
	resetTokenTTL  = time.Hour
)

// Claims is the JWT payload for every token this service mints.
type Claims struct {
	Scope string     `json:"scope"`
	Role  model.Role `json:"role,omitempty"`
	Email string     `json:"email"`
	jwt.RegisteredClaims
}

// TokenPair is one login session: a short-lived access token and the
// refresh token the HTTP layer stores in an http-only cookie.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresIn  int
	RefreshExpiresIn int
}

// Service handles registration, login, and token verification.
type Service struct {
	store  store.Store
	cfg    config.AuthConfig
	mailer mail.Mailer
	now    func() time.Time
}

// NewService creates an auth service.
func NewService(st store.Store, cfg config.AuthConfig, mailer mail.Mailer) *Service {
	if mailer == nil {
		mailer = mail.Noop{}
	}
	return &Service{store: st, cfg: cfg, mailer: mailer, now: time.Now}
}

// CookieName returns the refresh-cookie name the HTTP layer should use.
func (s *Service) CookieName() string { return s.cfg.RefreshCookieName }

// RefreshTTL returns the refresh token lifetime, for cookie expiry.
func (s *Service) RefreshTTL() time.Duration { return s.cfg.RefreshTokenTTL }

// Register creates an unverified account and mails a verification token.
func (s *Service) Register(ctx context.Context, email, password, fullName string) (*model.User, error) {
	if email == "" || len(password) < 8 {
		return nil, errdefs.NewInvalidArgument("email and a password of at least 8 characters are required")
	}

	if _, err := s.store.GetUserByEmail(ctx, email); err == nil {
		return nil, errdefs.NewConflict("email %s is already registered", email)
	} else if !errdefs.IsKind(err, errdefs.KindNotFound) {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, errdefs.NewInternal("failed to hash password", err)
	}

	user := &model.User{
		ID:           model.NewID(),
		Email:        email,
		PasswordHash: string(hash),
		FullName:     fullName,
		Role:         model.RoleUser,
		CreatedAt:    s.now(),
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		return nil, err
	}

	token, err := s.mint(user, ScopeVerify, verifyTokenTTL)
	if err != nil {
		return nil, err
	}
	if err := s.mailer.SendVerification(ctx, user.Email, token); err != nil {
		// The account exists either way; the token can be re-requested.
		logging.FromContext(ctx).Error(err, "failed to send verification mail", "user", user.ID.String())
	}

	logging.FromContext(ctx).Info("registered user", "user", user.ID.String())
	return user, nil
}

// VerifyEmail confirms an account from a verification token.
func (s *Service) VerifyEmail(ctx context.Context, token string) error {
	claims, err := s.parse(token, ScopeVerify)
	if err != nil {
		return err
	}
	user, err := s.userFromClaims(ctx, claims)
	if err != nil {
		return err
	}
	if user.Verified() {
		return nil
	}
	now := s.now()
	user.EmailVerifiedAt = &now
	return s.store.UpdateUser(ctx, user)
}

// Login checks credentials and issues a token pair. Unverified accounts
// cannot log in.
func (s *Service) Login(ctx context.Context, email, password string) (*model.User, *TokenPair, error) {
	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		if errdefs.IsKind(err, errdefs.KindNotFound) {
			return nil, nil, errdefs.NewUnauthenticated("invalid email or password")
		}
		return nil, nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return nil, nil, errdefs.NewUnauthenticated("invalid email or password")
	}
	if !user.Verified() {
		return nil, nil, errdefs.NewForbidden("email address is not verified")
	}

	pair, err := s.issuePair(user)
	if err != nil {
		return nil, nil, err
	}
	logging.FromContext(ctx).Info("user logged in", "user", user.ID.String())
	return user, pair, nil
}

// Refresh rotates a session: the refresh token is verified and a fresh
// pair is issued, invalidating nothing but relying on the cookie swap.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	claims, err := s.parse(refreshToken, ScopeRefresh)
	if err != nil {
		return nil, err
	}
	user, err := s.userFromClaims(ctx, claims)
	if err != nil {
		return nil, err
	}
	return s.issuePair(user)
}

// ForgotPassword mails a reset token. Unknown addresses are a silent
// success so the endpoint cannot be used to probe for accounts.
func (s *Service) ForgotPassword(ctx context.Context, email string) error {
	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		if errdefs.IsKind(err, errdefs.KindNotFound) {
			return nil
		}
		return err
	}
	token, err := s.mint(user, ScopeReset, resetTokenTTL)
	if err != nil {
		return err
	}
	return s.mailer.SendPasswordReset(ctx, user.Email, token)
}

// ResetPassword sets a new password from a reset token.
func (s *Service) ResetPassword(ctx context.Context, token, newPassword string) error {
	if len(newPassword) < 8 {
		return errdefs.NewInvalidArgument("password must be at least 8 characters")
	}
	claims, err := s.parse(token, ScopeReset)
	if err != nil {
		return err
	}
	user, err := s.userFromClaims(ctx, claims)
	if err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return errdefs.NewInternal("failed to hash password", err)
	}
	user.PasswordHash = string(hash)
	return s.store.UpdateUser(ctx, user)
}

// Authenticate resolves an access token to its user. This is what the
// HTTP middleware calls on every authenticated request.
func (s *Service) Authenticate(ctx context.Context, accessToken string) (*model.User, error) {
	claims, err := s.parse(accessToken, ScopeAccess)
	if err != nil {
		return nil, err
	}
	return s.userFromClaims(ctx, claims)
}

func (s *Service) issuePair(user *model.User) (*TokenPair, error) {
	access, err := s.mint(user, ScopeAccess, s.cfg.AccessTokenTTL)
	if err != nil {
		return nil, err
	}
	refresh, err := s.mint(user, ScopeRefresh, s.cfg.RefreshTokenTTL)
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresIn:  int(s.cfg.AccessTokenTTL.Seconds()),
		RefreshExpiresIn: int(s.cfg.RefreshTokenTTL.Seconds()),
	}, nil
}

func (s *Service) mint(user *model.User, scope string, ttl time.Duration) (string, error) {
	now := s.now()
	claims := &Claims{
		Scope: scope,
		Role:  user.Role,
		Email: user.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.cfg.SecretKey))
	if err != nil {
		return "", errdefs.NewInternal("failed to sign token", err)
	}
	return token, nil
}

func (s *Service) parse(token, wantScope string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(s.cfg.SecretKey), nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithTimeFunc(func() time.Time { return s.now() }))
	if err != nil || !parsed.Valid {
		return nil, errdefs.NewUnauthenticated("invalid or expired token")
	}
	if claims.Scope != wantScope {
		return nil, errdefs.NewUnauthenticated("token not valid for this operation")
	}
	return claims, nil
}

func (s *Service) userFromClaims(ctx context.Context, claims *Claims) (*model.User, error) {
	id, err := model.ParseID(claims.Subject)
	if err != nil {
		return nil, errdefs.NewUnauthenticated("malformed token subject")
	}
	user, err := s.store.GetUser(ctx, id)
	if err != nil {
		if errdefs.IsKind(err, errdefs.KindNotFound) {
			return nil, errdefs.NewUnauthenticated("account no longer exists")
		}
		return nil, err
	}
	return user, nil
}

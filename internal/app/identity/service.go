package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/nats-io/nuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/pairtask/project/internal/app/store"
	"github.com/pairtask/project/internal/contracts"
	"github.com/pairtask/project/internal/platform/auth"
)

var (
	ErrInvalidUsername     = errors.New("username is required")
	ErrInvalidDisplayName  = errors.New("display name is required")
	ErrInvalidPassword     = errors.New("password must be at least 8 characters")
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrRefreshTokenMissing = errors.New("refresh_token is required")
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
	ErrInvalidInvite       = errors.New("invite code is invalid or expired")
	ErrSelfInvite          = errors.New("cannot accept your own invite")
	ErrAlreadyLinked       = errors.New("already linked to a partner")
)

type AuthResponse struct {
	Token        string `json:"token"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	UserID       string `json:"user_id"`
	Username     string `json:"username"`
	DisplayName  string `json:"display_name"`
}

// ProfileDirectory is the store surface identity needs: profile creation on
// registration and the symmetric partner link behind invite acceptance.
type ProfileDirectory interface {
	CreateProfile(ctx context.Context, profile contracts.Profile) error
	GetProfile(ctx context.Context, userID string) (contracts.Profile, error)
	LinkPartners(ctx context.Context, userA, userB, actorID string) error
	UnlinkPartners(ctx context.Context, userID, actorID string) error
}

type Service struct {
	Repo       Repository
	Profiles   ProfileDirectory
	AuthToken  auth.Manager
	NewID      func() string
	RefreshTTL time.Duration
	InviteTTL  time.Duration
	Now        func() time.Time
}

func NewService(repo Repository, profiles ProfileDirectory, tokenManager auth.Manager) *Service {
	return &Service{
		Repo:       repo,
		Profiles:   profiles,
		AuthToken:  tokenManager,
		NewID:      nuid.Next,
		RefreshTTL: 30 * 24 * time.Hour,
		InviteTTL:  7 * 24 * time.Hour,
		Now:        func() time.Time { return time.Now().UTC() },
	}
}

func normalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

func validateRegistration(username, displayName, password string) error {
	if normalizeUsername(username) == "" {
		return ErrInvalidUsername
	}
	if strings.TrimSpace(displayName) == "" {
		return ErrInvalidDisplayName
	}
	if len(strings.TrimSpace(password)) < 8 {
		return ErrInvalidPassword
	}
	return nil
}

func (s *Service) Register(ctx context.Context, username, displayName, password string) (AuthResponse, error) {
	if err := validateRegistration(username, displayName, password); err != nil {
		return AuthResponse{}, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return AuthResponse{}, err
	}

	u := User{
		ID:           s.NewID(),
		Username:     normalizeUsername(username),
		DisplayName:  strings.TrimSpace(displayName),
		PasswordHash: string(hash),
	}
	if err := s.Repo.CreateUser(ctx, u); err != nil {
		return AuthResponse{}, err
	}
	if err := s.Profiles.CreateProfile(ctx, contracts.Profile{
		UserID:      u.ID,
		DisplayName: u.DisplayName,
	}); err != nil {
		return AuthResponse{}, err
	}
	return s.issueSession(ctx, u)
}

func (s *Service) Login(ctx context.Context, username, password string) (AuthResponse, error) {
	uname := normalizeUsername(username)
	if uname == "" || strings.TrimSpace(password) == "" {
		return AuthResponse{}, ErrInvalidCredentials
	}

	u, err := s.Repo.FindUserByUsername(ctx, uname)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return AuthResponse{}, ErrInvalidCredentials
		}
		return AuthResponse{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return AuthResponse{}, ErrInvalidCredentials
	}
	return s.issueSession(ctx, u)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (AuthResponse, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return AuthResponse{}, ErrRefreshTokenMissing
	}

	session, err := s.Repo.FindRefreshTokenByHash(ctx, hashRefreshToken(refreshToken))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return AuthResponse{}, ErrInvalidRefreshToken
		}
		return AuthResponse{}, err
	}
	if err := s.Repo.RevokeRefreshToken(ctx, session.TokenID); err != nil {
		return AuthResponse{}, err
	}

	u, err := s.Repo.FindUserByID(ctx, session.UserID)
	if err != nil {
		return AuthResponse{}, err
	}
	return s.issueSession(ctx, u)
}

func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return ErrRefreshTokenMissing
	}
	session, err := s.Repo.FindRefreshTokenByHash(ctx, hashRefreshToken(refreshToken))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	return s.Repo.RevokeRefreshToken(ctx, session.TokenID)
}

// CreateInvite issues a single-use pairing code. A user who is already
// linked cannot invite.
func (s *Service) CreateInvite(ctx context.Context, userID string) (Invite, error) {
	profile, err := s.Profiles.GetProfile(ctx, userID)
	if err != nil {
		return Invite{}, err
	}
	if profile.PartnerID != nil {
		return Invite{}, ErrAlreadyLinked
	}

	inv := Invite{
		Code:      s.NewID(),
		InviterID: userID,
		ExpiresAt: s.Now().Add(s.InviteTTL),
	}
	if err := s.Repo.CreateInvite(ctx, inv); err != nil {
		return Invite{}, err
	}
	return inv, nil
}

// AcceptInvite redeems the code and links both users symmetrically. The
// redeem happens first so a concurrent second acceptor loses on the
// single-use update rather than half-linking.
func (s *Service) AcceptInvite(ctx context.Context, userID, code string) (contracts.Profile, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return contracts.Profile{}, ErrInvalidInvite
	}

	inv, err := s.Repo.FindInviteByCode(ctx, code)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return contracts.Profile{}, ErrInvalidInvite
		}
		return contracts.Profile{}, err
	}
	if inv.InviterID == userID {
		return contracts.Profile{}, ErrSelfInvite
	}
	if inv.RedeemedBy != nil || s.Now().After(inv.ExpiresAt) {
		return contracts.Profile{}, ErrInvalidInvite
	}

	if err := s.Repo.RedeemInvite(ctx, code, userID, s.Now()); err != nil {
		if errors.Is(err, ErrNotFound) {
			return contracts.Profile{}, ErrInvalidInvite
		}
		return contracts.Profile{}, err
	}

	if err := s.Profiles.LinkPartners(ctx, inv.InviterID, userID, userID); err != nil {
		if errors.Is(err, store.ErrAlreadyLinked) {
			return contracts.Profile{}, ErrAlreadyLinked
		}
		return contracts.Profile{}, err
	}
	return s.Profiles.GetProfile(ctx, inv.InviterID)
}

// Unlink dissolves the acting user's partner link on both sides.
func (s *Service) Unlink(ctx context.Context, userID string) error {
	return s.Profiles.UnlinkPartners(ctx, userID, userID)
}

func (s *Service) issueSession(ctx context.Context, user User) (AuthResponse, error) {
	accessToken, err := s.AuthToken.Sign(user.ID, user.DisplayName)
	if err != nil {
		return AuthResponse{}, err
	}

	refreshToken := s.NewID() + "." + s.NewID()
	session := RefreshToken{
		TokenID:   s.NewID(),
		UserID:    user.ID,
		TokenHash: hashRefreshToken(refreshToken),
		ExpiresAt: s.Now().Add(s.RefreshTTL),
	}
	if err := s.Repo.CreateRefreshToken(ctx, session); err != nil {
		return AuthResponse{}, err
	}

	return AuthResponse{
		Token:        accessToken,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		UserID:       user.ID,
		Username:     user.Username,
		DisplayName:  user.DisplayName,
	}, nil
}

func hashRefreshToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

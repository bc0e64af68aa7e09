package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"marketchat/pkg/interfaces"
	"marketchat/pkg/types"
)

// Config defines how session tokens are signed and verified
type Config struct {
	Secret []byte
	Issuer string
	TTL    time.Duration
	Now    func() time.Time
}

// claims is the token payload. The subject is the numeric user id.
type claims struct {
	jwt.RegisteredClaims
	Username string `json:"username"`
}

// Validator implements interfaces.SessionValidator over HS256 tokens issued by
// the marketplace. When a user directory is set, the username is taken from it.
type Validator struct {
	config Config
	users  interfaces.UserDirectory
}

// NewValidator creates a validator. users may be nil.
func NewValidator(config Config, users interfaces.UserDirectory) (*Validator, error) {
	if len(config.Secret) == 0 || strings.TrimSpace(config.Issuer) == "" {
		return nil, ErrNotConfigured
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.TTL <= 0 {
		config.TTL = 24 * time.Hour
	}
	return &Validator{config: config, users: users}, nil
}

// ValidateSession verifies token and returns the caller's identity
func (v *Validator) ValidateSession(ctx context.Context, token string) (types.Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return types.Identity{}, ErrMissingToken
	}

	var parsed claims
	_, err := jwt.ParseWithClaims(token, &parsed, func(t *jwt.Token) (any, error) {
		return v.config.Secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.config.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.config.Now),
	)
	if err != nil {
		return types.Identity{}, mapJWTError(err)
	}

	userID, err := strconv.ParseInt(parsed.Subject, 10, 64)
	if err != nil || userID <= 0 {
		return types.Identity{}, ErrInvalidSubject
	}

	identity := types.Identity{UserID: userID, Username: parsed.Username}
	if v.users != nil {
		username, err := v.users.UsernameByID(ctx, userID)
		if errors.Is(err, interfaces.ErrUserNotFound) {
			return types.Identity{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
		}
		if err != nil {
			return types.Identity{}, fmt.Errorf("user lookup failed: %w", err)
		}
		if identity.Username != "" && identity.Username != username {
			return types.Identity{}, ErrUsernameMismatch
		}
		identity.Username = username
	}

	if !types.IsValidUsername(identity.Username) {
		return types.Identity{}, fmt.Errorf("%w: %w", ErrInvalidToken, types.ErrInvalidUsername)
	}
	return identity, nil
}

// IssueToken signs a token for identity. Used by the dev token command and tests.
func (v *Validator) IssueToken(identity types.Identity) (string, error) {
	now := v.config.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    v.config.Issuer,
			Subject:   strconv.FormatInt(identity.UserID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(v.config.TTL)),
		},
		Username: identity.Username,
	})
	signed, err := token.SignedString(v.config.Secret)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return signed, nil
}

// mapJWTError translates jwt library errors to session errors
func mapJWTError(err error) error {
	if errors.Is(err, jwt.ErrTokenExpired) {
		return ErrExpiredToken
	}
	return fmt.Errorf("%w: %v", ErrInvalidToken, err)
}

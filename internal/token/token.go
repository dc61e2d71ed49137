// Package token issues and verifies room access tokens.
//
// Tokens are HS256 JWTs in the LiveKit access-token layout: the API key is
// the issuer, the participant identity the subject, and a "video" grant names
// the room and what the participant may do in it. Clients fetch a token from
// the HTTP [Handler] and present it when joining a room.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// DefaultTTL is the lifetime of issued tokens when none is configured.
const DefaultTTL = 6 * time.Hour

// MaxNameLength bounds room names, participant names and identities.
const MaxNameLength = 128

var (
	// ErrNoCredentials is returned by [NewIssuer] without an API key and
	// secret.
	ErrNoCredentials = errors.New("token: api key and secret required")

	// ErrInvalidToken is returned (wrapped) by [Issuer.Verify].
	ErrInvalidToken = errors.New("token: invalid token")
)

// Config holds the signing credentials.
type Config struct {
	APIKey    string
	APISecret string

	// URL is the room server address returned to clients with every token.
	URL string

	// TTL is the token lifetime. Zero means [DefaultTTL].
	TTL time.Duration
}

// VideoGrant is the room permission set carried by a token.
type VideoGrant struct {
	Room           string `json:"room"`
	RoomJoin       bool   `json:"roomJoin"`
	CanPublish     bool   `json:"canPublish"`
	CanSubscribe   bool   `json:"canSubscribe"`
	CanPublishData bool   `json:"canPublishData"`
}

// Claims are the JWT claims of an access token. Subject holds the
// participant identity.
type Claims struct {
	jwt.RegisteredClaims
	Name  string      `json:"name,omitempty"`
	Video *VideoGrant `json:"video,omitempty"`
}

// Identity returns the participant identity.
func (c *Claims) Identity() string { return c.Subject }

// Grant describes the token to issue.
type Grant struct {
	Room            string
	ParticipantName string

	// Identity defaults to ParticipantName.
	Identity string

	CanPublish     bool
	CanSubscribe   bool
	CanPublishData bool
}

// Issuer signs and verifies access tokens. It is safe for concurrent use.
type Issuer struct {
	cfg Config
	now func() time.Time
}

// NewIssuer creates an issuer for cfg.
func NewIssuer(cfg Config) (*Issuer, error) {
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, ErrNoCredentials
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	return &Issuer{cfg: cfg, now: time.Now}, nil
}

// URL returns the room server address handed to clients.
func (i *Issuer) URL() string { return i.cfg.URL }

// Issue signs a token for g.
func (i *Issuer) Issue(g Grant) (string, error) {
	if g.Room == "" {
		return "", errors.New("token: room required")
	}
	identity := g.Identity
	if identity == "" {
		identity = g.ParticipantName
	}
	if identity == "" {
		return "", errors.New("token: participant identity required")
	}

	now := i.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    i.cfg.APIKey,
			Subject:   identity,
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.cfg.TTL)),
		},
		Name: g.ParticipantName,
		Video: &VideoGrant{
			Room:           g.Room,
			RoomJoin:       true,
			CanPublish:     g.CanPublish,
			CanSubscribe:   g.CanSubscribe,
			CanPublishData: g.CanPublishData,
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(i.cfg.APISecret))
	if err != nil {
		return "", fmt.Errorf("token: sign: %w", err)
	}
	return signed, nil
}

// Verify parses raw and checks its signature, issuer and validity window. The
// token must grant joining a room.
func (i *Issuer) Verify(raw string) (*Claims, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return []byte(i.cfg.APISecret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.cfg.APIKey),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if claims.Video == nil || !claims.Video.RoomJoin || claims.Video.Room == "" {
		return nil, fmt.Errorf("%w: no room grant", ErrInvalidToken)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: no identity", ErrInvalidToken)
	}
	return &claims, nil
}

package roomservice

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/livekit/protocol/auth"

	"github.com/antoniostano/fancall/internal/liveroom"
)

const DefaultTokenTTL = 6 * time.Hour

var ErrMissingCredentials = errors.New("livekit api key and secret are required")

// TokenClaims is the decoded payload of a participant access token.
type TokenClaims struct {
	Name  string           `json:"name,omitempty"`
	Video *auth.VideoGrant `json:"video,omitempty"`
	jwt.RegisteredClaims
}

// TokenIssuer signs participant tokens with the media server's API key.
// Expiry is taken from the wall clock at signing; now only drives Verify.
type TokenIssuer struct {
	apiKey    string
	apiSecret []byte
	ttl       time.Duration
	now       func() time.Time
}

func NewTokenIssuer(apiKey, apiSecret string, ttl time.Duration) (*TokenIssuer, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" || apiSecret == "" {
		return nil, ErrMissingCredentials
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenIssuer{
		apiKey:    apiKey,
		apiSecret: []byte(apiSecret),
		ttl:       ttl,
		now:       time.Now,
	}, nil
}

// Issue mints a join token for a fresh user identity in roomName.
func (i *TokenIssuer) Issue(roomName string) (liveroom.AccessToken, error) {
	identity := "user-" + uuid.NewString()[:8]
	allow := true
	signed, err := auth.NewAccessToken(i.apiKey, string(i.apiSecret)).
		SetIdentity(identity).
		SetName(identity).
		SetValidFor(i.ttl).
		AddGrant(&auth.VideoGrant{
			Room:           roomName,
			RoomJoin:       true,
			CanPublish:     &allow,
			CanSubscribe:   &allow,
			CanPublishData: &allow,
		}).
		ToJWT()
	if err != nil {
		return liveroom.AccessToken{}, fmt.Errorf("sign token: %w", err)
	}
	return liveroom.AccessToken{Token: signed, RoomName: roomName, Identity: identity}, nil
}

// Verify parses a token issued by this issuer.
func (i *TokenIssuer) Verify(token string) (*TokenClaims, error) {
	claims := &TokenClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return i.apiSecret, nil
	}, jwt.WithIssuer(i.apiKey), jwt.WithTimeFunc(i.now))
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

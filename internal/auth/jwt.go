package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fleetlink/fleet-gateway/internal/config"
)

// TokenTypeVehicle tags tokens issued to devices
const TokenTypeVehicle = "vehicle"

// ErrInvalidToken is the only error callers see from VerifyToken
var ErrInvalidToken = errors.New("invalid token")

// JWTManager issues and verifies device bearer tokens
type JWTManager struct {
	config *config.JWTConfig
	now    func() time.Time
}

// NewJWTManager creates a new JWT manager
func NewJWTManager(cfg *config.JWTConfig) *JWTManager {
	return &JWTManager{
		config: cfg,
		now:    time.Now,
	}
}

// Claims represents device token claims
type Claims struct {
	jwt.RegisteredClaims
	DeviceID string `json:"vehicleId"`
	Type     string `json:"type"`
}

// TTL returns the configured token lifetime
func (m *JWTManager) TTL() time.Duration {
	return m.config.TokenTTL
}

// IssueToken signs a token bound to deviceID. A zero ttl uses the configured lifetime.
func (m *JWTManager) IssueToken(deviceID string, ttl time.Duration) (string, *Claims, error) {
	if deviceID == "" {
		return "", nil, errors.New("issue token: empty device id")
	}
	if ttl <= 0 {
		ttl = m.config.TokenTTL
	}

	now := m.now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   deviceID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    m.config.Issuer,
			ID:        uuid.New().String(),
		},
		DeviceID: deviceID,
		Type:     TokenTypeVehicle,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(m.config.Secret))
	if err != nil {
		return "", nil, fmt.Errorf("sign token: %w", err)
	}

	return signed, claims, nil
}

// VerifyToken validates signature, expiry and shape of a device token.
// Every failure collapses to ErrInvalidToken; the cause is logged at debug.
func (m *JWTManager) VerifyToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(m.config.Secret), nil
	}, jwt.WithTimeFunc(m.now), jwt.WithExpirationRequired())

	if err != nil {
		log.Debug().Str("reason", failureReason(err)).Err(err).Msg("Token rejected")
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		log.Debug().Str("reason", "invalid").Msg("Token rejected")
		return nil, ErrInvalidToken
	}

	if claims.Type != TokenTypeVehicle || claims.DeviceID == "" {
		log.Debug().Str("reason", "wrong_type").Str("type", claims.Type).Msg("Token rejected")
		return nil, ErrInvalidToken
	}

	return claims, nil
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "expired"
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "malformed"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "bad_signature"
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return "not_yet_valid"
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return "missing_claim"
	default:
		return "unverifiable"
	}
}

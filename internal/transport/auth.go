package transport

import (
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nkeys"
	"go.uber.org/zap"
)

// DefaultJWTExpiry is the validity window for self-issued tokens.
const DefaultJWTExpiry = time.Hour

// GenerateSelfIssuedJWT signs a bearer token with the Ed25519 key derived
// from an NKey seed. The issuer is the signer's own public key, so the
// broker can verify the token against the account's known keys without a
// central issuer.
func GenerateSelfIssuedJWT(nkeySeed, userID string, expiry time.Duration) (string, error) {
	kp, err := nkeys.FromSeed([]byte(nkeySeed))
	if err != nil {
		return "", fmt.Errorf("parse nkey seed: %w", err)
	}
	pub, err := kp.PublicKey()
	if err != nil {
		return "", fmt.Errorf("derive public key: %w", err)
	}
	_, raw, err := nkeys.DecodeSeed([]byte(nkeySeed))
	if err != nil {
		return "", fmt.Errorf("decode nkey seed: %w", err)
	}
	priv := ed25519.NewKeyFromSeed(raw)

	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    pub,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(priv)
	if err != nil {
		return "", fmt.Errorf("sign jwt: %w", err)
	}
	return signed, nil
}

// buildAuthOption resolves the configured credentials into a NATS option.
// Precedence: self-issued JWT, pre-generated token, basic auth, anonymous.
func buildAuthOption(cfg Config, logger *zap.Logger) (nats.Option, string, error) {
	switch {
	case cfg.NKeySeed != "" && cfg.UserID != "":
		token, err := GenerateSelfIssuedJWT(cfg.NKeySeed, cfg.UserID, DefaultJWTExpiry)
		if err != nil {
			return nil, "", err
		}
		logger.Info("Using self-issued JWT", zap.String("user", cfg.UserID))
		return nats.Token(token), "jwt", nil
	case cfg.Token != "":
		return nats.Token(cfg.Token), "token", nil
	case cfg.User != "" && cfg.Password != "":
		return nats.UserInfo(cfg.User, cfg.Password), "basic", nil
	default:
		return nil, "anonymous", nil
	}
}

package util

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/golang-jwt/jwt/v5"
)

// Verification follows https://plaid.com/docs/api/webhooks/webhook-verification/

const VerificationHeader = "Plaid-Verification"

// VerificationKey is the JWK returned by /webhook_verification_key/get.
type VerificationKey struct {
	Kid       string
	Kty       string
	Crv       string
	X         string
	Y         string
	ExpiredAt *int64
}

type KeyFetcher interface {
	FetchVerificationKey(ctx context.Context, kid string) (*VerificationKey, error)
}

type WebhookVerifier struct {
	fetcher KeyFetcher
	keys    *ristretto.Cache[string, *VerificationKey]
	maxAge  time.Duration
	now     func() time.Time
}

func NewWebhookVerifier(fetcher KeyFetcher) (*WebhookVerifier, error) {
	keys, err := ristretto.NewCache(&ristretto.Config[string, *VerificationKey]{
		NumCounters:        1000,
		MaxCost:            100,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("init key cache: %w", err)
	}
	return &WebhookVerifier{
		fetcher: fetcher,
		keys:    keys,
		maxAge:  5 * time.Minute,
		now:     time.Now,
	}, nil
}

func (v *WebhookVerifier) Close() {
	v.keys.Close()
}

// Verify checks the Plaid-Verification JWT against the webhook body. Any
// returned error means the payload must not be processed.
func (v *WebhookVerifier) Verify(ctx context.Context, body []byte, header http.Header) error {
	tokenString := header.Get(VerificationHeader)
	if tokenString == "" {
		return errors.New("missing Plaid-Verification header")
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}),
		jwt.WithTimeFunc(v.now),
	)

	unverified, _, err := parser.ParseUnverified(tokenString, jwt.MapClaims{})
	if err != nil {
		return fmt.Errorf("parse unverified token: %w", err)
	}
	if unverified.Method.Alg() != jwt.SigningMethodES256.Alg() {
		return fmt.Errorf("unexpected alg %q (want ES256)", unverified.Method.Alg())
	}
	kid, _ := unverified.Header["kid"].(string)
	if kid == "" {
		return errors.New("missing kid in JWT header")
	}

	jwk, err := v.key(ctx, kid)
	if err != nil {
		return fmt.Errorf("get JWK: %w", err)
	}
	if jwk.ExpiredAt != nil && v.now().Unix() > *jwk.ExpiredAt {
		return fmt.Errorf("verification key %s expired", kid)
	}
	pubKey, err := jwkToECDSAPublicKey(jwk)
	if err != nil {
		return fmt.Errorf("jwk->ecdsa: %w", err)
	}

	claims := jwt.MapClaims{}
	token, err := parser.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return pubKey, nil
	})
	if err != nil || !token.Valid {
		return fmt.Errorf("invalid token: %w", err)
	}

	iat, err := claims.GetIssuedAt()
	if err != nil || iat == nil {
		return errors.New("missing iat")
	}
	if v.now().Sub(iat.Time) > v.maxAge {
		return errors.New("token too old (>5m)")
	}

	wantHash, ok := claims["request_body_sha256"].(string)
	if !ok || wantHash == "" {
		return errors.New("missing request_body_sha256")
	}
	sum := sha256.Sum256(body)
	gotHex := hex.EncodeToString(sum[:])
	if subtle.ConstantTimeCompare([]byte(gotHex), []byte(strings.ToLower(wantHash))) != 1 {
		return errors.New("body hash mismatch")
	}

	return nil
}

func (v *WebhookVerifier) key(ctx context.Context, kid string) (*VerificationKey, error) {
	if key, ok := v.keys.Get(kid); ok && key != nil {
		return key, nil
	}
	key, err := v.fetcher.FetchVerificationKey(ctx, kid)
	if err != nil {
		return nil, err
	}
	if key.Kid == kid {
		v.keys.SetWithTTL(kid, key, 1, 24*time.Hour)
	}
	return key, nil
}

func jwkToECDSAPublicKey(jwk *VerificationKey) (*ecdsa.PublicKey, error) {
	if jwk == nil || jwk.X == "" || jwk.Y == "" ||
		jwk.Kty != "EC" ||
		jwk.Crv != "P-256" {
		return nil, errors.New("invalid/unsupported JWK")
	}
	xBytes, err := base64.RawURLEncoding.DecodeString(jwk.X)
	if err != nil {
		return nil, fmt.Errorf("decode x: %w", err)
	}
	yBytes, err := base64.RawURLEncoding.DecodeString(jwk.Y)
	if err != nil {
		return nil, fmt.Errorf("decode y: %w", err)
	}
	return &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(xBytes),
		Y:     new(big.Int).SetBytes(yBytes),
	}, nil
}

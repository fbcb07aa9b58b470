package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnsupportedJWT is returned for tokens using anything other than the
// configured HMAC signing method.
var ErrUnsupportedJWT = errors.New("unsupported jwt")

type jwtClaims struct {
	jwt.RegisteredClaims
}

type jwtVerifier struct {
	secret []byte
	now    func() time.Time
}

func NewJWTVerifier(secret string) jwtVerifier {
	return jwtVerifier{secret: []byte(secret), now: time.Now}
}

func (v jwtVerifier) Verify(token string) error {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(v.now))

	claims := &jwtClaims{}
	_, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrUnsupportedJWT
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenSignatureInvalid) || errors.Is(err, jwt.ErrTokenMalformed) ||
			errors.Is(err, jwt.ErrTokenExpired) || errors.Is(err, jwt.ErrTokenNotValidYet) {
			return ErrInvalidCredentials
		}
		if errors.Is(err, ErrUnsupportedJWT) {
			return ErrUnsupportedJWT
		}
		return ErrInvalidCredentials
	}
	if claims.Subject == "" {
		return ErrInvalidCredentials
	}
	return nil
}

// VerifyAndExtractSubject verifies token and returns its subject claim,
// used as a stable quota key so a client cannot bypass per-endpoint limits
// by minting many tokens for the same identity.
func (v jwtVerifier) VerifyAndExtractSubject(token string) (string, error) {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(v.now))

	claims := &jwtClaims{}
	_, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrUnsupportedJWT
		}
		return v.secret, nil
	})
	if err != nil {
		return "", ErrInvalidCredentials
	}
	if claims.Subject == "" {
		return "", ErrInvalidCredentials
	}
	return claims.Subject, nil
}

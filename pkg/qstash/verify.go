package qstash

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const signatureIssuer = "Upstash"

var ErrInvalidSignature = errors.New("invalid qstash signature")

// Verifier checks the Upstash-Signature header QStash attaches to the requests
// it delivers. Either signing key may be the active one during rotation.
type Verifier struct {
	keys [][]byte
	now  func() time.Time
}

func NewVerifier(currentKey, nextKey string) *Verifier {
	v := &Verifier{now: time.Now}
	for _, k := range []string{currentKey, nextKey} {
		if k = strings.TrimSpace(k); k != "" {
			v.keys = append(v.keys, []byte(k))
		}
	}
	return v
}

type signatureClaims struct {
	Body string `json:"body"`
	jwt.RegisteredClaims
}

// Verify validates token against body. A non-empty requestURL must match the
// token's subject.
func (v *Verifier) Verify(token string, body []byte, requestURL string) error {
	token = strings.TrimSpace(token)
	if len(v.keys) == 0 {
		return fmt.Errorf("%w: no signing keys configured", ErrInvalidSignature)
	}

	var errs []error
	for _, key := range v.keys {
		claims, err := v.parse(token, key, requestURL)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		sum := sha256.Sum256(body)
		if strings.TrimRight(claims.Body, "=") != base64.RawURLEncoding.EncodeToString(sum[:]) {
			return fmt.Errorf("%w: body hash mismatch", ErrInvalidSignature)
		}
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidSignature, errors.Join(errs...))
}

func (v *Verifier) parse(token string, key []byte, requestURL string) (*signatureClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(signatureIssuer),
		jwt.WithTimeFunc(v.now),
	}
	if requestURL != "" {
		opts = append(opts, jwt.WithSubject(requestURL))
	}

	claims := &signatureClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return key, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	return claims, nil
}

package venue

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// KalshiAuth signs Kalshi requests with a time-bounded RSA-PSS signature
// over timestamp + METHOD + PATH. The venue rejects signatures whose
// timestamp drifts outside its skew window, so headers are rebuilt fresh
// for every attempt.
type KalshiAuth struct {
	keyID string
	key   *rsa.PrivateKey
}

// NewKalshiAuth parses the PEM-encoded RSA private key. Both PKCS#8 and
// PKCS#1 encodings are accepted.
func NewKalshiAuth(keyID, pemKey string) (*KalshiAuth, error) {
	if keyID == "" {
		return nil, errors.New("kalshi api key id is empty")
	}
	key, err := parseRSAKey(pemKey)
	if err != nil {
		return nil, fmt.Errorf("parse kalshi private key: %w", err)
	}
	return &KalshiAuth{keyID: keyID, key: key}, nil
}

// Headers returns the three signature headers for one request. path must be
// the full request path including the API prefix, without the query string.
func (a *KalshiAuth) Headers(method, path string) (map[string]string, error) {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	sig, err := a.sign(ts + method + path)
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"KALSHI-ACCESS-KEY":       a.keyID,
		"KALSHI-ACCESS-SIGNATURE": sig,
		"KALSHI-ACCESS-TIMESTAMP": ts,
	}, nil
}

// sign produces a base64 RSA-PSS signature with salt length equal to the
// SHA-256 digest, which is what the venue verifies against.
func (a *KalshiAuth) sign(message string) (string, error) {
	digest := sha256.Sum256([]byte(message))
	sig, err := rsa.SignPSS(rand.Reader, a.key, crypto.SHA256, digest[:], &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthEqualsHash,
		Hash:       crypto.SHA256,
	})
	if err != nil {
		return "", fmt.Errorf("sign request: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

func parseRSAKey(pemKey string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemKey))
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("private key is not RSA")
		}
		return rsaKey, nil
	}
	return x509.ParsePKCS1PrivateKey(block.Bytes)
}

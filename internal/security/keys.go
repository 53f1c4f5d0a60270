package security

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidKey is returned for unusable signing key material.
var ErrInvalidKey = errors.New("invalid key")

// JWT_PRIVATE_KEY and JWT_PUBLIC_KEY hold either the PEM text itself or a path to a PEM
// file. Env files usually flatten PEM onto one line with literal `\n` separators.
const pemHeader = "-----BEGIN"

func readKeyMaterial(setting string) ([]byte, error) {
	setting = strings.TrimSpace(setting)
	if setting == "" {
		return nil, fmt.Errorf("%w: key setting is empty", ErrInvalidKey)
	}
	if strings.HasPrefix(setting, pemHeader) {
		return []byte(strings.ReplaceAll(setting, `\n`, "\n")), nil
	}
	b, err := os.ReadFile(setting)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	return b, nil
}

func keyBlock(setting string) (*pem.Block, error) {
	raw, err := readKeyMaterial(setting)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block", ErrInvalidKey)
	}
	return block, nil
}

// ParsePrivateKey reads an RSA, ECDSA or Ed25519 signing key in PKCS#1, SEC 1 or PKCS#8 form.
func ParsePrivateKey(setting string) (crypto.Signer, error) {
	block, err := keyBlock(setting)
	if err != nil {
		return nil, err
	}
	var key any
	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		key, err = x509.ParseECPrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	default:
		return nil, fmt.Errorf("%w: PEM type %q is not a private key", ErrInvalidKey, block.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok || signingMethod(signer.Public()) == nil {
		return nil, fmt.Errorf("%w: unsupported private key %T", ErrInvalidKey, key)
	}
	return signer, nil
}

// ParsePublicKey reads a verification key in PKIX or PKCS#1 form.
func ParsePublicKey(setting string) (crypto.PublicKey, error) {
	block, err := keyBlock(setting)
	if err != nil {
		return nil, err
	}
	var pub any
	switch block.Type {
	case "PUBLIC KEY":
		pub, err = x509.ParsePKIXPublicKey(block.Bytes)
	case "RSA PUBLIC KEY":
		pub, err = x509.ParsePKCS1PublicKey(block.Bytes)
	default:
		return nil, fmt.Errorf("%w: PEM type %q is not a public key", ErrInvalidKey, block.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if signingMethod(pub) == nil {
		return nil, fmt.Errorf("%w: unsupported public key %T", ErrInvalidKey, pub)
	}
	return pub, nil
}

// LoadKeyPair parses the access token signing pair and rejects halves that do not match.
func LoadKeyPair(privateSetting, publicSetting string) (crypto.Signer, crypto.PublicKey, error) {
	signer, err := ParsePrivateKey(privateSetting)
	if err != nil {
		return nil, nil, fmt.Errorf("private key: %w", err)
	}
	pub, err := ParsePublicKey(publicSetting)
	if err != nil {
		return nil, nil, fmt.Errorf("public key: %w", err)
	}
	mine, ok := signer.Public().(interface{ Equal(crypto.PublicKey) bool })
	if !ok || !mine.Equal(pub) {
		return nil, nil, fmt.Errorf("%w: public key does not match private key", ErrInvalidKey)
	}
	return signer, pub, nil
}

// signingMethod picks the JWS algorithm for a key type, or nil when the type cannot sign
// access tokens.
func signingMethod(pub crypto.PublicKey) jwt.SigningMethod {
	switch pub.(type) {
	case *rsa.PublicKey:
		return jwt.SigningMethodRS256
	case *ecdsa.PublicKey:
		return jwt.SigningMethodES256
	case ed25519.PublicKey:
		return jwt.SigningMethodEdDSA
	default:
		return nil
	}
}

package api

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	tokenHashSaltLength = 16
	tokenHashKeyLength  = 32
	tokenHashIterations = 120000
)

type creatorToken struct {
	salt   []byte
	hash   []byte
	userID string
}

// TokenAuth validates static bearer tokens. Creator tokens identify the
// calling user; the processor token authorizes the external media processor's
// callback. Tokens are stored only as PBKDF2 digests and compared in
// constant time.
type TokenAuth struct {
	creators      []creatorToken
	processorSalt []byte
	processorHash []byte
}

// NewTokenAuth builds the authenticator. Creator tokens arrive as
// "token=userID" pairs; processorToken may be empty when the callback
// endpoint is disabled.
func NewTokenAuth(creatorPairs []string, processorToken string) (*TokenAuth, error) {
	auth := &TokenAuth{}
	for _, pair := range creatorPairs {
		trimmed := strings.TrimSpace(pair)
		if trimmed == "" {
			continue
		}
		token, userID, ok := strings.Cut(trimmed, "=")
		token = strings.TrimSpace(token)
		userID = strings.TrimSpace(userID)
		if !ok || token == "" || userID == "" {
			return nil, fmt.Errorf("creator token entry %q must be token=userID", trimmed)
		}
		salt, hash, err := hashToken(token)
		if err != nil {
			return nil, err
		}
		auth.creators = append(auth.creators, creatorToken{salt: salt, hash: hash, userID: userID})
	}
	if processorToken = strings.TrimSpace(processorToken); processorToken != "" {
		salt, hash, err := hashToken(processorToken)
		if err != nil {
			return nil, err
		}
		auth.processorSalt = salt
		auth.processorHash = hash
	}
	return auth, nil
}

func hashToken(token string) (salt, hash []byte, err error) {
	salt = make([]byte, tokenHashSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, nil, fmt.Errorf("generate token salt: %w", err)
	}
	hash = pbkdf2.Key([]byte(token), salt, tokenHashIterations, tokenHashKeyLength, sha256.New)
	return salt, hash, nil
}

// AuthenticateCreator resolves a bearer token to the user it belongs to.
func (a *TokenAuth) AuthenticateCreator(token string) (string, bool) {
	if a == nil || token == "" {
		return "", false
	}
	var userID string
	matched := 0
	for _, entry := range a.creators {
		candidate := pbkdf2.Key([]byte(token), entry.salt, tokenHashIterations, tokenHashKeyLength, sha256.New)
		if subtle.ConstantTimeCompare(candidate, entry.hash) == 1 {
			userID = entry.userID
			matched++
		}
	}
	return userID, matched == 1
}

// AuthorizeProcessor reports whether the token matches the configured
// processor callback token.
func (a *TokenAuth) AuthorizeProcessor(token string) bool {
	if a == nil || len(a.processorHash) == 0 || token == "" {
		return false
	}
	candidate := pbkdf2.Key([]byte(token), a.processorSalt, tokenHashIterations, tokenHashKeyLength, sha256.New)
	return subtle.ConstantTimeCompare(candidate, a.processorHash) == 1
}

// ProcessorEnabled reports whether a processor token was configured.
func (a *TokenAuth) ProcessorEnabled() bool {
	return a != nil && len(a.processorHash) > 0
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return ""
	}
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

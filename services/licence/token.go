package licence

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"smallbiznis-licensing/services/account"

	"github.com/coder/quartz"
)

const (
	tokenVersion  = "v1"
	tokenPrefix   = tokenVersion + "."
	timestampForm = "2006-01-02 15:04:05"
)

// Timestamp is a UTC instant with second precision, serialised as
// "2006-01-02 15:04:05".
type Timestamp struct {
	time.Time
}

func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{Time: t.UTC().Truncate(time.Second)}
}

// ceilTimestamp rounds up to the next whole second so an end bound never
// moves earlier than the instant it was built from.
func ceilTimestamp(t time.Time) Timestamp {
	ts := NewTimestamp(t)
	if ts.Before(t) {
		ts.Time = ts.Add(time.Second)
	}
	return ts
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.UTC().Format(timestampForm))
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := time.ParseInLocation(timestampForm, s, time.UTC)
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

// Claims is the decoded content of a licence token.
type Claims struct {
	UserID              string    `json:"user_id"`
	LicenceID           string    `json:"licence_id"`
	Wording             string    `json:"wording"`
	Description         string    `json:"description"`
	MaxApps             int       `json:"max_apps"`
	MaxExecutionsPer24h int       `json:"max_executions_per_24h"`
	ValidFrom           Timestamp `json:"valid_from"`
	ValidTo             Timestamp `json:"valid_to"`
	Status              Status    `json:"status"`
	IsCustom            bool      `json:"is_custom"`
	GeneratedAt         Timestamp `json:"generated_at"`
}

// Valid reports whether the claims still grant access at now. ValidTo is
// encoded rounded up to the second, so a token is never reported expired
// before the licence's valid_to and may outlive it by less than a second.
func (c Claims) Valid(now time.Time) bool {
	return c.Status == StatusActive && !c.ValidTo.Before(now)
}

// TokenCodec seals licence claims with AES-256-GCM. Any change to a token
// makes it fail to decode.
type TokenCodec struct {
	keys  KeyProvider
	clock quartz.Clock
}

func NewTokenCodec(keys KeyProvider, clock quartz.Clock) *TokenCodec {
	return &TokenCodec{keys: keys, clock: clock}
}

func (c *TokenCodec) aead() (cipher.AEAD, error) {
	key, err := c.keys.Key()
	if err != nil {
		return nil, fmt.Errorf("load key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cipher init: %w", err)
	}
	return cipher.NewGCM(block)
}

func (c *TokenCodec) Encode(user *account.User, l *Licence) (string, error) {
	if user == nil || l == nil {
		return "", fmt.Errorf("user and licence are required")
	}

	claims := Claims{
		UserID:              user.ID,
		LicenceID:           l.ID,
		Wording:             l.Wording,
		Description:         l.Description,
		MaxApps:             l.MaxApps,
		MaxExecutionsPer24h: l.MaxExecutionsPer24h,
		ValidFrom:           NewTimestamp(l.ValidFrom),
		ValidTo:             ceilTimestamp(l.ValidTo),
		Status:              l.Status,
		IsCustom:            l.IsCustom,
		GeneratedAt:         NewTimestamp(c.clock.Now()),
	}

	plain, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}

	aead, err := c.aead()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("nonce gen: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, plain, []byte(tokenVersion))
	return tokenPrefix + hex.EncodeToString(sealed), nil
}

// Decode authenticates and parses token. Every failure is ErrInvalidToken.
func (c *TokenCodec) Decode(token string) (Claims, error) {
	var claims Claims

	if !strings.HasPrefix(token, tokenPrefix) {
		return claims, ErrInvalidToken
	}

	body := token[len(tokenPrefix):]
	data, err := hex.DecodeString(body)
	if err != nil {
		return claims, ErrInvalidToken
	}
	// hex accepts upper case; only the exact encoded form is a token.
	if hex.EncodeToString(data) != body {
		return claims, ErrInvalidToken
	}

	aead, err := c.aead()
	if err != nil {
		return claims, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	nonceSize := aead.NonceSize()
	if len(data) < nonceSize+aead.Overhead() {
		return claims, ErrInvalidToken
	}

	nonce, sealed := data[:nonceSize], data[nonceSize:]
	plain, err := aead.Open(nil, nonce, sealed, []byte(tokenVersion))
	if err != nil {
		return claims, ErrInvalidToken
	}

	if err := json.Unmarshal(plain, &claims); err != nil {
		return Claims{}, ErrInvalidToken
	}
	return claims, nil
}

// IsValid never fails: a token that does not decode is simply not valid.
func (c *TokenCodec) IsValid(token string) bool {
	claims, err := c.Decode(token)
	if err != nil {
		return false
	}
	return claims.Valid(c.clock.Now())
}

// LicenceData decodes the token stored on a user.
func (c *TokenCodec) LicenceData(token string) (Claims, error) {
	if strings.TrimSpace(token) == "" {
		return Claims{}, ErrEmptyToken
	}
	return c.Decode(token)
}

// Value returns a single claim by its wire name.
func (c *TokenCodec) Value(token, key string) (any, error) {
	if strings.TrimSpace(token) == "" {
		return nil, ErrEmptyToken
	}

	claims, err := c.Decode(token)
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(claims)
	if err != nil {
		return nil, err
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}

	v, ok := fields[key]
	if !ok {
		return nil, fmt.Errorf("unknown claim %q", key)
	}
	return v, nil
}

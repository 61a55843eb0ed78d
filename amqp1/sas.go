package amqp1

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultSASTokenLifetime is how long generated shared access signatures stay valid
const DefaultSASTokenLifetime = time.Hour

// SharedAccessKeyTokenProvider signs shared access signatures with a named key
type SharedAccessKeyTokenProvider struct {
	KeyName  string
	Key      string
	Lifetime time.Duration

	now func() time.Time
}

// NewSharedAccessKeyTokenProvider creates a provider signing with keyName/key
func NewSharedAccessKeyTokenProvider(keyName, key string) *SharedAccessKeyTokenProvider {
	return &SharedAccessKeyTokenProvider{
		KeyName:  keyName,
		Key:      key,
		Lifetime: DefaultSASTokenLifetime,
	}
}

// GetToken implements TokenProvider. The scopes are the resource URI signed
// into the token.
func (p *SharedAccessKeyTokenProvider) GetToken(ctx context.Context, scopes string) (*AccessToken, error) {
	if p.KeyName == "" || p.Key == "" {
		return nil, fmt.Errorf("shared access key name and key are required")
	}

	now := time.Now
	if p.now != nil {
		now = p.now
	}
	lifetime := p.Lifetime
	if lifetime <= 0 {
		lifetime = DefaultSASTokenLifetime
	}

	expiresAt := now().Add(lifetime).Truncate(time.Second)
	expiry := strconv.FormatInt(expiresAt.Unix(), 10)
	resource := url.QueryEscape(strings.ToLower(scopes))

	mac := hmac.New(sha256.New, []byte(p.Key))
	mac.Write([]byte(resource + "\n" + expiry))
	signature := url.QueryEscape(base64.StdEncoding.EncodeToString(mac.Sum(nil)))

	token := fmt.Sprintf("SharedAccessSignature sr=%s&sig=%s&se=%s&skn=%s",
		resource, signature, expiry, url.QueryEscape(p.KeyName))

	return &AccessToken{
		Token:     token,
		Type:      TokenTypeSAS,
		ExpiresAt: expiresAt,
	}, nil
}

package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"
)

// DefaultAuthURL is the production identity endpoint.
const DefaultAuthURL = "https://auth.beammp.com/pkToUser"

// ErrKeyRejected reports that the identity service knows the key but refused
// it, as opposed to a transport failure.
var ErrKeyRejected = errors.New("session: key rejected by identity service")

var authJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// Identity is the decoded reply of the identity endpoint.
type Identity struct {
	Username    string
	Roles       string
	Guest       bool
	Identifiers map[string]string
}

// Authenticator exchanges a client key for an Identity over HTTPS.
type Authenticator struct {
	url    string
	client *http.Client
	log    zerolog.Logger
}

func NewAuthenticator(authURL string, log zerolog.Logger) *Authenticator {
	if authURL == "" {
		authURL = DefaultAuthURL
	}
	return &Authenticator{
		url:    authURL,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log.With().Str("component", "auth").Logger(),
	}
}

// Lookup posts the key as a form field and decodes the identity reply.
func (a *Authenticator) Lookup(ctx context.Context, key string) (*Identity, error) {
	form := url.Values{"key": {key}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("session: build identity request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("session: identity request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("session: read identity reply: %w", err)
	}

	var raw struct {
		Username    string   `json:"username"`
		Roles       string   `json:"roles"`
		Guest       bool     `json:"guest"`
		Identifiers []string `json:"identifiers"`
		Error       string   `json:"error"`
	}
	if err := authJSON.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("session: decode identity reply: %w", err)
	}
	if raw.Error != "" {
		a.log.Debug().Str("error", raw.Error).Msg("Identity service rejected key")
		return nil, ErrKeyRejected
	}

	ident := &Identity{
		Username:    raw.Username,
		Roles:       raw.Roles,
		Guest:       raw.Guest,
		Identifiers: make(map[string]string, len(raw.Identifiers)),
	}
	for _, pair := range raw.Identifiers {
		if i := strings.IndexByte(pair, ':'); i > 0 {
			ident.Identifiers[pair[:i]] = pair[i+1:]
		}
	}
	return ident, nil
}

// Package turnrest issues short-lived TURN credentials that coturn accepts
// with use-auth-secret:
//
//	username   = <unix expiry>:<prefix>:<id>
//	credential = base64(HMAC-SHA1(shared secret, username))
package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-room-signaling/internal/config"
)

var (
	ErrMissingSecret = errors.New("turn rest: shared secret is required")
	ErrInvalidTTL    = errors.New("turn rest: ttl must be > 0")
	ErrInvalidPrefix = errors.New("turn rest: username prefix must be non-empty and must not contain ':'")
	ErrInvalidID     = errors.New("turn rest: id must be non-empty and must not contain ':'")
)

// Credentials is one issued username/credential pair.
type Credentials struct {
	Username   string
	Credential string
	Expires    time.Time
}

type Issuer struct {
	secret []byte
	ttl    time.Duration
	prefix string
	now    func() time.Time
	newID  func() string
}

type Option func(*Issuer)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(i *Issuer) { i.now = now }
}

// WithIDSource replaces the random id used by IssueRandom.
func WithIDSource(newID func() string) Option {
	return func(i *Issuer) { i.newID = newID }
}

func New(cfg config.TurnRESTConfig, opts ...Option) (*Issuer, error) {
	if cfg.SharedSecret == "" {
		return nil, ErrMissingSecret
	}
	if cfg.TTLSeconds <= 0 {
		return nil, ErrInvalidTTL
	}
	if cfg.UsernamePrefix == "" || strings.Contains(cfg.UsernamePrefix, ":") {
		return nil, ErrInvalidPrefix
	}
	i := &Issuer{
		secret: []byte(cfg.SharedSecret),
		ttl:    time.Duration(cfg.TTLSeconds) * time.Second,
		prefix: cfg.UsernamePrefix,
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// Issue mints credentials bound to id.
func (i *Issuer) Issue(id string) (Credentials, error) {
	if id == "" || strings.Contains(id, ":") {
		return Credentials{}, ErrInvalidID
	}
	expires := i.now().UTC().Add(i.ttl).Truncate(time.Second)
	username := fmt.Sprintf("%d:%s:%s", expires.Unix(), i.prefix, id)
	return Credentials{
		Username:   username,
		Credential: sign(i.secret, username),
		Expires:    expires,
	}, nil
}

func (i *Issuer) IssueRandom() (Credentials, error) {
	return i.Issue(i.newID())
}

// Apply returns a copy of servers with creds set on every TURN entry. STUN
// entries are left untouched. An empty input is returned as is so it still
// encodes as [].
func Apply(servers []webrtc.ICEServer, creds Credentials) []webrtc.ICEServer {
	if len(servers) == 0 {
		return servers
	}
	out := make([]webrtc.ICEServer, len(servers))
	for idx, server := range servers {
		out[idx] = server
		if config.ICEServerHasTURNURL(server) {
			out[idx].Username = creds.Username
			out[idx].Credential = creds.Credential
			out[idx].CredentialType = webrtc.ICECredentialTypePassword
		}
	}
	return out
}

func sign(secret []byte, username string) string {
	mac := hmac.New(sha1.New, secret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

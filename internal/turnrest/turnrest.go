// Package turnrest issues coturn "TURN REST API" ephemeral credentials.
//
//	username   = <unix_expiry>:<prefix>:<session_id>
//	credential = base64(hmac_sha1(shared_secret, username))
//
// The expiry is computed from the server clock in UTC.
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
)

var (
	ErrMissingSecret  = errors.New("turnrest: shared secret is required")
	ErrInvalidTTL     = errors.New("turnrest: ttl must be > 0")
	ErrInvalidPrefix  = errors.New("turnrest: username prefix must be non-empty and must not contain ':'")
	ErrInvalidSession = errors.New("turnrest: session id must be non-empty and must not contain ':'")
)

type Config struct {
	SharedSecret   string
	TTL            time.Duration
	UsernamePrefix string

	// Now and NewSessionID are overridable for tests.
	Now          func() time.Time
	NewSessionID func() string
}

type Generator struct {
	secret       []byte
	ttl          time.Duration
	prefix       string
	now          func() time.Time
	newSessionID func() string
}

type Credentials struct {
	Username   string
	Credential string
	Expires    time.Time
}

func NewGenerator(cfg Config) (*Generator, error) {
	if cfg.SharedSecret == "" {
		return nil, ErrMissingSecret
	}
	if cfg.TTL < time.Second {
		return nil, ErrInvalidTTL
	}
	if cfg.UsernamePrefix == "" || strings.Contains(cfg.UsernamePrefix, ":") {
		return nil, ErrInvalidPrefix
	}
	g := &Generator{
		secret:       []byte(cfg.SharedSecret),
		ttl:          cfg.TTL,
		prefix:       cfg.UsernamePrefix,
		now:          cfg.Now,
		newSessionID: cfg.NewSessionID,
	}
	if g.now == nil {
		g.now = time.Now
	}
	if g.newSessionID == nil {
		g.newSessionID = func() string { return strings.ReplaceAll(uuid.NewString(), "-", "") }
	}
	return g, nil
}

// Issue returns credentials bound to sessionID.
func (g *Generator) Issue(sessionID string) (Credentials, error) {
	if sessionID == "" || strings.Contains(sessionID, ":") {
		return Credentials{}, ErrInvalidSession
	}
	expires := g.now().UTC().Add(g.ttl).Truncate(time.Second)
	username := fmt.Sprintf("%d:%s:%s", expires.Unix(), g.prefix, sessionID)
	return Credentials{
		Username:   username,
		Credential: sign(g.secret, username),
		Expires:    expires,
	}, nil
}

// IssueRandom returns credentials bound to a fresh random session id.
func (g *Generator) IssueRandom() (Credentials, error) {
	return g.Issue(g.newSessionID())
}

// Apply returns a copy of servers with creds set on every entry that has a
// TURN URL. STUN-only entries are unchanged.
func (c Credentials) Apply(servers []webrtc.ICEServer) []webrtc.ICEServer {
	if servers == nil {
		return nil
	}
	out := make([]webrtc.ICEServer, len(servers))
	for i, server := range servers {
		out[i] = server
		if HasTURNURL(server) {
			out[i].Username = c.Username
			out[i].Credential = c.Credential
		}
	}
	return out
}

func HasTURNURL(server webrtc.ICEServer) bool {
	for _, raw := range server.URLs {
		url := strings.ToLower(strings.TrimSpace(raw))
		if strings.HasPrefix(url, "turn:") || strings.HasPrefix(url, "turns:") {
			return true
		}
	}
	return false
}

func sign(secret []byte, username string) string {
	mac := hmac.New(sha1.New, secret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

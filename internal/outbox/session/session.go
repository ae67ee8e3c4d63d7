// Package session adapts the host's authentication and organization state to
// the credential and tenant sources the dispatcher consults.
//
// The host app's auth layer writes two small files: a token file
//
//	{"access_token": "...", "expires_at": "2026-04-06T18:30:00Z"}
//
// and a tenant file holding the active organization id, either as plain text
// or as {"org_id": "..."}. Both are re-read on every call, so edits take
// effect immediately; the Watcher turns edits into orchestrator signals.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// ErrNoSession is returned when no usable credential is available.
var ErrNoSession = errors.New("no valid session")

// DefaultExpirySkew treats tokens this close to expiry as already expired.
const DefaultExpirySkew = 30 * time.Second

// Token is the content of a token file.
type Token struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at,omitempty"`
}

// Valid reports whether the token can be used at now.
func (t Token) Valid(now time.Time, skew time.Duration) bool {
	if t.AccessToken == "" {
		return false
	}
	return t.ExpiresAt.IsZero() || now.Add(skew).Before(t.ExpiresAt)
}

// FileCredentials reads the access token from a token file.
type FileCredentials struct {
	path string
	skew time.Duration
	now  func() time.Time
}

// NewFileCredentials creates a credential source backed by path.
func NewFileCredentials(path string) *FileCredentials {
	return &FileCredentials{path: path, skew: DefaultExpirySkew, now: time.Now}
}

// Path returns the token file path.
func (c *FileCredentials) Path() string {
	return c.path
}

// ValidCredential returns the access token, or ErrNoSession if the file is
// missing, unreadable or expired.
func (c *FileCredentials) ValidCredential(ctx context.Context) (string, error) {
	tok, err := ReadToken(c.path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoSession, err)
	}
	if !tok.Valid(c.now(), c.skew) {
		return "", fmt.Errorf("%w: token expired at %s", ErrNoSession, tok.ExpiresAt.Format(time.RFC3339))
	}
	return tok.AccessToken, nil
}

// ReadToken parses a token file.
func ReadToken(path string) (Token, error) {
	var tok Token
	data, err := os.ReadFile(path)
	if err != nil {
		return tok, fmt.Errorf("failed to read token file: %w", err)
	}
	if err := json.Unmarshal(data, &tok); err != nil {
		return tok, fmt.Errorf("failed to parse token file %s: %w", path, err)
	}
	return tok, nil
}

// WriteToken writes a token file atomically.
func WriteToken(path string, tok Token) error {
	data, err := json.Marshal(tok)
	if err != nil {
		return err
	}
	return writeAtomic(path, data)
}

// FileTenant reads the active organization from a tenant file.
type FileTenant struct {
	path string
}

// NewFileTenant creates a tenant source backed by path.
func NewFileTenant(path string) *FileTenant {
	return &FileTenant{path: path}
}

// Path returns the tenant file path.
func (t *FileTenant) Path() string {
	return t.path
}

// ActiveTenant returns the organization id, or "" when it is unknown. An
// unknown tenant never blocks dispatch.
func (t *FileTenant) ActiveTenant() string {
	id, err := ReadTenant(t.path)
	if err != nil {
		return ""
	}
	return id
}

// ReadTenant parses a tenant file.
func ReadTenant(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read tenant file: %w", err)
	}
	raw := strings.TrimSpace(string(data))
	if strings.HasPrefix(raw, "{") {
		var v struct {
			OrgID string `json:"org_id"`
		}
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return "", fmt.Errorf("failed to parse tenant file %s: %w", path, err)
		}
		return strings.TrimSpace(v.OrgID), nil
	}
	return raw, nil
}

// WriteTenant writes a tenant file atomically.
func WriteTenant(path, orgID string) error {
	return writeAtomic(path, []byte(orgID+"\n"))
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}

// Static is an in-memory credential and tenant source for the CLI and tests.
type Static struct {
	mu     sync.RWMutex
	token  string
	tenant string
}

// NewStatic creates a Static source.
func NewStatic(token, tenant string) *Static {
	return &Static{token: token, tenant: tenant}
}

// ValidCredential returns the token, or ErrNoSession when it is empty.
func (s *Static) ValidCredential(context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == "" {
		return "", ErrNoSession
	}
	return s.token, nil
}

// ActiveTenant returns the tenant.
func (s *Static) ActiveTenant() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tenant
}

// SetToken replaces the token.
func (s *Static) SetToken(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}

// SetTenant replaces the tenant.
func (s *Static) SetTenant(tenant string) {
	s.mu.Lock()
	s.tenant = tenant
	s.mu.Unlock()
}

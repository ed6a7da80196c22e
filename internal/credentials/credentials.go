// Package credentials resolves the remote endpoint and API key. Stored
// credentials take priority over the WATCHLEDGER_REMOTE_* environment
// variables, which may come from a .env file loaded by the config package.
package credentials

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/njoerd114/watchledger/internal/settings"
)

// Environment variables consulted when nothing is stored.
const (
	EnvRemoteURL    = "WATCHLEDGER_REMOTE_URL"
	EnvRemoteAPIKey = "WATCHLEDGER_REMOTE_API_KEY"
)

const keyRemote = "remote"

// ErrInvalid is returned by [Store.Save] for incomplete credentials.
var ErrInvalid = errors.New("invalid credentials")

// Credentials identify one remote endpoint.
type Credentials struct {
	Endpoint string `json:"endpoint"`
	APIKey   string `json:"apiKey"`
}

// Validate checks that both fields are present and the endpoint is an
// absolute http(s) URL.
func (c Credentials) Validate() error {
	if c.Endpoint == "" || c.APIKey == "" {
		return fmt.Errorf("%w: endpoint and API key are required", ErrInvalid)
	}
	u, err := url.Parse(c.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: endpoint %q is not an http(s) URL", ErrInvalid, c.Endpoint)
	}
	return nil
}

// Store reads and writes credentials.
type Store struct {
	kv     *settings.Store
	getenv func(string) string
}

// New returns a Store persisting to kv.
func New(kv *settings.Store) *Store {
	return &Store{kv: kv, getenv: os.Getenv}
}

// Get returns the effective credentials, or nil when none are configured.
func (s *Store) Get() (*Credentials, error) {
	var c Credentials
	found, err := s.kv.Get(settings.BucketCredentials, keyRemote, &c)
	if err != nil {
		return nil, fmt.Errorf("loading credentials: %w", err)
	}
	if found && c.Validate() == nil {
		return &c, nil
	}

	env := Credentials{
		Endpoint: strings.TrimSpace(s.getenv(EnvRemoteURL)),
		APIKey:   strings.TrimSpace(s.getenv(EnvRemoteAPIKey)),
	}
	if env.Validate() == nil {
		return &env, nil
	}
	return nil, nil //nolint:nilnil // intentional: "not configured" sentinel
}

// Has reports whether usable credentials exist.
func (s *Store) Has() bool {
	c, err := s.Get()
	return err == nil && c != nil
}

// Save validates and stores c.
func (s *Store) Save(c Credentials) error {
	c.Endpoint = strings.TrimRight(strings.TrimSpace(c.Endpoint), "/")
	c.APIKey = strings.TrimSpace(c.APIKey)
	if err := c.Validate(); err != nil {
		return err
	}
	if err := s.kv.Put(settings.BucketCredentials, keyRemote, c); err != nil {
		return fmt.Errorf("saving credentials: %w", err)
	}
	return nil
}

// Clear removes stored credentials. Environment variables are not affected.
func (s *Store) Clear() error {
	if err := s.kv.Delete(settings.BucketCredentials, keyRemote); err != nil {
		return fmt.Errorf("clearing credentials: %w", err)
	}
	return nil
}

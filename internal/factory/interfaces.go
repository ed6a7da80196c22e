package factory

//go:generate mockgen -source=interfaces.go -destination=mocks/mocks.go -package=mocks

import (
	"github.com/njoerd114/watchledger/internal/credentials"
)

// CredentialSource yields the remote credentials. Implemented by
// [credentials.Store].
type CredentialSource interface {
	Get() (*credentials.Credentials, error)
	Has() bool
}

// Preferences persists the selected provider kind. Implemented by
// [settings.Store].
type Preferences interface {
	ProviderKind() (string, error)
	SetProviderKind(kind string) error
}

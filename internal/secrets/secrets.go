// Package secrets provides a platform-abstracted interface for secure
// credential storage. On macOS, credentials are stored in the system
// Keychain. On other platforms, a no-op fallback is used and the backend
// token stays in config.yaml or the environment.
package secrets

import "errors"

// Service name used for Parley credentials in the system keychain.
const ServiceName = "Parley"

// Account names for different credential types.
const (
	// AccountBackendToken is the account name for the chat backend API token.
	AccountBackendToken = "backend-token"
)

// ErrNotFound is returned when a credential is not found in the store.
var ErrNotFound = errors.New("credential not found")

// ErrNotSupported is returned when the secret store is not supported on the current platform.
var ErrNotSupported = errors.New("secret store not supported on this platform")

// SecretStore provides an interface for secure credential storage.
// Implementations should be safe for concurrent use.
type SecretStore interface {
	// Get retrieves a password for the given service and account.
	// Returns ErrNotFound if the credential does not exist.
	Get(service, account string) (string, error)

	// Set stores a password for the given service and account.
	// If a credential already exists, it is updated.
	Set(service, account, password string) error

	// Delete removes a credential for the given service and account.
	// Returns ErrNotFound if the credential does not exist.
	Delete(service, account string) error

	// IsSupported returns true if this store is functional on the current platform.
	IsSupported() bool
}

// store is the package-level secret store instance, initialized at package
// load time by the platform-specific init().
var store SecretStore

// Default returns the default SecretStore for the current platform.
// This function always returns a valid store; on unsupported platforms,
// it returns a NoopStore that returns ErrNotSupported for all operations.
func Default() SecretStore {
	if store == nil {
		// Fallback to noop store if not initialized (should not happen)
		store = &NoopStore{}
	}
	return store
}

// IsSupported returns true if secure credential storage is available on this platform.
func IsSupported() bool {
	return Default().IsSupported()
}

// Get retrieves a password for the given service and account using the default store.
func Get(service, account string) (string, error) {
	return Default().Get(service, account)
}

// Set stores a password for the given service and account using the default store.
func Set(service, account, password string) error {
	return Default().Set(service, account, password)
}

// Delete removes a credential for the given service and account using the default store.
func Delete(service, account string) error {
	return Default().Delete(service, account)
}

// GetBackendToken retrieves the backend API token from the secret store.
// Returns ErrNotFound if no token is stored.
func GetBackendToken() (string, error) {
	return Get(ServiceName, AccountBackendToken)
}

// SetBackendToken stores the backend API token in the secret store.
func SetBackendToken(token string) error {
	return Set(ServiceName, AccountBackendToken, token)
}

// DeleteBackendToken removes the backend API token from the secret store.
func DeleteBackendToken() error {
	return Delete(ServiceName, AccountBackendToken)
}

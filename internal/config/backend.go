package config

// ConfigBackend abstracts where non-secret settings live on each platform:
// UserDefaults through the `defaults` CLI on macOS, a JSON file under the
// XDG config dir on Linux. Secrets never go through a backend.
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	Delete(key string) error
}

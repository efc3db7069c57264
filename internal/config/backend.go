package config

// ConfigBackend persists non-secret keys by their dotted name. Values are
// returned in text form and parsed against the key table.
type ConfigBackend interface {
	Lookup(key string) (raw string, ok bool, err error)
	Set(key string, val any) error
	Unset(key string) error
}

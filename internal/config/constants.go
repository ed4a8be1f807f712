package config

// Application constants shared across packages.
const (
	// AppName is the human-readable application name.
	AppName = "keygate"

	// EnvPrefix namespaces all environment variables (KEYGATE_*).
	EnvPrefix = "KEYGATE"

	// DefaultConfigFile is the YAML overlay read when present.
	DefaultConfigFile = "keygate.yaml"

	// MinSealSecretLength is the minimum length of the credential seal
	// secret. Shorter secrets fail validation rather than weakening the
	// derived key silently.
	MinSealSecretLength = 16
)

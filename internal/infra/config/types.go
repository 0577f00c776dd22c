package config

// Environment identifies the runtime environment where paywatch operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Provider kinds.
const (
	ProviderHTTP = "http"
	ProviderFake = "fake"
)

// EnvProviderCredential overrides provider.credential when set.
const EnvProviderCredential = "PAYWATCH_PROVIDER_CREDENTIAL"

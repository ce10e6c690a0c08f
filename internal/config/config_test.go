package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("BANK_DEPLOYER", "deployer")
	t.Setenv("AUTH_JWT_SECRET", "secret")
	t.Setenv("DATABASE_URL", "")
	t.Setenv(FileEnv, "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 18, cfg.Bank.NativePrecision)
	assert.Equal(t, time.Hour, cfg.Oracle.Heartbeat)
	assert.Equal(t, "@every 1m", cfg.Oracle.Schedule)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.True(t, cfg.Bank.LocalVault)
	require.NoError(t, cfg.Validate())

	capValue, err := cfg.Bank.Cap()
	require.NoError(t, err)
	assert.Equal(t, "1000000000000", capValue.String())
}

func TestLoadFileOverridesEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kipubank.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9090"
bank:
  deployer: "from-file"
  initial_cap: "42"
oracle:
  heartbeat: 30m
`), 0o600))

	t.Setenv("BANK_DEPLOYER", "from-env")
	t.Setenv("AUTH_ALLOW_HEADER_PRINCIPAL", "true")
	t.Setenv("DATABASE_URL", "")
	t.Setenv(FileEnv, path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "from-file", cfg.Bank.Deployer)
	assert.Equal(t, 30*time.Minute, cfg.Oracle.Heartbeat)
	assert.Equal(t, 18, cfg.Bank.NativePrecision, "env default kept")
	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	cfg := Config{
		Bank:   BankConfig{NativePrecision: 78, InitialCap: "-5"},
		Oracle: OracleConfig{Heartbeat: 0},
	}
	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"deployer", "native_precision", "initial_cap", "heartbeat", "jwt_secret"} {
		assert.Contains(t, err.Error(), want)
	}

	_, err = BankConfig{InitialCap: "abc"}.Cap()
	assert.Error(t, err)
}

func TestValidateRejectsLocalVaultWithDatabase(t *testing.T) {
	t.Setenv("BANK_DEPLOYER", "deployer")
	t.Setenv("AUTH_JWT_SECRET", "secret")
	t.Setenv("DATABASE_URL", "postgres://kipubank@localhost/kipubank")
	t.Setenv(FileEnv, "")

	cfg, err := Load()
	require.NoError(t, err)
	require.True(t, cfg.Bank.LocalVault)
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "local_vault")

	t.Setenv("BANK_LOCAL_VAULT", "false")
	cfg, err = Load()
	require.NoError(t, err)
	assert.False(t, cfg.Bank.LocalVault)
	assert.NoError(t, cfg.Validate())
}

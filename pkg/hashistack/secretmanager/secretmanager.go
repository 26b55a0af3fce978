package secretmanager

import (
	"time"

	vault "github.com/hashicorp/vault-client-go"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module provides the vault client consumed by config.LoadConfig for the
// secret overlay. Binaries include it only when VAULT_ADDR is set.
var Module = fx.Module("secretmanager", fx.Provide(ProvideVault))

const requestTimeout = 10 * time.Second

// ProvideVault reads VAULT_ADDR, VAULT_TOKEN and the other standard VAULT_*
// variables.
func ProvideVault() (*vault.Client, error) {
	client, err := vault.New(
		vault.WithEnvironment(),
		vault.WithRequestTimeout(requestTimeout),
	)
	if err != nil {
		zap.L().Error("failed to create vault client", zap.Error(err))
		return nil, err
	}

	zap.L().Info("vault client ready", zap.String("addr", client.Configuration().Address))
	return client, nil
}

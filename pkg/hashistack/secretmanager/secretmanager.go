package secretmanager

import (
	"os"

	vault "github.com/hashicorp/vault-client-go"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("secretmanager", fx.Provide(ProvideVault))

// ProvideVault returns a nil client when VAULT_ADDR is unset; config loading
// then keeps the secrets it read from the environment.
func ProvideVault() (*vault.Client, error) {
	if os.Getenv("VAULT_ADDR") == "" {
		zap.L().Info("vault disabled, VAULT_ADDR not set")
		return nil, nil
	}

	return vault.New(vault.WithEnvironment())
}

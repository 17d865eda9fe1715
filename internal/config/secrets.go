package config

import (
	"context"
	"fmt"
	"time"

	vault "github.com/hashicorp/vault/api"
	"github.com/rs/zerolog/log"
)

// resolveSecrets pulls exchange credentials from Vault when VAULT_ADDR is
// configured, overriding whatever the environment supplied. A configured but
// unreachable Vault is a startup failure: trading must not begin with stale
// or absent credentials.
func (c *Config) resolveSecrets() error {
	if c.Vault.Addr == "" {
		return nil
	}

	vcfg := vault.DefaultConfig()
	vcfg.Address = c.Vault.Addr
	vcfg.Timeout = 10 * time.Second

	client, err := vault.NewClient(vcfg)
	if err != nil {
		return fmt.Errorf("vault client: %w", err)
	}
	client.SetToken(c.Vault.Token)

	path := c.Vault.SecretPath
	if path == "" {
		path = "secret/data/sovereign/exchange"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	secret, err := client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return fmt.Errorf("vault read %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return fmt.Errorf("vault secret %s not found", path)
	}

	// KV v2 nests the payload under "data".
	data := secret.Data
	if nested, ok := data["data"].(map[string]interface{}); ok {
		data = nested
	}

	if key, ok := data["api_key"].(string); ok && key != "" {
		c.Exchange.APIKey = key
	}
	if sec, ok := data["api_secret"].(string); ok && sec != "" {
		c.Exchange.APISecret = sec
	}

	log.Info().Str("path", path).Msg("Exchange credentials resolved from Vault")
	return nil
}

package config

import (
	"fmt"
	"strings"

	"github.com/zalando/go-keyring"
)

// KeyringService is the OS keyring service name secrets are stored under.
const KeyringService = "chanbridge"

const keyringPrefix = "keyring:"

// SecretLookup resolves a named secret.
type SecretLookup func(name string) (string, error)

// KeyringLookup reads a secret from the OS keyring.
func KeyringLookup(name string) (string, error) {
	return keyring.Get(KeyringService, name)
}

// StoreSecret writes a secret to the OS keyring so configs can reference it
// as "keyring:<name>".
func StoreSecret(name, value string) error {
	return keyring.Set(KeyringService, name, value)
}

// ResolveSecrets replaces every "keyring:<name>" credential, API key and
// password with the value held in the keyring.
func ResolveSecrets(cfg *Config, lookup SecretLookup) error {
	var errs []string
	resolve := func(field string, v *string) {
		if !strings.HasPrefix(*v, keyringPrefix) {
			return
		}
		name := strings.TrimPrefix(*v, keyringPrefix)
		secret, err := lookup(name)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: keyring %q: %v", field, name, err))
			return
		}
		*v = secret
	}

	for name, pc := range cfg.Providers {
		resolve("providers."+name+".apiKey", &pc.APIKey)
		cfg.Providers[name] = pc
	}
	resolve("transcription.apiKey", &cfg.Transcription.APIKey)
	resolve("archive.secretKey", &cfg.Archive.SecretKey)
	resolve("redis.password", &cfg.Redis.Password)
	resolve("amqp.url", &cfg.AMQP.URL)
	resolve("admin.token", &cfg.Admin.Token)
	resolve("store.dsn", &cfg.Store.DSN)
	for i := range cfg.Connections {
		c := &cfg.Connections[i]
		for k, v := range c.Credentials {
			resolve(fmt.Sprintf("connections.%d.credentials.%s", i, k), &v)
			c.Credentials[k] = v
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("resolve secrets:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

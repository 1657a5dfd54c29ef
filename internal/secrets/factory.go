package secrets

import (
	"errors"
	"fmt"

	"tgsearch/internal/config"
	"tgsearch/internal/configstore"
)

// NopSealer stores secrets as given.
type NopSealer struct{}

func (NopSealer) Seal(plain string) (string, error) { return plain, nil }
func (NopSealer) Open(sealed string) (string, error) { return sealed, nil }

var (
	_ configstore.SecretSealer = NopSealer{}
	_ configstore.SecretSealer = (*AgeSealer)(nil)
)

// NewSealerFromConfig creates a sealer based on the configuration type. An
// age identity is generated on first use.
func NewSealerFromConfig(cfg config.SecretsConfig, passphrase string) (configstore.SecretSealer, error) {
	switch cfg.Type {
	case "none", "":
		return NopSealer{}, nil
	case "age":
		identity, err := LoadIdentity(cfg.IdentityPath, passphrase)
		if errors.Is(err, ErrIdentityMissing) {
			identity, err = GenerateIdentity(cfg.IdentityPath, passphrase)
		}
		if err != nil {
			return nil, err
		}
		return NewAgeSealer(identity), nil
	default:
		return nil, fmt.Errorf("unknown secrets type: %q", cfg.Type)
	}
}

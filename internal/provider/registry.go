package provider

import (
	"fmt"

	"github.com/imgbak/imgbak/internal/config"
)

// Factory builds a provider instance from validated configuration.
type Factory func(cfg config.Config) (Provider, error)

var registry = map[Kind]Factory{}

// Register binds a backend kind to its factory. Called from each variant's
// init; main imports the variants for their side effects.
func Register(k Kind, f Factory) {
	registry[k] = f
}

// New returns a provider instance for k.
func New(k Kind, cfg config.Config) (Provider, error) {
	f, ok := registry[k]
	if !ok {
		return nil, fmt.Errorf("provider not registered: %s", k)
	}
	return f(cfg)
}

package tts

import (
	"context"
	"fmt"
	"time"

	"github.com/book-expert/tts-fulfillment/internal/core"
	"github.com/book-expert/tts-fulfillment/internal/metrics"
)

// Router dispatches generation and usage calls to the client registered for
// the credential's provider. Credentials without a provider use the default.
type Router struct {
	generators      map[string]core.SpeechGenerator
	usageSources    map[string]core.UsageSource
	defaultProvider string
}

// NewRouter creates an empty router.
func NewRouter(defaultProvider string) *Router {
	return &Router{
		generators:      make(map[string]core.SpeechGenerator),
		usageSources:    make(map[string]core.UsageSource),
		defaultProvider: defaultProvider,
	}
}

// Register adds the generator for provider. Register is not safe for use
// once the router serves requests.
func (r *Router) Register(provider string, generator core.SpeechGenerator) {
	r.generators[provider] = generator
}

// RegisterUsage adds the usage source for provider.
func (r *Router) RegisterUsage(provider string, source core.UsageSource) {
	r.usageSources[provider] = source
}

// Providers returns the providers with a registered generator.
func (r *Router) Providers() []string {
	providers := make([]string, 0, len(r.generators))
	for provider := range r.generators {
		providers = append(providers, provider)
	}

	return providers
}

// Generate implements core.SpeechGenerator.
func (r *Router) Generate(
	ctx context.Context,
	cred core.Credential,
	text string,
	voice core.VoiceSpec,
) ([]byte, error) {
	provider := r.providerOf(cred)

	generator, ok := r.generators[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}

	started := time.Now()
	data, err := generator.Generate(ctx, cred, text, voice)
	metrics.RecordGeneration(provider, time.Since(started), err)

	return data, err
}

// Usage implements core.UsageSource.
func (r *Router) Usage(ctx context.Context, cred core.Credential) (core.ProviderUsage, error) {
	provider := r.providerOf(cred)

	source, ok := r.usageSources[provider]
	if !ok {
		return core.ProviderUsage{}, fmt.Errorf("%w: %q", ErrUsageUnsupported, provider)
	}

	return source.Usage(ctx, cred)
}

func (r *Router) providerOf(cred core.Credential) string {
	if cred.Provider == "" {
		return r.defaultProvider
	}

	return cred.Provider
}

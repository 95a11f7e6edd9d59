// Package router maps requested model names onto ordered provider chains
// and falls back along the chain when a provider is unreachable.
package router

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/rpat9/MasterChef-Claude/pkg/backend"
	"github.com/rpat9/MasterChef-Claude/pkg/config"
	"github.com/rpat9/MasterChef-Claude/pkg/models"
)

// ErrNoProviders is returned when the router has nothing to route to.
var ErrNoProviders = errors.New("no providers configured")

// Provider is a named backend client.
type Provider struct {
	Name   string
	Client backend.Client
}

// Route represents a resolved provider and model to try.
type Route struct {
	Provider Provider
	Model    string
}

// Router resolves requested model names to ordered provider+model chains.
// It is itself a backend.Client.
type Router struct {
	providers    []Provider
	index        map[string]Provider
	routes       []config.RouteConfig
	defaultModel string
	logger       *zap.Logger
}

// New creates a Router. The first provider receives models that match no
// route.
func New(providers []Provider, routes []config.RouteConfig, defaultModel string, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	index := make(map[string]Provider, len(providers))
	for _, p := range providers {
		index[p.Name] = p
	}
	return &Router{
		providers:    providers,
		index:        index,
		routes:       routes,
		defaultModel: defaultModel,
		logger:       logger.With(zap.String("component", "router")),
	}
}

// Resolve returns an ordered list of routes for the requested model.
// If the model matches a configured route, the route's targets are returned.
// Otherwise, the first provider is used with the requested model name.
func (r *Router) Resolve(requestedModel string) ([]Route, error) {
	if len(r.providers) == 0 {
		return nil, ErrNoProviders
	}

	for _, route := range r.routes {
		if route.Model != requestedModel {
			continue
		}
		var routes []Route
		for _, target := range route.Targets {
			provider, ok := r.index[target.Provider]
			if !ok {
				continue // skip unknown providers
			}
			model := target.Model
			if model == "" {
				model = requestedModel
			}
			routes = append(routes, Route{Provider: provider, Model: model})
		}
		if len(routes) == 0 {
			return nil, fmt.Errorf("route %q: all providers unknown", requestedModel)
		}
		return routes, nil
	}

	return []Route{{Provider: r.providers[0], Model: requestedModel}}, nil
}

// Generate tries each route in order. Only transient failures move on to
// the next route; a rejection or a finished context ends the chain.
func (r *Router) Generate(ctx context.Context, p models.Prompt) (models.Completion, error) {
	routes, err := r.Resolve(p.Model)
	if err != nil {
		return models.Completion{}, backend.Reject(err)
	}

	var lastErr error
	for i, route := range routes {
		attempt := p
		attempt.Model = route.Model
		c, err := route.Provider.Client.Generate(ctx, attempt)
		if err == nil {
			return c, nil
		}
		lastErr = fmt.Errorf("provider %s: %w", route.Provider.Name, err)
		if backend.IsRejection(err) || ctx.Err() != nil {
			return models.Completion{}, lastErr
		}
		if i < len(routes)-1 {
			r.logger.Warn("provider failed, trying next route",
				zap.String("provider", route.Provider.Name),
				zap.String("model", route.Model),
				zap.Error(err))
		}
	}
	return models.Completion{}, lastErr
}

// IsAvailable reports whether any provider is reachable.
func (r *Router) IsAvailable(ctx context.Context) bool {
	for _, p := range r.providers {
		if p.Client.IsAvailable(ctx) {
			return true
		}
	}
	return false
}

// EstimateTokens uses the first provider's estimator.
func (r *Router) EstimateTokens(text string) int {
	if len(r.providers) == 0 {
		return backend.CharEstimate(text)
	}
	return r.providers[0].Client.EstimateTokens(text)
}

// ModelName returns the configured default model, or the first provider's.
func (r *Router) ModelName() string {
	if r.defaultModel != "" || len(r.providers) == 0 {
		return r.defaultModel
	}
	return r.providers[0].Client.ModelName()
}

// Providers returns the configured providers in order.
func (r *Router) Providers() []Provider {
	return r.providers
}

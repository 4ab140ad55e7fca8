package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/Sternrassler/sap-odata-client/pkg/cache"
	"github.com/Sternrassler/sap-odata-client/pkg/odata"
)

// metadataKinds are invalidated together.
var metadataKinds = []cache.Kind{cache.KindMetadata, cache.KindEntitySets, cache.KindFunctionImports}

func (c *Client) cacheKey(kind cache.Kind, servicePath string) cache.Key {
	return cache.Key{
		Kind:        kind,
		Scope:       c.config.Scope,
		Host:        c.config.Credentials.Host,
		ServicePath: servicePath,
	}
}

// Metadata returns the parsed $metadata document of a service. The zero
// ServicePathSource uses the client default.
func (c *Client) Metadata(ctx context.Context, src ServicePathSource) (*odata.Metadata, error) {
	servicePath := c.resolveServicePath(src)

	md, err := cache.GetEntry[*odata.Metadata](ctx, c.cache, c.cacheKey(cache.KindMetadata, servicePath))
	if err == nil && md != nil {
		return md, nil
	}

	loaded, err := c.loadMetadata(ctx, servicePath)
	if err != nil {
		return nil, err
	}
	return loaded.metadata, nil
}

// EntitySets returns the entity set names of a service.
func (c *Client) EntitySets(ctx context.Context, src ServicePathSource) ([]string, error) {
	servicePath := c.resolveServicePath(src)

	sets, err := cache.GetEntry[[]string](ctx, c.cache, c.cacheKey(cache.KindEntitySets, servicePath))
	if err == nil {
		return sets, nil
	}

	loaded, err := c.loadMetadata(ctx, servicePath)
	if err != nil {
		return nil, err
	}
	return loaded.entitySets, nil
}

// FunctionImports returns function and action import names of a service.
func (c *Client) FunctionImports(ctx context.Context, src ServicePathSource) ([]string, error) {
	servicePath := c.resolveServicePath(src)

	fns, err := cache.GetEntry[[]string](ctx, c.cache, c.cacheKey(cache.KindFunctionImports, servicePath))
	if err == nil {
		return fns, nil
	}

	loaded, err := c.loadMetadata(ctx, servicePath)
	if err != nil {
		return nil, err
	}
	return loaded.functionImports, nil
}

// InvalidateMetadata drops every cached view of a service's metadata.
func (c *Client) InvalidateMetadata(ctx context.Context, src ServicePathSource) {
	c.invalidateMetadata(ctx, c.resolveServicePath(src))
}

func (c *Client) invalidateMetadata(ctx context.Context, servicePath string) {
	for _, kind := range metadataKinds {
		if err := c.cache.Delete(ctx, c.cacheKey(kind, servicePath)); err != nil {
			c.logger.Warn().Err(err).Str("kind", string(kind)).Msg("Failed to invalidate metadata cache")
		}
	}
	c.logger.Debug().Str("service_path", servicePath).Msg("Metadata cache invalidated")
}

type metadataBundle struct {
	metadata        *odata.Metadata
	entitySets      []string
	functionImports []string
}

// loadMetadata fetches $metadata once and caches all three views of it.
func (c *Client) loadMetadata(ctx context.Context, servicePath string) (*metadataBundle, error) {
	resp, err := c.Execute(ctx, Request{
		Method:      http.MethodGet,
		Resource:    "$metadata",
		Accept:      "application/xml",
		ServicePath: FromCustom(servicePath),
	})
	if err != nil {
		return nil, err
	}

	doc := string(resp.Body)
	md, err := odata.ParseMetadata(doc)
	if err != nil {
		return nil, decodeError("parse metadata", err)
	}
	sets, err := odata.ParseEntitySets(doc)
	if err != nil {
		return nil, decodeError("parse entity sets", err)
	}
	fns, err := odata.ParseFunctionImports(doc)
	if err != nil {
		return nil, decodeError("parse function imports", err)
	}

	ttl := c.config.MetadataTTL
	writes := []error{
		cache.SetEntry(ctx, c.cache, c.cacheKey(cache.KindMetadata, servicePath), md, ttl),
		cache.SetEntry(ctx, c.cache, c.cacheKey(cache.KindEntitySets, servicePath), sets, ttl),
		cache.SetEntry(ctx, c.cache, c.cacheKey(cache.KindFunctionImports, servicePath), fns, ttl),
	}
	if err := errors.Join(writes...); err != nil {
		c.logger.Warn().Err(err).Str("service_path", servicePath).Msg("Failed to cache metadata")
	}

	c.logger.Info().
		Str("service_path", servicePath).
		Int("entity_types", len(md.EntityTypes)).
		Int("entity_sets", len(sets)).
		Int("function_imports", len(fns)).
		Msg("Metadata loaded")

	return &metadataBundle{metadata: md, entitySets: sets, functionImports: fns}, nil
}

// CatalogService is one entry of the Gateway service catalog.
type CatalogService struct {
	ID            string `json:"id"`
	TechnicalName string `json:"technical_name"`
	Title         string `json:"title,omitempty"`
	Description   string `json:"description,omitempty"`
	ServiceURL    string `json:"service_url,omitempty"`
	Version       string `json:"version,omitempty"`
}

// ServicePath returns the path usable as a ServicePathSource.
func (s CatalogService) ServicePath() ServicePathSource {
	if s.ServiceURL != "" {
		return FromLegacy(s.ServiceURL)
	}
	return FromList(s.TechnicalName)
}

// ServiceCatalog lists the services published by the Gateway catalog.
func (c *Client) ServiceCatalog(ctx context.Context) ([]CatalogService, error) {
	key := c.cacheKey(cache.KindCatalog, odata.NormalizeServicePath(CatalogServicePath))
	if services, err := cache.GetEntry[[]CatalogService](ctx, c.cache, key); err == nil {
		return services, nil
	}

	resp, err := c.Execute(ctx, Request{
		Method:      http.MethodGet,
		Resource:    "ServiceCollection",
		Query:       url.Values{"$format": {"json"}},
		ServicePath: FromCustom(CatalogServicePath),
	})
	if err != nil {
		return nil, err
	}

	env, err := resp.Envelope()
	if err != nil {
		return nil, err
	}

	items := env.Items("")
	services := make([]CatalogService, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		services = append(services, CatalogService{
			ID:            stringField(m, "ID"),
			TechnicalName: stringField(m, "TechnicalServiceName"),
			Title:         stringField(m, "Title"),
			Description:   stringField(m, "Description"),
			ServiceURL:    stringField(m, "ServiceUrl"),
			Version:       stringField(m, "TechnicalServiceVersion"),
		})
	}

	if err := cache.SetEntry(ctx, c.cache, key, services, c.config.CatalogTTL); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to cache service catalog")
	}
	return services, nil
}

func stringField(m map[string]any, name string) string {
	switch v := m[name].(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return fmt.Sprintf("%g", v)
	default:
		return fmt.Sprint(v)
	}
}

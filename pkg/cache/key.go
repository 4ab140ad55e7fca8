package cache

import (
	"sort"
	"strings"
)

// Kind names the family of values stored under a key.
type Kind string

const (
	KindSession         Kind = "session"
	KindMetadata        Kind = "metadata"
	KindEntitySets      Kind = "entitysets"
	KindFunctionImports Kind = "functionimports"
	KindCatalog         Kind = "catalog"
	KindOAuthToken      Kind = "oauth"
)

// Key identifies a cached value.
type Key struct {
	// Kind is the value family (metadata, session, ...)
	Kind Kind

	// Scope isolates independent executions sharing one Store
	Scope string

	// Host is the SAP system base URL
	Host string

	// ServicePath is the normalized OData service root
	ServicePath string

	// Params are extra discriminators, rendered sorted
	Params map[string]string
}

// String generates a deterministic key string.
// Format: sap:kind:scope:host:path:param1=val1
//
// Example:
//
//	sap:metadata:wf-1:https://sap.example.com:/sap/opu/odata/sap/SRV/
func (k Key) String() string {
	scope := k.Scope
	if scope == "" {
		scope = "default"
	}
	parts := []string{"sap", string(k.Kind), scope}

	if k.Host != "" {
		parts = append(parts, strings.TrimRight(k.Host, "/"))
	}
	if k.ServicePath != "" {
		parts = append(parts, k.ServicePath)
	}

	if len(k.Params) > 0 {
		names := make([]string, 0, len(k.Params))
		for name := range k.Params {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			parts = append(parts, name+"="+k.Params[name])
		}
	}

	return strings.Join(parts, ":")
}

package client

import (
	"net/url"
	"strings"

	"github.com/Sternrassler/sap-odata-client/pkg/odata"
)

type pathSource int

const (
	sourceUnset pathSource = iota
	sourceList
	sourceCustom
	sourceLegacy
)

// DefaultServiceRoot prefixes service names picked from the catalog.
const DefaultServiceRoot = "/sap/opu/odata/sap/"

// ServicePathSource is where a service path came from. The zero value is
// unset and defers to the connection default.
type ServicePathSource struct {
	source pathSource
	value  string
}

// FromList selects a service by technical name as listed in the catalog,
// for example "API_SALES_ORDER_SRV". Values containing "/" are used as paths.
func FromList(name string) ServicePathSource {
	return ServicePathSource{source: sourceList, value: name}
}

// FromCustom uses an explicit service path.
func FromCustom(path string) ServicePathSource {
	return ServicePathSource{source: sourceCustom, value: path}
}

// FromLegacy accepts the older single-string form, which may be a path or
// a full service URL.
func FromLegacy(value string) ServicePathSource {
	return ServicePathSource{source: sourceLegacy, value: value}
}

// IsZero reports whether no source was chosen.
func (s ServicePathSource) IsZero() bool {
	return s.source == sourceUnset || strings.TrimSpace(s.value) == ""
}

// Resolve returns the normalized service path.
func (s ServicePathSource) Resolve() string {
	v := strings.TrimSpace(s.value)
	switch s.source {
	case sourceList:
		if !strings.Contains(v, "/") {
			v = DefaultServiceRoot + v
		}
	case sourceLegacy:
		if strings.Contains(v, "://") {
			if u, err := url.Parse(v); err == nil {
				v = u.Path
			}
		}
	}
	return odata.NormalizeServicePath(v)
}

// String describes the source for logs.
func (s ServicePathSource) String() string {
	switch s.source {
	case sourceList:
		return "list:" + s.value
	case sourceCustom:
		return "custom:" + s.value
	case sourceLegacy:
		return "legacy:" + s.value
	}
	return "unset"
}

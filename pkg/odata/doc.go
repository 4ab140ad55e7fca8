// Package odata contains the protocol-level building blocks shared by the
// client engine: envelope classification for OData V2 and V4 payloads, the
// query and filter builder, entity key formatting, SAP error extraction and
// the $metadata parser.
//
// # Envelopes
//
// SAP Gateway answers with two JSON envelope shapes depending on the
// protocol version:
//
//	V2: {"d": {"results": [...], "__next": "...", "__count": "42"}}
//	V4: {"value": [...], "@odata.nextLink": "...", "@odata.count": 42}
//
// Classify decides the shape once so that pagination and the client read
// items and next links the same way:
//
//	env := odata.Classify(body)
//	for _, item := range env.Items("") {
//	    ...
//	}
//	next := env.NextLink()
//
// # Queries
//
// BuildQuery turns a loose option map into query values and rejects unknown
// options. BuildFilter renders equality filters with OData literal escaping:
//
//	f, _ := odata.BuildFilter(map[string]any{"Name": "O'Brien"})
//	// Name eq 'O''Brien'
//
// # Metadata
//
// ParseMetadata scans the EDMX document tag by tag instead of building a DOM.
// Only entity types, entity sets and associations are extracted, which is
// what the query builder and navigation helpers need.
package odata

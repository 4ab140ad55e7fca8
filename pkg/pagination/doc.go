// Package pagination walks paged OData collections.
//
// SAP Gateway pages collections with server-driven next links (V2 d.__next,
// V4 @odata.nextLink). Some services omit the link even though more data
// exists; when a page comes back exactly full and without a link, the walker
// falls back to client-side $top/$skip paging. That fallback is best-effort:
// it stops on the first short or empty page and is bounded by MaxPages.
//
// Example usage:
//
//	cfg := pagination.DefaultConfig()
//	cfg.MaxItems = 5000
//
//	items, err := pagination.FetchAll(ctx, fetchPage, cfg)
//
// or lazily:
//
//	for item, err := range pagination.Stream(ctx, fetchPage, cfg) {
//		if err != nil {
//			return err
//		}
//		...
//	}
//
// Fetching is strictly sequential; a stream stops fetching as soon as the
// consumer stops ranging.
package pagination

// Package httputil holds the HTTP plumbing shared by the API handlers:
// JSON request decoding, path and query parameter parsing against
// gorilla/mux routes, uniform error bodies, and the middleware applied
// in front of the router.
//
// Every error body has the shape {"error": "..."} so clients and tests
// can rely on one format regardless of status code. Handlers use the
// OrError variants to parse and reply in a single call:
//
//	orgID, ok := httputil.ParsePathInt64OrError(w, r, "orgID")
//	if !ok {
//		return // 400 already written
//	}
package httputil

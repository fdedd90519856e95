// Package openrosa is the HTTP client side of the OpenRosa protocol: form
// list and manifest GETs, submission HEAD checks and chunked multipart
// submission POSTs with cached digest/basic authentication.
package openrosa

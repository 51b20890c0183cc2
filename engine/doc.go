// Package engine provides helpers for working with the modernc.org/sqlite
// driver in this module: opening connections (with a short busy timeout for
// contended cache databases) and registering the bounding-box SQL fallback
// functions used by the Spatialite filter dialect. It intentionally keeps a
// thin surface so other packages can share the same driver instance.
package engine

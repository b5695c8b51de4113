// Package db embeds the storefront schema.
package db

import _ "embed"

// Schema creates the catalog, cart, discount, order, API key and audit
// tables. Every statement is guarded with IF NOT EXISTS, so it runs on each
// start.
//
//go:embed migrations/001_schema.sql
var Schema string

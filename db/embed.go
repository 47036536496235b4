// Package db embeds the PostgreSQL schema and the default catalog seed.
package db

import _ "embed"

// Schema contains the idempotent DDL for every table.
//
//go:embed migrations/001_schema.sql
var Schema string

// SeedProducts is the JSON catalog inserted by seed-db when no file is given.
//
//go:embed seed/products.json
var SeedProducts []byte

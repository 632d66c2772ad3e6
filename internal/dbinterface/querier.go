// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package dbinterface holds database interfaces shared by the database
// layer and the model stores, so neither imports the other.
package dbinterface

import (
	"context"
	"database/sql"
)

// Querier is the interface stores operate against. It is implemented by
// *sql.DB, *sql.Tx, and *database.DB, which lets a store run inside or
// outside a transaction without duplication.
type Querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// TxRunner can run a function inside a write transaction. Stores use it
// for multi-statement operations that must commit atomically; a plain
// Querier (a *sql.Tx already inside a transaction) runs them directly.
type TxRunner interface {
	Querier
	WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error
}

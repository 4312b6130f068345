// Copyright 2020 The umd-lhcb Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package fakedb holds types to fake an in-memory DB.
package fakedb // import "github.com/umd-lhcb/MiniDAQ-utils/internal/fakedb"

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"io"
	"sync"
)

// Statement is a recorded statement that does not return rows.
type Statement struct {
	Query string
	Args  []driver.Value
}

var query struct {
	mu    sync.Mutex
	rows  Rows
	stmts []Statement
	txs   struct{ commits, rollbacks int }
}

// Run runs f with rows as the result of every query.
// Statements executed by f are recorded and returned.
func Run(ctx context.Context, rows Rows, f func(ctx context.Context) error) ([]Statement, error) {
	query.mu.Lock()
	defer query.mu.Unlock()
	query.rows = rows
	query.stmts = nil
	query.txs.commits = 0
	query.txs.rollbacks = 0

	err := f(ctx)
	return query.stmts, err
}

// Commits returns the number of committed and rolled back transactions
// of the last Run.
func Commits() (commits, rollbacks int) {
	return query.txs.commits, query.txs.rollbacks
}

func init() {
	sql.Register("fakedb", &Driver{})
}

type Driver struct{}

// Open returns a new connection to the database.
func (drv *Driver) Open(name string) (driver.Conn, error) {
	return &Conn{}, nil
}

type Conn struct{}

// Prepare returns a prepared statement, bound to this connection.
func (c *Conn) Prepare(query string) (driver.Stmt, error) {
	return &Stmt{query: query}, nil
}

// Close invalidates the connection.
func (c *Conn) Close() error {
	return nil
}

// Begin starts and returns a new transaction.
func (c *Conn) Begin() (driver.Tx, error) {
	return &Tx{}, nil
}

type Tx struct{}

func (tx *Tx) Commit() error {
	query.txs.commits++
	return nil
}

func (tx *Tx) Rollback() error {
	query.txs.rollbacks++
	return nil
}

type Stmt struct {
	query string
}

// Close closes the statement.
func (stmt *Stmt) Close() error {
	return nil
}

// NumInput returns the number of placeholder parameters.
//
// -1 disables the argument count checks of the sql package.
func (stmt *Stmt) NumInput() int {
	return -1
}

// Exec records a statement that doesn't return rows, such as an INSERT.
func (stmt *Stmt) Exec(args []driver.Value) (driver.Result, error) {
	query.stmts = append(query.stmts, Statement{
		Query: stmt.query,
		Args:  append([]driver.Value(nil), args...),
	})
	return driver.RowsAffected(1), nil
}

// Query executes a query that may return rows, such as a SELECT.
func (stmt *Stmt) Query(args []driver.Value) (driver.Rows, error) {
	rows := query.rows
	query.rows.Values = nil
	return &rows, nil
}

type Rows struct {
	Names  []string
	Values [][]driver.Value
}

// Columns returns the names of the columns.
func (rows *Rows) Columns() []string {
	return rows.Names
}

// Close closes the rows iterator.
func (rows *Rows) Close() error {
	return nil
}

// Next populates the next row of data into dest.
// Next returns io.EOF when there are no more rows.
func (rows *Rows) Next(dest []driver.Value) error {
	if len(rows.Values) == 0 {
		return io.EOF
	}
	copy(dest, rows.Values[0])
	rows.Values = rows.Values[1:]
	return nil
}

var (
	_ driver.Driver = (*Driver)(nil)
	_ driver.Conn   = (*Conn)(nil)
	_ driver.Tx     = (*Tx)(nil)
	_ driver.Stmt   = (*Stmt)(nil)
	_ driver.Rows   = (*Rows)(nil)
)

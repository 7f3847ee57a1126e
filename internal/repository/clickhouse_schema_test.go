package repository

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemaStatements(t *testing.T) {
	stmts := SchemaStatements("featpull")
	require.Len(t, stmts, 4)
	assert.Equal(t, "CREATE DATABASE IF NOT EXISTS featpull", stmts[0])
	for _, s := range stmts[1:] {
		assert.Contains(t, s, "ReplacingMergeTree(updated_at)")
		assert.True(t, strings.Contains(s, "featpull."))
	}
	assert.Contains(t, stmts[1], "ORDER BY (inst_id, bar, ts)")
	assert.Contains(t, stmts[2], "ORDER BY (inst_id, bar, col)")
}

func TestValuesClause(t *testing.T) {
	assert.Equal(t, "(?, ?)", valuesClause(1, 2))
	assert.Equal(t, "(?, ?, ?), (?, ?, ?)", valuesClause(2, 3))
}

package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStubParser_SelectLiteral(t *testing.T) {
	p := NewStubParser()
	stmt, err := p.Parse("SELECT 1")
	require.NoError(t, err)
	require.Len(t, stmt.Columns, 1)
	assert.Equal(t, "_col0", stmt.Columns[0].Name)
	assert.Equal(t, "bigint", stmt.Columns[0].Type)
	assert.Equal(t, [][]interface{}{{int64(1)}}, stmt.Rows)
}

func TestStubParser_ShowCatalogs(t *testing.T) {
	p := NewStubParser()
	stmt, err := p.Parse("SHOW CATALOGS")
	require.NoError(t, err)
	require.Len(t, stmt.Rows, 1)
	assert.Equal(t, "system", stmt.Rows[0][0])
}

func TestStubParser_DDL(t *testing.T) {
	p := NewStubParser()
	stmt, err := p.Parse("CREATE TABLE foo (id int)")
	require.NoError(t, err)
	assert.False(t, stmt.HasOutputStage)
	assert.Equal(t, "CREATE", stmt.UpdateType)
}

func TestStubParser_SetSession(t *testing.T) {
	p := NewStubParser()
	stmt, err := p.Parse("SET SESSION query_max_memory=1GB")
	require.NoError(t, err)
	assert.False(t, stmt.HasOutputStage)
	assert.Equal(t, "1GB", stmt.SetSessionProperties["query_max_memory"])
}

func TestStubParser_ResetSession(t *testing.T) {
	p := NewStubParser()
	stmt, err := p.Parse("RESET SESSION query_max_memory")
	require.NoError(t, err)
	assert.Equal(t, []string{"query_max_memory"}, stmt.ResetSessionProperties)
}

func TestStubParser_SyntaxError(t *testing.T) {
	p := NewStubParser()
	_, err := p.Parse("NOT SQL")
	require.Error(t, err)
	var se *SyntaxError
	require.ErrorAs(t, err, &se)
}

func TestStubParser_EmptyStatement(t *testing.T) {
	p := NewStubParser()
	_, err := p.Parse("   ")
	require.Error(t, err)
}

package mysql

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeDSN_ForcesParseTime(t *testing.T) {
	dsn, err := normalizeDSN("quest:pw@tcp(db:3306)/questforge?charset=utf8mb4")
	require.NoError(t, err)
	assert.Contains(t, dsn, "parseTime=true")
	assert.Contains(t, dsn, "charset=utf8mb4")
	assert.Contains(t, dsn, "tcp(db:3306)/questforge")
}

func TestNormalizeDSN_Invalid(t *testing.T) {
	_, err := normalizeDSN("quest:pw@tcp(db:3306)questforge")
	assert.Error(t, err)
}

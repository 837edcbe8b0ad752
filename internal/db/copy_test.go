package db

import (
	"context"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCopyFrom_EmptyRows(t *testing.T) {
	n, err := CopyFrom(context.TODO(), nil, "field_history", []string{"a", "b"}, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestCopyFrom_Success(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectCopyFrom(pgx.Identifier{"field_history"}, []string{"unit_id", "value"}).WillReturnResult(3)

	rows := [][]any{{"u1", 1100.0}, {"u1", 1150.0}, {"u1", 1080.0}}
	n, err := CopyFrom(context.Background(), mock, "field_history", []string{"unit_id", "value"}, rows)
	assert.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCopyFrom_Error(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectCopyFrom(pgx.Identifier{"field_history"}, []string{"unit_id"}).WillReturnError(fmt.Errorf("copy failed"))

	_, err = CopyFrom(context.Background(), mock, "field_history", []string{"unit_id"}, [][]any{{"u1"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COPY INTO field_history")
	assert.NoError(t, mock.ExpectationsWereMet())
}

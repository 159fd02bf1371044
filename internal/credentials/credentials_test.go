package credentials

import (
	"context"
	"database/sql"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/mgazza/meter-datafeeds/internal/datafeed"
)

func newMock(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgres(sqlx.NewDb(db, "postgres")), mock
}

func TestPostgresParent(t *testing.T) {
	tests := []struct {
		name      string
		setupMock func(sqlmock.Sqlmock)
		want      *datafeed.Parent
		wantErr   error
	}{
		{
			name: "found",
			setupMock: func(mock sqlmock.Sqlmock) {
				rows := sqlmock.NewRows([]string{"id", "name", "username", "password", "enabled"}).
					AddRow(int64(7), "acme", "user@example.com", "secret", true)
				mock.ExpectQuery(regexp.QuoteMeta(parentQuery)).WithArgs("ds-1").WillReturnRows(rows)
			},
			want: &datafeed.Parent{ID: 7, Name: "acme", Username: "user@example.com", Password: "secret", Enabled: true},
		},
		{
			name: "null password",
			setupMock: func(mock sqlmock.Sqlmock) {
				rows := sqlmock.NewRows([]string{"id", "name", "username", "password", "enabled"}).
					AddRow(int64(8), "token-only", nil, nil, false)
				mock.ExpectQuery(regexp.QuoteMeta(parentQuery)).WithArgs("ds-1").WillReturnRows(rows)
			},
			want: &datafeed.Parent{ID: 8, Name: "token-only"},
		},
		{
			name: "no parent",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(regexp.QuoteMeta(parentQuery)).WithArgs("ds-1").WillReturnError(sql.ErrNoRows)
			},
			wantErr: datafeed.ErrNoParent,
		},
		{
			name: "database failure",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(regexp.QuoteMeta(parentQuery)).WithArgs("ds-1").WillReturnError(sql.ErrConnDone)
			},
			wantErr: sql.ErrConnDone,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			store, mock := newMock(t)
			test.setupMock(mock)

			got, err := store.Parent(context.Background(), "ds-1")
			if test.wantErr != nil {
				require.ErrorIs(t, err, test.wantErr)
			} else {
				require.NoError(t, err)
				require.Equal(t, test.want, got)
			}
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestPostgresDisable(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta(disableQuery)).WithArgs(int64(7)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(disableQuery)).WithArgs(int64(99)).WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, store.Disable(context.Background(), 7))
	require.ErrorIs(t, store.Disable(context.Background(), 99), ErrParentNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStatic(t *testing.T) {
	store := NewStatic(map[string]datafeed.Parent{
		"geo":   {ID: 1, Name: "geo", Username: "me", Password: "pw", Enabled: true},
		"geo-2": {ID: 1, Name: "geo", Username: "me", Password: "pw", Enabled: true},
	})
	ctx := context.Background()

	p, err := store.Parent(ctx, "geo")
	require.NoError(t, err)
	require.True(t, p.Enabled)

	_, err = store.Parent(ctx, "octopus")
	require.ErrorIs(t, err, datafeed.ErrNoParent)

	require.NoError(t, store.Disable(ctx, 1))
	for _, id := range []string{"geo", "geo-2"} {
		p, err := store.Parent(ctx, id)
		require.NoError(t, err)
		require.False(t, p.Enabled, "every datasource sharing the parent sees it disabled")
	}
	require.ErrorIs(t, store.Disable(ctx, 2), ErrParentNotFound)
}

var (
	_ datafeed.CredentialStore = (*Postgres)(nil)
	_ datafeed.CredentialStore = (*Static)(nil)
)

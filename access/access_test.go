package access

import (
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livemd/store"
)

func newService(t *testing.T) (*Service, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(store.New(db)), mock
}

func docRow(id, owner string, isPublic bool) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"documentId", "ownerUsername", "isPublic"}).
		AddRow(id, owner, isPublic)
}

func TestEmptyInputsAreDeniedWithoutLookup(t *testing.T) {
	svc, mock := newService(t)

	for _, pair := range [][2]string{{"", "doc1"}, {"alice", ""}, {"", ""}} {
		ok, err := svc.CanAccess(pair[0], pair[1])
		require.NoError(t, err)
		assert.False(t, ok)
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUnknownDocumentIsDeniedNeverCreated(t *testing.T) {
	svc, mock := newService(t)
	mock.ExpectQuery("SELECT documentId, ownerUsername, isPublic FROM Documents").
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"documentId", "ownerUsername", "isPublic"}))

	ok, err := svc.CanAccess("alice", "ghost")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOwnerAccessesPrivateDocument(t *testing.T) {
	svc, mock := newService(t)
	mock.ExpectQuery("SELECT documentId, ownerUsername, isPublic FROM Documents").
		WithArgs("doc1").
		WillReturnRows(docRow("doc1", "alice", false))

	ok, err := svc.CanAccess("alice", "doc1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNonOwnerDeniedOnPrivateDocument(t *testing.T) {
	svc, mock := newService(t)
	mock.ExpectQuery("SELECT documentId, ownerUsername, isPublic FROM Documents").
		WithArgs("doc1").
		WillReturnRows(docRow("doc1", "alice", false))

	ok, err := svc.CanAccess("bob", "doc1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAnyUserAccessesPublicDocument(t *testing.T) {
	svc, mock := newService(t)
	mock.ExpectQuery("SELECT documentId, ownerUsername, isPublic FROM Documents").
		WithArgs("doc2").
		WillReturnRows(docRow("doc2", "alice", true))

	ok, err := svc.CanAccess("bob", "doc2")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStorageFailureSurfacesAsError(t *testing.T) {
	svc, mock := newService(t)
	mock.ExpectQuery("SELECT documentId, ownerUsername, isPublic FROM Documents").
		WithArgs("doc1").
		WillReturnError(errors.New("connection reset"))

	ok, err := svc.CanAccess("alice", "doc1")
	assert.Error(t, err)
	assert.False(t, ok)
}

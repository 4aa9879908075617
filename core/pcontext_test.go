package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPersistenceContextRejectsSecondInstancePerKey(t *testing.T) {
	pctx := newPersistenceContext()
	key := EntityKey{EntityName: "Author", ID: int64(1)}

	first := &testAuthor{ID: 1, Name: "Ann"}
	_, err := pctx.add(key, first, StatusManaged, Changes{"name": "Ann"}, int64(1))
	require.NoError(t, err)

	_, err = pctx.add(key, &testAuthor{ID: 1, Name: "Ann"}, StatusManaged, nil, nil)
	var nonUnique *NonUniqueObjectError
	require.ErrorAs(t, err, &nonUnique)
	assert.Equal(t, "Author", nonUnique.EntityName)
	assert.Equal(t, int64(1), nonUnique.ID)
}

func TestPersistenceContextUpdatesSameInstanceInPlace(t *testing.T) {
	pctx := newPersistenceContext()
	key := EntityKey{EntityName: "Author", ID: int64(1)}
	author := &testAuthor{ID: 1, Name: "Ann"}

	entry, err := pctx.add(key, author, StatusLoading, nil, nil)
	require.NoError(t, err)

	updated, err := pctx.add(key, author, StatusManaged, Changes{"name": "Ann"}, int64(1))
	require.NoError(t, err)
	assert.Same(t, entry, updated)
	assert.Equal(t, StatusManaged, updated.status)
	assert.Equal(t, int64(1), updated.version)
}

func TestPersistenceContextLooksUpByInstance(t *testing.T) {
	pctx := newPersistenceContext()
	key := EntityKey{EntityName: "Author", ID: int64(1)}
	author := &testAuthor{ID: 1}

	_, err := pctx.add(key, author, StatusManaged, nil, nil)
	require.NoError(t, err)

	entry := pctx.entryOf(author)
	require.NotNil(t, entry)
	assert.Equal(t, key, entry.key)
	assert.Nil(t, pctx.entryOf(&testAuthor{ID: 1}), "a distinct instance is detached")
}

func TestPersistenceContextRemoveEvictsCollections(t *testing.T) {
	pctx := newPersistenceContext()
	key := EntityKey{EntityName: "Author", ID: int64(1)}
	author := &testAuthor{ID: 1}
	_, err := pctx.add(key, author, StatusManaged, nil, nil)
	require.NoError(t, err)
	pctx.registerCollection(key, "Books", true, []any{int64(10)})

	pctx.remove(key)

	assert.Nil(t, pctx.get(key))
	assert.Nil(t, pctx.entryOf(author))
	assert.Nil(t, pctx.collection(key, "Books"))
	assert.Empty(t, pctx.entries())
}

func TestPersistenceContextEntriesKeepRegistrationOrder(t *testing.T) {
	pctx := newPersistenceContext()
	keyList := []EntityKey{
		{EntityName: "Author", ID: int64(3)},
		{EntityName: "Author", ID: int64(1)},
		{EntityName: "Book", ID: int64(2)},
	}
	for _, key := range keyList {
		_, err := pctx.add(key, &testAuthor{ID: key.ID.(int64)}, StatusManaged, nil, nil)
		require.NoError(t, err)
	}

	entryList := pctx.entries()
	require.Len(t, entryList, 3)
	for i, entry := range entryList {
		assert.Equal(t, keyList[i], entry.key)
	}
}

func TestPersistenceContextClearDetachesEverything(t *testing.T) {
	pctx := newPersistenceContext()
	key := EntityKey{EntityName: "Author", ID: int64(1)}
	author := &testAuthor{ID: 1}
	_, err := pctx.add(key, author, StatusManaged, nil, nil)
	require.NoError(t, err)
	pctx.registerCollection(key, "Books", false, nil)

	pctx.clear()

	assert.Nil(t, pctx.get(key))
	assert.Nil(t, pctx.entryOf(author))
	assert.Nil(t, pctx.collection(key, "Books"))
	assert.Empty(t, pctx.entries())
}

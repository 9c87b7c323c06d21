package local

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore(t *testing.T) {
	newTestStore := func(t *testing.T) (*Store, string) {
		path := filepath.Join(t.TempDir(), "nested", "session.json")
		store, err := NewStore(path)
		require.NoError(t, err)
		return store, path
	}

	t.Run("空路径返回错误", func(t *testing.T) {
		_, err := NewStore("")
		assert.Error(t, err)
	})

	t.Run("保存后可以读回", func(t *testing.T) {
		store, _ := newTestStore(t)

		require.NoError(t, store.Save("token-123", "mailbox-456"))

		token, mailboxID, err := store.Load()
		require.NoError(t, err)
		assert.Equal(t, "token-123", token)
		assert.Equal(t, "mailbox-456", mailboxID)
	})

	t.Run("文件不存在返回ErrNotFound", func(t *testing.T) {
		store, _ := newTestStore(t)

		_, _, err := store.Load()

		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("损坏的文件等同于没有会话并被清除", func(t *testing.T) {
		store, path := newTestStore(t)
		require.NoError(t, os.WriteFile(path, []byte("{not valid json"), 0600))

		_, _, err := store.Load()

		assert.ErrorIs(t, err, ErrNotFound)
		_, statErr := os.Stat(path)
		assert.True(t, os.IsNotExist(statErr), "损坏的文件应该被删除")
	})

	t.Run("字段缺失视为没有会话", func(t *testing.T) {
		store, path := newTestStore(t)
		require.NoError(t, os.WriteFile(path, []byte(`{"token":"only-token"}`), 0600))

		_, _, err := store.Load()

		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("Clear删除会话文件", func(t *testing.T) {
		store, path := newTestStore(t)
		require.NoError(t, store.Save("token", "mailbox"))

		require.NoError(t, store.Clear())

		_, statErr := os.Stat(path)
		assert.True(t, os.IsNotExist(statErr))
	})

	t.Run("Clear对不存在的文件不报错", func(t *testing.T) {
		store, _ := newTestStore(t)
		assert.NoError(t, store.Clear())
	})

	t.Run("覆盖保存生效", func(t *testing.T) {
		store, _ := newTestStore(t)
		require.NoError(t, store.Save("old-token", "mailbox"))
		require.NoError(t, store.Save("new-token", "mailbox"))

		token, _, err := store.Load()
		require.NoError(t, err)
		assert.Equal(t, "new-token", token)
	})
}

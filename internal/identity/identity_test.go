package identity

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"commsdash/dashboard/internal/toast"
)

const testSecret = "test-secret-key-for-development-32-chars-long-at-least"

type memoryStore struct {
	value   string
	saves   int
	clears  int
	failErr error
}

func (s *memoryStore) Save(identity string) error {
	if s.failErr != nil {
		return s.failErr
	}
	s.value = identity
	s.saves++
	return nil
}

func (s *memoryStore) Clear() {
	s.value = ""
	s.clears++
}

func newTestGate() *Gate {
	return NewRegistry(time.Hour, time.Minute, time.Second, nil).Get("")
}

func TestGateSubmit(t *testing.T) {
	t.Run("合法身份被保存并跳转", func(t *testing.T) {
		gate := newTestGate()
		store := &memoryStore{}

		res, err := gate.Submit("alice-01", store)
		require.NoError(t, err)

		assert.True(t, res.Accepted)
		assert.Equal(t, "alice-01", store.value)
		assert.Equal(t, RedirectTarget, res.RedirectTo)
		assert.Equal(t, time.Second, res.RedirectAfter)
		assert.True(t, res.SubmitDisabled)
		require.NotNil(t, res.Toast)
		assert.Equal(t, toast.KindSuccess, res.Toast.Kind)
		assert.Equal(t, "Identity Set", res.Toast.Headline)
		assert.Equal(t, "Your identity has been set successfully.", res.Toast.Detail)
	})

	t.Run("首尾空白被去除", func(t *testing.T) {
		gate := newTestGate()
		store := &memoryStore{}

		res, err := gate.Submit("  bob  ", store)
		require.NoError(t, err)
		assert.Equal(t, "bob", res.Identity)
		assert.Equal(t, "bob", store.value)
	})

	t.Run("非法身份不写入", func(t *testing.T) {
		for _, raw := range []string{"alice bob", "alice!", "", "   "} {
			gate := newTestGate()
			store := &memoryStore{}

			res, err := gate.Submit(raw, store)
			require.NoError(t, err)

			assert.False(t, res.Accepted)
			assert.Zero(t, store.saves)
			assert.Empty(t, res.RedirectTo)
			require.NotNil(t, res.Toast)
			assert.Equal(t, toast.KindError, res.Toast.Kind)
			assert.Equal(t, "Invalid Identity", res.Toast.Headline)
			assert.Equal(t, "Identity must only contain alphanumerics and dashes (-) without spaces or special characters.", res.Toast.Detail)
		}
	})

	t.Run("禁用后重复提交被拒绝", func(t *testing.T) {
		gate := newTestGate()
		store := &memoryStore{}

		_, err := gate.Submit("alice", store)
		require.NoError(t, err)
		_, err = gate.Submit("mallory", store)

		assert.ErrorIs(t, err, ErrAlreadySubmitted)
		assert.Equal(t, "alice", store.value)
		assert.Equal(t, 1, store.saves)
	})

	t.Run("保存失败返回错误", func(t *testing.T) {
		gate := newTestGate()
		_, err := gate.Submit("alice", &memoryStore{failErr: errors.New("write failed")})
		assert.Error(t, err)
		assert.False(t, gate.Snapshot().SubmitDisabled)
	})

	t.Run("进入入口清除身份并重新启用", func(t *testing.T) {
		gate := newTestGate()
		store := &memoryStore{}

		_, err := gate.Submit("alice", store)
		require.NoError(t, err)

		gate.Enter(store)
		assert.Empty(t, store.value)
		assert.Equal(t, 1, store.clears)
		assert.False(t, gate.Snapshot().SubmitDisabled)
		assert.Nil(t, gate.Snapshot().Toast)

		_, err = gate.Submit("bob", store)
		assert.NoError(t, err)
	})
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(time.Hour, time.Minute, time.Second, nil)

	first := r.Get("")
	assert.NotEmpty(t, first.ID)
	assert.Same(t, first, r.Get(first.ID))
	assert.NotSame(t, first, r.Get("unknown"))
}

func TestCodec(t *testing.T) {
	t.Run("编码后解码得到原身份", func(t *testing.T) {
		codec := NewCodec(testSecret, time.Hour)
		value, err := codec.Encode("alice")
		require.NoError(t, err)

		identity, err := codec.Decode(value)
		require.NoError(t, err)
		assert.Equal(t, "alice", identity)
	})

	t.Run("密钥不同解码失败", func(t *testing.T) {
		value, err := NewCodec(testSecret, time.Hour).Encode("alice")
		require.NoError(t, err)

		_, err = NewCodec(testSecret+"-other", time.Hour).Decode(value)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("过期令牌", func(t *testing.T) {
		codec := NewCodec(testSecret, time.Minute)
		value, err := codec.Encode("alice")
		require.NoError(t, err)

		codec.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
		_, err = codec.Decode(value)
		assert.ErrorIs(t, err, ErrExpiredToken)
	})

	t.Run("格式非法的身份被拒绝", func(t *testing.T) {
		codec := NewCodec(testSecret, time.Hour)
		value, err := codec.Encode("alice bob")
		require.NoError(t, err)

		_, err = codec.Decode(value)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("垃圾输入", func(t *testing.T) {
		_, err := NewCodec(testSecret, time.Hour).Decode("garbage")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

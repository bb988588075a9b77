package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func digestFixture(t *testing.T) (*SessionDigestService, *memDigestCache) {
	t.Helper()
	cache := newMemDigestCache()
	return NewSessionDigestService(cache), cache
}

func digestSessionContext(t *testing.T, raw string) *SessionContext {
	t.Helper()
	body, err := ParseRequestBody([]byte(raw))
	require.NoError(t, err)
	fingerprint := SessionFingerprint([]byte(raw))
	return &SessionContext{
		SessionHash:   fingerprint,
		SessionID:     SessionIDFor(body, fingerprint),
		Body:          body,
		DigestResults: make(map[string]*DigestValidationResult),
	}
}

func digestAccount(id string, exclusive bool) *Account {
	return &Account{
		ID:                   id,
		Status:               AccountStatusActive,
		ExclusiveSessionOnly: exclusive,
		EnableMessageDigest:  true,
	}
}

func TestDigestValidate_CreatePersistsOnlyWithAllowCreate(t *testing.T) {
	svc, cache := digestFixture(t)
	sctx := digestSessionContext(t, freshBody)
	account := digestAccount("acct-1", false)

	// 只读探测：create 不落库。
	result, err := svc.Validate(context.Background(), sctx, account, false)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, DigestActionCreate, result.Transition.Action)
	stored, _ := cache.GetSessionDigest(context.Background(), sctx.SessionID)
	assert.Empty(t, stored)

	// allowCreate 才初始化记录。
	sctx2 := digestSessionContext(t, freshBody)
	_, err = svc.Validate(context.Background(), sctx2, account, true)
	require.NoError(t, err)
	stored, _ = cache.GetSessionDigest(context.Background(), sctx2.SessionID)
	assert.Equal(t, BuildMessageDigest(sctx2.Body.Messages), stored)
}

func TestDigestValidate_PerRequestCache(t *testing.T) {
	svc, _ := digestFixture(t)
	sctx := digestSessionContext(t, freshBody)
	account := digestAccount("acct-1", false)

	first, err := svc.Validate(context.Background(), sctx, account, true)
	require.NoError(t, err)

	// 第二次命中请求内缓存，返回同一个结果对象。
	second, err := svc.Validate(context.Background(), sctx, account, true)
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestDigestValidate_AppendUpdatesRecord(t *testing.T) {
	svc, cache := digestFixture(t)
	account := digestAccount("acct-1", false)

	sctx := digestSessionContext(t, `{"conversation_id":"conv-1","messages":[{"role":"user","content":"q"}]}`)
	_, err := svc.Validate(context.Background(), sctx, account, true)
	require.NoError(t, err)

	appended := digestSessionContext(t, `{"conversation_id":"conv-1","messages":[{"role":"user","content":"q"},{"role":"assistant","content":"a"}]}`)
	result, err := svc.Validate(context.Background(), appended, account, false)
	require.NoError(t, err)
	assert.Equal(t, DigestActionAppend, result.Transition.Action)

	stored, _ := cache.GetSessionDigest(context.Background(), "conv-1")
	assert.Equal(t, result.Digest, stored)
}

func TestDigestValidate_RejectDoesNotMutate(t *testing.T) {
	svc, cache := digestFixture(t)
	account := digestAccount("acct-1", false)

	sctx := digestSessionContext(t, `{"conversation_id":"conv-1","messages":[{"role":"user","content":"other history"},{"role":"assistant","content":"x"}]}`)
	recorded := "-99999999_88888888"
	require.NoError(t, cache.SetSessionDigest(context.Background(), "conv-1", recorded, 0))

	result, err := svc.Validate(context.Background(), sctx, account, false)
	require.Error(t, err)
	require.NotNil(t, result)
	require.Error(t, result.Err)

	stored, _ := cache.GetSessionDigest(context.Background(), "conv-1")
	assert.Equal(t, recorded, stored, "rejected transition must not mutate the record")
}

func TestDigestValidate_ExclusiveAccountSecondaryRecord(t *testing.T) {
	svc, cache := digestFixture(t)
	account := digestAccount("acct-1", true)
	sctx := digestSessionContext(t, freshBody)

	_, err := svc.Validate(context.Background(), sctx, account, true)
	require.NoError(t, err)

	owned, err := svc.OwnsSession(context.Background(), "acct-1", sctx.SessionHash)
	require.NoError(t, err)
	assert.True(t, owned)

	exclusive, _ := cache.GetExclusiveSessionDigest(context.Background(), "acct-1", sctx.SessionHash)
	assert.Equal(t, BuildMessageDigest(sctx.Body.Messages), exclusive)
}

func TestDigestValidate_DisabledAccountSkips(t *testing.T) {
	svc, _ := digestFixture(t)
	sctx := digestSessionContext(t, freshBody)
	account := digestAccount("acct-1", false)
	account.EnableMessageDigest = false

	result, err := svc.Validate(context.Background(), sctx, account, true)
	require.NoError(t, err)
	assert.Nil(t, result)
}

func TestDigestHasRecord(t *testing.T) {
	svc, cache := digestFixture(t)

	has, err := svc.HasRecord(context.Background(), "conv-1")
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, cache.SetSessionDigest(context.Background(), "conv-1", "-abcdefgh", 0))
	has, err = svc.HasRecord(context.Background(), "conv-1")
	require.NoError(t, err)
	assert.True(t, has)
}

package profile

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T, s Store) {
	ctx := context.Background()

	lang, err := s.Language(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "ru", lang, "default")

	lang, err = s.SetLanguage(ctx, 1, "en-US")
	require.NoError(t, err)
	assert.Equal(t, "en", lang)

	lang, err = s.Language(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "en", lang)

	lang, err = s.SetLanguage(ctx, 1, "klingon")
	require.NoError(t, err)
	assert.Equal(t, "ru", lang)
}

func TestMemoryStore(t *testing.T) {
	testStore(t, NewMemoryStore())
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	testStore(t, NewRedisStore(rdb))
	assert.Equal(t, "ru", mr.HGet(languageHash, "1"))
}

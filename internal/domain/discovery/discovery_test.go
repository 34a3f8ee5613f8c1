package discovery

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archivist/tgarchiver/internal/domain/channel"
)

func TestDedupeByTelegramID_LastWins(t *testing.T) {
	candidates := []channel.Candidate{
		{Telegram: -100111, Name: "first"},
		{Telegram: -100222, Name: "other"},
		{Telegram: -100111, Name: "second"},
	}

	out := dedupeByTelegramID(candidates)

	require.Len(t, out, 2)
	assert.Equal(t, "second", out[0].Name, "later metadata wins for a duplicated id")
	assert.Equal(t, int64(-100111), out[0].Telegram)
	assert.Equal(t, int64(-100222), out[1].Telegram)
}

func TestDedupeByTelegramID_PreservesFirstSeenOrder(t *testing.T) {
	candidates := []channel.Candidate{
		{Telegram: -100333},
		{Telegram: -100111},
		{Telegram: -100222},
	}

	out := dedupeByTelegramID(candidates)

	assert.Equal(t, int64(-100333), out[0].Telegram)
	assert.Equal(t, int64(-100111), out[1].Telegram)
	assert.Equal(t, int64(-100222), out[2].Telegram)
}

func TestIsSchemaDrift(t *testing.T) {
	assert.True(t, isSchemaDrift(errors.New("decode: unexpected type messages.dialogFiltersNew")))
	assert.True(t, isSchemaDrift(errors.New("unexpected response kind")))
	assert.False(t, isSchemaDrift(errors.New("rpc error code 420: FLOOD_WAIT (30)")))
	assert.False(t, isSchemaDrift(errors.New("connection reset by peer")))
}

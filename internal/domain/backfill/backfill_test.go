package backfill

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archivist/tgarchiver/internal/domain/channel"
	"github.com/archivist/tgarchiver/internal/domain/message"
)

type fakeChannels struct {
	channel.Repository
	statuses []channel.BackfillStatus
}

func (f *fakeChannels) SetBackfillStatus(_ context.Context, _ int64, status channel.BackfillStatus, _ *time.Time) error {
	f.statuses = append(f.statuses, status)
	return nil
}

type fakeMessages struct {
	message.Repository
	latest *time.Time
}

func (f *fakeMessages) LatestBackfilledTelegramDate(_ context.Context, _ int64) (*time.Time, error) {
	return f.latest, nil
}

func TestResolveFrom_PrefersChannelFromDate(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	requested := time.Date(2024, 5, 31, 23, 55, 0, 0, time.UTC)

	s := New(nil, nil, &fakeChannels{}, &fakeMessages{}, nil, nil, Config{StartDate: start}, "acct")
	ch := &channel.Channel{ID: 1, BackfillFromDate: &requested}

	assert.Equal(t, requested, s.resolveFrom(context.Background(), ch))
}

func TestResolveFrom_ResumesFromLatestBackfilled(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	latest := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	s := New(nil, nil, &fakeChannels{}, &fakeMessages{latest: &latest}, nil, nil, Config{StartDate: start}, "acct")
	ch := &channel.Channel{ID: 1}

	assert.Equal(t, latest, s.resolveFrom(context.Background(), ch))
}

func TestResolveFrom_FallsBackToConfiguredStart(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	s := New(nil, nil, &fakeChannels{}, &fakeMessages{}, nil, nil, Config{StartDate: start}, "acct")

	assert.Equal(t, start, s.resolveFrom(context.Background(), &channel.Channel{ID: 1}))
}

func TestResume_OnlyPausedOrFailed(t *testing.T) {
	channels := &fakeChannels{}
	s := New(nil, nil, channels, &fakeMessages{}, nil, nil, Config{}, "acct")

	err := s.Resume(context.Background(), &channel.Channel{ID: 1, BackfillStatus: channel.BackfillInProgress})
	require.Error(t, err)

	err = s.Resume(context.Background(), &channel.Channel{ID: 1, BackfillStatus: channel.BackfillPaused})
	require.NoError(t, err)
	assert.Equal(t, []channel.BackfillStatus{channel.BackfillPending}, channels.statuses)
}

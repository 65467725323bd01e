package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"CentralLedger/internal/ledger"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockSource struct {
	mock.Mock
}

func (m *MockSource) ResolveAccount(ctx context.Context, participant, currency string, accountType ledger.LedgerAccountType) (ledger.ParticipantCurrency, error) {
	args := m.Called(ctx, participant, currency, accountType)
	return args.Get(0).(ledger.ParticipantCurrency), args.Error(1)
}

func (m *MockSource) GetAccountSnapshots(ctx context.Context, ids []int64) (map[int64]ledger.AccountSnapshot, error) {
	args := m.Called(ctx, ids)
	snaps, _ := args.Get(0).(map[int64]ledger.AccountSnapshot)
	return snaps, args.Error(1)
}

func snapshot(id int64, limit int64) ledger.AccountSnapshot {
	return ledger.AccountSnapshot{
		Account: ledger.ParticipantCurrency{ID: id, ParticipantName: "dfsp1", Currency: "USD"},
		Limit:   ledger.ParticipantLimit{ParticipantCurrencyID: id, Value: decimal.NewFromInt(limit)},
	}
}

func TestResolveAccount_CachesUntilExpiry(t *testing.T) {
	ctx := context.Background()
	src := new(MockSource)
	acc := ledger.ParticipantCurrency{ID: 7, ParticipantName: "dfsp1", Currency: "USD", LedgerAccountType: ledger.AccountPosition}
	src.On("ResolveAccount", ctx, "dfsp1", "USD", ledger.AccountPosition).Return(acc, nil).Twice()

	c := New(src, nil, "", time.Minute, nil)
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return clock }

	for i := 0; i < 3; i++ {
		got, err := c.ResolveAccount(ctx, "dfsp1", "USD", ledger.AccountPosition)
		require.NoError(t, err)
		assert.Equal(t, int64(7), got.ID)
	}

	clock = clock.Add(2 * time.Minute)
	_, err := c.ResolveAccount(ctx, "dfsp1", "USD", ledger.AccountPosition)
	require.NoError(t, err)
	src.AssertNumberOfCalls(t, "ResolveAccount", 2)
}

func TestResolveAccount_ErrorIsNotCached(t *testing.T) {
	ctx := context.Background()
	src := new(MockSource)
	src.On("ResolveAccount", ctx, "ghost", "USD", ledger.AccountPosition).
		Return(ledger.ParticipantCurrency{}, errors.New("not found")).Twice()

	c := New(src, nil, "", time.Minute, nil)
	_, err := c.ResolveAccount(ctx, "ghost", "USD", ledger.AccountPosition)
	assert.Error(t, err)
	_, err = c.ResolveAccount(ctx, "ghost", "USD", ledger.AccountPosition)
	assert.Error(t, err)
	src.AssertExpectations(t)
}

func TestAccountSnapshots_LoadsOnlyMisses(t *testing.T) {
	ctx := context.Background()
	src := new(MockSource)
	src.On("GetAccountSnapshots", ctx, []int64{1, 2}).
		Return(map[int64]ledger.AccountSnapshot{1: snapshot(1, 100), 2: snapshot(2, 200)}, nil).Once()
	src.On("GetAccountSnapshots", ctx, []int64{3}).
		Return(map[int64]ledger.AccountSnapshot{3: snapshot(3, 300)}, nil).Once()

	c := New(src, nil, "", time.Minute, nil)

	first, err := c.AccountSnapshots(ctx, []int64{1, 2})
	require.NoError(t, err)
	assert.Len(t, first, 2)

	second, err := c.AccountSnapshots(ctx, []int64{1, 2, 3})
	require.NoError(t, err)
	assert.Len(t, second, 3)
	assert.True(t, second[3].Limit.Value.Equal(decimal.NewFromInt(300)))
	src.AssertExpectations(t)
}

func TestInvalidateAccounts_ForcesReload(t *testing.T) {
	ctx := context.Background()
	src := new(MockSource)
	src.On("GetAccountSnapshots", ctx, []int64{1}).
		Return(map[int64]ledger.AccountSnapshot{1: snapshot(1, 100)}, nil).Once()
	src.On("GetAccountSnapshots", ctx, []int64{1}).
		Return(map[int64]ledger.AccountSnapshot{1: snapshot(1, 500)}, nil).Once()

	c := New(src, nil, "", time.Minute, nil)
	_, err := c.AccountSnapshots(ctx, []int64{1})
	require.NoError(t, err)

	c.InvalidateAccounts(ctx, 1)
	snaps, err := c.AccountSnapshots(ctx, []int64{1})
	require.NoError(t, err)
	assert.True(t, snaps[1].Limit.Value.Equal(decimal.NewFromInt(500)))
	src.AssertExpectations(t)
}

func TestInvalidateParticipant(t *testing.T) {
	ctx := context.Background()
	src := new(MockSource)
	acc := ledger.ParticipantCurrency{ID: 9, ParticipantName: "dfsp1", Currency: "EUR"}
	src.On("ResolveAccount", ctx, "dfsp1", "EUR", ledger.AccountSettlement).Return(acc, nil).Twice()

	c := New(src, nil, "", time.Minute, nil)
	_, err := c.ResolveAccount(ctx, "dfsp1", "EUR", ledger.AccountSettlement)
	require.NoError(t, err)

	c.InvalidateParticipant(ctx, "dfsp1")
	_, err = c.ResolveAccount(ctx, "dfsp1", "EUR", ledger.AccountSettlement)
	require.NoError(t, err)
	src.AssertExpectations(t)
	assert.NoError(t, c.Close())
}

func TestConnect_EmptyURLDisablesRedis(t *testing.T) {
	client, err := Connect(context.Background(), "")
	require.NoError(t, err)
	assert.Nil(t, client)

	_, err = Connect(context.Background(), "not a url")
	assert.Error(t, err)
}

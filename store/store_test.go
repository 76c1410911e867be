package store

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	payload "github.com/microchipgnu/payload-exchange-sub000"
	"github.com/microchipgnu/payload-exchange-sub000/actions"
)

const (
	sponsorWallet = "0x2222222222222222222222222222222222222222"
	userWallet    = "0x1111111111111111111111111111111111111111"
	testResource  = "https://api.example.com/data"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func fundedSponsor(t *testing.T, s *Store, balance int64) *payload.Sponsor {
	t.Helper()
	sponsor, err := s.GetOrCreateSponsor(context.Background(), sponsorWallet)
	require.NoError(t, err)
	if balance > 0 {
		_, err = s.Credit(context.Background(), sponsor.ID, balance)
		require.NoError(t, err)
	}
	sponsor.Balance = balance
	return sponsor
}

func newAction(t *testing.T, s *Store, sponsorID string, recurrence payload.Recurrence) *payload.Action {
	t.Helper()
	action := &payload.Action{
		SponsorID:          sponsorID,
		PluginID:           actions.EmailCaptureID,
		Config:             map[string]interface{}{},
		CoverageType:       payload.CoverageFull,
		Recurrence:         recurrence,
		MaxRedemptionPrice: 1_000_000,
		Active:             true,
	}
	require.NoError(t, s.CreateAction(context.Background(), action))
	return action
}

func completedProxyRedemption(action *payload.Action, userID string, amount int64) *payload.Redemption {
	return &payload.Redemption{
		ID:              uuid.New().String(),
		ActionID:        action.ID,
		UserID:          userID,
		ResourceID:      testResource,
		InstanceID:      "proxy:" + uuid.New().String(),
		Status:          payload.RedemptionCompleted,
		SponsoredAmount: amount,
		Source:          payload.SourceProxy,
		OneTime:         action.Recurrence == payload.RecurrenceOneTimePerUser,
		Metadata:        map[string]interface{}{"transactionHash": "0xabc"},
	}
}

func newPendingRedemption(action *payload.Action, userID string) *payload.Redemption {
	return &payload.Redemption{
		ID:         uuid.New().String(),
		ActionID:   action.ID,
		UserID:     userID,
		ResourceID: testResource,
		InstanceID: uuid.New().String(),
		Status:     payload.RedemptionPending,
		Source:     payload.SourceAction,
		OneTime:    action.Recurrence == payload.RecurrenceOneTimePerUser,
		Metadata:   map[string]interface{}{"sponsoredAmount": "400000"},
	}
}

func TestNew_UnsupportedDriver(t *testing.T) {
	_, err := New(WithDriver("mysql"))
	assert.Error(t, err)

	_, err = New(WithDriver(DriverPostgres))
	assert.Error(t, err, "postgres requires a DSN")
}

func TestStores_AreIsolated(t *testing.T) {
	a := newTestStore(t)
	b := newTestStore(t)

	fundedSponsor(t, a, 100)

	list, err := b.ListActions(context.Background(), payload.ActionFilter{})
	require.NoError(t, err)
	assert.Empty(t, list)
	_, err = b.GetSponsor(context.Background(), "missing")
	assert.ErrorIs(t, err, payload.ErrSponsorNotFound)
}

func TestGetOrCreateSponsor_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.GetOrCreateSponsor(ctx, sponsorWallet)
	require.NoError(t, err)
	second, err := s.GetOrCreateSponsor(ctx, sponsorWallet)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, int64(0), second.Balance)
}

func TestLedger_DebitCredit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sponsor := fundedSponsor(t, s, 1_000_000)

	balance, err := s.Debit(ctx, sponsor.ID, 400_000)
	require.NoError(t, err)
	assert.Equal(t, int64(600_000), balance)

	_, err = s.Debit(ctx, sponsor.ID, 600_001)
	assert.ErrorIs(t, err, payload.ErrInsufficientBalance)

	balance, err = s.Credit(ctx, sponsor.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(600_001), balance)

	balance, err = s.Debit(ctx, sponsor.ID, 600_001)
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)

	_, err = s.Debit(ctx, "missing", 1)
	assert.ErrorIs(t, err, payload.ErrSponsorNotFound)
	_, err = s.Credit(ctx, "missing", 1)
	assert.ErrorIs(t, err, payload.ErrSponsorNotFound)
	_, err = s.Debit(ctx, sponsor.ID, -1)
	assert.ErrorIs(t, err, payload.ErrInvalidAmount)
}

func TestLedger_ConcurrentDebitsNeverOverdraw(t *testing.T) {
	s := newTestStore(t)
	sponsor := fundedSponsor(t, s, 1_000)

	var ok atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Debit(context.Background(), sponsor.ID, 100); err == nil {
				ok.Add(1)
			} else {
				assert.ErrorIs(t, err, payload.ErrInsufficientBalance)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(10), ok.Load())
	got, err := s.GetSponsor(context.Background(), sponsor.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.Balance)
}

func TestRecordDeposit_CreditsOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sponsor := fundedSponsor(t, s, 0)
	deposit := &payload.Deposit{TransactionHash: "0xfeed", SponsorID: sponsor.ID, Amount: 2_000_000}

	balance, err := s.RecordDeposit(ctx, deposit)
	require.NoError(t, err)
	assert.Equal(t, int64(2_000_000), balance)

	_, err = s.RecordDeposit(ctx, deposit)
	assert.ErrorIs(t, err, payload.ErrDuplicateDeposit)

	got, err := s.GetSponsor(ctx, sponsor.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2_000_000), got.Balance)
}

func TestActions_ListAndToggle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sponsor := fundedSponsor(t, s, 0)

	first := newAction(t, s, sponsor.ID, payload.RecurrencePerRequest)
	time.Sleep(2 * time.Millisecond)
	second := newAction(t, s, sponsor.ID, payload.RecurrenceOneTimePerUser)

	list, err := s.ListActions(ctx, payload.ActionFilter{SponsorID: sponsor.ID})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, first.ID, list[0].ID, "oldest first")
	assert.Equal(t, payload.RecurrenceOneTimePerUser, list[1].Recurrence)

	updated, err := s.SetActionActive(ctx, sponsor.ID, first.ID, false)
	require.NoError(t, err)
	assert.False(t, updated.Active)

	active, err := s.ListActions(ctx, payload.ActionFilter{ActiveOnly: true})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, second.ID, active[0].ID)

	_, err = s.SetActionActive(ctx, "someone-else", second.ID, false)
	assert.ErrorIs(t, err, payload.ErrActionNotFound)
	_, err = s.GetAction(ctx, "missing")
	assert.ErrorIs(t, err, payload.ErrActionNotFound)
}

func TestCreateRedemption_OneTimeSettlementIsUnique(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sponsor := fundedSponsor(t, s, 0)
	oneTime := newAction(t, s, sponsor.ID, payload.RecurrenceOneTimePerUser)
	perRequest := newAction(t, s, sponsor.ID, payload.RecurrencePerRequest)

	require.NoError(t, s.CreateRedemption(ctx, completedProxyRedemption(oneTime, "user-1", 1)))
	err := s.CreateRedemption(ctx, completedProxyRedemption(oneTime, "user-1", 1))
	assert.ErrorIs(t, err, payload.ErrDuplicateRedemption)

	require.NoError(t, s.CreateRedemption(ctx, completedProxyRedemption(oneTime, "user-2", 1)), "other users unaffected")
	require.NoError(t, s.CreateRedemption(ctx, completedProxyRedemption(perRequest, "user-1", 1)))
	require.NoError(t, s.CreateRedemption(ctx, completedProxyRedemption(perRequest, "user-1", 1)))

	n, err := s.CountSettlements(ctx, oneTime.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	dup := completedProxyRedemption(perRequest, "user-1", 1)
	dup.InstanceID = "proxy:fixed"
	require.NoError(t, s.CreateRedemption(ctx, dup))
	dup.ID = uuid.New().String()
	assert.ErrorIs(t, s.CreateRedemption(ctx, dup), payload.ErrDuplicateRedemption, "instance ids are unique")
}

func TestRedemption_ClaimAndTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sponsor := fundedSponsor(t, s, 0)
	action := newAction(t, s, sponsor.ID, payload.RecurrencePerRequest)
	r := newPendingRedemption(action, "user-1")
	require.NoError(t, s.CreateRedemption(ctx, r))

	require.NoError(t, s.ClaimRedemption(ctx, r.ID, "token-a"))
	assert.ErrorIs(t, s.ClaimRedemption(ctx, r.ID, "token-b"), payload.ErrRedemptionClaimed)

	err := s.CompleteRedemption(ctx, r.ID, "token-b", payload.Completion{SponsoredAmount: 1})
	assert.ErrorIs(t, err, payload.ErrRedemptionClaimed)

	err = s.CompleteRedemption(ctx, r.ID, "token-a", payload.Completion{
		SponsoredAmount: 400_000,
		Metadata:        map[string]interface{}{"transactionHash": "0xdone"},
	})
	require.NoError(t, err)

	got, err := s.GetRedemptionByInstance(ctx, r.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, payload.RedemptionCompleted, got.Status)
	assert.Equal(t, int64(400_000), got.SponsoredAmount)
	assert.Equal(t, "0xdone", got.MetadataString("transactionHash"))
	assert.Equal(t, "400000", got.MetadataString("sponsoredAmount"), "existing metadata kept")
	assert.NotNil(t, got.CompletedAt)

	assert.ErrorIs(t, s.ClaimRedemption(ctx, r.ID, "token-c"), payload.ErrRedemptionTerminal)
	assert.ErrorIs(t, s.FailRedemption(ctx, r.ID, "token-a", "late"), payload.ErrRedemptionTerminal)
	assert.ErrorIs(t, s.ClaimRedemption(ctx, "missing", "token"), payload.ErrRedemptionNotFound)
}

func TestRedemption_FailUnclaimed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sponsor := fundedSponsor(t, s, 0)
	action := newAction(t, s, sponsor.ID, payload.RecurrencePerRequest)
	r := newPendingRedemption(action, "user-1")
	require.NoError(t, s.CreateRedemption(ctx, r))

	require.NoError(t, s.FailRedemption(ctx, r.ID, "", "Invalid email format"))

	got, err := s.GetRedemptionByInstance(ctx, r.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, payload.RedemptionFailed, got.Status)
	assert.Equal(t, "Invalid email format", got.MetadataString("failureReason"))
}

func TestRedemption_CompleteRespectsOneTimeIndex(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sponsor := fundedSponsor(t, s, 0)
	action := newAction(t, s, sponsor.ID, payload.RecurrenceOneTimePerUser)

	require.NoError(t, s.CreateRedemption(ctx, completedProxyRedemption(action, "user-1", 5)))

	r := newPendingRedemption(action, "user-1")
	require.NoError(t, s.CreateRedemption(ctx, r))
	require.NoError(t, s.ClaimRedemption(ctx, r.ID, "token"))

	err := s.CompleteRedemption(ctx, r.ID, "token", payload.Completion{SponsoredAmount: 5})
	assert.ErrorIs(t, err, payload.ErrDuplicateRedemption)

	err = s.CompleteRedemption(ctx, r.ID, "token", payload.Completion{SponsoredAmount: 5, AdoptedFrom: "proxy-row"})
	require.NoError(t, err, "adopting completions do not count as a second settlement")
}

func TestAdoptRedemption_OnlyOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sponsor := fundedSponsor(t, s, 0)
	action := newAction(t, s, sponsor.ID, payload.RecurrencePerRequest)
	proxy := completedProxyRedemption(action, "user-1", 700_000)
	require.NoError(t, s.CreateRedemption(ctx, proxy))

	var wins atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			adopted, err := s.AdoptRedemption(ctx, action.ID, "user-1", testResource, uuid.New().String())
			assert.NoError(t, err)
			if adopted != nil {
				wins.Add(1)
				assert.Equal(t, proxy.ID, adopted.ID)
				assert.Equal(t, int64(700_000), adopted.SponsoredAmount)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int64(1), wins.Load())

	none, err := s.AdoptRedemption(ctx, action.ID, "user-1", "https://other.example.com", "x")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestPayoutJournal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	settled := &payload.Payout{SponsorID: "s", ToAddress: userWallet, Amount: 1, State: payload.PayoutIntent}
	unknown := &payload.Payout{SponsorID: "s", ToAddress: userWallet, Amount: 2, State: payload.PayoutIntent}
	require.NoError(t, s.RecordPayout(ctx, settled))
	require.NoError(t, s.RecordPayout(ctx, unknown))

	require.NoError(t, s.UpdatePayout(ctx, settled.ID, payload.PayoutSubmitted, "0x01", ""))
	require.NoError(t, s.UpdatePayout(ctx, settled.ID, payload.PayoutSettled, "", ""))
	require.NoError(t, s.UpdatePayout(ctx, unknown.ID, payload.PayoutUnknown, "0x02", "receipt timeout"))
	assert.ErrorIs(t, s.UpdatePayout(ctx, "missing", payload.PayoutFailed, "", ""), ErrPayoutNotFound)

	open, err := s.ListPayouts(ctx, payload.PayoutIntent, payload.PayoutSubmitted, payload.PayoutUnknown, payload.PayoutUnreconciled)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, unknown.ID, open[0].ID)
	assert.Equal(t, "0x02", open[0].TransactionHash)
	assert.Equal(t, "receipt timeout", open[0].Error)

	all, err := s.ListPayouts(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	for _, p := range all {
		if p.ID == settled.ID {
			assert.Equal(t, payload.PayoutSettled, p.State)
			assert.Equal(t, "0x01", p.TransactionHash, "hash kept when a later update omits it")
		}
	}
}

func TestSponsorAnalytics(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sponsor := fundedSponsor(t, s, 3_000_000)
	action := newAction(t, s, sponsor.ID, payload.RecurrencePerRequest)
	inactive := newAction(t, s, sponsor.ID, payload.RecurrencePerRequest)
	_, err := s.SetActionActive(ctx, sponsor.ID, inactive.ID, false)
	require.NoError(t, err)

	require.NoError(t, s.CreateRedemption(ctx, completedProxyRedemption(action, "user-1", 500_000)))
	require.NoError(t, s.CreateRedemption(ctx, completedProxyRedemption(action, "user-2", 250_000)))
	adopting := completedProxyRedemption(action, "user-1", 500_000)
	adopting.Source = payload.SourceAction
	adopting.AdoptedFrom = "proxy-row"
	require.NoError(t, s.CreateRedemption(ctx, adopting))
	require.NoError(t, s.CreateRedemption(ctx, newPendingRedemption(action, "user-3")))

	got, err := s.SponsorAnalytics(ctx, sponsor.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3_000_000), got.Balance)
	assert.Equal(t, int64(750_000), got.TotalSpent, "adopted settlements are not double counted")
	assert.Equal(t, int64(2), got.ActionCount)
	assert.Equal(t, int64(1), got.ActiveActionCount)
	assert.Equal(t, int64(3), got.CompletedRedemptions)
	assert.Equal(t, int64(1), got.PendingRedemptions)
	assert.Equal(t, int64(0), got.FailedRedemptions)
}

// The sponsorship service keeps its guarantees on the SQL store
func TestSponsorship_ValidateOnStore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sponsor := fundedSponsor(t, s, 1_000_000)
	action := newAction(t, s, sponsor.ID, payload.RecurrenceOneTimePerUser)

	svc := payload.NewSponsorship(s, actions.NewDefaultRegistry())

	start, err := svc.StartAction(ctx, payload.StartRequest{ActionID: action.ID, UserID: "user-1", ResourceID: testResource})
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]*payload.ValidateResult, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := svc.ValidateAction(ctx, payload.ValidateRequest{
				InstanceID: start.InstanceID,
				Input:      map[string]interface{}{"email": "alice@example.com"},
			})
			if assert.NoError(t, err) {
				results[i] = res
			}
		}(i)
	}
	wg.Wait()

	for _, res := range results {
		require.NotNil(t, res)
		assert.Equal(t, payload.RedemptionCompleted, res.Status)
	}
	got, err := s.GetSponsor(ctx, sponsor.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.Balance, "charged the cap exactly once")

	again, err := svc.StartAction(ctx, payload.StartRequest{ActionID: action.ID, UserID: "user-1", ResourceID: testResource})
	require.NoError(t, err)
	res, err := svc.ValidateAction(ctx, payload.ValidateRequest{
		InstanceID: again.InstanceID,
		Input:      map[string]interface{}{"email": "alice@example.com"},
	})
	require.NoError(t, err)
	assert.Equal(t, payload.RedemptionFailed, res.Status)
	assert.Equal(t, payload.ErrCodeAlreadyRedeemed, res.Code)
}

package payload

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// mockStore
// ============================================================================

type mockStore struct {
	mu          sync.Mutex
	sponsors    map[string]*Sponsor
	actions     []*Action
	redemptions map[string]*Redemption
	claims      map[string]string
	payouts     map[string]*Payout
	deposits    map[string]*Deposit

	debitCalls  int
	creditCalls int
	debitErr    error
}

func newMockStore() *mockStore {
	return &mockStore{
		sponsors:    make(map[string]*Sponsor),
		redemptions: make(map[string]*Redemption),
		claims:      make(map[string]string),
		payouts:     make(map[string]*Payout),
		deposits:    make(map[string]*Deposit),
	}
}

func (m *mockStore) addSponsor(wallet string, balance int64) *Sponsor {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := &Sponsor{ID: uuid.New().String(), WalletAddress: wallet, Balance: balance}
	m.sponsors[s.ID] = s
	return s
}

func (m *mockStore) addAction(a *Action) *Action {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	a.CreatedAt = time.Now().Add(time.Duration(len(m.actions)) * time.Millisecond)
	m.actions = append(m.actions, a)
	return a
}

func (m *mockStore) balance(sponsorID string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sponsors[sponsorID].Balance
}

func (m *mockStore) redemptionsFor(actionID string) []Redemption {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Redemption
	for _, r := range m.redemptions {
		if r.ActionID == actionID {
			out = append(out, *r)
		}
	}
	return out
}

func (m *mockStore) payoutList() []Payout {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Payout
	for _, p := range m.payouts {
		out = append(out, *p)
	}
	return out
}

func (m *mockStore) Debit(ctx context.Context, sponsorID string, amount int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.debitCalls++
	if m.debitErr != nil {
		return 0, m.debitErr
	}
	if amount < 0 {
		return 0, ErrInvalidAmount
	}
	s, ok := m.sponsors[sponsorID]
	if !ok {
		return 0, ErrSponsorNotFound
	}
	if s.Balance < amount {
		return 0, ErrInsufficientBalance
	}
	s.Balance -= amount
	return s.Balance, nil
}

func (m *mockStore) Credit(ctx context.Context, sponsorID string, amount int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creditCalls++
	if amount < 0 {
		return 0, ErrInvalidAmount
	}
	s, ok := m.sponsors[sponsorID]
	if !ok {
		return 0, ErrSponsorNotFound
	}
	s.Balance += amount
	return s.Balance, nil
}

func (m *mockStore) GetOrCreateSponsor(ctx context.Context, wallet string) (*Sponsor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sponsors {
		if s.WalletAddress == wallet {
			cp := *s
			return &cp, nil
		}
	}
	s := &Sponsor{ID: uuid.New().String(), WalletAddress: wallet}
	m.sponsors[s.ID] = s
	cp := *s
	return &cp, nil
}

func (m *mockStore) GetSponsor(ctx context.Context, id string) (*Sponsor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sponsors[id]
	if !ok {
		return nil, ErrSponsorNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *mockStore) RecordDeposit(ctx context.Context, d *Deposit) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.deposits[d.TransactionHash]; exists {
		return 0, ErrDuplicateDeposit
	}
	m.deposits[d.TransactionHash] = d
	s := m.sponsors[d.SponsorID]
	s.Balance += d.Amount
	return s.Balance, nil
}

func (m *mockStore) SponsorAnalytics(ctx context.Context, sponsorID string) (*SponsorAnalytics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := &SponsorAnalytics{Balance: m.sponsors[sponsorID].Balance}
	owned := map[string]bool{}
	for _, a := range m.actions {
		if a.SponsorID == sponsorID {
			owned[a.ID] = true
			out.ActionCount++
			if a.Active {
				out.ActiveActionCount++
			}
		}
	}
	for _, r := range m.redemptions {
		if !owned[r.ActionID] {
			continue
		}
		switch r.Status {
		case RedemptionCompleted:
			out.CompletedRedemptions++
			if r.AdoptedFrom == "" {
				out.TotalSpent += r.SponsoredAmount
			}
		case RedemptionPending:
			out.PendingRedemptions++
		case RedemptionFailed:
			out.FailedRedemptions++
		}
	}
	return out, nil
}

func (m *mockStore) CreateAction(ctx context.Context, a *Action) error {
	m.addAction(a)
	return nil
}

func (m *mockStore) GetAction(ctx context.Context, id string) (*Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.actions {
		if a.ID == id {
			cp := *a
			return &cp, nil
		}
	}
	return nil, ErrActionNotFound
}

func (m *mockStore) ListActions(ctx context.Context, f ActionFilter) ([]Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Action
	for _, a := range m.actions {
		if f.ActiveOnly && !a.Active {
			continue
		}
		if f.SponsorID != "" && a.SponsorID != f.SponsorID {
			continue
		}
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *mockStore) SetActionActive(ctx context.Context, sponsorID, actionID string, active bool) (*Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.actions {
		if a.ID == actionID && a.SponsorID == sponsorID {
			a.Active = active
			cp := *a
			return &cp, nil
		}
	}
	return nil, ErrActionNotFound
}

// settledLocked reports whether a money-moving one-time completion exists
func (m *mockStore) settledLocked(actionID, userID, exceptID string) bool {
	for _, r := range m.redemptions {
		if r.ID != exceptID && r.ActionID == actionID && r.UserID == userID &&
			r.Status == RedemptionCompleted && r.OneTime && r.AdoptedFrom == "" {
			return true
		}
	}
	return false
}

func (m *mockStore) CreateRedemption(ctx context.Context, r *Redemption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.Status == RedemptionCompleted && r.OneTime && r.AdoptedFrom == "" && m.settledLocked(r.ActionID, r.UserID, "") {
		return ErrDuplicateRedemption
	}
	cp := *r
	cp.CreatedAt = time.Now()
	m.redemptions[cp.ID] = &cp
	return nil
}

func (m *mockStore) GetRedemptionByInstance(ctx context.Context, instanceID string) (*Redemption, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.redemptions {
		if r.InstanceID == instanceID {
			cp := *r
			return &cp, nil
		}
	}
	return nil, ErrRedemptionNotFound
}

func (m *mockStore) CountSettlements(ctx context.Context, actionID, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, r := range m.redemptions {
		if r.ActionID == actionID && r.UserID == userID && r.Status == RedemptionCompleted && r.AdoptedFrom == "" {
			n++
		}
	}
	return n, nil
}

func (m *mockStore) ClaimRedemption(ctx context.Context, id, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.redemptions[id]
	if !ok {
		return ErrRedemptionNotFound
	}
	if r.Status.Terminal() {
		return ErrRedemptionTerminal
	}
	if m.claims[id] != "" {
		return ErrRedemptionClaimed
	}
	m.claims[id] = token
	return nil
}

func (m *mockStore) AdoptRedemption(ctx context.Context, actionID, userID, resourceID, adopter string) (*Redemption, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.redemptions {
		if r.ActionID == actionID && r.UserID == userID && r.ResourceID == resourceID &&
			r.Source == SourceProxy && r.Status == RedemptionCompleted && r.AdoptedBy == "" {
			r.AdoptedBy = adopter
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *mockStore) transitionLocked(id, token string) (*Redemption, error) {
	r, ok := m.redemptions[id]
	if !ok {
		return nil, ErrRedemptionNotFound
	}
	if r.Status.Terminal() {
		return nil, ErrRedemptionTerminal
	}
	if m.claims[id] != token {
		return nil, ErrRedemptionClaimed
	}
	return r, nil
}

func (m *mockStore) CompleteRedemption(ctx context.Context, id, token string, c Completion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.transitionLocked(id, token)
	if err != nil {
		return err
	}
	if r.OneTime && c.AdoptedFrom == "" && m.settledLocked(r.ActionID, r.UserID, r.ID) {
		return ErrDuplicateRedemption
	}
	now := time.Now()
	r.Status = RedemptionCompleted
	r.SponsoredAmount = c.SponsoredAmount
	r.AdoptedFrom = c.AdoptedFrom
	r.CompletedAt = &now
	if r.Metadata == nil {
		r.Metadata = map[string]interface{}{}
	}
	for k, v := range c.Metadata {
		r.Metadata[k] = v
	}
	return nil
}

func (m *mockStore) FailRedemption(ctx context.Context, id, token, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.transitionLocked(id, token)
	if err != nil {
		return err
	}
	r.Status = RedemptionFailed
	if r.Metadata == nil {
		r.Metadata = map[string]interface{}{}
	}
	r.Metadata[metadataFailure] = reason
	return nil
}

func (m *mockStore) RecordPayout(ctx context.Context, p *Payout) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.payouts[p.ID] = &cp
	return nil
}

func (m *mockStore) UpdatePayout(ctx context.Context, id string, state PayoutState, txHash, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payouts[id]
	if !ok {
		return errors.New("payout not found")
	}
	p.State = state
	if txHash != "" {
		p.TransactionHash = txHash
	}
	p.Error = errMsg
	return nil
}

func (m *mockStore) ListPayouts(ctx context.Context, states ...PayoutState) ([]Payout, error) {
	var out []Payout
	for _, p := range m.payoutList() {
		for _, s := range states {
			if p.State == s {
				out = append(out, p)
			}
		}
	}
	return out, nil
}

// ============================================================================
// Chain and catalog mocks
// ============================================================================

type mockPayer struct {
	mu      sync.Mutex
	address string
	result  PayoutResult
	delay   time.Duration
	calls   []int64
	ctxErrs []error
}

func (p *mockPayer) Address() string {
	return p.address
}

func (p *mockPayer) PayUser(ctx context.Context, to string, amount int64) PayoutResult {
	time.Sleep(p.delay)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, amount)
	p.ctxErrs = append(p.ctxErrs, ctx.Err())
	return p.result
}

func (p *mockPayer) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

type mockUpstream struct {
	mu       sync.Mutex
	err      error
	receipt  UpstreamReceipt
	payments []UpstreamPayment
}

func (u *mockUpstream) PayResource(ctx context.Context, p UpstreamPayment) (*UpstreamReceipt, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.payments = append(u.payments, p)
	if u.err != nil {
		return nil, u.err
	}
	r := u.receipt
	return &r, nil
}

func (u *mockUpstream) callCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.payments)
}

type mockVerifier struct {
	ok    bool
	err   error
	calls int
}

func (v *mockVerifier) VerifyTransfer(ctx context.Context, txHash, from, to string, amount int64) (bool, error) {
	v.calls++
	return v.ok, v.err
}

type mockCatalog struct {
	resources map[string]*Resource
}

func (c *mockCatalog) Lookup(ctx context.Context, id string) (*Resource, error) {
	r, ok := c.resources[id]
	if !ok {
		return nil, ErrResourceNotFound
	}
	return r, nil
}

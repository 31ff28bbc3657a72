package storage

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/skudskud/polycool-copy-sub002/models"
	"github.com/skudskud/polycool-copy-sub002/utils"
)

// MockStore is an in-memory DataStore for tests.
type MockStore struct {
	mu sync.Mutex

	Users         map[int64]*models.User
	Subscriptions map[int64]*models.Subscription // keyed by subscription id
	Budgets       map[int64]*models.Budget
	History       []*models.CopyHistory
	External      map[string]*models.ExternalLeader // keyed by lowercase address
	SmartWallets  map[string]bool
	Positions     map[string]*models.FollowerPosition // "followerID|marketID|outcome"
	Resolutions   map[string]*models.MarketResolution
	Credentials   map[int64]*models.TradingCredentials

	nextSubID      int64
	nextHistoryID  int64
	nextExternalID int64

	// Calls counts method invocations by name.
	Calls map[string]int
	// ErrorOnNext makes the next call to the named method fail once.
	ErrorOnNext map[string]error
}

func NewMockStore() *MockStore {
	return &MockStore{
		Users:         make(map[int64]*models.User),
		Subscriptions: make(map[int64]*models.Subscription),
		Budgets:       make(map[int64]*models.Budget),
		External:      make(map[string]*models.ExternalLeader),
		SmartWallets:  make(map[string]bool),
		Positions:     make(map[string]*models.FollowerPosition),
		Resolutions:   make(map[string]*models.MarketResolution),
		Credentials:   make(map[int64]*models.TradingCredentials),
		Calls:         make(map[string]int),
		ErrorOnNext:   make(map[string]error),
	}
}

func (m *MockStore) track(method string) error {
	m.Calls[method]++
	if err, ok := m.ErrorOnNext[method]; ok {
		delete(m.ErrorOnNext, method)
		return err
	}
	return nil
}

func posKey(followerID int64, marketID, outcome string) string {
	return fmt.Sprintf("%d|%s|%s", followerID, marketID, outcome)
}

func (m *MockStore) Close() error { return nil }

func (m *MockStore) GetUser(ctx context.Context, userID int64) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("GetUser"); err != nil {
		return nil, err
	}
	u, ok := m.Users[userID]
	if !ok {
		return nil, nil
	}
	copied := *u
	return &copied, nil
}

func (m *MockStore) GetUserByAddress(ctx context.Context, address string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("GetUserByAddress"); err != nil {
		return nil, err
	}
	addr := utils.NormalizeAddress(address)
	for _, u := range m.Users {
		if utils.NormalizeAddress(u.Address) == addr || utils.NormalizeAddress(u.ProxyAddress) == addr {
			copied := *u
			return &copied, nil
		}
	}
	return nil, nil
}

func (m *MockStore) CreateSubscription(ctx context.Context, sub models.Subscription) (*models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("CreateSubscription"); err != nil {
		return nil, err
	}

	for _, existing := range m.Subscriptions {
		if existing.FollowerID == sub.FollowerID &&
			(existing.Status == models.SubscriptionActive || existing.Status == models.SubscriptionPaused) {
			existing.Status = models.SubscriptionCancelled
			existing.UpdatedAt = time.Now()
		}
	}

	m.nextSubID++
	sub.ID = m.nextSubID
	sub.LeaderAddress = utils.NormalizeAddress(sub.LeaderAddress)
	sub.Status = models.SubscriptionActive
	sub.CreatedAt = time.Now()
	sub.UpdatedAt = sub.CreatedAt
	stored := sub
	m.Subscriptions[sub.ID] = &stored
	return &sub, nil
}

func (m *MockStore) GetActiveSubscription(ctx context.Context, followerID int64) (*models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("GetActiveSubscription"); err != nil {
		return nil, err
	}
	for _, sub := range m.Subscriptions {
		if sub.FollowerID == followerID && sub.Status == models.SubscriptionActive {
			copied := *sub
			return &copied, nil
		}
	}
	return nil, nil
}

func (m *MockStore) UpdateSubscriptionStatus(ctx context.Context, followerID int64, from, to models.SubscriptionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("UpdateSubscriptionStatus"); err != nil {
		return err
	}
	for _, sub := range m.Subscriptions {
		if sub.FollowerID == followerID && sub.Status == from {
			sub.Status = to
			sub.UpdatedAt = time.Now()
			return nil
		}
	}
	return fmt.Errorf("no %s subscription for follower %d", from, followerID)
}

func (m *MockStore) UpdateSubscriptionMode(ctx context.Context, followerID int64, mode models.CopyMode, fixedAmount float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("UpdateSubscriptionMode"); err != nil {
		return err
	}
	for _, sub := range m.Subscriptions {
		if sub.FollowerID == followerID && sub.Status == models.SubscriptionActive {
			sub.Mode = mode
			sub.FixedAmount = fixedAmount
			sub.UpdatedAt = time.Now()
			return nil
		}
	}
	return fmt.Errorf("no active subscription for follower %d", followerID)
}

func (m *MockStore) ListActiveFollowers(ctx context.Context, leaderID int64) ([]models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("ListActiveFollowers"); err != nil {
		return nil, err
	}
	var subs []models.Subscription
	for _, sub := range m.Subscriptions {
		if sub.LeaderID == leaderID && sub.Status == models.SubscriptionActive {
			subs = append(subs, *sub)
		}
	}
	return subs, nil
}

func (m *MockStore) ListActiveLeaders(ctx context.Context) ([]LeaderRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("ListActiveLeaders"); err != nil {
		return nil, err
	}
	return m.leaderRefs(0), nil
}

func (m *MockStore) TopLeaders(ctx context.Context, n int) ([]LeaderRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("TopLeaders"); err != nil {
		return nil, err
	}
	return m.leaderRefs(n), nil
}

func (m *MockStore) leaderRefs(limit int) []LeaderRef {
	byLeader := make(map[int64]*LeaderRef)
	var order []int64
	for _, sub := range m.Subscriptions {
		if sub.Status != models.SubscriptionActive {
			continue
		}
		ref, ok := byLeader[sub.LeaderID]
		if !ok {
			ref = &LeaderRef{LeaderID: sub.LeaderID, Address: sub.LeaderAddress}
			byLeader[sub.LeaderID] = ref
			order = append(order, sub.LeaderID)
		}
		ref.Followers++
	}

	var refs []LeaderRef
	for _, id := range order {
		refs = append(refs, *byLeader[id])
	}
	if limit > 0 && len(refs) > limit {
		refs = refs[:limit]
	}
	return refs
}

func (m *MockStore) GetBudget(ctx context.Context, userID int64) (*models.Budget, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("GetBudget"); err != nil {
		return nil, err
	}
	b, ok := m.Budgets[userID]
	if !ok {
		return nil, nil
	}
	copied := *b
	return &copied, nil
}

func (m *MockStore) SaveBudget(ctx context.Context, b models.Budget) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("SaveBudget"); err != nil {
		return err
	}
	b.SyncedAt = time.Now()
	stored := b
	m.Budgets[b.UserID] = &stored
	return nil
}

func (m *MockStore) InsertPendingHistory(ctx context.Context, h models.CopyHistory) (*models.CopyHistory, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("InsertPendingHistory"); err != nil {
		return nil, false, err
	}

	for _, existing := range m.History {
		if existing.FollowerID == h.FollowerID && existing.SourceTradeID == h.SourceTradeID {
			copied := *existing
			return &copied, false, nil
		}
	}

	m.nextHistoryID++
	h.ID = m.nextHistoryID
	h.Status = models.CopyPending
	h.CreatedAt = time.Now()
	stored := h
	m.History = append(m.History, &stored)
	return &h, true, nil
}

func (m *MockStore) FinalizeHistory(ctx context.Context, id int64, status models.CopyStatus, actualAmount, price float64, txRef, failureReason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("FinalizeHistory"); err != nil {
		return err
	}
	for _, h := range m.History {
		if h.ID == id && h.Status == models.CopyPending {
			h.Status = status
			h.ActualAmount = actualAmount
			h.Price = price
			h.TxRef = txRef
			h.FailureReason = failureReason
			if status == models.CopySuccess {
				now := time.Now().UTC()
				h.ExecutedAt = &now
			}
			return nil
		}
	}
	return nil
}

func (m *MockStore) ListHistory(ctx context.Context, followerID int64, limit int) ([]models.CopyHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("ListHistory"); err != nil {
		return nil, err
	}
	var result []models.CopyHistory
	for i := len(m.History) - 1; i >= 0; i-- {
		if m.History[i].FollowerID == followerID {
			result = append(result, *m.History[i])
			if limit > 0 && len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MockStore) GetFollowerStats(ctx context.Context, followerID int64) (*models.FollowerStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("GetFollowerStats"); err != nil {
		return nil, err
	}
	stats := models.FollowerStats{FollowerID: followerID}
	for _, h := range m.History {
		if h.FollowerID != followerID {
			continue
		}
		switch h.Status {
		case models.CopySuccess:
			stats.TradesCopied++
			stats.VolumeCopied += h.ActualAmount
		case models.CopyFailed:
			stats.TradesFailed++
		case models.CopyInsufficientBudget:
			stats.TradesBudget++
		}
	}
	return &stats, nil
}

func (m *MockStore) RecomputeLeaderStats(ctx context.Context, leaderID int64) (*models.LeaderStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("RecomputeLeaderStats"); err != nil {
		return nil, err
	}
	return m.computeLeaderStats(leaderID), nil
}

func (m *MockStore) GetLeaderStats(ctx context.Context, leaderID int64) (*models.LeaderStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("GetLeaderStats"); err != nil {
		return nil, err
	}
	return m.computeLeaderStats(leaderID), nil
}

func (m *MockStore) computeLeaderStats(leaderID int64) *models.LeaderStats {
	stats := models.LeaderStats{LeaderID: leaderID, UpdatedAt: time.Now()}
	for _, sub := range m.Subscriptions {
		if sub.LeaderID == leaderID && sub.Status == models.SubscriptionActive {
			stats.ActiveFollowers++
		}
	}
	for _, h := range m.History {
		if h.LeaderID == leaderID && h.Status == models.CopySuccess {
			stats.TradesCopied++
			stats.VolumeCopied += h.ActualAmount
		}
	}
	return &stats
}

func (m *MockStore) UpsertExternalLeader(ctx context.Context, address string) (*models.ExternalLeader, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("UpsertExternalLeader"); err != nil {
		return nil, err
	}
	addr := utils.NormalizeAddress(address)
	if leader, ok := m.External[addr]; ok {
		leader.LastSeenAt = time.Now()
		copied := *leader
		return &copied, nil
	}

	m.nextExternalID++
	now := time.Now()
	leader := &models.ExternalLeader{
		Address:     addr,
		VirtualID:   -(1_000_000 + m.nextExternalID),
		IsActive:    true,
		FirstSeenAt: now,
		LastSeenAt:  now,
	}
	m.External[addr] = leader
	copied := *leader
	return &copied, nil
}

func (m *MockStore) GetExternalLeaderByID(ctx context.Context, virtualID int64) (*models.ExternalLeader, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("GetExternalLeaderByID"); err != nil {
		return nil, err
	}
	for _, leader := range m.External {
		if leader.VirtualID == virtualID {
			copied := *leader
			return &copied, nil
		}
	}
	return nil, nil
}

func (m *MockStore) UpdateLeaderCursor(ctx context.Context, address, cursor string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("UpdateLeaderCursor"); err != nil {
		return err
	}
	if leader, ok := m.External[utils.NormalizeAddress(address)]; ok {
		leader.LastCursor = cursor
		leader.LastSeenAt = time.Now()
	}
	return nil
}

func (m *MockStore) IsSmartWallet(ctx context.Context, address string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("IsSmartWallet"); err != nil {
		return false, err
	}
	return m.SmartWallets[utils.NormalizeAddress(address)], nil
}

func (m *MockStore) UpsertFollowerPosition(ctx context.Context, pos models.FollowerPosition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("UpsertFollowerPosition"); err != nil {
		return err
	}
	key := posKey(pos.FollowerID, pos.MarketID, pos.Outcome)
	existing, ok := m.Positions[key]
	if !ok {
		pos.UpdatedAt = time.Now()
		stored := pos
		m.Positions[key] = &stored
		return nil
	}
	existing.TokenID = pos.TokenID
	existing.Size += pos.Size
	existing.TotalCost += pos.TotalCost
	if existing.Size > 0 {
		existing.AvgPrice = existing.TotalCost / existing.Size
	}
	existing.UpdatedAt = time.Now()
	return nil
}

func (m *MockStore) GetFollowerPosition(ctx context.Context, followerID int64, marketID, outcome string) (*models.FollowerPosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("GetFollowerPosition"); err != nil {
		return nil, err
	}
	pos, ok := m.Positions[posKey(followerID, marketID, outcome)]
	if !ok {
		return nil, nil
	}
	copied := *pos
	return &copied, nil
}

func (m *MockStore) ReduceFollowerPosition(ctx context.Context, followerID int64, marketID, outcome string, size float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("ReduceFollowerPosition"); err != nil {
		return err
	}
	key := posKey(followerID, marketID, outcome)
	pos, ok := m.Positions[key]
	if !ok {
		return nil
	}
	pos.Size -= size
	pos.TotalCost -= size * pos.AvgPrice
	if pos.TotalCost < 0 {
		pos.TotalCost = 0
	}
	pos.UpdatedAt = time.Now()
	if pos.Size <= 0.0001 {
		delete(m.Positions, key)
	}
	return nil
}

func (m *MockStore) GetTokenResolution(ctx context.Context, tokenID string) (*models.MarketResolution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("GetTokenResolution"); err != nil {
		return nil, err
	}
	res, ok := m.Resolutions[tokenID]
	if !ok {
		return nil, nil
	}
	copied := *res
	return &copied, nil
}

func (m *MockStore) SaveTokenResolution(ctx context.Context, res models.MarketResolution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("SaveTokenResolution"); err != nil {
		return err
	}
	stored := res
	m.Resolutions[res.TokenID] = &stored
	return nil
}

func (m *MockStore) ListKnownTokenIDs(ctx context.Context, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("ListKnownTokenIDs"); err != nil {
		return nil, err
	}
	var ids []string
	for id := range m.Resolutions {
		ids = append(ids, id)
		if limit > 0 && len(ids) >= limit {
			break
		}
	}
	return ids, nil
}

func (m *MockStore) GetTradingCredentials(ctx context.Context, followerID int64) (*models.TradingCredentials, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("GetTradingCredentials"); err != nil {
		return nil, err
	}
	creds, ok := m.Credentials[followerID]
	if !ok {
		return nil, nil
	}
	copied := *creds
	return &copied, nil
}

// SeedUser is a test helper that registers a user and returns it.
func (m *MockStore) SeedUser(id int64, address string) *models.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := &models.User{
		ID:        id,
		Username:  fmt.Sprintf("user%d", id),
		Address:   strings.ToLower(address),
		CreatedAt: time.Now(),
	}
	m.Users[id] = u
	return u
}

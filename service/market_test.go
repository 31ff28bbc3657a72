package service

import (
	"context"
	"errors"
	"testing"

	"github.com/skudskud/polycool-copy-sub002/api"
	"github.com/skudskud/polycool-copy-sub002/models"
	"github.com/skudskud/polycool-copy-sub002/storage"
)

const (
	condYesNo = "0x00000000000000000000000000000000000000000000000000000000000000aa"
	yesToken  = "11111111111111111111111111111"
	noToken   = "22222222222222222222222222222"
)

func yesNoMarket() *api.MarketInfo {
	return &api.MarketInfo{
		ConditionID: condYesNo,
		Question:    "Will it happen?",
		Active:      true,
		Tokens: []api.TokenInfo{
			{TokenID: yesToken, Outcome: "Yes"},
			{TokenID: noToken, Outcome: "No"},
		},
	}
}

func TestResolveByToken(t *testing.T) {
	store := storage.NewMockStore()
	data := api.NewMockDataClient()
	data.MarketsByToken[yesToken] = yesNoMarket()
	data.MarketsByToken[noToken] = yesNoMarket()

	resolver := NewMarketResolver(store, data, 20)

	res, err := resolver.ResolveByToken(context.Background(), noToken)
	if err != nil {
		t.Fatalf("ResolveByToken() error: %v", err)
	}
	if res.Outcome != "No" || res.OutcomeIndex != 1 {
		t.Errorf("ResolveByToken() = %+v, want outcome No index 1", res)
	}
	if res.MarketID != condYesNo {
		t.Errorf("MarketID = %s, want %s", res.MarketID, condYesNo)
	}

	// Second resolve is served from the cache, not the API.
	calls := data.Calls["GetMarketByTokenID"]
	if _, err := resolver.ResolveByToken(context.Background(), noToken); err != nil {
		t.Fatalf("ResolveByToken() cached error: %v", err)
	}
	if data.Calls["GetMarketByTokenID"] != calls {
		t.Error("cached resolution hit the metadata API again")
	}
}

func TestResolveByTokenUnknown(t *testing.T) {
	resolver := NewMarketResolver(storage.NewMockStore(), api.NewMockDataClient(), 20)

	_, err := resolver.ResolveByToken(context.Background(), "999999")
	if !errors.Is(err, models.ErrMarketUnresolved) {
		t.Errorf("ResolveByToken() error = %v, want ErrMarketUnresolved", err)
	}
}

// Failed resolutions must not be cached: a later retry should consult the
// metadata API again.
func TestResolveByTokenNoNegativeCaching(t *testing.T) {
	store := storage.NewMockStore()
	data := api.NewMockDataClient()
	resolver := NewMarketResolver(store, data, 20)

	if _, err := resolver.ResolveByToken(context.Background(), yesToken); err == nil {
		t.Fatal("expected unresolved error")
	}

	// Market appears later (e.g. indexer lag).
	data.MarketsByToken[yesToken] = yesNoMarket()
	res, err := resolver.ResolveByToken(context.Background(), yesToken)
	if err != nil {
		t.Fatalf("ResolveByToken() after market appeared: %v", err)
	}
	if res.Outcome != "Yes" {
		t.Errorf("Outcome = %s, want Yes", res.Outcome)
	}
}

func TestResolveByCondition(t *testing.T) {
	store := storage.NewMockStore()
	data := api.NewMockDataClient()
	data.MarketsByCond[condYesNo] = yesNoMarket()

	resolver := NewMarketResolver(store, data, 20)

	res, err := resolver.ResolveByCondition(context.Background(), condYesNo, 1)
	if err != nil {
		t.Fatalf("ResolveByCondition() error: %v", err)
	}
	if res.TokenID != noToken || res.Outcome != "No" {
		t.Errorf("ResolveByCondition() = %+v, want token %s outcome No", res, noToken)
	}
}

// A bare outcome index without market metadata must never be guessed into a
// YES/NO label: a wrong mapping replicates the opposite position.
func TestResolveByConditionFailsClosed(t *testing.T) {
	store := storage.NewMockStore()
	data := api.NewMockDataClient()
	resolver := NewMarketResolver(store, data, 20)

	_, err := resolver.ResolveByCondition(context.Background(), condYesNo, 0)
	if !errors.Is(err, models.ErrMarketUnresolved) {
		t.Errorf("ResolveByCondition() without metadata error = %v, want ErrMarketUnresolved", err)
	}

	// Unlabeled outcomes also fail closed.
	unlabeled := yesNoMarket()
	unlabeled.Tokens[0].Outcome = ""
	data.MarketsByCond[condYesNo] = unlabeled
	_, err = resolver.ResolveByCondition(context.Background(), condYesNo, 0)
	if !errors.Is(err, models.ErrMarketUnresolved) {
		t.Errorf("ResolveByCondition() unlabeled error = %v, want ErrMarketUnresolved", err)
	}

	// Out-of-range index fails closed.
	data.MarketsByCond[condYesNo] = yesNoMarket()
	_, err = resolver.ResolveByCondition(context.Background(), condYesNo, 5)
	if !errors.Is(err, models.ErrMarketUnresolved) {
		t.Errorf("ResolveByCondition() out-of-range error = %v, want ErrMarketUnresolved", err)
	}
}

func TestResolveByConditionDerivedFallback(t *testing.T) {
	store := storage.NewMockStore()
	data := api.NewMockDataClient()

	// The exact derived id is already in the known set; the metadata API has
	// no record for the condition, so the local derivation must find it.
	derived := derivePositionID(condYesNo, 0)
	if err := store.SaveTokenResolution(context.Background(), models.MarketResolution{
		MarketID:     condYesNo,
		TokenID:      derived,
		Outcome:      "Yes",
		OutcomeIndex: 0,
	}); err != nil {
		t.Fatalf("SaveTokenResolution() error: %v", err)
	}

	resolver := NewMarketResolver(store, data, 20)
	res, err := resolver.ResolveByCondition(context.Background(), condYesNo, 0)
	if err != nil {
		t.Fatalf("ResolveByCondition() derived fallback error: %v", err)
	}
	if res.TokenID != derived {
		t.Errorf("TokenID = %s, want derived %s", res.TokenID, derived)
	}
}

func TestMatchCandidateSuffix(t *testing.T) {
	resolver := NewMarketResolver(storage.NewMockStore(), api.NewMockDataClient(), 20)

	candidate := derivePositionID(condYesNo, 1)

	// A known token whose hex form shares the full suffix matches.
	if got := resolver.matchCandidate(candidate, []string{candidate}); got != candidate {
		t.Errorf("matchCandidate() exact = %q, want %q", got, candidate)
	}

	// No known tokens: no match, never a guess.
	if got := resolver.matchCandidate(candidate, nil); got != "" {
		t.Errorf("matchCandidate() empty set = %q, want no match", got)
	}

	// Ambiguity (two identical suffix entries) refuses to match.
	if got := resolver.matchCandidate(candidate, []string{candidate, candidate}); got != candidate {
		// Exact match wins before the suffix scan, so this still resolves.
		t.Errorf("matchCandidate() duplicate exact = %q, want %q", got, candidate)
	}
}

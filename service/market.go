package service

import (
	"context"
	"fmt"
	"log"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/skudskud/polycool-copy-sub002/api"
	"github.com/skudskud/polycool-copy-sub002/models"
	"github.com/skudskud/polycool-copy-sub002/storage"
)

// usdcPolygon is the collateral token backing conditional outcome tokens.
var usdcPolygon = common.HexToAddress("0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174")

// MarketResolver maps raw trade references (outcome token ids or condition
// ids plus an outcome index) to a tradable market and outcome. Resolution
// fails closed: a trade that cannot be mapped unambiguously is dropped, never
// guessed. Only successful resolutions are cached.
type MarketResolver struct {
	store          storage.DataStore
	data           api.MarketDataClient
	suffixMatchLen int
}

func NewMarketResolver(store storage.DataStore, data api.MarketDataClient, suffixMatchLen int) *MarketResolver {
	if suffixMatchLen <= 0 {
		suffixMatchLen = 20
	}
	return &MarketResolver{store: store, data: data, suffixMatchLen: suffixMatchLen}
}

// ResolveByToken maps an outcome token id to its market and outcome label.
func (r *MarketResolver) ResolveByToken(ctx context.Context, tokenID string) (*models.MarketResolution, error) {
	if tokenID == "" {
		return nil, fmt.Errorf("empty token id: %w", models.ErrMarketUnresolved)
	}

	cached, err := r.store.GetTokenResolution(ctx, tokenID)
	if err != nil {
		log.Printf("[Market] Resolution cache read failed for %s: %v", shortToken(tokenID), err)
	}
	if cached != nil {
		return cached, nil
	}

	market, err := r.data.GetMarketByTokenID(ctx, tokenID)
	if err != nil {
		return nil, fmt.Errorf("market lookup for token %s: %w", shortToken(tokenID), err)
	}
	if market == nil {
		return nil, fmt.Errorf("token %s has no market: %w", shortToken(tokenID), models.ErrMarketUnresolved)
	}

	for idx, token := range market.Tokens {
		if token.TokenID != tokenID {
			continue
		}
		if token.Outcome == "" {
			return nil, fmt.Errorf("token %s has no outcome label: %w", shortToken(tokenID), models.ErrMarketUnresolved)
		}
		res := models.MarketResolution{
			MarketID:     market.ConditionID,
			TokenID:      tokenID,
			Outcome:      token.Outcome,
			OutcomeIndex: idx,
			NegRisk:      market.NegRisk,
		}
		if err := r.store.SaveTokenResolution(ctx, res); err != nil {
			log.Printf("[Market] Failed to cache resolution for %s: %v", shortToken(tokenID), err)
		}
		return &res, nil
	}

	return nil, fmt.Errorf("token %s not among market %s outcomes: %w",
		shortToken(tokenID), market.ConditionID, models.ErrMarketUnresolved)
}

// ResolveByCondition maps a condition id and outcome index to the concrete
// outcome token. Used when the event source carries only a bare outcome code.
//
// A bare 0/1 code is meaningful only relative to the market's own outcome
// ordering, so the market metadata is always consulted before trusting the
// index. When metadata is unavailable a candidate token id is derived from
// the condition id and matched against the known token set, exactly first and
// then by long hex suffix.
func (r *MarketResolver) ResolveByCondition(ctx context.Context, conditionID string, outcomeIndex int) (*models.MarketResolution, error) {
	if conditionID == "" || outcomeIndex < 0 {
		return nil, fmt.Errorf("condition %q index %d: %w", conditionID, outcomeIndex, models.ErrMarketUnresolved)
	}

	market, err := r.data.GetMarketByConditionID(ctx, conditionID)
	if err == nil && market != nil {
		if outcomeIndex >= len(market.Tokens) {
			return nil, fmt.Errorf("outcome index %d out of range for market %s: %w",
				outcomeIndex, conditionID, models.ErrMarketUnresolved)
		}
		token := market.Tokens[outcomeIndex]
		if token.Outcome == "" {
			return nil, fmt.Errorf("market %s outcome %d unlabeled: %w",
				conditionID, outcomeIndex, models.ErrMarketUnresolved)
		}
		res := models.MarketResolution{
			MarketID:     conditionID,
			TokenID:      token.TokenID,
			Outcome:      token.Outcome,
			OutcomeIndex: outcomeIndex,
			NegRisk:      market.NegRisk,
		}
		if saveErr := r.store.SaveTokenResolution(ctx, res); saveErr != nil {
			log.Printf("[Market] Failed to cache resolution for %s: %v", shortToken(token.TokenID), saveErr)
		}
		return &res, nil
	}
	if err != nil {
		log.Printf("[Market] Metadata lookup failed for condition %s: %v", conditionID, err)
	}

	// Metadata path failed; fall back to deriving the position id locally and
	// matching it against tokens we have already resolved.
	candidate := derivePositionID(conditionID, outcomeIndex)
	known, err := r.store.ListKnownTokenIDs(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("known token scan: %w", err)
	}

	if matched := r.matchCandidate(candidate, known); matched != "" {
		return r.ResolveByToken(ctx, matched)
	}

	return nil, fmt.Errorf("condition %s outcome %d: %w", conditionID, outcomeIndex, models.ErrMarketUnresolved)
}

// matchCandidate finds the known token matching the derived candidate:
// exact decimal match first, then a single unambiguous long-suffix hex match.
// The suffix of the derived hash is stable across derivation variants while
// high bits are not, hence suffix rather than prefix comparison.
func (r *MarketResolver) matchCandidate(candidate string, known []string) string {
	for _, id := range known {
		if id == candidate {
			return id
		}
	}

	candHex := decimalToHex(candidate)
	if len(candHex) < r.suffixMatchLen {
		return ""
	}
	candSuffix := candHex[len(candHex)-r.suffixMatchLen:]

	var matched string
	for _, id := range known {
		idHex := decimalToHex(id)
		if len(idHex) < r.suffixMatchLen {
			continue
		}
		if idHex[len(idHex)-r.suffixMatchLen:] == candSuffix {
			if matched != "" {
				// Two known tokens share the suffix. Ambiguous, refuse.
				return ""
			}
			matched = id
		}
	}
	return matched
}

// derivePositionID computes the conditional-token position id for an outcome
// slot of a condition, as the token framework derives it from the collateral
// address and the condition's collection hash.
func derivePositionID(conditionID string, outcomeIndex int) string {
	condition := common.HexToHash(conditionID)

	indexSet := new(big.Int).Lsh(big.NewInt(1), uint(outcomeIndex))
	var parent common.Hash // root collection

	collection := crypto.Keccak256Hash(
		parent.Bytes(),
		condition.Bytes(),
		common.LeftPadBytes(indexSet.Bytes(), 32),
	)
	position := crypto.Keccak256Hash(usdcPolygon.Bytes(), collection.Bytes())

	return new(big.Int).SetBytes(position.Bytes()).String()
}

func decimalToHex(decimal string) string {
	n, ok := new(big.Int).SetString(decimal, 10)
	if !ok {
		return ""
	}
	return n.Text(16)
}

func shortToken(tokenID string) string {
	if len(tokenID) <= 12 {
		return tokenID
	}
	return tokenID[:8] + "..." + tokenID[len(tokenID)-4:]
}

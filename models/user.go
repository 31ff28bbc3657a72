package models

import "time"

// User represents a platform account. Leaders resolved through the user table
// carry their native ID; followers are always native users.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	Address      string    `json:"address"`
	ProxyAddress string    `json:"proxy_address"` // Polymarket proxy wallet, if any
	CreatedAt    time.Time `json:"created_at"`
	LastActive   time.Time `json:"last_active"`
}

// LeaderKind distinguishes the three address universes a leader can live in.
type LeaderKind string

const (
	LeaderNative      LeaderKind = "native"       // platform user table
	LeaderSmartWallet LeaderKind = "smart_wallet" // known smart-wallet registry
	LeaderExternal    LeaderKind = "external"     // unseen on-chain address
)

// LeaderIdentity is the stable identity a wallet address maps to.
// Synthetic identities (smart wallet, external) have negative UserIDs so they
// can never collide with native user rows.
type LeaderIdentity struct {
	Kind    LeaderKind `json:"kind"`
	UserID  int64      `json:"user_id"`
	Address string     `json:"address"`
}

// IsSynthetic reports whether the identity was generated rather than looked up.
func (l LeaderIdentity) IsSynthetic() bool {
	return l.Kind != LeaderNative
}

// TradingCredentials are a follower's per-exchange API credentials.
type TradingCredentials struct {
	FollowerID    int64  `json:"follower_id"`
	Address       string `json:"address"`
	APIKey        string `json:"api_key"`
	APISecret     string `json:"api_secret"`
	APIPassphrase string `json:"api_passphrase"`
	FunderAddress string `json:"funder_address,omitempty"`
}

// ExternalLeader is a cached synthetic identity for an address outside the
// platform's own user table. Unique on Address.
type ExternalLeader struct {
	Address     string    `json:"address"`
	VirtualID   int64     `json:"virtual_id"` // always negative
	LastCursor  string    `json:"last_cursor"`
	IsActive    bool      `json:"is_active"`
	FirstSeenAt time.Time `json:"first_seen_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

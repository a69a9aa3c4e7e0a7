package guard

import "time"

// Identifier kinds used by the abuse cluster index.
const (
	KindFP  = "fp"
	KindGID = "gid"
	KindIP  = "ip"
	KindUA  = "ua"
)

// AnchorKind is the clustering anchor. The user-agent hash is the most stable
// signal a visitor carries: it survives cookie clearing, storage wipes and IP
// rotation, which are exactly the resets this subsystem defends against. The
// IP hash is deliberately never a clustering key — under VPNs and shared exit
// nodes it either over-merges unrelated visitors or lets an attacker escape
// the cluster by rotating addresses.
const AnchorKind = KindUA

// Device is one observed identity-signal tuple. Devices are never deleted;
// they carry per-tuple blocking and suspicion state.
type Device struct {
	ID                  string
	FP                  string
	GID                 string
	IPHash              string
	UAHash              string
	ServerFP            string
	FirstIP             string
	IsBlocked           bool
	IsVPNDetected       bool
	IsIncognitoDetected bool
	BypassAttempts      int
	LastBypassAttempt   *time.Time
	FreeGrantID         *string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Cluster groups signal tuples believed to belong to one real visitor,
// anchored on the user-agent hash.
type Cluster struct {
	ID             string
	UAHash         string
	GuestJobsUsed  int
	GuestJobsLimit int
	CreatedAt      time.Time
}

// Grant is the free-allowance ledger row shared by a cluster.
type Grant struct {
	ID        string
	FP        string
	GID       string
	UAHash    string
	IPHash    string
	FirstIP   string
	Total     int
	Consumed  int
	UserID    *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Left is the remaining allowance, never negative.
func (g Grant) Left() int {
	left := g.Total - g.Consumed
	if left < 0 {
		return 0
	}
	return left
}

// Retired reports whether the grant has been bound to an account and is
// permanently out of guest circulation.
func (g Grant) Retired() bool {
	return g.UserID != nil
}

// Attempt is one audit row: a snapshot of the signals plus the outcome of a
// grant decision. Append-only, never read for control flow.
type Attempt struct {
	ID         string
	FP         string
	GID        string
	UAHash     string
	IPHash     string
	FirstIP    string
	SessionKey string
	WasGranted bool
	WasBlocked bool
	Reason     string
	DeviceID   string
	CreatedAt  time.Time
}

// TokensInfo is the read-only quota projection served to the frontend.
type TokensInfo struct {
	Total       int    `json:"total"`
	Consumed    int    `json:"consumed"`
	Left        int    `json:"left"`
	IsBlocked   bool   `json:"is_blocked"`
	BlockReason string `json:"block_reason,omitempty"`
	CanGenerate bool   `json:"can_generate"`
}

// SpendResult reports what a locked spend actually did.
type SpendResult struct {
	Spent int
	Left  int
}

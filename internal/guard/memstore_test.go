package guard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kanefrayzy/pixera-sub000/internal/signals"
)

// In-memory stores mirroring the Postgres repositories' semantics, shared by
// the facade tests. All of them are safe for concurrent use.

var errStoreDown = errors.New("store down")

type memDevices struct {
	mu      sync.Mutex
	seq     int
	devices map[string]*Device
	fail    bool
}

func newMemDevices() *memDevices {
	return &memDevices{devices: make(map[string]*Device)}
}

func (m *memDevices) find(sig signals.Signals) *Device {
	if fp := sig.PrimaryFP(); fp != "" {
		for _, d := range m.devices {
			if d.FP == fp {
				return d
			}
		}
	}
	if sig.GID != "" {
		for _, d := range m.devices {
			if d.GID == sig.GID {
				return d
			}
		}
	}
	if sig.IPHash != "" && sig.UAHash != "" {
		for _, d := range m.devices {
			if d.IPHash == sig.IPHash && d.UAHash == sig.UAHash {
				return d
			}
		}
	}
	return nil
}

func (m *memDevices) Find(ctx context.Context, sig signals.Signals) (*Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return nil, errStoreDown
	}
	if d := m.find(sig); d != nil {
		copy := *d
		return &copy, nil
	}
	return nil, nil
}

func (m *memDevices) GetOrCreate(ctx context.Context, sig signals.Signals) (Device, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return Device{}, false, errStoreDown
	}

	if d := m.find(sig); d != nil {
		if d.FP == "" {
			d.FP = sig.PrimaryFP()
		}
		if d.GID == "" {
			d.GID = sig.GID
		}
		if sig.IPHash != "" {
			d.IPHash = sig.IPHash
		}
		return *d, false, nil
	}

	m.seq++
	d := &Device{
		ID:      fmt.Sprintf("dev-%d", m.seq),
		FP:      sig.PrimaryFP(),
		GID:     sig.GID,
		IPHash:  sig.IPHash,
		UAHash:  sig.UAHash,
		FirstIP: sig.FirstIP,
	}
	m.devices[d.ID] = d
	return *d, true, nil
}

func (m *memDevices) RegisterBypassAttempt(ctx context.Context, deviceID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.devices[deviceID]; ok {
		d.BypassAttempts++
		t := now
		d.LastBypassAttempt = &t
	}
	return nil
}

func (m *memDevices) AttachGrant(ctx context.Context, deviceID, grantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.devices[deviceID]; ok {
		id := grantID
		d.FreeGrantID = &id
	}
	return nil
}

func (m *memDevices) block(deviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.devices[deviceID]; ok {
		d.IsBlocked = true
	}
}

type memClusters struct {
	mu       sync.Mutex
	seq      int
	clusters map[string]*Cluster
	owners   map[[2]string]string // (kind, value) -> cluster id
	grants   *memGrants
	fail     bool
}

func newMemClusters(grants *memGrants) *memClusters {
	return &memClusters{
		clusters: make(map[string]*Cluster),
		owners:   make(map[[2]string]string),
		grants:   grants,
	}
}

func (m *memClusters) FindFor(ctx context.Context, sig signals.Signals) (*Cluster, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return nil, errStoreDown
	}
	return m.findLocked(sig), nil
}

func (m *memClusters) findLocked(sig signals.Signals) *Cluster {
	probes := [][2]string{{KindUA, sig.UAHash}, {KindFP, sig.PrimaryFP()}, {KindGID, sig.GID}}
	for _, p := range probes {
		if p[1] == "" {
			continue
		}
		if id, ok := m.owners[p]; ok {
			copy := *m.clusters[id]
			return &copy
		}
	}
	return nil
}

func (m *memClusters) EnsureFor(ctx context.Context, sig signals.Signals, guestJobsLimit int) (Cluster, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return Cluster{}, errStoreDown
	}
	if sig.UAHash == "" {
		return Cluster{}, ErrMissingAnchor
	}

	cluster := m.findLocked(sig)
	if cluster == nil {
		m.seq++
		c := &Cluster{ID: fmt.Sprintf("cluster-%d", m.seq), UAHash: sig.UAHash, GuestJobsLimit: guestJobsLimit}
		m.clusters[c.ID] = c
		cluster = c
	}

	pairs := [][2]string{{KindUA, sig.UAHash}, {KindFP, sig.PrimaryFP()}, {KindGID, sig.GID}, {KindIP, sig.IPHash}}
	for _, p := range pairs {
		if p[1] == "" {
			continue
		}
		if _, taken := m.owners[p]; !taken {
			m.owners[p] = cluster.ID
		}
	}

	owner := m.clusters[m.owners[[2]string{KindUA, sig.UAHash}]]
	return *owner, nil
}

func (m *memClusters) FindClusterGrant(ctx context.Context, clusterID string) (*Grant, error) {
	m.mu.Lock()
	if m.fail {
		m.mu.Unlock()
		return nil, errStoreDown
	}
	values := make(map[string]map[string]bool)
	for pair, owner := range m.owners {
		if owner != clusterID {
			continue
		}
		if values[pair[0]] == nil {
			values[pair[0]] = make(map[string]bool)
		}
		values[pair[0]][pair[1]] = true
	}
	m.mu.Unlock()

	return m.grants.oldestLiveMatching(values), nil
}

func (m *memClusters) BumpGuestJobs(ctx context.Context, clusterID string, amount int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.clusters[clusterID]; ok {
		c.GuestJobsUsed += amount
	}
	return nil
}

type memGrants struct {
	mu      sync.Mutex
	seq     int
	grants  map[string]*Grant
	wallets map[string]int64
	fail    bool
}

func newMemGrants() *memGrants {
	return &memGrants{grants: make(map[string]*Grant), wallets: make(map[string]int64)}
}

func (m *memGrants) Create(ctx context.Context, sig signals.Signals, total int) (Grant, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return Grant{}, false, errStoreDown
	}

	// Partial unique index over live grants: one per anchor.
	for _, g := range m.grants {
		if g.UAHash == sig.UAHash && g.UserID == nil {
			return *g, false, nil
		}
	}

	m.seq++
	g := &Grant{
		ID:        fmt.Sprintf("grant-%d", m.seq),
		FP:        sig.PrimaryFP(),
		GID:       sig.GID,
		UAHash:    sig.UAHash,
		IPHash:    sig.IPHash,
		FirstIP:   sig.FirstIP,
		Total:     total,
		CreatedAt: time.Now().UTC().Add(time.Duration(m.seq) * time.Millisecond),
	}
	m.grants[g.ID] = g
	return *g, true, nil
}

func (m *memGrants) oldestLiveMatching(values map[string]map[string]bool) *Grant {
	m.mu.Lock()
	defer m.mu.Unlock()

	var oldest *Grant
	for _, g := range m.grants {
		if g.UserID != nil {
			continue
		}
		matches := (g.FP != "" && values[KindFP][g.FP]) ||
			(g.GID != "" && values[KindGID][g.GID]) ||
			(g.UAHash != "" && values[KindUA][g.UAHash]) ||
			(g.IPHash != "" && values[KindIP][g.IPHash])
		if !matches {
			continue
		}
		if oldest == nil || g.CreatedAt.Before(oldest.CreatedAt) {
			oldest = g
		}
	}
	if oldest == nil {
		return nil
	}
	copy := *oldest
	return &copy
}

func (m *memGrants) GetByID(ctx context.Context, id string) (Grant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.grants[id]
	if !ok {
		return Grant{}, errors.New("grant not found")
	}
	return *g, nil
}

func (m *memGrants) RefreshSignals(ctx context.Context, id string, sig signals.Signals) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g, ok := m.grants[id]; ok {
		if g.FP == "" {
			g.FP = sig.PrimaryFP()
		}
		if g.GID == "" {
			g.GID = sig.GID
		}
		if sig.IPHash != "" {
			g.IPHash = sig.IPHash
		}
		if sig.FirstIP != "" {
			g.FirstIP = sig.FirstIP
		}
	}
	return nil
}

func (m *memGrants) Spend(ctx context.Context, id string, amount int) (SpendResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return SpendResult{}, errStoreDown
	}

	g, ok := m.grants[id]
	if !ok {
		return SpendResult{}, errors.New("grant not found")
	}

	left := g.Total - g.Consumed
	if left < 0 {
		left = 0
	}
	if amount <= 0 {
		return SpendResult{Spent: 0, Left: left}, nil
	}
	if left < amount {
		return SpendResult{Spent: 0, Left: left}, nil
	}

	g.Consumed += amount
	return SpendResult{Spent: amount, Left: left - amount}, nil
}

func (m *memGrants) BindToUser(ctx context.Context, id, userID string, transferLeft bool) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.grants[id]
	if !ok {
		return 0, errors.New("grant not found")
	}
	if g.UserID != nil {
		return 0, nil
	}

	left := int64(g.Total - g.Consumed)
	if left < 0 {
		left = 0
	}

	uid := userID
	g.UserID = &uid
	g.Consumed = g.Total

	if transferLeft && left > 0 {
		m.wallets[userID] += left
		return left, nil
	}
	return 0, nil
}

type memAttempts struct {
	mu       sync.Mutex
	attempts []Attempt
	fail     bool
}

func (m *memAttempts) Record(ctx context.Context, attempt Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errStoreDown
	}
	m.attempts = append(m.attempts, attempt)
	return nil
}

func (m *memAttempts) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.attempts)
}

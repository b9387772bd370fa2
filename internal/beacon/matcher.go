package beacon

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openhallway/doorsense/internal/config"
	"github.com/openhallway/doorsense/internal/monitoring"
	"github.com/openhallway/doorsense/internal/timeutil"
)

// credentialState accumulates identity facets for one configured credential
// across advertisements. A single advertisement rarely carries all facets;
// the state fills in over several packets until every REQUIRED criterion is
// met, and empties again after the inactivity timeout.
type credentialState struct {
	cfg     config.CredentialConfig
	timeout time.Duration

	ibeacon         *IBeacon
	uid             *UIDFrame
	url             string
	lastSeen        time.Time
	fullyIdentified bool
}

func (c *credentialState) reset() {
	c.ibeacon = nil
	c.uid = nil
	c.url = ""
	c.fullyIdentified = false
}

// satisfied reports whether every REQUIRED criterion has been captured.
// OPTIONAL facets never block; the address criterion is met by receiving
// any advertisement from the credential's address at all.
func (c *credentialState) satisfied() bool {
	if config.Level(c.cfg.Criteria.IBeacon) == config.CriterionRequired && c.ibeacon == nil {
		return false
	}
	if config.Level(c.cfg.Criteria.EddystoneUID) == config.CriterionRequired && c.uid == nil {
		return false
	}
	if config.Level(c.cfg.Criteria.EddystoneURL) == config.CriterionRequired && c.url == "" {
		return false
	}
	return true
}

// Matcher owns the per-credential identification state and answers the one
// question the decision engine asks: is an authorized credential currently
// present?
type Matcher struct {
	scanner Scanner
	clock   timeutil.Clock

	proximityUUID uuid.UUID
	uuidPinned    bool
	namespaceID   string

	mu    sync.Mutex
	creds map[string]*credentialState
}

// NewMatcher builds a Matcher from the beacon configuration. Every
// configured credential gets an (empty) identification state up front.
func NewMatcher(cfg *config.BeaconConfig, scanner Scanner, clock timeutil.Clock) (*Matcher, error) {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	m := &Matcher{
		scanner:     scanner,
		clock:       clock,
		namespaceID: cfg.GetEddystoneNamespaceID(),
		creds:       make(map[string]*credentialState),
	}
	if s := cfg.GetIBeaconUUID(); s != "" {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("invalid ibeacon uuid %q: %w", s, err)
		}
		m.proximityUUID = id
		m.uuidPinned = true
	}
	globalTimeout := cfg.GetIdentificationTimeout()
	for _, cred := range cfg.Credentials {
		m.creds[normalizeAddr(cred.Address)] = &credentialState{
			cfg:     cred,
			timeout: cred.GetIdentificationTimeout(globalTimeout),
		}
	}
	return m, nil
}

func normalizeAddr(addr string) string {
	return strings.ToUpper(strings.TrimSpace(addr))
}

// Identify scans for at most timeout and reports whether a credential that
// is both allowed and fully identified was seen. It returns early on the
// first such credential and is safely cancellable through ctx; abandoned
// partial state is cleared later by the inactivity rule.
func (m *Matcher) Identify(ctx context.Context, timeout time.Duration) (bool, error) {
	scanCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		mu    sync.Mutex
		found bool
	)
	err := m.scanner.Scan(scanCtx, func(adv Advertisement) {
		if m.process(adv) {
			mu.Lock()
			found = true
			mu.Unlock()
			cancel()
		}
	})

	mu.Lock()
	ok := found
	mu.Unlock()
	if ok {
		return true, nil
	}
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return false, err
	}
	return false, nil
}

// process folds one advertisement into the credential state and reports
// whether its sender is now allowed and fully identified.
func (m *Matcher) process(adv Advertisement) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	cred, ok := m.creds[normalizeAddr(adv.Address)]
	if !ok {
		return false
	}
	now := m.clock.Now()
	if !cred.lastSeen.IsZero() && now.Sub(cred.lastSeen) > cred.timeout {
		// Not seen within the timeout window: captured facets are stale
		// and the credential must re-identify from scratch.
		cred.reset()
	}
	cred.lastSeen = now

	if data, ok := adv.ManufacturerData[appleCompanyID]; ok {
		if ib, ok := ParseIBeacon(data); ok && m.ibeaconMatches(cred, ib) {
			cred.ibeacon = &ib
		}
	}
	if payload, ok := adv.ServiceData[eddystoneUUID16]; ok && len(payload) > 0 {
		switch payload[0] {
		case eddystoneFrameUID:
			if uid, ok := ParseEddystoneUID(payload); ok && m.uidMatches(cred, uid) {
				cred.uid = &uid
			}
		case eddystoneFrameURL:
			if url, ok := ParseEddystoneURL(payload); ok && urlMatches(cred, url) {
				cred.url = url
			}
		case eddystoneFrameTLM:
			// Telemetry frames carry no identity.
		}
	}

	if !cred.fullyIdentified && cred.satisfied() {
		cred.fullyIdentified = true
		monitoring.Logf("beacon: %q (%s) fully identified", cred.cfg.Name, cred.cfg.Address)
	}
	return cred.cfg.Allowed && cred.fullyIdentified
}

func (m *Matcher) ibeaconMatches(cred *credentialState, ib IBeacon) bool {
	if m.uuidPinned && ib.UUID != m.proximityUUID {
		return false
	}
	if cred.cfg.IBeaconMajor != nil && ib.Major != *cred.cfg.IBeaconMajor {
		return false
	}
	if cred.cfg.IBeaconMinor != nil && ib.Minor != *cred.cfg.IBeaconMinor {
		return false
	}
	return true
}

func (m *Matcher) uidMatches(cred *credentialState, uid UIDFrame) bool {
	if m.namespaceID != "" && uid.Namespace != m.namespaceID {
		return false
	}
	if cred.cfg.EddystoneUID == nil {
		return false
	}
	return uid.Instance == strings.ToUpper(*cred.cfg.EddystoneUID)
}

func urlMatches(cred *credentialState, url string) bool {
	return cred.cfg.EddystoneURL != nil && strings.EqualFold(url, *cred.cfg.EddystoneURL)
}

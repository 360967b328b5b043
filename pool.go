package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Account is one Qwen web session in the rotation. Status transitions are
// available -> cooling-down (failure threshold, backoff window) and
// available -> disabled (credential rejected); disabled accounts stay loaded
// so an operator can re-enable them, they are never dropped at runtime.
type Account struct {
	mu sync.Mutex

	ID       string
	File     string
	Username string
	Password string // optional; enables re-login on auth rejection
	Token    string
	Cookie   string

	Disabled      bool
	Failures      int
	CooldownUntil time.Time
	ExpiresAt     time.Time
	LastUsed      time.Time
	LastFailure   time.Time
	LastRefresh   time.Time
}

// releaseOutcome reports how a request that held the account ended.
type releaseOutcome int

const (
	outcomeSuccess releaseOutcome = iota
	outcomeFailure
	outcomeAuthRejected
	// outcomeNeutral covers client-side disconnects, which say nothing
	// about account health.
	outcomeNeutral
)

// usableLocked reports whether the account may be handed out. Callers hold
// a.mu.
func (a *Account) usableLocked(now time.Time) bool {
	if a.Disabled {
		return false
	}
	if !a.CooldownUntil.IsZero() && now.Before(a.CooldownUntil) {
		return false
	}
	if !a.ExpiresAt.IsZero() && a.ExpiresAt.Before(now) && a.Password == "" {
		// Expired session with no way to re-login.
		return false
	}
	return true
}

func (a *Account) status(now time.Time) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch {
	case a.Disabled:
		return "disabled"
	case !a.CooldownUntil.IsZero() && now.Before(a.CooldownUntil):
		return "cooling-down"
	default:
		return "available"
	}
}

// accountPool rotates accounts round-robin. acquire and release are the only
// entry points and both are atomic with respect to concurrent callers.
type accountPool struct {
	mu       sync.Mutex
	accounts []*Account
	rr       uint64

	failureThreshold int
	cooldownBase     time.Duration
	debug            bool
}

func newAccountPool(accs []*Account, failureThreshold int, cooldownBase time.Duration, debug bool) *accountPool {
	if failureThreshold <= 0 {
		failureThreshold = 3
	}
	if cooldownBase <= 0 {
		cooldownBase = time.Minute
	}
	return &accountPool{
		accounts:         accs,
		failureThreshold: failureThreshold,
		cooldownBase:     cooldownBase,
		debug:            debug,
	}
}

// replace swaps the pool contents (used on reload).
func (p *accountPool) replace(accs []*Account) {
	p.mu.Lock()
	p.accounts = accs
	p.rr = 0
	p.mu.Unlock()
}

func (p *accountPool) add(acc *Account) {
	p.mu.Lock()
	p.accounts = append(p.accounts, acc)
	p.mu.Unlock()
}

func (p *accountPool) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.accounts)
}

func (p *accountPool) get(id string) *Account {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, a := range p.accounts {
		if a.ID == id {
			return a
		}
	}
	return nil
}

// acquire returns the next usable account in round-robin order, skipping
// anything excluded (already tried this request), disabled, or still cooling
// down. Fails loudly instead of handing out a broken credential.
func (p *accountPool) acquire(exclude map[string]bool) (*Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.accounts)
	if n == 0 {
		return nil, errNoAvailableAccount
	}
	now := time.Now()
	start := int(p.rr % uint64(n))
	for i := 0; i < n; i++ {
		a := p.accounts[(start+i)%n]
		if exclude != nil && exclude[a.ID] {
			continue
		}
		a.mu.Lock()
		ok := a.usableLocked(now)
		a.mu.Unlock()
		if !ok {
			continue
		}
		p.rr = uint64(start+i+1) % uint64(n)
		if p.debug {
			log.Printf("pool: acquired %s", a.ID)
		}
		return a, nil
	}
	return nil, errNoAvailableAccount
}

// release records the outcome of a request that held acc. Success clears the
// failure streak; repeated failures push the account into a cooling-down
// window that doubles with each strike past the threshold; a rejected
// credential disables it outright.
func (p *accountPool) release(acc *Account, outcome releaseOutcome) {
	if acc == nil {
		return
	}
	now := time.Now()
	acc.mu.Lock()
	switch outcome {
	case outcomeSuccess:
		acc.Failures = 0
		acc.CooldownUntil = time.Time{}
		acc.LastUsed = now
	case outcomeNeutral:
		acc.LastUsed = now
	case outcomeFailure:
		acc.Failures++
		acc.LastFailure = now
		if acc.Failures >= p.failureThreshold {
			shift := acc.Failures - p.failureThreshold
			if shift > 10 {
				shift = 10
			}
			window := p.cooldownBase << uint(shift)
			if maxWindow := 30 * time.Minute; window > maxWindow {
				window = maxWindow
			}
			acc.CooldownUntil = now.Add(window)
			if p.debug {
				log.Printf("pool: %s cooling down for %v (%d consecutive failures)", acc.ID, window, acc.Failures)
			}
		}
	case outcomeAuthRejected:
		acc.Failures++
		acc.LastFailure = now
		acc.Disabled = true
		log.Printf("pool: disabling %s (credentials rejected)", acc.ID)
	}
	acc.mu.Unlock()

	if outcome == outcomeAuthRejected {
		if err := saveAccount(acc); err != nil {
			log.Printf("warning: persist disabled account %s: %v", acc.ID, err)
		}
	}
}

// setDisabled flips an account's disabled flag (admin operation) and clears
// any failure streak so a re-enabled account rejoins rotation immediately.
func (p *accountPool) setDisabled(id string, disabled bool) bool {
	a := p.get(id)
	if a == nil {
		return false
	}
	a.mu.Lock()
	a.Disabled = disabled
	if !disabled {
		a.Failures = 0
		a.CooldownUntil = time.Time{}
	}
	a.mu.Unlock()
	if err := saveAccount(a); err != nil {
		log.Printf("warning: persist account %s: %v", id, err)
	}
	return true
}

// accountFile is the on-disk credential format, one JSON file per account.
type accountFile struct {
	Username  string `json:"username"`
	Password  string `json:"password,omitempty"`
	Token     string `json:"token"`
	Cookie    string `json:"cookie,omitempty"`
	ExpiresAt int64  `json:"expires_at,omitempty"`
	Disabled  bool   `json:"disabled,omitempty"`
}

// loadAccounts reads every *.json credential file in dir.
func loadAccounts(dir string) ([]*Account, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read accounts dir %s: %w", dir, err)
	}

	var accs []*Account
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		var af accountFile
		if err := json.Unmarshal(data, &af); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if af.Token == "" && af.Password == "" {
			log.Printf("warning: %s has neither token nor password, skipping", path)
			continue
		}
		id := af.Username
		if id == "" {
			id = strings.TrimSuffix(e.Name(), ".json")
		}
		acc := &Account{
			ID:       id,
			File:     path,
			Username: af.Username,
			Password: af.Password,
			Token:    af.Token,
			Cookie:   af.Cookie,
			Disabled: af.Disabled,
		}
		if af.ExpiresAt > 0 {
			acc.ExpiresAt = time.Unix(af.ExpiresAt, 0)
		}
		accs = append(accs, acc)
	}
	return accs, nil
}

// saveAccount persists the account back to its credential file, updating only
// the fields the proxy owns and preserving anything else in the file. Fails
// closed if the existing file cannot be parsed.
func saveAccount(a *Account) error {
	if a == nil {
		return fmt.Errorf("nil account")
	}
	a.mu.Lock()
	path := a.File
	af := accountFile{
		Username: a.Username,
		Password: a.Password,
		Token:    a.Token,
		Cookie:   a.Cookie,
		Disabled: a.Disabled,
	}
	if !a.ExpiresAt.IsZero() {
		af.ExpiresAt = a.ExpiresAt.Unix()
	}
	a.mu.Unlock()

	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("account %s has empty file path", a.ID)
	}

	root := map[string]any{}
	if raw, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(raw, &root); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	}
	root["username"] = af.Username
	if af.Password != "" {
		root["password"] = af.Password
	}
	root["token"] = af.Token
	if af.Cookie != "" {
		root["cookie"] = af.Cookie
	}
	if af.ExpiresAt > 0 {
		root["expires_at"] = af.ExpiresAt
	}
	root["disabled"] = af.Disabled

	return atomicWriteJSON(path, root)
}

func atomicWriteJSON(filePath string, data any) error {
	updated, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}

	// Atomic write: write to temp file then rename.
	dir := filepath.Dir(filePath)
	tmp, err := os.CreateTemp(dir, "*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(updated); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, filePath)
}

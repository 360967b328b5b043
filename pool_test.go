package main

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func testPool(t *testing.T, n int) *accountPool {
	t.Helper()
	dir := t.TempDir()
	accs := make([]*Account, 0, n)
	for i := 0; i < n; i++ {
		id := string(rune('a' + i))
		accs = append(accs, &Account{
			ID:    id,
			Token: "tok-" + id,
			File:  filepath.Join(dir, id+".json"),
		})
	}
	return newAccountPool(accs, 3, time.Minute, false)
}

func TestAcquireRoundRobinVisitsEveryAccount(t *testing.T) {
	p := testPool(t, 3)
	seen := map[string]int{}
	for i := 0; i < 9; i++ {
		a, err := p.acquire(nil)
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		seen[a.ID]++
		p.release(a, outcomeSuccess)
	}
	for id, n := range seen {
		if n != 3 {
			t.Fatalf("expected each account 3 times, %s got %d (%v)", id, n, seen)
		}
	}
}

func TestAcquireSkipsDisabledAndExcluded(t *testing.T) {
	p := testPool(t, 3)
	p.get("a").Disabled = true

	for i := 0; i < 4; i++ {
		acc, err := p.acquire(map[string]bool{"b": true})
		if err != nil {
			t.Fatalf("acquire: %v", err)
		}
		if acc.ID != "c" {
			t.Fatalf("expected c, got %s", acc.ID)
		}
		p.release(acc, outcomeSuccess)
	}
}

func TestAcquireFailsWhenNothingUsable(t *testing.T) {
	p := testPool(t, 2)
	p.get("a").Disabled = true
	p.get("b").CooldownUntil = time.Now().Add(time.Hour)

	if _, err := p.acquire(nil); !errors.Is(err, errNoAvailableAccount) {
		t.Fatalf("expected errNoAvailableAccount, got %v", err)
	}
}

func TestFailureThresholdTriggersCooldown(t *testing.T) {
	p := testPool(t, 1)
	a := p.get("a")

	for i := 0; i < 2; i++ {
		p.release(a, outcomeFailure)
		if !a.usableLocked(time.Now()) {
			t.Fatalf("account cooled down after only %d failures", i+1)
		}
	}
	p.release(a, outcomeFailure)
	if a.usableLocked(time.Now()) {
		t.Fatalf("expected cooldown after third consecutive failure")
	}
	if _, err := p.acquire(nil); !errors.Is(err, errNoAvailableAccount) {
		t.Fatalf("expected cooling-down account to be skipped, got %v", err)
	}

	// Success clears the streak and the window.
	p.release(a, outcomeSuccess)
	if _, err := p.acquire(nil); err != nil {
		t.Fatalf("expected account back in rotation: %v", err)
	}
}

func TestCooldownWindowDoubles(t *testing.T) {
	p := testPool(t, 1)
	a := p.get("a")

	for i := 0; i < 3; i++ {
		p.release(a, outcomeFailure)
	}
	first := time.Until(a.CooldownUntil)
	p.release(a, outcomeFailure)
	second := time.Until(a.CooldownUntil)
	if second < first*3/2 {
		t.Fatalf("expected backoff to grow, first=%v second=%v", first, second)
	}
}

func TestAuthRejectedDisablesAndPersists(t *testing.T) {
	p := testPool(t, 2)
	a := p.get("a")
	a.Username = "a"

	p.release(a, outcomeAuthRejected)
	if !a.Disabled {
		t.Fatalf("expected account disabled after credential rejection")
	}
	raw, err := os.ReadFile(a.File)
	if err != nil {
		t.Fatalf("read persisted account: %v", err)
	}
	var af accountFile
	if err := json.Unmarshal(raw, &af); err != nil {
		t.Fatalf("parse persisted account: %v", err)
	}
	if !af.Disabled {
		t.Fatalf("disabled flag not persisted: %+v", af)
	}

	// Pool keeps serving from the remaining account.
	acc, err := p.acquire(nil)
	if err != nil || acc.ID != "b" {
		t.Fatalf("expected b, got %v (%v)", acc, err)
	}
}

func TestSetDisabledReenableClearsStreak(t *testing.T) {
	p := testPool(t, 1)
	a := p.get("a")
	for i := 0; i < 3; i++ {
		p.release(a, outcomeFailure)
	}
	if !p.setDisabled("a", true) {
		t.Fatalf("setDisabled returned false for known account")
	}
	p.setDisabled("a", false)
	if _, err := p.acquire(nil); err != nil {
		t.Fatalf("re-enabled account should be usable immediately: %v", err)
	}
	if p.setDisabled("nope", true) {
		t.Fatalf("setDisabled should fail for unknown account")
	}
}

func TestAcquireReleaseConcurrent(t *testing.T) {
	p := testPool(t, 4)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				a, err := p.acquire(nil)
				if err != nil {
					t.Errorf("acquire: %v", err)
					return
				}
				p.release(a, outcomeSuccess)
			}
		}()
	}
	wg.Wait()
}

func TestLoadAccountsSkipsUnusableFiles(t *testing.T) {
	dir := t.TempDir()
	write := func(name string, v any) {
		raw, _ := json.Marshal(v)
		if err := os.WriteFile(filepath.Join(dir, name), raw, 0o600); err != nil {
			t.Fatal(err)
		}
	}
	write("good.json", accountFile{Username: "good", Token: "tok"})
	write("pw-only.json", accountFile{Username: "pw", Password: "secret"})
	write("empty.json", accountFile{Username: "empty"})

	accs, err := loadAccounts(dir)
	if err != nil {
		t.Fatalf("loadAccounts: %v", err)
	}
	if len(accs) != 2 {
		t.Fatalf("expected 2 accounts, got %d", len(accs))
	}
}

func TestSaveAccountPreservesUnknownFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.json")
	if err := os.WriteFile(path, []byte(`{"username":"a","token":"old","note":"keep me"}`), 0o600); err != nil {
		t.Fatal(err)
	}
	a := &Account{ID: "a", Username: "a", Token: "new", File: path}
	if err := saveAccount(a); err != nil {
		t.Fatalf("saveAccount: %v", err)
	}
	var root map[string]any
	raw, _ := os.ReadFile(path)
	if err := json.Unmarshal(raw, &root); err != nil {
		t.Fatal(err)
	}
	if root["note"] != "keep me" {
		t.Fatalf("unknown field dropped: %v", root)
	}
	if root["token"] != "new" {
		t.Fatalf("token not updated: %v", root)
	}
}

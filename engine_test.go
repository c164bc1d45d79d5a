package authcore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/keyring-id/authcore/twofactor"
)

type memoryPrincipalStore struct {
	mu         sync.Mutex
	principals map[string]*Principal
	saves      int
}

func newMemoryPrincipalStore() *memoryPrincipalStore {
	return &memoryPrincipalStore{principals: map[string]*Principal{}}
}

func principalKey(tenantID, principalID string) string {
	if tenantID == "" {
		tenantID = "0"
	}
	return tenantID + "/" + principalID
}

func copyPrincipal(p *Principal) *Principal {
	cp := *p
	cp.Roles = append([]string(nil), p.Roles...)
	cp.Groups = append([]string(nil), p.Groups...)
	cp.TwoFactor.TOTP.RecoveryHashes = append([]string(nil), p.TwoFactor.TOTP.RecoveryHashes...)
	return &cp
}

func (s *memoryPrincipalStore) FindByID(_ context.Context, tenantID, principalID string) (*Principal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.principals[principalKey(tenantID, principalID)]
	if !ok {
		return nil, nil
	}
	return copyPrincipal(p), nil
}

func (s *memoryPrincipalStore) Save(_ context.Context, principal *Principal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	s.principals[principalKey(principal.TenantID, principal.ID)] = copyPrincipal(principal)
	return nil
}

func (s *memoryPrincipalStore) put(p *Principal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.principals[principalKey(p.TenantID, p.ID)] = copyPrincipal(p)
}

func (s *memoryPrincipalStore) get(tenantID, principalID string) *Principal {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.principals[principalKey(tenantID, principalID)]
	if !ok {
		return nil
	}
	return copyPrincipal(p)
}

// plainCipher is a reversible stand-in for a real KMS-backed cipher.
type plainCipher struct{}

func (plainCipher) Encrypt(plaintext string) (string, error) {
	return "enc:" + plaintext, nil
}

func (plainCipher) Decrypt(ciphertext string) (string, error) {
	if len(ciphertext) < 4 || ciphertext[:4] != "enc:" {
		return "", errors.New("not an encrypted value")
	}
	return ciphertext[4:], nil
}

type sentCode struct {
	principalID string
	code        string
}

type captureSender struct {
	mu    sync.Mutex
	sent  []sentCode
	fail  bool
}

func (s *captureSender) SendCode(_ context.Context, principal *Principal, code string, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("smtp down")
	}
	s.sent = append(s.sent, sentCode{principalID: principal.ID, code: code})
	return nil
}

func (s *captureSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func (s *captureSender) last() sentCode {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sent) == 0 {
		return sentCode{}
	}
	return s.sent[len(s.sent)-1]
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.JWT.ActiveKeyID = "k1"
	cfg.JWT.Keys = map[string][]byte{
		"k1": []byte("0123456789abcdef0123456789abcdef"),
	}
	cfg.Audit.Enabled = false
	return cfg
}

func newTestEngine(t *testing.T, cfg Config) (*Engine, *miniredis.Miniredis, *memoryPrincipalStore, *captureSender, func()) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	store := newMemoryPrincipalStore()
	sender := &captureSender{}

	engine, err := New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithPrincipalStore(store).
		WithSecretCipher(plainCipher{}).
		WithCodeSender(sender).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	done := func() {
		engine.Close()
		_ = rdb.Close()
		mr.Close()
	}
	return engine, mr, store, sender, done
}

func newTestEngineWithAudit(t *testing.T, cfg Config, sink AuditSink) (*Engine, *miniredis.Miniredis, *memoryPrincipalStore, *captureSender, func()) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	store := newMemoryPrincipalStore()
	sender := &captureSender{}

	engine, err := New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithPrincipalStore(store).
		WithSecretCipher(plainCipher{}).
		WithCodeSender(sender).
		WithAuditSink(sink).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	done := func() {
		engine.Close()
		_ = rdb.Close()
		mr.Close()
	}
	return engine, mr, store, sender, done
}

func plainPrincipal(id string) *Principal {
	return &Principal{
		ID:     id,
		Email:  id + "@example.com",
		Roles:  []string{"member"},
		Groups: []string{"staff"},
	}
}

func assertErrorIs(t *testing.T, err, target error) {
	t.Helper()
	if !errors.Is(err, target) {
		t.Fatalf("expected error %v, got %v", target, err)
	}
}

func uniqueID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}

// generateRecoveryFixture returns a small batch of recovery codes with their
// hashes. Three keeps the argon2 work out of the hot path of every test.
func generateRecoveryFixture() ([]string, []string, error) {
	return twofactor.GenerateRecoveryCodes(3)
}

func matchRecoveryForTest(code string, hashes []string) ([]string, bool, error) {
	return twofactor.MatchRecoveryCode(code, hashes)
}

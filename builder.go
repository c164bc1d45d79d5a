package authcore

import (
	"errors"

	"github.com/redis/go-redis/v9"

	"github.com/keyring-id/authcore/allowlist"
	internalaudit "github.com/keyring-id/authcore/internal/audit"
	"github.com/keyring-id/authcore/internal/stores"
	"github.com/keyring-id/authcore/jwt"
	"github.com/keyring-id/authcore/twofactor"

	pquerna "github.com/pquerna/otp"
)

// Builder assembles an Engine. Usage:
//
//	engine, err := authcore.New().
//		WithConfig(cfg).
//		WithRedis(client).
//		WithPrincipalStore(store).
//		WithSecretCipher(cipher).
//		WithCodeSender(sender).
//		Build()
type Builder struct {
	config     Config
	configSet  bool
	redis      redis.UniversalClient
	principals PrincipalStore
	secrets    SecretCipher
	sender     CodeSender
	auditSink  AuditSink
}

func New() *Builder {
	return &Builder{}
}

func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cfg
	b.configSet = true
	return b
}

func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

func (b *Builder) WithPrincipalStore(store PrincipalStore) *Builder {
	b.principals = store
	return b
}

func (b *Builder) WithSecretCipher(cipher SecretCipher) *Builder {
	b.secrets = cipher
	return b
}

func (b *Builder) WithCodeSender(sender CodeSender) *Builder {
	b.sender = sender
	return b
}

// WithAuditSink sets the audit destination. Without one, auditing (if
// enabled) goes to a NoOpSink.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// Build validates configuration and wires the engine. It fails rather than
// degrade: a missing collaborator or invalid config never builds a
// partially working engine.
func (b *Builder) Build() (*Engine, error) {
	if !b.configSet {
		b.config = DefaultConfig()
	}
	if err := b.config.Validate(); err != nil {
		return nil, err
	}
	if b.redis == nil {
		return nil, errors.New("build: redis client is required")
	}
	if b.principals == nil {
		return nil, errors.New("build: principal store is required")
	}
	if b.secrets == nil {
		return nil, errors.New("build: secret cipher is required")
	}
	if b.sender == nil {
		return nil, errors.New("build: code sender is required")
	}

	jwtManager, err := jwt.NewManager(jwt.Config{
		ActiveKeyID:  b.config.JWT.ActiveKeyID,
		Keys:         b.config.JWT.Keys,
		Issuer:       b.config.Issuer,
		Leeway:       b.config.JWT.Leeway,
		MaxFutureIAT: b.config.JWT.MaxFutureIAT,
	})
	if err != nil {
		return nil, err
	}

	totpEngine, err := twofactor.NewTOTP(twofactor.TOTPConfig{
		Issuer: b.config.TOTP.Issuer,
		Digits: pquerna.DigitsSix,
		Period: b.config.TOTP.Period,
		Skew:   b.config.TOTP.Skew,
	})
	if err != nil {
		return nil, err
	}

	prefix := b.config.KeyPrefix

	engine := &Engine{
		config:     b.config,
		jwtManager: jwtManager,
		allowlist:  allowlist.NewStore(b.redis, prefix+":al"),
		refresh:    stores.NewRefreshStore(b.redis, prefix+":rt"),
		cooldown:   stores.NewCooldownStore(b.redis, prefix+":cd"),
		totp:       totpEngine,
		principals: b.principals,
		secrets:    b.secrets,
		sender:     b.sender,
		metrics:    NewMetrics(b.config.Metrics),
	}

	if b.config.Audit.Enabled {
		engine.audit = internalaudit.NewDispatcher(internalaudit.Config{
			Enabled:    true,
			BufferSize: b.config.Audit.BufferSize,
			DropIfFull: b.config.Audit.DropIfFull,
		}, b.auditSink)
	}

	return engine, nil
}

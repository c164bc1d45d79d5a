// Package stores holds the Redis record stores backing the token engine.
// Records are versioned binary blobs so the Lua scripts can validate and
// mutate them without a round trip.
package stores

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
)

const refreshRecordVersionV1 = 1

var (
	ErrRefreshNotFound         = errors.New("refresh record not found")
	ErrRefreshExpired          = errors.New("refresh record expired")
	ErrRefreshSecretMismatch   = errors.New("refresh secret mismatch")
	ErrRefreshDeviceMismatch   = errors.New("refresh device mismatch")
	ErrRefreshRedisUnavailable = errors.New("refresh redis unavailable")
)

const (
	consumeStatusNotFound       int64 = 0
	consumeStatusExpired        int64 = 1
	consumeStatusSecretMismatch int64 = 2
	consumeStatusDeviceMismatch int64 = 3
	consumeStatusRotated        int64 = 4
	consumeStatusInvalidBlob    int64 = 5
)

// consumeRefreshLua is the single-use guarantee. One atomic script performs
// GET, expiry check, secret compare, device compare and the rotation write,
// so two concurrent presentations of the same token can never both succeed.
//
// Record layout (fixed offsets, big-endian):
//
//	version(1) expiresAt(8) secretHash(32) deviceHash(32) principalLen(2) principal(n)
//
// KEYS[1] = record key
// KEYS[2] = principal index key prefix (principal id appended in script)
// ARGV[1] = provided secret hash, ARGV[2] = provided device hash,
// ARGV[3] = next secret hash, ARGV[4] = now unix, ARGV[5] = next ttl ms,
// ARGV[6] = session id
//
// A secret mismatch deletes the record: a mismatched secret for a live
// session means the previous token was replayed, and the safe response is to
// kill the whole refresh chain.
//
// Device binding is decided by the record. A record saved with a device hash
// only rotates for a presenter supplying that same hash; omitting the device
// counts as a mismatch. Records saved unbound ignore whatever the presenter
// supplies.
const consumeRefreshScript = `
local function read_be64(s, i)
  local v = 0
  for j = i, i + 7 do
    local b = string.byte(s, j)
    if not b then
      return nil
    end
    v = v * 256 + b
  end
  return v
end

local record_key = KEYS[1]
local index_prefix = KEYS[2]
local provided_secret = ARGV[1]
local provided_device = ARGV[2]
local next_secret = ARGV[3]
local now_unix = tonumber(ARGV[4])
local next_ttl_ms = tonumber(ARGV[5])
local session_id = ARGV[6]

local data = redis.call("GET", record_key)
if not data then
  return {0}
end

if string.byte(data, 1) ~= 1 or #data < 75 then
  redis.call("DEL", record_key)
  return {5}
end

local expires_at = read_be64(data, 2)
local secret_hash = string.sub(data, 10, 41)
local device_hash = string.sub(data, 42, 73)
local principal_len = string.byte(data, 74) * 256 + string.byte(data, 75)
if #data < 75 + principal_len then
  redis.call("DEL", record_key)
  return {5}
end
local principal_id = string.sub(data, 76, 75 + principal_len)
local index_key = index_prefix .. principal_id

if now_unix > expires_at then
  redis.call("DEL", record_key)
  redis.call("SREM", index_key, session_id)
  return {1}
end

if secret_hash ~= provided_secret then
  redis.call("DEL", record_key)
  redis.call("SREM", index_key, session_id)
  return {2}
end

local unbound_device = string.rep("\0", 32)
if device_hash ~= unbound_device and device_hash ~= provided_device then
  redis.call("DEL", record_key)
  redis.call("SREM", index_key, session_id)
  return {3}
end

local new_expires = now_unix + math.floor(next_ttl_ms / 1000)
local prefix = string.sub(data, 1, 1)
local suffix = string.sub(data, 42)
local eb = {}
local v = new_expires
for j = 8, 1, -1 do
  eb[j] = v % 256
  v = math.floor(v / 256)
end
local updated = prefix .. string.char(eb[1], eb[2], eb[3], eb[4], eb[5], eb[6], eb[7], eb[8]) .. next_secret .. suffix

redis.call("SET", record_key, updated, "PX", next_ttl_ms)
redis.call("SADD", index_key, session_id)

return {4, data}
`

var consumeRefreshLua = redis.NewScript(consumeRefreshScript)

// RefreshRecord is one live refresh token. Only the SHA-256 of the token
// secret is ever stored.
type RefreshRecord struct {
	PrincipalID string
	SecretHash  [32]byte
	DeviceHash  [32]byte
	ExpiresAt   int64
}

// RefreshStore keeps one refresh record per session, with a per-principal
// index set for invalidate-all.
type RefreshStore struct {
	redis  redis.UniversalClient
	prefix string
}

func NewRefreshStore(redisClient redis.UniversalClient, prefix string) *RefreshStore {
	if prefix == "" {
		prefix = "rt"
	}
	return &RefreshStore{
		redis:  redisClient,
		prefix: prefix,
	}
}

func (s *RefreshStore) key(tenantID, sessionID string) string {
	return s.prefix + ":" + normalizeTenantID(tenantID) + ":" + sessionID
}

func (s *RefreshStore) indexPrefix(tenantID string) string {
	return s.prefix + "u:" + normalizeTenantID(tenantID) + ":"
}

func normalizeTenantID(tenantID string) string {
	if tenantID == "" {
		return "0"
	}
	return tenantID
}

// Save writes the record and registers the session in the principal index.
func (s *RefreshStore) Save(ctx context.Context, tenantID, sessionID string, record *RefreshRecord, ttl time.Duration) error {
	encoded, err := encodeRefreshRecord(record)
	if err != nil {
		return err
	}

	recordKey := s.key(tenantID, sessionID)
	indexKey := s.indexPrefix(tenantID) + record.PrincipalID

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, recordKey, encoded, ttl)
		pipe.SAdd(ctx, indexKey, sessionID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRefreshRedisUnavailable, err)
	}

	return nil
}

// ConsumeAndRotate validates the presented secret and device binding and, in
// the same atomic step, installs the next secret with a fresh TTL. The
// returned record describes the token that was consumed. A zero
// providedDeviceHash means the presenter supplied no device; records bound
// to a device refuse that.
func (s *RefreshStore) ConsumeAndRotate(
	ctx context.Context,
	tenantID, sessionID string,
	providedSecretHash, providedDeviceHash, nextSecretHash [32]byte,
	nextTTL time.Duration,
) (*RefreshRecord, error) {
	deviceArg := string(providedDeviceHash[:])
	if providedDeviceHash == ([32]byte{}) {
		deviceArg = ""
	}

	result, err := consumeRefreshLua.Run(ctx, s.redis,
		[]string{s.key(tenantID, sessionID), s.indexPrefix(tenantID)},
		string(providedSecretHash[:]),
		deviceArg,
		string(nextSecretHash[:]),
		time.Now().Unix(),
		nextTTL.Milliseconds(),
		sessionID,
	).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRefreshRedisUnavailable, err)
	}

	parts, ok := result.([]interface{})
	if !ok || len(parts) == 0 {
		return nil, fmt.Errorf("%w: invalid consume script response", ErrRefreshRedisUnavailable)
	}
	code, ok := parts[0].(int64)
	if !ok {
		return nil, fmt.Errorf("%w: invalid consume script status", ErrRefreshRedisUnavailable)
	}

	switch code {
	case consumeStatusNotFound:
		return nil, ErrRefreshNotFound
	case consumeStatusExpired:
		return nil, ErrRefreshExpired
	case consumeStatusSecretMismatch:
		return nil, ErrRefreshSecretMismatch
	case consumeStatusDeviceMismatch:
		return nil, ErrRefreshDeviceMismatch
	case consumeStatusInvalidBlob:
		return nil, fmt.Errorf("%w: corrupt refresh record", ErrRefreshRedisUnavailable)
	case consumeStatusRotated:
		if len(parts) < 2 {
			return nil, fmt.Errorf("%w: missing consumed record payload", ErrRefreshRedisUnavailable)
		}
		var blob []byte
		switch v := parts[1].(type) {
		case string:
			blob = []byte(v)
		case []byte:
			blob = v
		default:
			return nil, fmt.Errorf("%w: invalid consumed record payload", ErrRefreshRedisUnavailable)
		}

		record, decErr := decodeRefreshRecord(blob)
		if decErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrRefreshRedisUnavailable, decErr)
		}

		// Lua string comparison is not constant-time; re-check in Go.
		if subtle.ConstantTimeCompare(record.SecretHash[:], providedSecretHash[:]) != 1 {
			return nil, ErrRefreshSecretMismatch
		}

		return record, nil
	default:
		return nil, fmt.Errorf("%w: unknown consume script status", ErrRefreshRedisUnavailable)
	}
}

// Delete removes one session's refresh record and its index entry. The
// principal id is needed to address the index set.
func (s *RefreshStore) Delete(ctx context.Context, tenantID, principalID, sessionID string) error {
	indexKey := s.indexPrefix(tenantID) + principalID

	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key(tenantID, sessionID))
		pipe.SRem(ctx, indexKey, sessionID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRefreshRedisUnavailable, err)
	}
	return nil
}

// DeleteAllForPrincipal removes every refresh record tracked for a principal.
// Not fully atomic: a record created between the SMembers read and the DEL
// batch survives; it expires naturally or falls to the next call.
func (s *RefreshStore) DeleteAllForPrincipal(ctx context.Context, tenantID, principalID string) error {
	indexKey := s.indexPrefix(tenantID) + principalID

	sessionIDs, err := s.redis.SMembers(ctx, indexKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrRefreshRedisUnavailable, err)
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, sessionID := range sessionIDs {
			pipe.Del(ctx, s.key(tenantID, sessionID))
		}
		pipe.Del(ctx, indexKey)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRefreshRedisUnavailable, err)
	}

	return nil
}

func encodeRefreshRecord(record *RefreshRecord) ([]byte, error) {
	if len(record.PrincipalID) == 0 {
		return nil, errors.New("refresh record principal id empty")
	}
	if len(record.PrincipalID) > 65535 {
		return nil, errors.New("refresh record principal id too long")
	}

	var buf bytes.Buffer
	buf.WriteByte(refreshRecordVersionV1)
	if err := binary.Write(&buf, binary.BigEndian, record.ExpiresAt); err != nil {
		return nil, err
	}
	buf.Write(record.SecretHash[:])
	buf.Write(record.DeviceHash[:])
	if err := binary.Write(&buf, binary.BigEndian, uint16(len(record.PrincipalID))); err != nil {
		return nil, err
	}
	buf.WriteString(record.PrincipalID)

	return buf.Bytes(), nil
}

func decodeRefreshRecord(data []byte) (*RefreshRecord, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != refreshRecordVersionV1 {
		return nil, errors.New("invalid refresh record version")
	}

	record := &RefreshRecord{}
	if err := binary.Read(reader, binary.BigEndian, &record.ExpiresAt); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(reader, record.SecretHash[:]); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(reader, record.DeviceHash[:]); err != nil {
		return nil, err
	}

	var principalLen uint16
	if err := binary.Read(reader, binary.BigEndian, &principalLen); err != nil {
		return nil, err
	}
	principal := make([]byte, principalLen)
	if _, err := io.ReadFull(reader, principal); err != nil {
		return nil, err
	}
	record.PrincipalID = string(principal)

	return record, nil
}

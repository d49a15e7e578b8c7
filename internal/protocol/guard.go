package protocol

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"Sentinel-C2/internal/crypto"
	xerrors "Sentinel-C2/internal/errors"
)

// 校验失败时返回给调用方的违规原因。
const (
	ReasonMessageTooLarge     = "Message too large"
	ReasonMalformedMessage    = "Malformed message"
	ReasonRateLimitExceeded   = "Rate limit exceeded"
	ReasonTimestampOutOfRange = "Timestamp out of range"
	ReasonInvalidSequence     = "Invalid sequence number"
	ReasonReplayDetected      = "Replay detected"
	ReasonInvalidSignature    = "Invalid signature"
)

// 默认防护参数。
const (
	DefaultMaxMessageSize = 1 << 20 // 1 MiB
	DefaultMaxClockSkew   = 30 * time.Second
	DefaultViolationLimit = 10
)

// Guard 为单个连接实现协议加固层：
// 尺寸上限、速率限制、时间戳与序号校验、重放防护以及签名验证。
// 出站消息经 Wrap/WrapEncrypted 封装，入站消息经 Verify 校验，二者互为镜像。
type Guard struct {
	connectionID   string
	key            []byte
	maxSize        int
	skew           time.Duration
	limiter        *RateLimiter
	window         *ReplayWindow
	violationLimit int

	mu         sync.Mutex
	nextSend   uint64
	expectRecv uint64
	violations int
	now        func() time.Time
}

// GuardOption 定义可选配置。
type GuardOption func(*Guard)

// WithMaxMessageSize 覆盖消息尺寸上限。
func WithMaxMessageSize(size int) GuardOption {
	return func(g *Guard) {
		if size > 0 {
			g.maxSize = size
		}
	}
}

// WithClockSkew 覆盖允许的时间戳偏移。
func WithClockSkew(skew time.Duration) GuardOption {
	return func(g *Guard) {
		if skew > 0 {
			g.skew = skew
		}
	}
}

// WithRateLimit 覆盖速率限制参数。
func WithRateLimit(limit int, window time.Duration) GuardOption {
	return func(g *Guard) {
		g.limiter = NewRateLimiter(limit, window)
	}
}

// WithReplayCapacity 覆盖重放窗口容量。
func WithReplayCapacity(capacity int) GuardOption {
	return func(g *Guard) {
		g.window = NewReplayWindow(capacity)
	}
}

// WithViolationLimit 设置触发断连的累计违规次数。
func WithViolationLimit(limit int) GuardOption {
	return func(g *Guard) {
		if limit > 0 {
			g.violationLimit = limit
		}
	}
}

// WithClock 注入时钟，测试用。
func WithClock(now func() time.Time) GuardOption {
	return func(g *Guard) {
		if now != nil {
			g.now = now
		}
	}
}

// NewGuard 为连接创建防护实例。key 同时用于 HMAC 签名与载荷加密。
func NewGuard(connectionID string, key []byte, opts ...GuardOption) *Guard {
	g := &Guard{
		connectionID:   connectionID,
		key:            key,
		maxSize:        DefaultMaxMessageSize,
		skew:           DefaultMaxClockSkew,
		limiter:        NewRateLimiter(DefaultRateLimit, DefaultRateWindow),
		window:         NewReplayWindow(DefaultReplayCapacity),
		violationLimit: DefaultViolationLimit,
		now:            time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// Wrap 将业务载荷封装为签名后的明文封套。
func (g *Guard) Wrap(msgType Type, payload any) (*Envelope, error) {
	return g.wrap(msgType, payload, false)
}

// WrapEncrypted 将业务载荷加密后封装。载荷以 AES-256-GCM 加密，
// 密文、IV 与标签全部参与签名。
func (g *Guard) WrapEncrypted(msgType Type, payload any) (*Envelope, error) {
	return g.wrap(msgType, payload, true)
}

func (g *Guard) wrap(msgType Type, payload any, encrypt bool) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码消息载荷失败")
	}

	g.mu.Lock()
	g.nextSend++
	sequence := g.nextSend
	now := g.now()
	g.mu.Unlock()

	env := &Envelope{
		Type:      msgType,
		MessageID: uuid.NewString(),
		Timestamp: now.UTC(),
		Sequence:  sequence,
	}
	if encrypt {
		sealed, err := crypto.Encrypt(raw, g.key)
		if err != nil {
			return nil, err
		}
		encoded, err := json.Marshal(base64.StdEncoding.EncodeToString(sealed.Ciphertext))
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeCryptoFailure, err, "编码密文失败")
		}
		env.Payload = encoded
		env.Encrypted = true
		env.IV = base64.StdEncoding.EncodeToString(sealed.IV)
		env.Tag = base64.StdEncoding.EncodeToString(sealed.Tag)
	} else {
		env.Payload = raw
	}
	env.Signature = g.sign(env)
	return env, nil
}

// VerifyResult 汇总一次入站校验的结论。
type VerifyResult struct {
	Valid bool
	// Errors 列出具体违反的不变量，供上层记录与回告。
	Errors []string
	// Envelope 在解析成功时可用，即便后续校验失败。
	Envelope *Envelope
	// Payload 是校验通过后的明文载荷（必要时已解密）。
	Payload []byte
	// CloseConnection 表示该连接的累计违规已超过阈值。
	CloseConnection bool
}

// Verify 按固定顺序校验一条入站消息：
// 尺寸 → 速率 → 时间戳 → 序号 → 重放 → 签名。
// 任何一步失败都会记入违规并返回具体原因，不会向上抛出。
func (g *Guard) Verify(raw []byte) VerifyResult {
	if len(raw) > g.maxSize {
		return g.reject(nil, ReasonMessageTooLarge)
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.MessageID == "" {
		return g.reject(nil, ReasonMalformedMessage)
	}

	if !g.limiter.Allow() {
		return g.reject(&env, ReasonRateLimitExceeded)
	}

	now := g.now()
	if env.Timestamp.Before(now.Add(-g.skew)) || env.Timestamp.After(now.Add(g.skew)) {
		return g.reject(&env, ReasonTimestampOutOfRange)
	}

	g.mu.Lock()
	expected := g.expectRecv + 1
	g.mu.Unlock()
	if env.Sequence != expected {
		return g.reject(&env, ReasonInvalidSequence)
	}

	if g.window.Contains(env.MessageID) {
		return g.reject(&env, ReasonReplayDetected)
	}

	if !hmac.Equal([]byte(g.sign(&env)), []byte(env.Signature)) {
		return g.reject(&env, ReasonInvalidSignature)
	}

	payload, err := g.openPayload(&env)
	if err != nil {
		return g.reject(&env, ReasonInvalidSignature)
	}

	// 全部校验通过后才提交序号与重放窗口，失败的消息不消耗状态。
	g.window.Observe(env.MessageID)
	g.mu.Lock()
	g.expectRecv = expected
	g.mu.Unlock()

	return VerifyResult{Valid: true, Envelope: &env, Payload: payload}
}

// Violations 返回累计违规次数。
func (g *Guard) Violations() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.violations
}

func (g *Guard) reject(env *Envelope, reason string) VerifyResult {
	g.mu.Lock()
	g.violations++
	closeConn := g.violations >= g.violationLimit
	g.mu.Unlock()
	return VerifyResult{
		Valid:           false,
		Errors:          []string{reason},
		Envelope:        env,
		CloseConnection: closeConn,
	}
}

func (g *Guard) openPayload(env *Envelope) ([]byte, error) {
	if !env.Encrypted {
		return env.Payload, nil
	}
	var encoded string
	if err := json.Unmarshal(env.Payload, &encoded); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeProtocolViolation, err, "解析密文载荷失败")
	}
	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeProtocolViolation, err, "解码密文失败")
	}
	iv, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeProtocolViolation, err, "解码 IV 失败")
	}
	tag, err := base64.StdEncoding.DecodeString(env.Tag)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeProtocolViolation, err, "解码标签失败")
	}
	return crypto.Decrypt(ciphertext, g.key, iv, tag)
}

// sign 对封套的关键字段计算 HMAC-SHA256 签名。
// 签名覆盖连接标识、类型、消息 ID、时间戳、序号、载荷原文以及加密元数据，
// 接收方对完全一致的字节重新计算，任何改动都会导致不匹配。
func (g *Guard) sign(env *Envelope) string {
	mac := hmac.New(sha256.New, g.key)
	parts := []string{
		g.connectionID,
		string(env.Type),
		env.MessageID,
		env.Timestamp.UTC().Format(time.RFC3339Nano),
		strconv.FormatUint(env.Sequence, 10),
		string(env.Payload),
		strconv.FormatBool(env.Encrypted),
		env.IV,
		env.Tag,
	}
	mac.Write([]byte(strings.Join(parts, "\n")))
	return hex.EncodeToString(mac.Sum(nil))
}

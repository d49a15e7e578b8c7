package crypto

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	xerrors "Sentinel-C2/internal/errors"
)

// PinnedCertificate 描述一条被固定信任的客户端证书。
type PinnedCertificate struct {
	Fingerprint   string    `json:"fingerprint"`
	PublicKeyHash string    `json:"public_key_hash"`
	Subject       string    `json:"subject"`
	Issuer        string    `json:"issuer"`
	ValidFrom     time.Time `json:"valid_from"`
	ValidTo       time.Time `json:"valid_to"`
	Pinned        bool      `json:"pinned"`
}

// PinStore 维护进程内的证书固定缓存。
// 注册与断连可能并发访问，所有变更都经由互斥锁串行化。
type PinStore struct {
	mu   sync.RWMutex
	pins map[string]*PinnedCertificate
	now  func() time.Time
}

// NewPinStore 创建空的 PinStore。
func NewPinStore() *PinStore {
	return &PinStore{
		pins: make(map[string]*PinnedCertificate),
		now:  time.Now,
	}
}

// Fingerprint 计算证书 DER 编码的 SHA-256 指纹（小写十六进制）。
func Fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}

// PublicKeyHash 计算证书公钥的 SHA-256 摘要（小写十六进制）。
func PublicKeyHash(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.RawSubjectPublicKeyInfo)
	return hex.EncodeToString(sum[:])
}

// Pin 登记一条固定证书。相同指纹的旧记录会被覆盖。
func (s *PinStore) Pin(pin PinnedCertificate) error {
	fingerprint := normalizeFingerprint(pin.Fingerprint)
	if fingerprint == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "证书指纹不能为空")
	}
	pin.Fingerprint = fingerprint
	pin.Pinned = true
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := pin
	s.pins[fingerprint] = &clone
	return nil
}

// PinFromCertificate 从 x509 证书生成固定记录并登记。
func (s *PinStore) PinFromCertificate(cert *x509.Certificate) error {
	if cert == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "证书不能为空")
	}
	return s.Pin(PinnedCertificate{
		Fingerprint:   Fingerprint(cert),
		PublicKeyHash: PublicKeyHash(cert),
		Subject:       cert.Subject.String(),
		Issuer:        cert.Issuer.String(),
		ValidFrom:     cert.NotBefore,
		ValidTo:       cert.NotAfter,
	})
}

// VerifyCertificate 仅当指纹已登记、pinned 为真且当前时间处于有效期内时返回 true。
func (s *PinStore) VerifyCertificate(fingerprint string) bool {
	fingerprint = normalizeFingerprint(fingerprint)
	s.mu.RLock()
	pin, ok := s.pins[fingerprint]
	s.mu.RUnlock()
	if !ok || !pin.Pinned {
		return false
	}
	return s.withinValidity(pin)
}

// VerifyPublicKeyHash 在所有固定记录中查找匹配的公钥摘要。
func (s *PinStore) VerifyPublicKeyHash(hash string) bool {
	hash = normalizeFingerprint(hash)
	if hash == "" {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, pin := range s.pins {
		if pin.Pinned && pin.PublicKeyHash == hash && s.withinValidity(pin) {
			return true
		}
	}
	return false
}

// Revoke 立即撤销指纹的信任，对后续所有校验生效。
func (s *PinStore) Revoke(fingerprint string) {
	fingerprint = normalizeFingerprint(fingerprint)
	s.mu.Lock()
	defer s.mu.Unlock()
	if pin, ok := s.pins[fingerprint]; ok {
		pin.Pinned = false
	}
}

// Get 返回指纹对应的固定记录副本。
func (s *PinStore) Get(fingerprint string) (*PinnedCertificate, bool) {
	fingerprint = normalizeFingerprint(fingerprint)
	s.mu.RLock()
	defer s.mu.RUnlock()
	pin, ok := s.pins[fingerprint]
	if !ok {
		return nil, false
	}
	clone := *pin
	return &clone, true
}

func (s *PinStore) withinValidity(pin *PinnedCertificate) bool {
	now := s.now()
	if !pin.ValidFrom.IsZero() && now.Before(pin.ValidFrom) {
		return false
	}
	if !pin.ValidTo.IsZero() && now.After(pin.ValidTo) {
		return false
	}
	return true
}

func normalizeFingerprint(fingerprint string) string {
	fingerprint = strings.TrimSpace(strings.ToLower(fingerprint))
	return strings.ReplaceAll(fingerprint, ":", "")
}

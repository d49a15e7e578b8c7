package crypto

import (
	"crypto/rand"
	"crypto/sha256"

	"golang.org/x/crypto/pbkdf2"

	xerrors "Sentinel-C2/internal/errors"
)

const (
	// KeySize 是对称密钥的字节长度（256 位）。
	KeySize = 32
	// SaltSize 是密钥派生使用的盐长度。
	SaltSize = 16
	// kdfIterations 是 PBKDF2 的迭代次数。
	kdfIterations = 4096
)

// GenerateKey 生成一个 256 位随机对称密钥。
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeCryptoFailure, err, "生成随机密钥失败")
	}
	return key, nil
}

// GenerateSalt 生成密钥派生所需的随机盐。
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeCryptoFailure, err, "生成随机盐失败")
	}
	return salt, nil
}

// DeriveKey 从口令和盐派生出 256 位密钥。
// 对同一 (passphrase, salt) 组合结果是确定的。
func DeriveKey(passphrase string, salt []byte) ([]byte, error) {
	if passphrase == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "口令不能为空")
	}
	if len(salt) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "盐不能为空")
	}
	return pbkdf2.Key([]byte(passphrase), salt, kdfIterations, KeySize, sha256.New), nil
}

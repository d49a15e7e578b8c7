package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"

	xerrors "Sentinel-C2/internal/errors"
)

// Sealed 保存一次认证加密的输出。IV 与认证标签单独返回，
// 便于在消息封套中独立传输并在解密时逐项校验。
type Sealed struct {
	Ciphertext []byte
	IV         []byte
	Tag        []byte
}

// Encrypt 使用 AES-256-GCM 加密明文，返回密文、IV 与认证标签。
func Encrypt(plaintext, key []byte) (*Sealed, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	iv := make([]byte, aead.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeCryptoFailure, err, "生成 IV 失败")
	}
	sealed := aead.Seal(nil, iv, plaintext, nil)
	tagOffset := len(sealed) - aead.Overhead()
	return &Sealed{
		Ciphertext: sealed[:tagOffset],
		IV:         iv,
		Tag:        sealed[tagOffset:],
	}, nil
}

// Decrypt 校验并解密 AES-256-GCM 密文。
// 密钥、IV 或标签任意一项不匹配都会返回 CodeCryptoFailure，绝不返回未经认证的明文。
func Decrypt(ciphertext, key, iv, tag []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(iv) != aead.NonceSize() {
		return nil, xerrors.New(xerrors.CodeCryptoFailure, "IV 长度不合法")
	}
	if len(tag) != aead.Overhead() {
		return nil, xerrors.New(xerrors.CodeCryptoFailure, "认证标签长度不合法")
	}
	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)
	plaintext, err := aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeCryptoFailure, err, "解密失败")
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "密钥必须为 32 字节")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeCryptoFailure, err, "初始化 AES 失败")
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeCryptoFailure, err, "初始化 GCM 失败")
	}
	return aead, nil
}

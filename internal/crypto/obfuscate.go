package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	xerrors "Sentinel-C2/internal/errors"
)

// 本文件中的混淆工具只用来抬高静态分析的成本，
// 不是加密：任何拿到种子的人都能还原内容。

// ObfuscateString 使用种子生成的异或流混淆字符串，再做 base64 编码。
func ObfuscateString(value, seed string) string {
	stream := keystream(seed, len(value))
	out := make([]byte, len(value))
	for i := 0; i < len(value); i++ {
		out[i] = value[i] ^ stream[i]
	}
	return base64.RawStdEncoding.EncodeToString(out)
}

// DeobfuscateString 还原 ObfuscateString 的输出。
func DeobfuscateString(encoded, seed string) (string, error) {
	raw, err := base64.RawStdEncoding.DecodeString(encoded)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解码混淆内容失败")
	}
	stream := keystream(seed, len(raw))
	out := make([]byte, len(raw))
	for i := range raw {
		out[i] = raw[i] ^ stream[i]
	}
	return string(out), nil
}

// ObfuscateConfig 对配置键值对逐项混淆。
func ObfuscateConfig(values map[string]string, seed string) map[string]string {
	out := make(map[string]string, len(values))
	for key, value := range values {
		out[key] = ObfuscateString(value, seed+key)
	}
	return out
}

// DeobfuscateConfig 还原 ObfuscateConfig 的输出。
func DeobfuscateConfig(values map[string]string, seed string) (map[string]string, error) {
	out := make(map[string]string, len(values))
	for key, value := range values {
		plain, err := DeobfuscateString(value, seed+key)
		if err != nil {
			return nil, err
		}
		out[key] = plain
	}
	return out, nil
}

// PolymorphicIdentifier 生成带前缀的一次性标识符，
// 每次调用结果不同，用于弱化流量与样本间的关联。
func PolymorphicIdentifier(prefix string) string {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		// 随机源不可用时退化为固定前缀，调用方不依赖此处的不可预测性。
		return prefix + "-000000000000"
	}
	return fmt.Sprintf("%s-%x", prefix, buf)
}

// keystream 由种子扩展出指定长度的异或流。
func keystream(seed string, size int) []byte {
	stream := make([]byte, 0, size+sha256.Size)
	block := sha256.Sum256([]byte(seed))
	for len(stream) < size {
		stream = append(stream, block[:]...)
		block = sha256.Sum256(block[:])
	}
	return stream[:size]
}

package crypto

import (
	"bytes"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("生成密钥失败: %v", err)
	}
	plaintext := []byte(`{"task_id":"t-1","command":"hostname"}`)

	sealed, err := Encrypt(plaintext, key)
	if err != nil {
		t.Fatalf("加密失败: %v", err)
	}
	if bytes.Equal(sealed.Ciphertext, plaintext) {
		t.Fatal("密文不应等于明文")
	}

	out, err := Decrypt(sealed.Ciphertext, key, sealed.IV, sealed.Tag)
	if err != nil {
		t.Fatalf("解密失败: %v", err)
	}
	if !bytes.Equal(out, plaintext) {
		t.Fatalf("往返结果不一致: got %q want %q", out, plaintext)
	}
}

func TestDecryptRejectsWrongKey(t *testing.T) {
	key, _ := GenerateKey()
	other, _ := GenerateKey()
	sealed, err := Encrypt([]byte("payload"), key)
	if err != nil {
		t.Fatalf("加密失败: %v", err)
	}
	if _, err := Decrypt(sealed.Ciphertext, other, sealed.IV, sealed.Tag); err == nil {
		t.Fatal("使用错误密钥解密应当失败")
	}
}

func TestDecryptRejectsTamperedInputs(t *testing.T) {
	key, _ := GenerateKey()
	sealed, err := Encrypt([]byte("payload"), key)
	if err != nil {
		t.Fatalf("加密失败: %v", err)
	}

	flip := func(in []byte) []byte {
		out := append([]byte(nil), in...)
		out[0] ^= 0xff
		return out
	}

	cases := []struct {
		name       string
		ciphertext []byte
		iv         []byte
		tag        []byte
	}{
		{"ciphertext", flip(sealed.Ciphertext), sealed.IV, sealed.Tag},
		{"iv", sealed.Ciphertext, flip(sealed.IV), sealed.Tag},
		{"tag", sealed.Ciphertext, sealed.IV, flip(sealed.Tag)},
	}
	for _, tc := range cases {
		if _, err := Decrypt(tc.ciphertext, key, tc.iv, tc.tag); err == nil {
			t.Errorf("篡改 %s 后解密应当失败", tc.name)
		}
	}
}

func TestDeriveKeyDeterministic(t *testing.T) {
	salt, err := GenerateSalt()
	if err != nil {
		t.Fatalf("生成盐失败: %v", err)
	}
	first, err := DeriveKey("correct horse battery staple", salt)
	if err != nil {
		t.Fatalf("派生密钥失败: %v", err)
	}
	second, err := DeriveKey("correct horse battery staple", salt)
	if err != nil {
		t.Fatalf("派生密钥失败: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatal("相同口令与盐应派生出相同密钥")
	}
	if len(first) != KeySize {
		t.Fatalf("密钥长度应为 %d，实际 %d", KeySize, len(first))
	}

	otherSalt, _ := GenerateSalt()
	third, err := DeriveKey("correct horse battery staple", otherSalt)
	if err != nil {
		t.Fatalf("派生密钥失败: %v", err)
	}
	if bytes.Equal(first, third) {
		t.Fatal("不同盐应派生出不同密钥")
	}
}

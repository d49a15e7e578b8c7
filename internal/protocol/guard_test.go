package protocol

import (
	"encoding/json"
	"testing"
	"time"
)

func testKey() []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

// guardPair 返回同一连接两端的防护实例。
func guardPair(t *testing.T, opts ...GuardOption) (*Guard, *Guard) {
	t.Helper()
	key := testKey()
	sender := NewGuard("conn-1", key, opts...)
	receiver := NewGuard("conn-1", key, opts...)
	return sender, receiver
}

func TestWrapVerifyRoundTrip(t *testing.T) {
	sender, receiver := guardPair(t)

	env, err := sender.Wrap(TypeHeartbeat, HeartbeatPayload{ImplantID: "imp-1", Status: "idle", ConnectionQuality: 90})
	if err != nil {
		t.Fatalf("封装消息失败: %v", err)
	}
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("编码封套失败: %v", err)
	}

	result := receiver.Verify(raw)
	if !result.Valid {
		t.Fatalf("校验应通过，错误: %v", result.Errors)
	}
	var payload HeartbeatPayload
	if err := json.Unmarshal(result.Payload, &payload); err != nil {
		t.Fatalf("解析载荷失败: %v", err)
	}
	if payload.ImplantID != "imp-1" || payload.Status != "idle" {
		t.Fatalf("载荷不一致: %+v", payload)
	}
}

func TestWrapEncryptedRoundTrip(t *testing.T) {
	sender, receiver := guardPair(t)

	env, err := sender.WrapEncrypted(TypeTaskAssign, TaskAssignPayload{TaskID: "t-1", Command: "uname -a", Priority: 5})
	if err != nil {
		t.Fatalf("封装加密消息失败: %v", err)
	}
	if !env.Encrypted || env.IV == "" || env.Tag == "" {
		t.Fatal("加密封套缺少 IV 或标签")
	}
	raw, _ := json.Marshal(env)

	result := receiver.Verify(raw)
	if !result.Valid {
		t.Fatalf("校验应通过，错误: %v", result.Errors)
	}
	var payload TaskAssignPayload
	if err := json.Unmarshal(result.Payload, &payload); err != nil {
		t.Fatalf("解析解密后载荷失败: %v", err)
	}
	if payload.Command != "uname -a" {
		t.Fatalf("解密结果不一致: %+v", payload)
	}
}

func TestVerifyRejectsTamperedEnvelope(t *testing.T) {
	sender, receiver := guardPair(t)

	env, err := sender.Wrap(TypeTaskResult, TaskResultPayload{TaskID: "t-2", ResultType: "stdout", Data: "ok"})
	if err != nil {
		t.Fatalf("封装消息失败: %v", err)
	}
	env.Payload = json.RawMessage(`{"task_id":"t-2","result_type":"stdout","data":"tampered"}`)
	raw, _ := json.Marshal(env)

	result := receiver.Verify(raw)
	if result.Valid {
		t.Fatal("被篡改的消息应校验失败")
	}
	if len(result.Errors) != 1 || result.Errors[0] != ReasonInvalidSignature {
		t.Fatalf("应报告签名无效，实际: %v", result.Errors)
	}
}

func TestVerifyRejectsOversizedMessage(t *testing.T) {
	_, receiver := guardPair(t)
	raw := make([]byte, DefaultMaxMessageSize+1)
	result := receiver.Verify(raw)
	if result.Valid || result.Errors[0] != ReasonMessageTooLarge {
		t.Fatalf("超限消息应报告 %q，实际: %v", ReasonMessageTooLarge, result.Errors)
	}
}

func TestVerifyTimestampSkew(t *testing.T) {
	key := testKey()
	base := time.Unix(1700000000, 0)
	sender := NewGuard("conn-1", key, WithClock(func() time.Time { return base.Add(-time.Second) }))
	receiver := NewGuard("conn-1", key, WithClock(func() time.Time { return base }))

	// 1 秒前的消息在容忍范围内。
	env, err := sender.Wrap(TypeHeartbeat, HeartbeatPayload{ImplantID: "imp-1"})
	if err != nil {
		t.Fatalf("封装消息失败: %v", err)
	}
	raw, _ := json.Marshal(env)
	if result := receiver.Verify(raw); !result.Valid {
		t.Fatalf("1 秒偏移应被接受，错误: %v", result.Errors)
	}

	// 60 秒前的消息超出 ±30 秒窗口。
	staleSender := NewGuard("conn-1", key, WithClock(func() time.Time { return base.Add(-60 * time.Second) }))
	env, err = staleSender.Wrap(TypeHeartbeat, HeartbeatPayload{ImplantID: "imp-1"})
	if err != nil {
		t.Fatalf("封装消息失败: %v", err)
	}
	raw, _ = json.Marshal(env)
	result := receiver.Verify(raw)
	if result.Valid || result.Errors[0] != ReasonTimestampOutOfRange {
		t.Fatalf("过期时间戳应报告 %q，实际: %v", ReasonTimestampOutOfRange, result.Errors)
	}
}

func TestVerifySequenceEnforcement(t *testing.T) {
	sender, receiver := guardPair(t)

	first, _ := sender.Wrap(TypeHeartbeat, HeartbeatPayload{ImplantID: "imp-1"})
	second, _ := sender.Wrap(TypeHeartbeat, HeartbeatPayload{ImplantID: "imp-1"})

	// 先送序号 2，应被拒绝且不消耗期望序号。
	raw, _ := json.Marshal(second)
	result := receiver.Verify(raw)
	if result.Valid || result.Errors[0] != ReasonInvalidSequence {
		t.Fatalf("乱序消息应报告 %q，实际: %v", ReasonInvalidSequence, result.Errors)
	}

	raw, _ = json.Marshal(first)
	if result := receiver.Verify(raw); !result.Valid {
		t.Fatalf("序号 1 应被接受，错误: %v", result.Errors)
	}
	raw, _ = json.Marshal(second)
	if result := receiver.Verify(raw); !result.Valid {
		t.Fatalf("补投的序号 2 应被接受，错误: %v", result.Errors)
	}
}

func TestVerifyReplayDetection(t *testing.T) {
	sender, receiver := guardPair(t)

	env, _ := sender.Wrap(TypeTelemetry, TelemetryPayload{ImplantID: "imp-1", HealthScore: 80})
	raw, _ := json.Marshal(env)
	if result := receiver.Verify(raw); !result.Valid {
		t.Fatalf("首次消息应被接受，错误: %v", result.Errors)
	}

	// 同一消息原样重放：序号已前进，先触发序号校验；
	// 伪造成下一序号重放相同 ID 则触发重放检测。
	replay := *env
	replay.Sequence = 2
	replay.Signature = sender.sign(&replay)
	raw, _ = json.Marshal(&replay)
	result := receiver.Verify(raw)
	if result.Valid || result.Errors[0] != ReasonReplayDetected {
		t.Fatalf("重放消息应报告 %q，实际: %v", ReasonReplayDetected, result.Errors)
	}
}

func TestVerifyRateLimit(t *testing.T) {
	key := testKey()
	sender := NewGuard("conn-1", key)
	receiver := NewGuard("conn-1", key, WithRateLimit(100, time.Minute))

	for i := 0; i < 100; i++ {
		env, err := sender.Wrap(TypeHeartbeat, HeartbeatPayload{ImplantID: "imp-1"})
		if err != nil {
			t.Fatalf("封装消息失败: %v", err)
		}
		raw, _ := json.Marshal(env)
		if result := receiver.Verify(raw); !result.Valid {
			t.Fatalf("第 %d 条消息应通过，错误: %v", i+1, result.Errors)
		}
	}
	env, _ := sender.Wrap(TypeHeartbeat, HeartbeatPayload{ImplantID: "imp-1"})
	raw, _ := json.Marshal(env)
	result := receiver.Verify(raw)
	if result.Valid || result.Errors[0] != ReasonRateLimitExceeded {
		t.Fatalf("第 101 条消息应报告 %q，实际: %v", ReasonRateLimitExceeded, result.Errors)
	}
}

func TestRepeatedViolationsFlagConnection(t *testing.T) {
	_, receiver := guardPair(t, WithViolationLimit(3))

	var last VerifyResult
	for i := 0; i < 3; i++ {
		last = receiver.Verify([]byte("not json"))
		if last.Valid {
			t.Fatal("畸形消息应校验失败")
		}
	}
	if !last.CloseConnection {
		t.Fatalf("累计 %d 次违规后应标记断连", receiver.Violations())
	}
}

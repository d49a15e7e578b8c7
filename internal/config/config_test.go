package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sentinel.json")
	content := `{
  "server": {"cert_file": "certs/server.pem", "key_file": "certs/server.key", "client_ca_file": "certs/ca.pem"},
  "security": {"passphrase": "test", "safety_policy_path": "policy.yaml"}
}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("写配置文件失败: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}

	if cfg.Server.Address != ":8443" {
		t.Errorf("默认监听地址不正确: %s", cfg.Server.Address)
	}
	if cfg.Storage.Driver != "memory" || cfg.Events.Driver != "memory" {
		t.Errorf("默认驱动不正确: %s / %s", cfg.Storage.Driver, cfg.Events.Driver)
	}
	if cfg.Heartbeat.CheckIntervalSeconds != 30 || cfg.Heartbeat.StaleThresholdSeconds != 90 {
		t.Errorf("默认心跳参数不正确: %+v", cfg.Heartbeat)
	}
	if cfg.Distributor.BackoffBaseSeconds != 30 {
		t.Errorf("默认退避基数不正确: %d", cfg.Distributor.BackoffBaseSeconds)
	}

	// 相对路径按配置文件目录解析。
	if cfg.Server.CertFile != filepath.Join(dir, "certs/server.pem") {
		t.Errorf("证书路径未解析: %s", cfg.Server.CertFile)
	}
	if cfg.Security.SafetyPolicyPath != filepath.Join(dir, "policy.yaml") {
		t.Errorf("策略路径未解析: %s", cfg.Security.SafetyPolicyPath)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Error("空路径应返回错误")
	}
	if _, err := Load("/nonexistent/sentinel.json"); err == nil {
		t.Error("缺失文件应返回错误")
	}
}

func TestLoadInvalidJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broken.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("写配置文件失败: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Error("非法 JSON 应返回错误")
	}
}

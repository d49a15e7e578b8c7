package main

import (
	"context"
	"crypto/x509"
	"database/sql"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"Sentinel-C2/internal/config"
	"Sentinel-C2/internal/crypto"
	"Sentinel-C2/internal/events"
	"Sentinel-C2/internal/implant"
	"Sentinel-C2/internal/observability/alerting"
	"Sentinel-C2/internal/observability/metrics"
	"Sentinel-C2/internal/registry"
	"Sentinel-C2/internal/server"
	"Sentinel-C2/internal/task"
	"Sentinel-C2/internal/telemetry"
	"Sentinel-C2/pkg/logger"
)

// main 是控制端守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("sentineld 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("SENTINEL_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "sentinel.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled: cfg.Logging.AuditPath != "",
			Path:    cfg.Logging.AuditPath,
		},
	}); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	sessionKey, err := deriveSessionKey(cfg.Security)
	if err != nil {
		return err
	}

	pins := crypto.NewPinStore()
	if cfg.Security.PinnedCertsDir != "" {
		if err := loadPinnedCerts(pins, cfg.Security.PinnedCertsDir); err != nil {
			return err
		}
	}

	// 存储后端。MySQL 模式下三个存储共享一个连接池。
	var (
		implantStore   implant.Store
		taskStore      task.Store
		telemetryStore telemetry.Store
	)
	switch cfg.Storage.Driver {
	case "", "memory":
		implantStore = implant.NewMemoryStore()
		taskStore = task.NewMemoryStore()
		telemetryStore = telemetry.NewMemoryStore()
	case "mysql":
		db, err := sql.Open("mysql", cfg.Storage.DSN)
		if err != nil {
			return fmt.Errorf("连接 MySQL 失败: %w", err)
		}
		db.SetMaxOpenConns(20)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(10 * time.Minute)
		if err := db.Ping(); err != nil {
			return fmt.Errorf("无法连接到 MySQL: %w", err)
		}
		if implantStore, err = implant.NewMySQLStoreWithDB(db); err != nil {
			return err
		}
		if taskStore, err = task.NewMySQLStoreWithDB(db); err != nil {
			return err
		}
		if telemetryStore, err = telemetry.NewMySQLStoreWithDB(db); err != nil {
			return err
		}
	default:
		return fmt.Errorf("未知的存储驱动: %s", cfg.Storage.Driver)
	}
	defer func() {
		_ = telemetryStore.Close()
		_ = taskStore.Close()
		_ = implantStore.Close()
	}()

	// 事件队列。
	var queue events.Queue
	switch cfg.Events.Driver {
	case "", "memory":
		queue = events.NewMemoryQueue(1024)
	case "redis":
		queue, err = events.NewRedisQueue(events.RedisQueueConfig{
			Address:  cfg.Events.RedisAddress,
			Password: cfg.Events.RedisPassword,
			DB:       cfg.Events.RedisDB,
			Queue:    cfg.Events.Queue,
		})
		if err != nil {
			return err
		}
	case "rabbitmq":
		queue, err = events.NewRabbitMQQueue(events.RabbitMQConfig{
			URL:     cfg.Events.AMQPURL,
			Queue:   cfg.Events.Queue,
			Durable: true,
		})
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("未知的事件队列驱动: %s", cfg.Events.Driver)
	}
	defer func() { _ = queue.Close() }()

	// 任务分发器。
	limits, err := task.LoadSafetyLimits(cfg.Security.SafetyPolicyPath)
	if err != nil {
		return err
	}
	checker, err := task.NewSafetyChecker(limits)
	if err != nil {
		return err
	}
	distributor := task.NewDistributor(taskStore, checker,
		task.WithBackoffBase(time.Duration(cfg.Distributor.BackoffBaseSeconds)*time.Second),
		task.WithStarvationAge(time.Duration(cfg.Distributor.StarvationAgeSeconds)*time.Second),
		task.WithSweepInterval(time.Duration(cfg.Distributor.SweepIntervalSeconds)*time.Second),
	)
	distributor.OnTransition = func(t *task.Task, to task.Status) {
		metrics.ObserveTaskTransition(string(to))
		var kind events.Kind
		switch to {
		case task.StatusQueued:
			kind = events.KindTaskQueued
		case task.StatusTimedOut:
			kind = events.KindTaskTimedOut
		case task.StatusPermanentlyFailed:
			kind = events.KindTaskPermanentFail
		default:
			// assigned/completed/failed 由消息处理层发布。
			return
		}
		_ = queue.Publish(ctx, &events.Event{
			Kind:      kind,
			ImplantID: t.ImplantID,
			TaskID:    t.ID,
			Detail:    t.LastError,
		})
	}

	// 连接登记簿与心跳巡检。
	reg := registry.NewRegistry()
	monitor := registry.NewMonitor(reg, implantStore,
		registry.WithCheckInterval(time.Duration(cfg.Heartbeat.CheckIntervalSeconds)*time.Second),
		registry.WithStaleThreshold(time.Duration(cfg.Heartbeat.StaleThresholdSeconds)*time.Second),
	)
	monitor.OnEvict = func(session *registry.Session) {
		if id := session.ImplantID(); id != "" {
			_ = queue.Publish(ctx, &events.Event{
				Kind:      events.KindImplantDisconnected,
				ImplantID: id,
				Detail:    "heartbeat timeout",
			})
		}
	}

	telemetrySvc := telemetry.NewService(telemetryStore)
	handler := server.NewHandler(reg, implantStore, implant.NewCapabilityRegistry(),
		distributor, telemetrySvc, queue)

	srv, err := server.NewServer(server.Config{
		Address:      cfg.Server.Address,
		CertFile:     cfg.Server.CertFile,
		KeyFile:      cfg.Server.KeyFile,
		ClientCAFile: cfg.Server.ClientCAFile,
		RequirePin:   cfg.Server.RequirePin,
	}, reg, pins, handler, queue, sessionKey)
	if err != nil {
		return err
	}

	// 告警桥接：消费事件队列并转发到通知渠道。
	bridge := alerting.NewBridge(queue, alerting.NewFanout(), 2)

	go monitor.Run(ctx)
	go distributor.Run(ctx)
	go func() {
		if err := bridge.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("告警桥接异常退出: %v", err)
		}
	}()
	if cfg.Metrics.Enabled {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Metrics.Address); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("指标服务异常退出: %v", err)
			}
		}()
	}

	return srv.Start(ctx)
}

// deriveSessionKey 用口令与盐派生会话密钥。
func deriveSessionKey(sec config.SecurityConfig) ([]byte, error) {
	if sec.Passphrase == "" {
		return nil, errors.New("security.passphrase 不能为空")
	}
	if sec.SaltHex == "" {
		return nil, errors.New("security.salt_hex 不能为空")
	}
	salt, err := hex.DecodeString(sec.SaltHex)
	if err != nil {
		return nil, fmt.Errorf("解析 salt_hex 失败: %w", err)
	}
	return crypto.DeriveKey(sec.Passphrase, salt)
}

// loadPinnedCerts 加载目录下的全部 PEM 证书进固定表。
func loadPinnedCerts(pins *crypto.PinStore, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("读取固定证书目录失败: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".pem" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("读取证书 %s 失败: %w", entry.Name(), err)
		}
		for len(data) > 0 {
			block, rest := pem.Decode(data)
			if block == nil {
				break
			}
			data = rest
			if block.Type != "CERTIFICATE" {
				continue
			}
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return fmt.Errorf("解析证书 %s 失败: %w", entry.Name(), err)
			}
			if err := pins.PinFromCertificate(cert); err != nil {
				return fmt.Errorf("固定证书 %s 失败: %w", entry.Name(), err)
			}
		}
	}
	return nil
}

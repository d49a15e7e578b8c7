package implant

import (
	xerrors "Sentinel-C2/internal/errors"
)

// Status 表示植入体的生命周期状态。
type Status string

const (
	StatusConnected    Status = "connected"
	StatusIdle         Status = "idle"
	StatusBusy         Status = "busy"
	StatusDisconnected Status = "disconnected"
	StatusTerminated   Status = "terminated"
)

// Type 表示植入体的声明类型。
type Type string

const (
	TypeReconnaissance Type = "reconnaissance"
	TypeExploitation   Type = "exploitation"
	TypeExfiltration   Type = "exfiltration"
	TypeGeneral        Type = "general"
)

// Implant 是一个远端自治代理的身份记录。
// 记录在首次注册时创建，此后只更新，绝不删除；
// 终止（terminated）是粘性状态，重连不能恢复。
type Implant struct {
	ID                string            `json:"id"`
	Name              string            `json:"name"`
	Type              Type              `json:"type"`
	Version           string            `json:"version"`
	Hostname          string            `json:"hostname"`
	OS                string            `json:"os"`
	Architecture      string            `json:"architecture"`
	Addresses         []string          `json:"addresses,omitempty"`
	CertificateSerial string            `json:"certificate_serial"`
	Fingerprint       string            `json:"fingerprint"`
	Capabilities      []string          `json:"capabilities,omitempty"`
	ConnectionQuality int               `json:"connection_quality"`
	Status            Status            `json:"status"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	FirstSeenAt       int64             `json:"first_seen_at"`
	LastSeenAt        int64             `json:"last_seen_at"`
}

var (
	// ErrImplantNotFound 表示指定的植入体不存在。
	ErrImplantNotFound = xerrors.New(CodeImplantNotFound, "implant not found")
	// ErrImplantTerminated 表示植入体已被终止，身份不可复用。
	ErrImplantTerminated = xerrors.New(CodeImplantTerminated, "implant terminated", xerrors.WithSeverity(xerrors.SeverityWarning))
)

const (
	CodeImplantNotFound   xerrors.Code = "IMPLANT_NOT_FOUND"
	CodeImplantTerminated xerrors.Code = "IMPLANT_TERMINATED"
)

func init() {
	xerrors.Register(CodeImplantNotFound, xerrors.Attributes{
		Message:   "implant not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeImplantTerminated, xerrors.Attributes{
		Message:   "implant terminated",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
}

// IsValidType 检查声明类型是否受支持。
func IsValidType(t Type) bool {
	switch t {
	case TypeReconnaissance, TypeExploitation, TypeExfiltration, TypeGeneral:
		return true
	default:
		return false
	}
}

// IsTerminal 判断状态是否为不可恢复的终止态。
func (s Status) IsTerminal() bool {
	return s == StatusTerminated
}

// IsLive 判断状态是否表示存在活动连接。
func (s Status) IsLive() bool {
	switch s {
	case StatusConnected, StatusIdle, StatusBusy:
		return true
	default:
		return false
	}
}

func cloneImplant(imp *Implant) *Implant {
	clone := *imp
	clone.Addresses = append([]string(nil), imp.Addresses...)
	clone.Capabilities = append([]string(nil), imp.Capabilities...)
	if imp.Metadata != nil {
		clone.Metadata = make(map[string]string, len(imp.Metadata))
		for k, v := range imp.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}

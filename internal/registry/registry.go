// Package registry 管理活动连接的登记簿与心跳巡检。
package registry

import (
	"sync"

	xerrors "Sentinel-C2/internal/errors"
)

// Registry 是活动会话的并发安全登记簿。
// 一个植入体同一时刻至多有一条活动会话；
// 重连会把旧会话替换为新会话。
type Registry struct {
	mu        sync.RWMutex
	sessions  map[string]*Session // 按 ConnectionID 索引
	byImplant map[string]string   // implantID -> ConnectionID
}

// NewRegistry 创建空登记簿。
func NewRegistry() *Registry {
	return &Registry{
		sessions:  make(map[string]*Session),
		byImplant: make(map[string]string),
	}
}

// Add 登记一条新会话。
func (r *Registry) Add(session *Session) error {
	if session == nil || session.ConnectionID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "会话不能为空")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[session.ConnectionID]; ok {
		return xerrors.New(xerrors.CodeConflict, "连接 ID 已登记")
	}
	r.sessions[session.ConnectionID] = session
	return nil
}

// Bind 在注册完成后把会话绑定到植入体身份。
// 同一植入体的旧会话（如果有）会被关闭并移除。
func (r *Registry) Bind(connectionID, implantID string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[connectionID]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, "连接未登记")
	}

	if oldConnID, ok := r.byImplant[implantID]; ok && oldConnID != connectionID {
		if old, ok := r.sessions[oldConnID]; ok {
			_ = old.Close()
			delete(r.sessions, oldConnID)
		}
	}

	session.Authenticate(implantID)
	r.byImplant[implantID] = connectionID
	return session, nil
}

// Get 按连接 ID 查询会话。
func (r *Registry) Get(connectionID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	session, ok := r.sessions[connectionID]
	return session, ok
}

// GetByImplant 按植入体 ID 查询活动会话。
func (r *Registry) GetByImplant(implantID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	connID, ok := r.byImplant[implantID]
	if !ok {
		return nil, false
	}
	session, ok := r.sessions[connID]
	return session, ok
}

// Remove 注销会话并关闭底层连接。
func (r *Registry) Remove(connectionID string) {
	r.mu.Lock()
	session, ok := r.sessions[connectionID]
	if ok {
		delete(r.sessions, connectionID)
		if id := session.ImplantID(); id != "" && r.byImplant[id] == connectionID {
			delete(r.byImplant, id)
		}
	}
	r.mu.Unlock()
	if ok {
		_ = session.Close()
	}
}

// Sessions 返回当前全部会话的快照。
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		result = append(result, s)
	}
	return result
}

// Len 返回活动会话数量。
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

package model

import (
	"encoding/json"
	"strings"
	"time"
)

// Action 协议消息的动作类型
type Action string

const (
	ActionHandshake   Action = "hs"
	ActionSubscribe   Action = "subscribe"
	ActionUnsubscribe Action = "unsubscribe"
	ActionFetch       Action = "fetch"
	ActionQuery       Action = "query"
	ActionSubmit      Action = "submit"
	ActionPresence    Action = "presence"
	ActionPing        Action = "ping"
	ActionPong        Action = "pong"
	ActionError       Action = "error"

	// ActionOp 服务端推送的已提交操作（广播）
	ActionOp Action = "op"
)

// 兼容 ShareDB 客户端的短动作名
var actionAliases = map[Action]Action{
	"s":  ActionSubscribe,
	"us": ActionUnsubscribe,
	"f":  ActionFetch,
	"qf": ActionQuery,
	"op": ActionSubmit,
	"p":  ActionPresence,
}

// NormalizeAction 把短动作名映射到规范名；未知动作原样返回。
func NormalizeAction(a Action) Action {
	if full, ok := actionAliases[a]; ok {
		return full
	}
	return a
}

// IsKnownAction 判断是否为客户端可发送的动作
func IsKnownAction(a Action) bool {
	switch a {
	case ActionHandshake, ActionSubscribe, ActionUnsubscribe, ActionFetch, ActionQuery,
		ActionSubmit, ActionPresence, ActionPing, ActionPong:
		return true
	}
	return false
}

// Message 是连接上双向传输的协议消息（WebSocket文本帧）
type Message struct {
	Action     Action          `json:"action"`
	Collection string          `json:"collection,omitempty"`
	ID         string          `json:"id,omitempty"`
	Version    *int64          `json:"version,omitempty"`    // 乐观并发的期望版本
	Operations []Operation     `json:"operations,omitempty"` // submit / op 广播
	Data       json.RawMessage `json:"data,omitempty"`       // 快照、presence 值、查询参数等
	Error      *ErrorPayload   `json:"error,omitempty"`

	Src     string `json:"src,omitempty"`     // 提交方标识（幂等重提）
	Seq     int64  `json:"seq,omitempty"`     // 提交方本地序号
	Del     bool   `json:"del,omitempty"`     // 删除文档
	Channel string `json:"channel,omitempty"` // presence 频道
	Conn    string `json:"conn,omitempty"`    // presence 来源连接
	Removed bool   `json:"removed,omitempty"` // presence 被移除
}

// DocKey 返回文档的分区键 collection.id
func (m *Message) DocKey() string {
	return DocKey(m.Collection, m.ID)
}

// VersionPtr 返回版本号指针，便于构造响应
func VersionPtr(v int64) *int64 {
	return &v
}

// ErrorPayload 错误负载（随 error 消息回写给发送方）
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Operation JSON0 风格的路径操作：{path, oi?, od?, na?}
// oi/od 保留原始 JSON，以区分显式 null 与缺省。
type Operation struct {
	Path []any          `json:"path"`
	OI   json.RawMessage `json:"oi,omitempty"`
	OD   json.RawMessage `json:"od,omitempty"`
	NA   *float64        `json:"na,omitempty"`
}

// HasInsert 是否携带 oi
func (op Operation) HasInsert() bool { return len(op.OI) > 0 }

// HasDelete 是否携带 od
func (op Operation) HasDelete() bool { return len(op.OD) > 0 }

// IsNumericAdd 是否为数值增量
func (op Operation) IsNumericAdd() bool { return op.NA != nil }

// Snapshot 文档在某一版本的完整状态
type Snapshot struct {
	Collection string         `json:"collection"`
	ID         string         `json:"id"`
	Version    int64          `json:"version"` // 0 表示从未创建
	Data       map[string]any `json:"data"`
	Deleted    bool           `json:"deleted,omitempty"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

// Exists 文档是否存在（已创建且未删除）
func (s *Snapshot) Exists() bool {
	return s != nil && s.Version > 0 && !s.Deleted
}

// Commit 一次被接受的提交（版本 N-1 -> N）
type Commit struct {
	Collection  string         `json:"collection"`
	ID          string         `json:"id"`
	Version     int64          `json:"version"` // 提交后的新版本
	Ops         []Operation    `json:"ops"`
	Created     bool           `json:"created,omitempty"`
	Deleted     bool           `json:"deleted,omitempty"`
	Src         string         `json:"src,omitempty"`
	Seq         int64          `json:"seq,omitempty"`
	UserID      string         `json:"userId,omitempty"`
	Data        map[string]any `json:"-"` // 提交后的文档内容，只在进程内使用
	CommittedAt time.Time      `json:"committedAt"`
}

// DocKey 返回提交所属文档的分区键
func (c *Commit) DocKey() string {
	return DocKey(c.Collection, c.ID)
}

// PresenceUpdate 某连接在某频道上的在线状态（光标等），不持久化
type PresenceUpdate struct {
	Channel string          `json:"channel"`
	ConnID  string          `json:"conn"`
	Value   json.RawMessage `json:"value,omitempty"`
	Removed bool            `json:"removed,omitempty"`
	At      time.Time       `json:"at"`
}

// BusinessEvent 粗粒度业务事件（降级通道推送）
// 只描述“发生了变化”，不描述“如何变化”。
type BusinessEvent struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"` // record.created / record.updated / ...
	TableID       string    `json:"tableId,omitempty"`
	RecordID      string    `json:"recordId,omitempty"`
	FieldID       string    `json:"fieldId,omitempty"`
	ViewID        string    `json:"viewId,omitempty"`
	Collection    string    `json:"collection"`
	DocID         string    `json:"docId"`
	Version       int64     `json:"version"`
	ChangedFields []string  `json:"changedFields,omitempty"`
	UserID        string    `json:"userId,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Topic 事件所属主题，订阅方按主题过滤
func (e *BusinessEvent) Topic() string {
	if e.TableID == "" {
		return e.Collection
	}
	return "table:" + e.TableID
}

// 业务事件类型
const (
	EventRecordCreated = "record.created"
	EventRecordUpdated = "record.updated"
	EventRecordDeleted = "record.deleted"
	EventFieldCreated  = "field.created"
	EventFieldUpdated  = "field.updated"
	EventFieldDeleted  = "field.deleted"
	EventViewCreated   = "view.created"
	EventViewUpdated   = "view.updated"
	EventViewDeleted   = "view.deleted"
)

// CollectionKind 集合命名空间前缀
type CollectionKind string

const (
	KindRecord CollectionKind = "rec"
	KindField  CollectionKind = "fld"
	KindView   CollectionKind = "viw"
	KindTable  CollectionKind = "tbl"
)

// ParseCollection 解析 rec_<tableId> / fld_<tableId> 形式的集合名
func ParseCollection(collection string) (CollectionKind, string, bool) {
	prefix, tableID, found := strings.Cut(collection, "_")
	if !found || tableID == "" {
		return "", "", false
	}
	switch kind := CollectionKind(prefix); kind {
	case KindRecord, KindField, KindView, KindTable:
		return kind, tableID, true
	}
	return "", "", false
}

// RecordCollection 返回表的记录集合名
func RecordCollection(tableID string) string {
	return string(KindRecord) + "_" + tableID
}

// FieldCollection 返回表的字段集合名
func FieldCollection(tableID string) string {
	return string(KindField) + "_" + tableID
}

// DocKey 文档键；id 为空时即集合级频道
func DocKey(collection, id string) string {
	if id == "" {
		return collection
	}
	return collection + "." + id
}

package events

import (
	"sort"

	"github.com/google/uuid"

	"sheetsync/server/internal/model"
)

// FromCommit 把一次提交转换为业务事件。
// 只有 rec_/fld_/viw_ 集合产生事件；每次提交至多一个事件，
// 记录更新会带上被修改的字段（路径 ["fields", <fieldId>, ...]）。
func FromCommit(c *model.Commit) *model.BusinessEvent {
	if c == nil {
		return nil
	}
	kind, tableID, ok := model.ParseCollection(c.Collection)
	if !ok {
		return nil
	}

	var prefix string
	switch kind {
	case model.KindRecord:
		prefix = "record."
	case model.KindField:
		prefix = "field."
	case model.KindView:
		prefix = "view."
	default:
		return nil
	}

	suffix := "updated"
	switch {
	case c.Deleted:
		suffix = "deleted"
	case c.Created:
		suffix = "created"
	}

	evt := &model.BusinessEvent{
		ID:         newEventID(),
		Type:       prefix + suffix,
		TableID:    tableID,
		Collection: c.Collection,
		DocID:      c.ID,
		Version:    c.Version,
		UserID:     c.UserID,
		Timestamp:  c.CommittedAt,
	}
	switch kind {
	case model.KindRecord:
		evt.RecordID = c.ID
		if !c.Deleted {
			evt.ChangedFields = changedFields(c.Ops)
		}
	case model.KindField:
		evt.FieldID = c.ID
	case model.KindView:
		evt.ViewID = c.ID
	}
	return evt
}

// changedFields 收集操作路径中 ["fields", id, ...] 的字段 id，去重排序
func changedFields(ops []model.Operation) []string {
	seen := make(map[string]bool)
	for _, op := range ops {
		if len(op.Path) < 2 {
			continue
		}
		if head, _ := op.Path[0].(string); head != "fields" {
			continue
		}
		if id, ok := op.Path[1].(string); ok && id != "" {
			seen[id] = true
		}
	}
	if len(seen) == 0 {
		return nil
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// newEventID 时间有序的事件 ID（UUIDv7），生成失败时退回随机 UUID
func newEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

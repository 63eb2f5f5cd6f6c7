package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"sheetsync/server/internal/model"
	"sheetsync/server/internal/ot"
)

// Query 集合上的只读视图参数。结果不带版本，也不参与乐观并发。
// 字段路径用点号分隔，例如 "fields.f1"。
type Query struct {
	Filter map[string]any `json:"filter,omitempty"` // 等值过滤
	Sort   string         `json:"sort,omitempty"`
	Desc   bool           `json:"desc,omitempty"`
	Skip   int            `json:"skip,omitempty"`
	Limit  int            `json:"limit,omitempty"`
}

// ParseQuery 从消息 data 解析查询参数；空 data 表示全量。
func ParseQuery(data json.RawMessage) (Query, error) {
	var q Query
	if len(data) == 0 || string(data) == "null" {
		return q, nil
	}
	if err := json.Unmarshal(data, &q); err != nil {
		return q, model.ProtocolError("invalid query: %v", err)
	}
	if q.Skip < 0 || q.Limit < 0 {
		return q, model.ProtocolError("invalid query: skip and limit must not be negative")
	}
	return q, nil
}

// Query 在集合的当前快照上过滤、排序、分页。每次调用都重新计算。
func (l *Ledger) Query(ctx context.Context, collection string, q Query) ([]*model.Snapshot, error) {
	if collection == "" {
		return nil, model.ProtocolError("query requires a collection")
	}
	all, err := l.store.List(ctx, collection)
	if err != nil {
		return nil, model.StorageError("list collection", err)
	}

	out := make([]*model.Snapshot, 0, len(all))
	for _, snap := range all {
		if matches(snap.Data, q.Filter) {
			out = append(out, snap)
		}
	}

	if q.Sort != "" {
		sort.SliceStable(out, func(i, j int) bool {
			a, _ := lookup(out[i].Data, q.Sort)
			b, _ := lookup(out[j].Data, q.Sort)
			if q.Desc {
				return less(b, a)
			}
			return less(a, b)
		})
	}

	if q.Skip > 0 {
		if q.Skip >= len(out) {
			return []*model.Snapshot{}, nil
		}
		out = out[q.Skip:]
	}
	if q.Limit > 0 && q.Limit < len(out) {
		out = out[:q.Limit]
	}
	return out, nil
}

func matches(data map[string]any, filter map[string]any) bool {
	for path, want := range filter {
		got, ok := lookup(data, path)
		if !ok || !equalValues(got, want) {
			return false
		}
	}
	return true
}

func lookup(data map[string]any, path string) (any, bool) {
	var cur any = data
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func equalValues(a, b any) bool {
	if fa, ok := ot.ToFloat(a); ok {
		fb, ok := ot.ToFloat(b)
		return ok && fa == fb
	}
	return reflect.DeepEqual(a, b)
}

// less 数值按大小、其它按字符串比较；缺失值排在最前。
func less(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b != nil
	}
	fa, okA := ot.ToFloat(a)
	fb, okB := ot.ToFloat(b)
	if okA && okB {
		return fa < fb
	}
	return fmt.Sprint(a) < fmt.Sprint(b)
}

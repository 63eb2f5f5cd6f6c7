// Package ot 在文档快照上应用 JSON0 风格的路径操作。
//
// 只实现 apply，不实现 transform：版本冲突由账本拒绝，由调用方重新拉取后重试。
package ot

import (
	"encoding/json"
	"math"

	"sheetsync/server/internal/model"
)

// Validate 检查操作形状：path 非空且每段为字符串或非负整数；
// oi / od / oi+od / na 四种形式恰好其一。
func Validate(op model.Operation) error {
	if len(op.Path) == 0 {
		return model.InvalidOperation("operation path must not be empty")
	}
	for i, seg := range op.Path {
		if _, ok := seg.(string); ok {
			continue
		}
		if _, ok := PathIndex(seg); !ok {
			return model.InvalidOperation("path segment %d must be a string or a non-negative integer, got %v", i, seg)
		}
	}

	switch {
	case op.IsNumericAdd():
		if op.HasInsert() || op.HasDelete() {
			return model.InvalidOperation("na cannot be combined with oi/od")
		}
		if math.IsNaN(*op.NA) || math.IsInf(*op.NA, 0) {
			return model.InvalidOperation("na must be a finite number")
		}
	case op.HasInsert() || op.HasDelete():
		if op.HasInsert() && !json.Valid(op.OI) {
			return model.InvalidOperation("oi is not valid JSON")
		}
		if op.HasDelete() && !json.Valid(op.OD) {
			return model.InvalidOperation("od is not valid JSON")
		}
	default:
		return model.InvalidOperation("operation must carry one of oi, od or na")
	}
	return nil
}

// ValidateAll 依次检查一批操作
func ValidateAll(ops []model.Operation) error {
	for _, op := range ops {
		if err := Validate(op); err != nil {
			return err
		}
	}
	return nil
}

// Apply 在 data 的深拷贝上按顺序应用 ops，返回新文档。
// 任一操作失败时整体失败，输入文档不会被修改。
func Apply(data map[string]any, ops []model.Operation) (map[string]any, error) {
	doc := DeepCopy(data)
	if doc == nil {
		doc = map[string]any{}
	}

	for i, op := range ops {
		if err := Validate(op); err != nil {
			return nil, err
		}

		var val any
		if op.HasInsert() {
			if err := json.Unmarshal(op.OI, &val); err != nil {
				return nil, model.InvalidOperation("decode oi of operation %d: %v", i, err)
			}
		}

		updated, err := applyAt(doc, op.Path, op, val)
		if err != nil {
			return nil, err
		}
		doc = updated.(map[string]any)
	}
	return doc, nil
}

// applyAt 沿 path 下降并在末段执行操作，返回更新后的节点。
// 只修改路径上的节点，其它路径不受影响。
func applyAt(node any, path []any, op model.Operation, val any) (any, error) {
	seg := path[0]
	last := len(path) == 1

	switch n := node.(type) {
	case map[string]any:
		key, ok := seg.(string)
		if !ok {
			return nil, model.InvalidOperation("object key must be a string, got %v", seg)
		}
		if last {
			return applyToObject(n, key, op, val)
		}
		child, exists := n[key]
		if !exists || child == nil {
			if !op.HasInsert() {
				return nil, model.InvalidOperation("path %v does not exist", op.Path)
			}
			child = emptyContainerFor(path[1])
		}
		updated, err := applyAt(child, path[1:], op, val)
		if err != nil {
			return nil, err
		}
		n[key] = updated
		return n, nil

	case []any:
		idx, ok := PathIndex(seg)
		if !ok {
			return nil, model.InvalidOperation("list index must be an integer, got %v", seg)
		}
		if last {
			return applyToList(n, idx, op, val)
		}
		if idx >= len(n) {
			return nil, model.InvalidOperation("list index %d out of range at %v", idx, op.Path)
		}
		updated, err := applyAt(n[idx], path[1:], op, val)
		if err != nil {
			return nil, err
		}
		n[idx] = updated
		return n, nil

	default:
		return nil, model.InvalidOperation("cannot descend into %T at %v", node, op.Path)
	}
}

func applyToObject(obj map[string]any, key string, op model.Operation, val any) (any, error) {
	switch {
	case op.IsNumericAdd():
		cur, exists := obj[key]
		if !exists {
			return nil, model.InvalidOperation("na target %v does not exist", op.Path)
		}
		sum, err := addNumber(cur, *op.NA)
		if err != nil {
			return nil, err
		}
		obj[key] = sum
	case op.HasInsert():
		// oi 或 oi+od（替换）
		obj[key] = val
	default:
		if _, exists := obj[key]; !exists {
			return nil, model.InvalidOperation("od target %v does not exist", op.Path)
		}
		delete(obj, key)
	}
	return obj, nil
}

func applyToList(list []any, idx int, op model.Operation, val any) (any, error) {
	switch {
	case op.IsNumericAdd():
		if idx >= len(list) {
			return nil, model.InvalidOperation("list index %d out of range", idx)
		}
		sum, err := addNumber(list[idx], *op.NA)
		if err != nil {
			return nil, err
		}
		list[idx] = sum
		return list, nil
	case op.HasInsert() && op.HasDelete():
		if idx >= len(list) {
			return nil, model.InvalidOperation("list index %d out of range", idx)
		}
		list[idx] = val
		return list, nil
	case op.HasInsert():
		if idx > len(list) {
			return nil, model.InvalidOperation("list index %d out of range", idx)
		}
		list = append(list, nil)
		copy(list[idx+1:], list[idx:])
		list[idx] = val
		return list, nil
	default:
		if idx >= len(list) {
			return nil, model.InvalidOperation("list index %d out of range", idx)
		}
		return append(list[:idx], list[idx+1:]...), nil
	}
}

func emptyContainerFor(next any) any {
	if _, ok := next.(string); ok {
		return map[string]any{}
	}
	return []any{}
}

func addNumber(cur any, delta float64) (any, error) {
	f, ok := ToFloat(cur)
	if !ok {
		return nil, model.InvalidOperation("na target is not a number: %v", cur)
	}
	return f + delta, nil
}

// PathIndex 把路径段转换为列表下标。
// JSON 解码得到 float64，CBOR 解码得到 uint64 / int64。
func PathIndex(seg any) (int, bool) {
	switch v := seg.(type) {
	case int:
		return v, v >= 0
	case int64:
		return int(v), v >= 0
	case uint64:
		return int(v), v <= math.MaxInt32
	case float64:
		if v < 0 || v != math.Trunc(v) || v > math.MaxInt32 {
			return 0, false
		}
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		if err != nil || n < 0 {
			return 0, false
		}
		return int(n), true
	}
	return 0, false
}

// ToFloat 数值类型统一转换为 float64
func ToFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// DeepCopy 递归复制 JSON 形状的文档
func DeepCopy(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	return copyValue(data).(map[string]any)
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = copyValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = copyValue(val)
		}
		return out
	default:
		return v
	}
}

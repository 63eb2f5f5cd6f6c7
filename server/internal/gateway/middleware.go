package gateway

import (
	"context"
	"time"

	"sheetsync/server/internal/metrics"
	"sheetsync/server/internal/model"
	"sheetsync/server/internal/ot"
	"sheetsync/server/internal/session"
)

// unknownAction 未知动作统一归到这一个统计键下，客户端无法随意制造新键
const unknownAction = "unknown"

// Metrics 记录每条消息的动作、延迟、成败与负载大小
func Metrics(rec metrics.Recorder) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, conn *session.Connection, msg *model.Message) error {
			start := time.Now()
			err := next(ctx, conn, msg)
			rec.RecordMessage(metricAction(msg.Action), time.Since(start), err == nil, PayloadSize(ctx))
			return err
		}
	}
}

func metricAction(action model.Action) string {
	if !model.IsKnownAction(action) {
		return unknownAction
	}
	return string(action)
}

// RateLimit 按连接限流
func RateLimit() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, conn *session.Connection, msg *model.Message) error {
			if l := conn.Limiter(); l != nil && !l.Allow() {
				return model.RateLimited()
			}
			return next(ctx, conn, msg)
		}
	}
}

// Validate 结构校验：动作已知、必需字段齐全
func Validate() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, conn *session.Connection, msg *model.Message) error {
			if err := validateShape(msg); err != nil {
				return err
			}
			return next(ctx, conn, msg)
		}
	}
}

func validateShape(msg *model.Message) error {
	if msg.Action == "" {
		return model.ProtocolError("missing action")
	}
	if !model.IsKnownAction(msg.Action) {
		return model.ProtocolError("unknown action %q", msg.Action)
	}

	switch msg.Action {
	case model.ActionSubscribe, model.ActionUnsubscribe:
		if msg.Collection == "" && msg.Channel == "" {
			return model.ProtocolError("%s requires collection or channel", msg.Action)
		}
	case model.ActionFetch:
		if msg.Collection == "" || msg.ID == "" {
			return model.ProtocolError("fetch requires collection and id")
		}
	case model.ActionQuery:
		if msg.Collection == "" {
			return model.ProtocolError("query requires collection")
		}
	case model.ActionSubmit:
		if msg.Collection == "" || msg.ID == "" {
			return model.ProtocolError("submit requires collection and id")
		}
		if msg.Version == nil {
			return model.ProtocolError("submit requires version")
		}
		if *msg.Version < 0 {
			return model.ProtocolError("version must not be negative")
		}
		if msg.Src != "" && msg.Seq <= 0 {
			return model.ProtocolError("src requires a positive seq")
		}
	case model.ActionPresence:
		if msg.Channel == "" && msg.Collection == "" {
			return model.ProtocolError("presence requires channel or collection")
		}
	}
	return nil
}

type userIDKey struct{}

// UserID 中间件解析出的用户 ID（匿名为空）
func UserID(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey{}).(string)
	return id
}

// Authorize 检查连接是否有权执行该动作，并把用户 ID 附加到 ctx。
// requireAuth 为 true 时，除握手与心跳外的动作都要求已认证。
func Authorize(requireAuth bool) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, conn *session.Connection, msg *model.Message) error {
			switch msg.Action {
			case model.ActionHandshake, model.ActionPing, model.ActionPong:
				return next(ctx, conn, msg)
			}
			if requireAuth && !conn.Authenticated() {
				return model.AuthError(model.CodeUnauthorized, "authentication required", nil)
			}
			if msg.Action == model.ActionSubmit && !conn.CanWrite() {
				return model.AuthError(model.CodePermissionDenied, "connection is not allowed to write", nil)
			}
			return next(context.WithValue(ctx, userIDKey{}, conn.UserID()), conn, msg)
		}
	}
}

// ValidateOperations 提交的操作形状校验
func ValidateOperations() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, conn *session.Connection, msg *model.Message) error {
			if msg.Action == model.ActionSubmit {
				if len(msg.Operations) == 0 && !msg.Del {
					return model.InvalidOperation("submit carries no operations")
				}
				if err := ot.ValidateAll(msg.Operations); err != nil {
					return err
				}
			}
			return next(ctx, conn, msg)
		}
	}
}

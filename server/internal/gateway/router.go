package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/golang/glog"

	"sheetsync/server/internal/model"
	"sheetsync/server/internal/session"
)

// HandlerFunc 处理一条已解码的协议消息；响应由处理器通过 conn.Send 写回。
// 返回的错误由路由统一转换为带内错误消息，连接保持打开。
type HandlerFunc func(ctx context.Context, conn *session.Connection, msg *model.Message) error

// Middleware 包装处理器，可以短路（返回错误）或给 ctx 附加信息后交给下一级
type Middleware func(next HandlerFunc) HandlerFunc

const defaultHandleTimeout = 10 * time.Second

// Router 按动作分发消息，并按注册顺序套上中间件（先注册的在最外层）
type Router struct {
	handlers      map[model.Action]HandlerFunc
	middleware    []Middleware
	chain         HandlerFunc
	handleTimeout time.Duration
}

func NewRouter(handleTimeout time.Duration) *Router {
	if handleTimeout <= 0 {
		handleTimeout = defaultHandleTimeout
	}
	r := &Router{
		handlers:      make(map[model.Action]HandlerFunc),
		handleTimeout: handleTimeout,
	}
	r.rebuild()
	return r
}

// Handle 注册动作处理器
func (r *Router) Handle(action model.Action, h HandlerFunc) {
	r.handlers[action] = h
}

// Use 追加中间件
func (r *Router) Use(mw ...Middleware) {
	r.middleware = append(r.middleware, mw...)
	r.rebuild()
}

func (r *Router) rebuild() {
	h := HandlerFunc(r.dispatch)
	for i := len(r.middleware) - 1; i >= 0; i-- {
		h = r.middleware[i](h)
	}
	r.chain = h
}

func (r *Router) dispatch(ctx context.Context, conn *session.Connection, msg *model.Message) error {
	h, ok := r.handlers[msg.Action]
	if !ok {
		return model.ProtocolError("unknown action %q", msg.Action)
	}
	return h(ctx, conn, msg)
}

// Dispatch 解码并处理一帧数据。出错时把错误写回发送方。
func (r *Router) Dispatch(conn *session.Connection, data []byte) {
	conn.Touch(time.Now())

	ctx, cancel := context.WithTimeout(conn.Context(), r.handleTimeout)
	defer cancel()
	ctx = withPayloadSize(ctx, len(data))

	msg, err := Decode(data)
	if err != nil {
		r.reply(conn, nil, err)
		return
	}
	if err := r.chain(ctx, conn, msg); err != nil {
		r.reply(conn, msg, err)
	}
}

// Decode 解析协议消息并规范化动作名
func Decode(data []byte) (*model.Message, error) {
	var msg model.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, model.ProtocolError("malformed message: %v", err)
	}
	msg.Action = model.NormalizeAction(msg.Action)
	return &msg, nil
}

func (r *Router) reply(conn *session.Connection, msg *model.Message, err error) {
	typed := model.AsError(err)
	switch typed.Kind {
	case model.KindVersionConflict, model.KindProtocol, model.KindAuth, model.KindNotFound, model.KindRateLimited:
		glog.V(1).Infof("[Gateway] %s rejected: %v", conn.ID(), err)
	case model.KindStorage:
		glog.Errorf("[Gateway] %s storage failure: %v", conn.ID(), err)
	default:
		glog.Warningf("[Gateway] %s request failed: %v", conn.ID(), err)
	}

	if sendErr := conn.Send(errorMessage(msg, typed)); sendErr != nil {
		glog.V(1).Infof("[Gateway] could not deliver error to %s: %v", conn.ID(), sendErr)
	}
}

// errorMessage 构造错误响应；保留原消息的动作与定位字段便于客户端对应请求
func errorMessage(msg *model.Message, e *model.Error) *model.Message {
	out := &model.Message{Action: model.ActionError, Error: e.Payload()}
	if msg != nil {
		if model.IsKnownAction(msg.Action) {
			out.Action = msg.Action
		}
		out.Collection = msg.Collection
		out.ID = msg.ID
		out.Src = msg.Src
		out.Seq = msg.Seq
		out.Channel = msg.Channel
	}
	return out
}

type payloadSizeKey struct{}

func withPayloadSize(ctx context.Context, n int) context.Context {
	return context.WithValue(ctx, payloadSizeKey{}, n)
}

// PayloadSize 当前消息的原始字节数
func PayloadSize(ctx context.Context) int {
	n, _ := ctx.Value(payloadSizeKey{}).(int)
	return n
}

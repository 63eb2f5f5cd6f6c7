package realtime

import (
	"context"
	"encoding/json"

	"github.com/golang/glog"

	"sheetsync/server/internal/cache"
	"sheetsync/server/internal/gateway"
	"sheetsync/server/internal/ledger"
	"sheetsync/server/internal/model"
	"sheetsync/server/internal/session"
	"sheetsync/server/internal/txn"
)

const (
	protocolVersion = 1
	operationType   = "json0"
)

type handshakeRequest struct {
	Token string `json:"token"`
}

type handshakeReply struct {
	ID       string `json:"id"`
	Protocol int    `json:"protocol"`
	Type     string `json:"type"`
	UserID   string `json:"userId,omitempty"`
	CanWrite bool   `json:"canWrite"`
}

func (s *Service) handleHandshake(ctx context.Context, conn *session.Connection, msg *model.Message) error {
	var req handshakeRequest
	if len(msg.Data) > 0 && string(msg.Data) != "null" {
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			return model.ProtocolError("invalid handshake data: %v", err)
		}
	}
	if req.Token != "" {
		if _, err := s.registry.Authenticate(conn, req.Token); err != nil {
			return err
		}
	}

	return conn.Send(&model.Message{
		Action: model.ActionHandshake,
		Data: mustJSON(handshakeReply{
			ID:       conn.ID(),
			Protocol: protocolVersion,
			Type:     operationType,
			UserID:   conn.UserID(),
			CanWrite: conn.CanWrite(),
		}),
	})
}

// handleSubscribe 订阅文档、整个集合或 presence 频道。
// 文档订阅在文档锁内登记并回写快照，之后的广播一定排在快照响应之后。
func (s *Service) handleSubscribe(ctx context.Context, conn *session.Connection, msg *model.Message) error {
	if msg.Channel != "" {
		return s.subscribePresence(conn, msg.Channel)
	}

	if msg.ID == "" {
		if err := s.subscribeFanout(conn, msg.Collection, "", 0); err != nil {
			return err
		}
		return conn.Send(&model.Message{Action: model.ActionSubscribe, Collection: msg.Collection})
	}

	return s.ledger.Observe(ctx, msg.Collection, msg.ID, func(snap *model.Snapshot) error {
		if err := s.subscribeFanout(conn, msg.Collection, msg.ID, snap.Version); err != nil {
			return err
		}
		return conn.Send(snapshotMessage(model.ActionSubscribe, msg.Collection, msg.ID, snap))
	})
}

// subscribeFanout 登记订阅。关闭的释放钩子在 markClosed 之后才清理 fanout，
// 所以登记后再检查一次：若连接已关闭，撤销刚刚的登记。
func (s *Service) subscribeFanout(conn *session.Connection, collection, id string, version int64) error {
	if conn.Closed() {
		return model.TransportError("subscribe on closed connection "+conn.ID(), nil)
	}
	conn.AddSubscription(model.DocKey(collection, id))
	s.fanout.Subscribe(conn, collection, id, version)
	if conn.Closed() {
		s.fanout.Unsubscribe(conn.ID(), collection, id)
		return model.TransportError("subscribe on closed connection "+conn.ID(), nil)
	}
	return nil
}

func (s *Service) subscribePresence(conn *session.Connection, channel string) error {
	updates, cancel := s.presence.Subscribe(channel, 0)
	if conn.AddPresence(channel, cancel) {
		go forwardPresence(conn, updates)
	} else {
		cancel()
	}

	return conn.Send(&model.Message{
		Action:  model.ActionSubscribe,
		Channel: channel,
		Data:    mustJSON(s.presence.Snapshot(channel)),
	})
}

// forwardPresence 把频道变更推给连接，跳过连接自己的状态
func forwardPresence(conn *session.Connection, updates <-chan model.PresenceUpdate) {
	for {
		select {
		case <-conn.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			if u.ConnID == conn.ID() {
				continue
			}
			_ = conn.Send(&model.Message{
				Action:  model.ActionPresence,
				Channel: u.Channel,
				Conn:    u.ConnID,
				Data:    u.Value,
				Removed: u.Removed,
			})
		}
	}
}

func (s *Service) handleUnsubscribe(ctx context.Context, conn *session.Connection, msg *model.Message) error {
	if msg.Channel != "" {
		conn.RemovePresence(msg.Channel)
		return conn.Send(&model.Message{Action: model.ActionUnsubscribe, Channel: msg.Channel})
	}

	conn.RemoveSubscription(msg.DocKey())
	s.fanout.Unsubscribe(conn.ID(), msg.Collection, msg.ID)
	return conn.Send(&model.Message{Action: model.ActionUnsubscribe, Collection: msg.Collection, ID: msg.ID})
}

// handleFetch 返回当前快照；带 version 时返回该版本之后的全部提交（追赶）
func (s *Service) handleFetch(ctx context.Context, conn *session.Connection, msg *model.Message) error {
	if msg.Version != nil {
		commits, err := s.ledger.Ops(ctx, msg.Collection, msg.ID, *msg.Version)
		if err != nil {
			return err
		}
		current := *msg.Version
		if len(commits) > 0 {
			current = commits[len(commits)-1].Version
		}
		return conn.Send(&model.Message{
			Action:     model.ActionFetch,
			Collection: msg.Collection,
			ID:         msg.ID,
			Version:    model.VersionPtr(current),
			Data:       mustJSON(commits),
		})
	}

	snap, err := s.fetchSnapshot(ctx, msg.Collection, msg.ID)
	if err != nil {
		return err
	}
	return conn.Send(snapshotMessage(model.ActionFetch, msg.Collection, msg.ID, snap))
}

// fetchSnapshot 先读缓存，未命中再读账本并回填。缓存只服务读取，提交从不读缓存。
// 缓存条目只有在版本与账本当前版本一致时才使用：别的节点的提交可能没有经总线
// 让本节点失效（总线中断），只靠失效消息会一直返回旧快照。
func (s *Service) fetchSnapshot(ctx context.Context, collection, id string) (*model.Snapshot, error) {
	c := s.readCache()
	if c == nil {
		return s.ledger.Fetch(ctx, collection, id)
	}

	key := cache.SnapshotKey(collection, id)
	current, err := s.ledger.Version(ctx, collection, id)
	if err != nil {
		return nil, err
	}
	if current > 0 {
		if data, ok, err := c.Get(ctx, key); err != nil {
			glog.V(1).Infof("[Realtime] cache read %s failed: %v", key, err)
		} else if ok {
			var snap model.Snapshot
			if err := json.Unmarshal(data, &snap); err == nil && snap.Version == current {
				return &snap, nil
			}
			glog.V(2).Infof("[Realtime] cached %s is stale, ledger at v%d", key, current)
		}
	}

	snap, err := s.ledger.Fetch(ctx, collection, id)
	if err != nil {
		return nil, err
	}
	if c != nil {
		if data, err := json.Marshal(snap); err == nil {
			if err := c.Set(ctx, key, data, s.cacheTTL); err != nil {
				glog.Warningf("[Realtime] cache write %s failed: %v", key, err)
			}
		}
	}
	return snap, nil
}

type queryItem struct {
	ID      string         `json:"id"`
	Version int64          `json:"version"`
	Data    map[string]any `json:"data"`
}

// handleQuery 只读查询。无参数的全量查询结果会被缓存，集合内任一提交都会使其失效。
func (s *Service) handleQuery(ctx context.Context, conn *session.Connection, msg *model.Message) error {
	q, err := ledger.ParseQuery(msg.Data)
	if err != nil {
		return err
	}

	cacheable := len(msg.Data) == 0 || string(msg.Data) == "null"
	c := s.readCache()
	key := cache.QueryKey(msg.Collection)
	if cacheable && c != nil {
		if data, ok, err := c.Get(ctx, key); err == nil && ok {
			return conn.Send(&model.Message{Action: model.ActionQuery, Collection: msg.Collection, Data: data})
		}
	}

	snaps, err := s.ledger.Query(ctx, msg.Collection, q)
	if err != nil {
		return err
	}
	items := make([]queryItem, 0, len(snaps))
	for _, snap := range snaps {
		items = append(items, queryItem{ID: snap.ID, Version: snap.Version, Data: snap.Data})
	}
	data := mustJSON(items)
	if cacheable && c != nil {
		if err := c.Set(ctx, key, data, s.cacheTTL); err != nil {
			glog.Warningf("[Realtime] cache write %s failed: %v", key, err)
		}
	}
	return conn.Send(&model.Message{Action: model.ActionQuery, Collection: msg.Collection, Data: data})
}

// handleSubmit 单文档提交：作为一个隐式事务执行，成功后回写新版本。
// 版本冲突以错误返回，details 携带当前版本，客户端据此重取并重试。
func (s *Service) handleSubmit(ctx context.Context, conn *session.Connection, msg *model.Message) error {
	userID := gateway.UserID(ctx)
	if userID == "" {
		userID = conn.UserID()
	}

	ctx = WithSource(ctx, conn.ID())
	results, err := s.WithTransaction(ctx, userID, func(ctx context.Context, tc *txn.Context) error {
		tc.AddOperation(msg.Collection, msg.ID, txn.PendingDoc{
			ExpectedVersion: *msg.Version,
			Ops:             msg.Operations,
			Del:             msg.Del,
			Src:             msg.Src,
			Seq:             msg.Seq,
		})
		return nil
	})
	if err != nil {
		return err
	}

	commit := results[0].Commit
	return conn.Send(&model.Message{
		Action:     model.ActionSubmit,
		Collection: msg.Collection,
		ID:         msg.ID,
		Version:    model.VersionPtr(commit.Version),
		Src:        msg.Src,
		Seq:        msg.Seq,
		Del:        commit.Deleted,
	})
}

// handlePresence 更新连接在频道上的状态；频道缺省为文档键。没有响应。
func (s *Service) handlePresence(ctx context.Context, conn *session.Connection, msg *model.Message) error {
	if conn.Closed() {
		return model.TransportError("presence on closed connection "+conn.ID(), nil)
	}
	channel := msg.Channel
	if channel == "" {
		channel = msg.DocKey()
	}
	if err := s.presence.Submit(channel, conn.ID(), msg.Data); err != nil {
		return err
	}
	// 与关闭竞争：释放钩子可能已经清理过这个连接
	if conn.Closed() {
		s.presence.RemoveConnection(conn.ID())
	}
	return nil
}

func (s *Service) handlePing(ctx context.Context, conn *session.Connection, msg *model.Message) error {
	return conn.Send(&model.Message{Action: model.ActionPong})
}

// handlePong 客户端对应用层心跳的应答，活跃时间已在路由中刷新
func (s *Service) handlePong(ctx context.Context, conn *session.Connection, msg *model.Message) error {
	return nil
}

// snapshotMessage 快照响应；文档不存在或已删除时 data 为 null，version 仍是当前版本
func snapshotMessage(action model.Action, collection, id string, snap *model.Snapshot) *model.Message {
	out := &model.Message{
		Action:     action,
		Collection: collection,
		ID:         id,
		Version:    model.VersionPtr(snap.Version),
		Data:       json.RawMessage("null"),
		Del:        snap.Deleted,
	}
	if snap.Exists() {
		out.Data = mustJSON(snap.Data)
	}
	return out
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		glog.Errorf("[Realtime] marshal %T: %v", v, err)
		return json.RawMessage("null")
	}
	return data
}

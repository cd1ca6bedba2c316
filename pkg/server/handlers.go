package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/atriumhq/atrium/pkg/document"
	"github.com/atriumhq/atrium/pkg/middleware"
	"github.com/atriumhq/atrium/pkg/presence"
	"github.com/atriumhq/atrium/pkg/protocol"
	"github.com/atriumhq/atrium/pkg/registry"
)

// registerHandlers installs the built-in handler table. Called once from
// New, before any connection can dispatch.
func (s *Server) registerHandlers() {
	d := s.dispatcher

	d.Register(protocol.EventPing, s.handlePing)
	d.Register(protocol.EventPong, s.handlePong)
	d.Register(protocol.EventDisconnect, s.handleDisconnect)

	d.Register(protocol.EventDocOpen, s.handleDocOpen)
	d.Register(protocol.EventDocClose, s.handleDocClose)
	d.Register(protocol.EventDocEdit, s.handleDocEdit)
	d.Register(protocol.EventDocCursor, s.handleDocCursor)
	d.Register(protocol.EventDocSave, s.handleDocSave)
	d.Register(protocol.EventDocConflict, s.handleDocConflict)

	d.Register(protocol.EventPresenceOnline, s.statusHandler(presence.StatusOnline))
	d.Register(protocol.EventPresenceAway, s.statusHandler(presence.StatusAway))
	d.Register(protocol.EventPresenceBusy, s.statusHandler(presence.StatusBusy))
	d.Register(protocol.EventPresenceOffline, s.handlePresenceOffline)
	d.Register(protocol.EventPresenceUpdate, s.handlePresenceSub)

	d.Register(protocol.EventRoomJoin, s.handleRoomJoin)
	d.Register(protocol.EventRoomLeave, s.handleRoomLeave)
	d.Register(protocol.EventRoomBroadcast, s.handleRoomBroadcast)

	d.Register(protocol.EventBroadcastMessage, s.handleGlobalBroadcast)
	d.Register(protocol.EventBroadcastMaintenance, s.handleGlobalBroadcast)
	d.Register(protocol.EventBroadcastAlert, s.handleGlobalBroadcast)
}

func (s *Server) handlePing(_ context.Context, c *registry.Conn, env *protocol.Envelope) error {
	_ = s.registry.Heartbeat(c.ID)
	pong, err := protocol.New(protocol.EventPong, protocol.PongData{RefEventID: env.EventID})
	if err != nil {
		return err
	}
	return c.Send(pong)
}

func (s *Server) handlePong(_ context.Context, c *registry.Conn, _ *protocol.Envelope) error {
	_ = s.registry.Heartbeat(c.ID)
	return nil
}

func (s *Server) handleDisconnect(_ context.Context, c *registry.Conn, env *protocol.Envelope) error {
	reason := "client disconnect"
	var req protocol.DisconnectData
	if len(env.Data) > 0 && env.DecodePayload(&req) == nil && req.Reason != "" {
		reason = "client disconnect: " + req.Reason
	}
	s.teardownConn(c, reason)
	return nil
}

func (s *Server) handleDocOpen(_ context.Context, c *registry.Conn, env *protocol.Envelope) error {
	var req protocol.OpenData
	if err := env.DecodePayload(&req); err != nil {
		s.sendError(c, protocol.CodeInvalidEnvelope, "invalid document.open payload", env.EventID)
		return err
	}
	username := req.Username
	if username == "" {
		username = c.Meta("username")
	}

	res, err := s.documents.Open(req.DocumentID, c.UserID, username, c.ID)
	if err != nil {
		s.sendError(c, docErrorCode(err), err.Error(), env.EventID)
		return err
	}
	roomID := document.RoomID(req.DocumentID)
	if err := s.registry.JoinRoom(c.ID, roomID); err != nil {
		return err
	}

	reply, err := protocol.New(protocol.EventDocOpen, res.Snapshot)
	if err != nil {
		return err
	}
	if err := c.Send(reply.WithRoom(roomID)); err != nil {
		return err
	}

	if res.Joined {
		s.broadcastUserNotice(protocol.EventDocOpen, roomID, c, document.UserNotice{
			DocumentID: req.DocumentID,
			User:       res.User,
		})
	}
	return nil
}

func (s *Server) handleDocClose(_ context.Context, c *registry.Conn, env *protocol.Envelope) error {
	var req protocol.CloseData
	if err := env.DecodePayload(&req); err != nil {
		s.sendError(c, protocol.CodeInvalidEnvelope, "invalid document.close payload", env.EventID)
		return err
	}

	res, err := s.documents.Close(req.DocumentID, c.UserID, c.ID)
	if err != nil {
		s.sendError(c, docErrorCode(err), err.Error(), env.EventID)
		return err
	}
	roomID := document.RoomID(req.DocumentID)
	_ = s.registry.LeaveRoom(c.ID, roomID)

	if res.Left {
		s.broadcastUserNotice(protocol.EventDocClose, roomID, c, document.UserNotice{
			DocumentID: req.DocumentID,
			User:       res.User,
		})
	}
	return nil
}

func (s *Server) handleDocEdit(_ context.Context, c *registry.Conn, env *protocol.Envelope) error {
	var req protocol.EditData
	if err := env.DecodePayload(&req); err != nil {
		s.sendError(c, protocol.CodeInvalidEnvelope, "invalid document.edit payload", env.EventID)
		return err
	}

	op, err := s.documents.ApplyEdit(req.DocumentID, c.UserID, req.Operation, req.Changes, req.Position, req.Selection)
	if err != nil {
		s.sendError(c, docErrorCode(err), err.Error(), env.EventID)
		return err
	}

	out, err := protocol.New(protocol.EventDocEdit, op)
	if err != nil {
		return err
	}
	roomID := document.RoomID(req.DocumentID)
	out = out.WithSender(c.UserID).WithRoom(roomID)

	// The sender gets its own stamped edit back; the assigned version is
	// the edit's acknowledgment.
	n := s.registry.BroadcastToRoom(roomID, out)
	middleware.RecordEnvelopesSent(n)
	middleware.RecordDocumentEdit()
	return nil
}

func (s *Server) handleDocCursor(_ context.Context, c *registry.Conn, env *protocol.Envelope) error {
	var req protocol.CursorData
	if err := env.DecodePayload(&req); err != nil {
		s.sendError(c, protocol.CodeInvalidEnvelope, "invalid document.cursor payload", env.EventID)
		return err
	}

	cur, err := s.documents.UpdateCursor(req.DocumentID, c.UserID, req.Position, req.Selection)
	if err != nil {
		s.sendError(c, docErrorCode(err), err.Error(), env.EventID)
		return err
	}

	out, err := protocol.New(protocol.EventDocCursor, cur)
	if err != nil {
		return err
	}
	roomID := document.RoomID(req.DocumentID)
	out = out.WithSender(c.UserID).WithRoom(roomID)

	n := s.registry.BroadcastToRoom(roomID, out, c.ID)
	middleware.RecordEnvelopesSent(n)
	return nil
}

func (s *Server) handleDocSave(_ context.Context, c *registry.Conn, env *protocol.Envelope) error {
	var req protocol.SaveData
	if err := env.DecodePayload(&req); err != nil {
		s.sendError(c, protocol.CodeInvalidEnvelope, "invalid document.save payload", env.EventID)
		return err
	}

	info, err := s.documents.RecordSave(req.DocumentID, c.UserID)
	if err != nil {
		s.sendError(c, docErrorCode(err), err.Error(), env.EventID)
		return err
	}

	out, err := protocol.New(protocol.EventDocSave, info)
	if err != nil {
		return err
	}
	roomID := document.RoomID(req.DocumentID)
	out = out.WithSender(c.UserID).WithRoom(roomID)

	n := s.registry.BroadcastToRoom(roomID, out)
	middleware.RecordEnvelopesSent(n)
	return nil
}

func (s *Server) handleDocConflict(_ context.Context, c *registry.Conn, env *protocol.Envelope) error {
	var req protocol.ConflictData
	if err := env.DecodePayload(&req); err != nil {
		s.sendError(c, protocol.CodeInvalidEnvelope, "invalid document.conflict payload", env.EventID)
		return err
	}

	ops, truncated, err := s.documents.HistorySince(req.DocumentID, req.SinceVersion)
	if err != nil {
		s.sendError(c, docErrorCode(err), err.Error(), env.EventID)
		return err
	}
	snap, err := s.documents.SnapshotOf(req.DocumentID)
	if err != nil {
		s.sendError(c, docErrorCode(err), err.Error(), env.EventID)
		return err
	}

	reply, err := protocol.New(protocol.EventDocConflict, document.CatchUp{
		DocumentID: req.DocumentID,
		Version:    snap.Version,
		Operations: ops,
		Truncated:  truncated,
	})
	if err != nil {
		return err
	}
	return c.Send(reply.WithRoom(document.RoomID(req.DocumentID)))
}

// statusHandler builds the handler for one explicit presence status. The
// tracker's update callback handles fan-out to subscribers.
func (s *Server) statusHandler(status presence.Status) HandlerFunc {
	return func(_ context.Context, c *registry.Conn, env *protocol.Envelope) error {
		var req protocol.StatusData
		if len(env.Data) > 0 {
			if err := env.DecodePayload(&req); err != nil {
				s.sendError(c, protocol.CodeInvalidEnvelope, "invalid status payload", env.EventID)
				return err
			}
		}
		if _, err := s.presence.SetStatus(c.UserID, status, req.Message); err != nil {
			s.sendError(c, protocol.CodeInvalidStatus, err.Error(), env.EventID)
			return fmt.Errorf("server: invalid status request: %w", err)
		}
		return nil
	}
}

func (s *Server) handlePresenceOffline(_ context.Context, c *registry.Conn, env *protocol.Envelope) error {
	// Offline is derived from connection state, never requested.
	s.sendError(c, protocol.CodeInvalidStatus, "offline is derived from connection state", env.EventID)
	return fmt.Errorf("server: invalid status request: %w", presence.ErrCannotSetOffline)
}

func (s *Server) handlePresenceSub(_ context.Context, c *registry.Conn, env *protocol.Envelope) error {
	var req protocol.PresenceSubData
	if err := env.DecodePayload(&req); err != nil {
		s.sendError(c, protocol.CodeInvalidEnvelope, "invalid presence.update payload", env.EventID)
		return err
	}

	switch req.Action {
	case protocol.SubActionSubscribe:
		// Replay current records so the subscriber starts from a known
		// state; later changes arrive through the tracker callback.
		for _, rec := range s.presence.Subscribe(c.UserID, req.UserIDs...) {
			upd, err := protocol.New(protocol.EventPresenceUpdate, rec)
			if err != nil {
				continue
			}
			if err := c.Send(upd); err != nil {
				return err
			}
		}
	case protocol.SubActionUnsubscribe:
		s.presence.Unsubscribe(c.UserID, req.UserIDs...)
	default:
		s.sendError(c, protocol.CodeInvalidEnvelope, "invalid subscription action", env.EventID)
		return fmt.Errorf("server: invalid subscription action %q", req.Action)
	}
	return nil
}

func (s *Server) handleRoomJoin(_ context.Context, c *registry.Conn, env *protocol.Envelope) error {
	if env.RoomID == "" {
		s.sendError(c, protocol.CodeInvalidEnvelope, "missing room_id", env.EventID)
		return ErrMissingPayload
	}
	if err := s.registry.JoinRoom(c.ID, env.RoomID); err != nil {
		s.sendError(c, protocol.CodeInternal, "join failed", env.EventID)
		return err
	}

	members, _ := s.registry.RoomMembers(env.RoomID)
	notice, err := protocol.New(protocol.EventRoomJoin, protocol.RoomNotice{
		RoomID:      env.RoomID,
		UserID:      c.UserID,
		MemberCount: len(members),
	})
	if err != nil {
		return err
	}
	notice = notice.WithSender(c.UserID).WithRoom(env.RoomID)

	// The joiner is a member now, so the broadcast doubles as the ack.
	n := s.registry.BroadcastToRoom(env.RoomID, notice)
	middleware.RecordEnvelopesSent(n)
	return nil
}

func (s *Server) handleRoomLeave(_ context.Context, c *registry.Conn, env *protocol.Envelope) error {
	if env.RoomID == "" {
		s.sendError(c, protocol.CodeInvalidEnvelope, "missing room_id", env.EventID)
		return ErrMissingPayload
	}
	if err := s.registry.LeaveRoom(c.ID, env.RoomID); err != nil {
		if errors.Is(err, registry.ErrRoomNotFound) {
			s.sendError(c, protocol.CodeNotRoomMember, "not a member of room "+env.RoomID, env.EventID)
		}
		return err
	}

	remaining, _ := s.registry.RoomMembers(env.RoomID)
	notice, err := protocol.New(protocol.EventRoomLeave, protocol.RoomNotice{
		RoomID:      env.RoomID,
		UserID:      c.UserID,
		MemberCount: len(remaining),
	})
	if err != nil {
		return err
	}
	notice = notice.WithSender(c.UserID).WithRoom(env.RoomID)

	n := s.registry.BroadcastToRoom(env.RoomID, notice)
	middleware.RecordEnvelopesSent(n)

	// The leaver is out of the room already; ack them directly.
	return c.Send(notice)
}

func (s *Server) handleRoomBroadcast(_ context.Context, c *registry.Conn, env *protocol.Envelope) error {
	if env.RoomID == "" {
		s.sendError(c, protocol.CodeInvalidEnvelope, "missing room_id", env.EventID)
		return ErrMissingPayload
	}
	if !c.InRoom(env.RoomID) {
		s.sendError(c, protocol.CodeNotRoomMember, "not a member of room "+env.RoomID, env.EventID)
		return fmt.Errorf("server: conn %s is not a member of room %s", c.ID, env.RoomID)
	}

	n := s.registry.BroadcastToRoom(env.RoomID, env, c.ID)
	middleware.RecordEnvelopesSent(n)
	return nil
}

// handleGlobalBroadcast relays system-wide envelopes to every connection,
// the sender included.
func (s *Server) handleGlobalBroadcast(_ context.Context, _ *registry.Conn, env *protocol.Envelope) error {
	n := s.registry.BroadcastToAll(env)
	middleware.RecordEnvelopesSent(n)
	return nil
}

// docErrorCode maps document manager sentinels to wire error codes.
func docErrorCode(err error) string {
	switch {
	case errors.Is(err, document.ErrSessionNotFound):
		return protocol.CodeUnknownDocument
	case errors.Is(err, document.ErrNotParticipant):
		return protocol.CodeNotParticipant
	case errors.Is(err, document.ErrEmptyDocumentID):
		return protocol.CodeInvalidEnvelope
	default:
		return protocol.CodeInternal
	}
}

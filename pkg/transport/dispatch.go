package transport

import (
	"context"
	"time"

	"github.com/branchroom/server/pkg/convops"
	"github.com/branchroom/server/pkg/room"
	"github.com/branchroom/server/pkg/session"
	"github.com/branchroom/server/pkg/wire"
)

// dispatch routes one decoded frame to RoomRegistry or ConversationOps per
// the table in spec §4.3. Each session processes its frames strictly in
// arrival order (no concurrent handlers on one session, spec §5), so
// dispatch is called synchronously from runReadLoop.
func (s *Server) dispatch(ctx context.Context, sess *session.Session, f wire.Frame) {
	switch f.Type {
	case wire.TypePing:
		s.reply(sess, wire.EventPong, map[string]any{"timestamp": time.Now().Format(time.RFC3339)})

	case wire.TypeJoinRoom:
		s.handleJoinRoom(sess, f.JoinRoom)

	case wire.TypeLeaveRoom:
		s.handleLeaveRoom(sess, f.LeaveRoom)

	case wire.TypeTyping:
		s.handleTyping(ctx, sess, f.Typing)

	case wire.TypeAbort:
		s.handleAbort(sess, f.Abort)

	case wire.TypeChat:
		s.handleOpResult(sess, s.ops.Chat(ctx, convops.ChatParams{
			ConversationID:   f.Chat.ConversationID,
			UserID:           sess.UserID,
			MessageID:        f.Chat.MessageID,
			Content:          f.Chat.Content,
			ParentBranchID:   f.Chat.ParentBranchID,
			ParticipantID:    f.Chat.ParticipantID,
			ResponderID:      f.Chat.ResponderID,
			HiddenFromAi:     f.Chat.HiddenFromAi,
			SamplingBranches: f.Chat.SamplingBranches,
		}))

	case wire.TypeContinue:
		s.handleOpResult(sess, s.ops.Continue(ctx, convops.ContinueParams{
			ConversationID:   f.Continue.ConversationID,
			UserID:           sess.UserID,
			MessageID:        f.Continue.MessageID,
			ParentBranchID:   f.Continue.ParentBranchID,
			ResponderID:      f.Continue.ResponderID,
			SamplingBranches: f.Continue.SamplingBranches,
		}))

	case wire.TypeRegenerate:
		s.handleOpResult(sess, s.ops.Regenerate(ctx, convops.RegenerateParams{
			ConversationID:   f.Regenerate.ConversationID,
			UserID:           sess.UserID,
			MessageID:        f.Regenerate.MessageID,
			BranchID:         f.Regenerate.BranchID,
			ParentBranchID:   f.Regenerate.ParentBranchID,
			SamplingBranches: f.Regenerate.SamplingBranches,
		}))

	case wire.TypeEdit:
		s.handleOpResult(sess, s.ops.Edit(ctx, convops.EditParams{
			ConversationID:   f.Edit.ConversationID,
			UserID:           sess.UserID,
			MessageID:        f.Edit.MessageID,
			BranchID:         f.Edit.BranchID,
			Content:          f.Edit.Content,
			ResponderID:      f.Edit.ResponderID,
			SkipRegeneration: f.Edit.SkipRegeneration,
			SamplingBranches: f.Edit.SamplingBranches,
		}))

	case wire.TypeDelete:
		s.handleOpResult(sess, s.ops.Delete(ctx, convops.DeleteParams{
			ConversationID: f.Delete.ConversationID,
			UserID:         sess.UserID,
			MessageID:      f.Delete.MessageID,
			BranchID:       f.Delete.BranchID,
		}))
	}
}

func (s *Server) handleJoinRoom(sess *session.Session, p *wire.JoinRoomPayload) {
	s.rooms.Join(p.ConversationID, sess)

	payload := map[string]any{"conversationId": p.ConversationID, "activeUsers": s.rooms.ActiveUsers(p.ConversationID)}
	if active, ok := s.rooms.ActiveRequest(p.ConversationID); ok {
		payload["activeAiRequest"] = active
	}
	s.reply(sess, wire.EventRoomJoined, payload)
}

func (s *Server) handleLeaveRoom(sess *session.Session, p *wire.LeaveRoomPayload) {
	s.rooms.Leave(p.ConversationID, sess)
	s.reply(sess, wire.EventRoomLeft, map[string]any{"conversationId": p.ConversationID})
}

func (s *Server) handleTyping(ctx context.Context, sess *session.Session, p *wire.TypingPayload) {
	name := sess.UserID
	if u, err := s.store.GetUserByID(ctx, sess.UserID); err == nil {
		name = room.ShortDisplayName(u.DisplayName, u.Email)
	}
	s.rooms.Typing(p.ConversationID, sess.UserID, name, p.IsTyping, sess.ID)
}

func (s *Server) handleAbort(sess *session.Session, p *wire.AbortPayload) {
	success := s.ops.Abort(p.ConversationID, sess.UserID)
	s.reply(sess, wire.EventGenerationAborted, map[string]any{
		"conversationId": p.ConversationID,
		"success":        success,
	})
}

// handleOpResult replies to sess with the classified error of a failed
// ConversationOps call. A content_filtered failure is not re-reported here:
// Ops itself already broadcast a content_blocked event to the room before
// returning it (spec §4.6 preflight).
func (s *Server) handleOpResult(sess *session.Session, err error) {
	if err == nil {
		return
	}
	opErr, ok := err.(*convops.OpError)
	if !ok {
		s.reply(sess, wire.EventError, map[string]any{"code": "generic", "message": err.Error()})
		return
	}
	if opErr.Code == "content_filtered" {
		return
	}
	s.reply(sess, wire.EventError, map[string]any{"code": opErr.Code, "message": opErr.Message})
}

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/servicehub/chatcore/internal/events"
	"github.com/servicehub/chatcore/internal/metrics"
	"github.com/servicehub/chatcore/internal/types"
)

func (h *Hub) handleInitiate(ctx context.Context, c *client, data json.RawMessage) error {
	var inv events.CallInvite
	if err := decode(data, &inv); err != nil {
		return err
	}
	if inv.CallID == "" {
		return ErrBadPayload
	}
	conv, err := h.member(ctx, c, inv.ConversationID)
	if err != nil {
		return err
	}
	peer := conv.Peer(c.userID)
	if inv.RecipientID != "" && inv.RecipientID != peer {
		return ErrNotMember
	}

	info := CallInfo{
		CallID:         inv.CallID,
		ConversationID: conv.ID,
		CallerID:       c.userID,
		CalleeID:       peer,
		CallerConn:     c.id,
		StartedAt:      h.now(),
	}
	if err := h.calls.Register(ctx, info); err != nil {
		return err
	}

	invite := events.CallInvite{
		CallID:         info.CallID,
		CallerID:       info.CallerID,
		RecipientID:    info.CalleeID,
		ConversationID: info.ConversationID,
	}
	h.reply(c, events.CallInitiated, invite)
	h.publish(ctx, Delivery{UserID: peer}, events.IncomingCall, invite)
	return nil
}

// handleAccept binds the call to the accepting connection. The callee's
// other connections are told the call is gone so they stop ringing.
func (h *Hub) handleAccept(ctx context.Context, c *client, data json.RawMessage) error {
	var ctl events.CallControl
	if err := decode(data, &ctl); err != nil {
		return err
	}
	info, err := h.calls.Get(ctx, ctl.CallID)
	if errors.Is(err, ErrCallNotFound) {
		h.ignored(c, events.AcceptCall, ctl.CallID)
		return nil
	}
	if err != nil {
		return err
	}
	if info.CalleeID != c.userID {
		return ErrNotParticipant
	}
	if !info.AcceptedAt.IsZero() {
		h.ignored(c, events.AcceptCall, ctl.CallID)
		return nil
	}
	info, err = h.calls.Accept(ctx, ctl.CallID, c.id, h.now())
	if errors.Is(err, ErrCallNotFound) || errors.Is(err, ErrCallAccepted) {
		h.ignored(c, events.AcceptCall, ctl.CallID)
		return nil
	}
	if err != nil {
		return err
	}

	h.publish(ctx, Delivery{UserID: info.CallerID, ConnID: info.CallerConn}, events.CallAccepted, events.CallControl{
		CallID:         info.CallID,
		RecipientID:    info.CallerID,
		ConversationID: info.ConversationID,
	})
	h.publish(ctx, Delivery{UserID: info.CalleeID, Except: c.id}, events.CallCancelled, events.CallControl{
		CallID:         info.CallID,
		ConversationID: info.ConversationID,
	})
	return nil
}

// terminal handles reject, cancel and end. The registry hands a call to the
// first terminal event only, so each call is relayed and recorded once.
func (h *Hub) terminal(event string) handler {
	return func(ctx context.Context, c *client, data json.RawMessage) error {
		var ctl events.CallControl
		if err := decode(data, &ctl); err != nil {
			return err
		}
		info, err := h.calls.Get(ctx, ctl.CallID)
		if errors.Is(err, ErrCallNotFound) {
			h.ignored(c, event, ctl.CallID)
			return nil
		}
		if err != nil {
			return err
		}
		if !info.Participant(c.userID) || (event == events.RejectCall && info.CalleeID != c.userID) {
			return ErrNotParticipant
		}
		info, err = h.calls.Finish(ctx, ctl.CallID)
		if errors.Is(err, ErrCallNotFound) {
			h.ignored(c, event, ctl.CallID)
			return nil
		}
		if err != nil {
			return err
		}

		rec := types.CallRecord{CallID: info.CallID, CallerID: info.CallerID}
		var out, outcome string
		switch event {
		case events.RejectCall:
			rec.Rejected = true
			out, outcome = events.CallRejected, "rejected"
		case events.CancelCall:
			rec.Missed = info.AcceptedAt.IsZero()
			out, outcome = events.CallCancelled, "cancelled"
		default:
			rec.Duration = callDuration(info, ctl.Duration, h.now())
			out, outcome = events.CallEnded, "ended"
		}
		metrics.CallsFinished.WithLabelValues(outcome).Inc()

		peer := info.Peer(c.userID)
		h.publish(ctx, Delivery{UserID: peer, ConnID: info.Conn(peer)}, out, events.CallControl{
			CallID:         info.CallID,
			RecipientID:    peer,
			ConversationID: info.ConversationID,
			Duration:       rec.Duration,
		})
		h.recordCall(ctx, info, rec)
		return nil
	}
}

// callDuration prefers the client's media-connected duration but never lets
// it exceed the time since the relay saw the call accepted.
func callDuration(info *CallInfo, reported int, now time.Time) int {
	if info.AcceptedAt.IsZero() {
		return 0
	}
	elapsed := int(now.Sub(info.AcceptedAt) / time.Second)
	if reported > 0 && reported <= elapsed {
		return reported
	}
	return elapsed
}

// recordCall persists the call summary and delivers it to both participants.
// The client id is derived from the call id, so a repeated write is a no-op.
func (h *Hub) recordCall(ctx context.Context, info *CallInfo, rec types.CallRecord) {
	log := h.logger.WithFields(logrus.Fields{"call_id": info.CallID, "conversation_id": info.ConversationID})
	conv, err := h.convs.GetByID(ctx, info.ConversationID)
	if err != nil {
		log.WithError(err).Error("load conversation for call record")
		return
	}
	msg := types.Message{
		ClientID:       "call-" + info.CallID,
		ConversationID: conv.ID,
		SenderID:       info.CallerID,
		SenderRole:     conv.RoleOf(info.CallerID),
		Content:        types.KindCallRecord.Placeholder(),
		Kind:           types.KindCallRecord,
		Call:           &rec,
	}
	created, err := h.msgs.Create(ctx, &msg)
	if err != nil {
		log.WithError(err).Error("persist call record")
		return
	}
	if !created {
		return
	}
	metrics.MessagesStored.WithLabelValues(string(types.KindCallRecord)).Inc()

	in := events.IncomingMessage{
		OutgoingMessage: events.OutgoingMessage{
			ClientID:       msg.ClientID,
			ConversationID: msg.ConversationID,
			ReceiverID:     info.CalleeID,
			Content:        msg.Content,
			Kind:           msg.Kind,
			SenderRole:     msg.SenderRole,
			Call:           msg.Call,
		},
		ID:        msg.ID,
		SenderID:  msg.SenderID,
		Timestamp: msg.Timestamp,
	}
	// Not scoped to the room: a participant viewing another conversation,
	// or with the call floating, still gets the record.
	for _, uid := range []string{conv.UserID, conv.AgentID} {
		h.publish(ctx, Delivery{UserID: uid}, events.MessageReceived, in)
	}
}

// route checks that c takes part in the call and returns the peer's user
// and, once accepted, connection.
func (h *Hub) route(ctx context.Context, c *client, callID, recipientID string) (Delivery, error) {
	info, err := h.calls.Get(ctx, callID)
	if errors.Is(err, ErrCallNotFound) {
		return Delivery{}, ErrNotParticipant
	}
	if err != nil {
		return Delivery{}, err
	}
	if !info.Participant(c.userID) {
		return Delivery{}, ErrNotParticipant
	}
	peer := info.Peer(c.userID)
	if recipientID != "" && recipientID != peer {
		return Delivery{}, ErrNotParticipant
	}
	return Delivery{UserID: peer, ConnID: info.Conn(peer)}, nil
}

func (h *Hub) handleDescription(event string) handler {
	return func(ctx context.Context, c *client, data json.RawMessage) error {
		var sd events.SessionDescription
		if err := decode(data, &sd); err != nil {
			return err
		}
		d, err := h.route(ctx, c, sd.CallID, sd.RecipientID)
		if err != nil {
			return err
		}
		sd.SenderID = c.userID
		sd.RecipientID = d.UserID
		h.publish(ctx, d, event, sd)
		return nil
	}
}

func (h *Hub) handleCandidate(ctx context.Context, c *client, data json.RawMessage) error {
	var ice events.ICECandidate
	if err := decode(data, &ice); err != nil {
		return err
	}
	d, err := h.route(ctx, c, ice.CallID, ice.RecipientID)
	if err != nil {
		return err
	}
	ice.SenderID = c.userID
	ice.RecipientID = d.UserID
	h.publish(ctx, d, events.WebRTCICECandidate, ice)
	return nil
}

func (h *Hub) ignored(c *client, event, callID string) {
	h.logger.WithFields(logrus.Fields{
		"event":   event,
		"call_id": callID,
		"user_id": c.userID,
	}).Debug("ignoring event for finished call")
}

package sipproxy

import (
	"context"
	"errors"
	"net/netip"
	"strconv"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/meshphone/meshphone/internal/state"
)

// resolveTimeout bounds the DNS lookup performed while handling INVITE.
const resolveTimeout = 3 * time.Second

func (s *Server) handleRequest(req *sip.Request, raw []byte, src netip.AddrPort) {
	switch req.Method {
	case sip.REGISTER:
		s.handleRegister(req, src)
	case sip.INVITE:
		s.handleInvite(req, raw, src)
	case sip.BYE:
		s.handleBye(req, raw, src)
	case sip.CANCEL:
		s.handleCancel(req, raw, src)
	case sip.ACK:
		s.handleAck(req, raw, src)
	case sip.OPTIONS:
		s.handleOptions(req, src)
	default:
		s.log.Warn("unsupported SIP method", "method", string(req.Method), "src", src.String())
		s.reply(req, src, sip.StatusNotImplemented, "Not Implemented")
	}
}

// handleRegister upserts the user binding and confirms with the granted
// lifetime. There is no authentication on the mesh.
func (s *Server) handleRegister(req *sip.Request, src netip.AddrPort) {
	s.stats.Registers.Add(1)

	from := req.From()
	if from == nil || from.Address.User == "" {
		s.log.Warn("REGISTER without usable From", "src", src.String())
		s.reply(req, src, sip.StatusBadRequest, "Bad Request")
		return
	}
	userID := from.Address.User

	contactURI := ""
	if c := req.Contact(); c != nil {
		contactURI = c.Address.String()
	}

	expires := int(state.DefaultExpires / time.Second)
	if h := req.GetHeader("Expires"); h != nil {
		if v, err := strconv.Atoi(h.Value()); err == nil && v >= 0 {
			expires = v
		}
	}

	if !s.users.Register(userID, from.DisplayName, contactURI, src.Addr().String(), int(src.Port()), expires) {
		s.reply(req, src, sip.StatusServiceUnavailable, "Service Unavailable")
		return
	}

	granted := sip.ExpiresHeader(state.DefaultExpires / time.Second)
	s.reply(req, src, sip.StatusOK, "OK", &granted)
}

// handleInvite allocates a session and forwards the INVITE to the callee
// resolved on the mesh. Unknown or unresolvable callees get 404; a full
// session table gets 503.
func (s *Server) handleInvite(req *sip.Request, raw []byte, src netip.AddrPort) {
	s.stats.Invites.Add(1)

	calleeID := req.Recipient.User
	callID := callIDValue(req)
	if calleeID == "" || callID == "" {
		s.reply(req, src, sip.StatusBadRequest, "Bad Request")
		return
	}

	callerID := ""
	fromTag := ""
	if from := req.From(); from != nil {
		callerID = from.Address.User
		fromTag, _ = from.Params.Get("tag")
	}

	user, ok := s.users.Lookup(calleeID)
	if !ok || !user.Active {
		s.log.Info("INVITE for unknown callee", "callee", calleeID, "caller", callerID)
		s.reply(req, src, sip.StatusNotFound, "Not Found")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
	calleeIP, err := s.resolver.LookupIPv4(ctx, calleeID)
	cancel()
	if err != nil {
		s.log.Warn("callee DNS miss", "callee", calleeID, "error", err)
		s.reply(req, src, sip.StatusNotFound, "Not Found")
		return
	}
	calleeAddr := netip.AddrPortFrom(calleeIP, uint16(s.peerPort))

	err = s.sessions.Create(callID, callerID, calleeID, src, calleeAddr, fromTag)
	switch {
	case errors.Is(err, state.ErrSessionTableFull):
		s.reply(req, src, sip.StatusServiceUnavailable, "Service Unavailable")
		return
	case errors.Is(err, state.ErrSessionExists):
		// INVITE retransmission: re-issue provisional, forward again.
		s.log.Debug("INVITE retransmission", "call_id", callID)
	case err != nil:
		s.reply(req, src, sip.StatusInternalServerError, "Server Internal Error")
		return
	}

	s.reply(req, src, sip.StatusTrying, "Trying")
	s.forwardRequest(req, src, calleeAddr)
	s.log.Info("INVITE forwarded", "call_id", callID, "caller", callerID,
		"callee", calleeID, "callee_addr", calleeAddr.String())
}

// handleBye forwards the BYE to the opposite party, confirms to the
// sender, and frees the session.
func (s *Server) handleBye(req *sip.Request, raw []byte, src netip.AddrPort) {
	callID := callIDValue(req)
	sess, ok := s.sessions.Lookup(callID)
	if !ok {
		s.reply(req, src, sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist")
		return
	}

	s.sessions.SetState(callID, state.StateTerminating, "")
	s.send(raw, otherParty(sess, src))
	s.stats.Forwarded.Add(1)
	s.reply(req, src, sip.StatusOK, "OK")
	s.sessions.Free(callID)
}

// handleCancel is valid only while the INVITE is unanswered.
func (s *Server) handleCancel(req *sip.Request, raw []byte, src netip.AddrPort) {
	callID := callIDValue(req)
	sess, ok := s.sessions.Lookup(callID)
	if !ok || (sess.State != state.StateInviteSent && sess.State != state.StateRinging) {
		s.reply(req, src, sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist")
		return
	}

	s.send(raw, sess.CalleeAddr)
	s.stats.Forwarded.Add(1)
	s.reply(req, src, sip.StatusOK, "OK")
	s.sessions.Free(callID)
}

// handleAck completes the three-way handshake of an established dialog.
func (s *Server) handleAck(req *sip.Request, raw []byte, src netip.AddrPort) {
	sess, ok := s.sessions.Lookup(callIDValue(req))
	if !ok || sess.State != state.StateEstablished {
		return
	}
	s.send(raw, sess.CalleeAddr)
	s.stats.Forwarded.Add(1)
}

// handleOptions advertises the supported methods.
func (s *Server) handleOptions(req *sip.Request, src netip.AddrPort) {
	allow := sip.NewHeader("Allow", "REGISTER, INVITE, ACK, BYE, CANCEL, OPTIONS")
	s.reply(req, src, sip.StatusOK, "OK", allow)
}

// handleResponse routes a response back to the session's caller and
// advances the call state machine. The original bytes travel verbatim.
func (s *Server) handleResponse(res *sip.Response, raw []byte) {
	callID := ""
	if h := res.CallID(); h != nil {
		callID = h.Value()
	}
	sess, ok := s.sessions.Lookup(callID)
	if !ok {
		s.log.Debug("response for unknown session", "call_id", callID, "status", int(res.StatusCode))
		return
	}

	toInvite := false
	if cseq := res.CSeq(); cseq != nil {
		toInvite = cseq.MethodName == sip.INVITE
	}

	switch {
	case res.StatusCode == sip.StatusRinging || res.StatusCode == sip.StatusSessionInProgress:
		s.sessions.SetState(callID, state.StateRinging, "")
	case toInvite && res.StatusCode >= 200 && res.StatusCode < 300:
		toTag := ""
		if to := res.To(); to != nil {
			toTag, _ = to.Params.Get("tag")
		}
		s.sessions.SetState(callID, state.StateEstablished, toTag)
	case toInvite && res.StatusCode >= 300:
		s.sessions.Free(callID)
	}

	s.send(raw, sess.CallerAddr)
	s.stats.Responses.Add(1)
}

// forwardRequest rewrites the Request-URI towards dst, augments the
// topmost Via with the caller's source address, and sends. Body and
// remaining headers pass through untouched.
func (s *Server) forwardRequest(req *sip.Request, src, dst netip.AddrPort) {
	req.Recipient = sip.Uri{
		User: req.Recipient.User,
		Host: dst.Addr().String(),
		Port: int(dst.Port()),
	}
	if via := req.Via(); via != nil {
		if via.Params == nil {
			via.Params = sip.NewParams()
		}
		via.Params.Add("received", src.Addr().String())
		via.Params.Add("rport", strconv.Itoa(int(src.Port())))
	}
	s.send([]byte(req.String()), dst)
	s.stats.Forwarded.Add(1)
}

// otherParty picks the forwarding target for an in-dialog request by
// source-address equality.
func otherParty(sess state.Session, src netip.AddrPort) netip.AddrPort {
	if src == sess.CallerAddr {
		return sess.CalleeAddr
	}
	return sess.CallerAddr
}

func callIDValue(req *sip.Request) string {
	if h := req.CallID(); h != nil {
		return h.Value()
	}
	return ""
}

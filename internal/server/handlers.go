package server

import (
	"context"
	"errors"

	"github.com/lox/coinflip/internal/auth"
	"github.com/lox/coinflip/internal/contest"
	"github.com/lox/coinflip/internal/protocol"
	"github.com/lox/coinflip/internal/session"
)

// dispatch decodes one client frame and runs its handler.
func (s *Server) dispatch(c *Connection, frame []byte) {
	env, err := protocol.Decode(frame)
	if err != nil {
		c.logger.Debug("Dropping bad frame", "error", err)
		_ = c.Send(protocol.TypeError, protocol.Error{Code: protocol.Code(err), Message: err.Error()})
		return
	}
	c.logger.Debug("Received message", "type", env.Type)

	if s.sessions == nil {
		s.reject(c, env.Type, "", errors.New("sessions unavailable"))
		return
	}

	switch env.Type {
	case protocol.TypeJoin:
		var req protocol.Join
		if s.decodeData(c, env, &req) {
			s.handleJoin(c, req)
		}
	case protocol.TypeCreate:
		var req protocol.Create
		if s.decodeData(c, env, &req) {
			s.handleCreate(c, req)
		}
	case protocol.TypeSubmitChoice:
		var req protocol.SubmitChoice
		if s.decodeData(c, env, &req) {
			s.handleSubmitChoice(c, req)
		}
	case protocol.TypeRelease:
		var req protocol.Release
		if s.decodeData(c, env, &req) {
			s.handleRelease(c, req)
		}
	case protocol.TypeLeave:
		var req protocol.Leave
		if s.decodeData(c, env, &req) {
			s.handleLeave(c, req)
		}
	}
}

func (s *Server) decodeData(c *Connection, env *protocol.Envelope, v any) bool {
	if err := protocol.DecodeData(env, v); err != nil {
		_ = c.Send(protocol.TypeError, protocol.Error{Code: protocol.Code(err), Message: err.Error()})
		return false
	}
	return true
}

func (s *Server) requestContext(c *Connection) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.ctx, s.requestTimeout)
}

func (s *Server) handleJoin(c *Connection, req protocol.Join) {
	v, ok := s.variants.Lookup(req.Variant)
	if !ok {
		s.reject(c, protocol.TypeJoin, req.ContestID, contest.ErrInvalidVariant)
		return
	}
	ctx, cancel := s.requestContext(c)
	defer cancel()

	if err := s.verify(ctx, c, req.Address, req.Token); err != nil {
		s.reject(c, protocol.TypeJoin, req.ContestID, err)
		return
	}

	// A seated address creates the contest on first join; a spectator can
	// only watch one that exists.
	sess, err := s.sessions.GetOrCreate(ctx, req.ContestID, req.Address, v)
	if err != nil {
		s.reject(c, protocol.TypeJoin, req.ContestID, err)
		return
	}
	s.bind(c, sess, req.Address)

	res, err := sess.Join(ctx, req.Address)
	if err != nil {
		s.reject(c, protocol.TypeJoin, req.ContestID, err)
		return
	}
	c.logger.Info("Joined contest", "contest", req.ContestID, "address", req.Address, "seated", res.Changed)
	if !res.Changed {
		// Nothing was broadcast, so this connection still needs a snapshot.
		_ = c.Send(protocol.TypeContestState, res.View)
	}
}

func (s *Server) handleCreate(c *Connection, req protocol.Create) {
	v, ok := s.variants.Lookup(req.Variant)
	if !ok {
		s.reject(c, protocol.TypeCreate, "", contest.ErrInvalidVariant)
		return
	}
	ctx, cancel := s.requestContext(c)
	defer cancel()

	if err := s.verify(ctx, c, req.Address, req.Token); err != nil {
		s.reject(c, protocol.TypeCreate, "", err)
		return
	}

	id := s.newID()
	sess, err := s.sessions.GetOrCreate(ctx, id, req.Address, v)
	if err != nil {
		s.reject(c, protocol.TypeCreate, "", err)
		return
	}
	s.bind(c, sess, req.Address)

	view, err := sess.View(ctx)
	if err != nil {
		s.reject(c, protocol.TypeCreate, id, err)
		return
	}
	c.logger.Info("Created contest", "contest", id, "variant", v.Name, "address", req.Address)
	_ = c.Send(protocol.TypeCreated, protocol.Created{ContestID: id, Variant: v.Name})
	_ = c.Send(protocol.TypeContestState, view)
}

// seated returns the session and address a connection plays as in
// contestID, or rejects the request.
func (s *Server) seated(c *Connection, t protocol.MessageType, contestID string) (*session.Session, string, bool) {
	b, ok := s.conns.InfoFor(c.id)
	if !ok || b.ContestID != contestID || b.Address == "" {
		s.reject(c, t, contestID, contest.ErrNotParticipant)
		return nil, "", false
	}
	sess, ok := s.sessions.Get(contestID)
	if !ok {
		s.reject(c, t, contestID, contest.ErrContestNotFound)
		return nil, "", false
	}
	return sess, b.Address, true
}

func (s *Server) handleSubmitChoice(c *Connection, req protocol.SubmitChoice) {
	side, err := contest.ParseSide(req.Side)
	if err != nil {
		s.reject(c, protocol.TypeSubmitChoice, req.ContestID, err)
		return
	}
	sess, address, ok := s.seated(c, protocol.TypeSubmitChoice, req.ContestID)
	if !ok {
		return
	}
	ctx, cancel := s.requestContext(c)
	defer cancel()

	if _, err := sess.SubmitChoice(ctx, address, side); err != nil {
		s.reject(c, protocol.TypeSubmitChoice, req.ContestID, err)
	}
}

func (s *Server) handleRelease(c *Connection, req protocol.Release) {
	sess, address, ok := s.seated(c, protocol.TypeRelease, req.ContestID)
	if !ok {
		return
	}
	ctx, cancel := s.requestContext(c)
	defer cancel()

	if _, err := sess.Release(ctx, address); err != nil {
		s.reject(c, protocol.TypeRelease, req.ContestID, err)
	}
}

func (s *Server) handleLeave(c *Connection, req protocol.Leave) {
	b, ok := s.conns.InfoFor(c.id)
	if !ok || b.ContestID != req.ContestID {
		return
	}
	s.conns.Unbind(c.id)
	s.notify(req.ContestID)
	c.logger.Info("Left contest", "contest", req.ContestID, "address", b.Address)
}

var (
	errUnauthorized    = errors.New("token does not prove the address")
	errAuthUnavailable = errors.New("address verification unavailable")
)

// verify checks that c controls address. Spectators, servers without a
// validator and addresses already proven on c pass without a call.
func (s *Server) verify(ctx context.Context, c *Connection, address, token string) error {
	if s.auth == nil || address == "" || c.verified == address {
		return nil
	}
	id, err := s.auth.Validate(ctx, token)
	switch {
	case errors.Is(err, auth.ErrUnavailable) && s.authFailOpen:
		c.logger.Warn("Address verifier unavailable, admitting claimed address", "address", address, "error", err)
		return nil
	case errors.Is(err, auth.ErrUnavailable):
		c.logger.Error("Address verifier unavailable", "error", err)
		return errAuthUnavailable
	case err != nil:
		return errUnauthorized
	case !id.Matches(address):
		c.logger.Warn("Token proves a different address", "claimed", address, "proven", id.Address)
		return errUnauthorized
	}
	c.verified = address
	return nil
}

// bind attaches c to sess, moving it off any previous contest.
func (s *Server) bind(c *Connection, sess *session.Session, address string) {
	prev, had := s.conns.InfoFor(c.id)
	if !s.conns.Bind(sess.ID(), c.id, address) {
		return
	}
	if had && prev.ContestID != sess.ID() {
		s.notify(prev.ContestID)
	}
	sess.ConnectionsChanged()
}

// reject tells only c that its request was refused. Internal failures are
// not described to the client.
func (s *Server) reject(c *Connection, req protocol.MessageType, contestID string, err error) {
	r := protocol.Rejected{Code: contest.RejectionCode(err), Message: err.Error(), ContestID: contestID, Request: req}
	switch {
	case errors.Is(err, session.ErrSessionClosed):
		r.Code, r.Message = "contest_closed", "contest is no longer live"
	case errors.Is(err, errUnauthorized):
		r.Code = "unauthorized"
	case errors.Is(err, errAuthUnavailable):
		r.Code = "auth_unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		r.Code, r.Message = "timeout", "request timed out"
	case r.Code == "rejected":
		c.logger.Error("Request failed", "type", req, "contest", contestID, "error", err)
		r.Code, r.Message = "internal", "request could not be processed"
	}
	c.logger.Debug("Rejected request", "type", req, "contest", contestID, "code", r.Code)
	_ = c.Send(protocol.TypeRejected, r)
}

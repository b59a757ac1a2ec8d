package ws

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"img2brick.ai/internal/convert"
	"img2brick.ai/internal/protocol"
	"img2brick.ai/internal/quilt"
	"img2brick.ai/internal/submit"
	"img2brick.ai/internal/tuning"
)

var errGridDisabled = fmt.Errorf("%w: grid mode is disabled", quilt.ErrInvalidRegion)

// Server is the bridge endpoint for the game-side plugin. Every connection
// can issue requests and receives an EVENT for each applied grid mutation.
type Server struct {
	quilt  quilt.Components
	submit *submit.Pipeline
	tune   tuning.Tuning
	token  string
	log    *log.Logger

	upgrader websocket.Upgrader

	// base parents every session context; Close cancels it.
	base context.Context
	stop context.CancelFunc

	mu       sync.Mutex
	closing  bool
	conns    map[*websocket.Conn]struct{}
	clients  map[*client]struct{}
	sessions sync.WaitGroup
}

type client struct {
	id  string
	out chan []byte
}

func NewServer(c quilt.Components, pipe *submit.Pipeline, tune tuning.Tuning, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	base, stop := context.WithCancel(context.Background())
	s := &Server{
		quilt:   c,
		submit:  pipe,
		tune:    tune,
		log:     logger,
		base:    base,
		stop:    stop,
		conns:   map[*websocket.Conn]struct{}{},
		clients: map[*client]struct{}{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // plugin is not a browser
		},
	}
	return s
}

// SetToken requires HELLO.auth.token to match. Empty disables the check.
func (s *Server) SetToken(token string) { s.token = strings.TrimSpace(token) }

// Clients is the number of connected sessions.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Close refuses new sessions, cancels the running ones and waits until every
// session handler and in-flight submission has returned. After Close no
// request reaches the store.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closing = true
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	s.stop()
	for _, c := range conns {
		_ = c.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), time.Now().Add(time.Second))
		_ = c.Close()
	}
	s.sessions.Wait()
	return nil
}

// track registers a session; it fails once Close has started.
func (s *Server) track(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns[conn] = struct{}{}
	s.sessions.Add(1)
	return true
}

func (s *Server) untrack(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	s.sessions.Done()
}

// RecordEvent fans the event out to every session. Slow sessions miss events
// rather than stall the store.
func (s *Server) RecordEvent(ev quilt.Event) {
	msg := protocol.EventMsg{
		Type:            protocol.TypeEvent,
		ProtocolVersion: protocol.Version,
		Seq:             ev.Seq,
		Kind:            string(ev.Kind),
		Time:            ev.Time.UTC().Format(time.RFC3339Nano),
		CellSize:        ev.CellSize,
		ImageIndex:      ev.ImageIndex,
		OwnerIndex:      ev.OwnerIndex,
		OwnerID:         ev.OwnerID,
		OwnerName:       ev.OwnerName,
		ReservationID:   ev.ReservationID,
	}
	for _, c := range ev.Cells {
		msg.Cells = append(msg.Cells, [2]int{c.X, c.Y})
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		select {
		case c.out <- b:
		default:
		}
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if !s.track(conn) {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), time.Now().Add(time.Second))
			return
		}
		defer s.untrack(conn)

		cl := s.handshake(conn)
		if cl == nil {
			return
		}
		s.mu.Lock()
		s.clients[cl] = struct{}{}
		s.mu.Unlock()
		s.log.Printf("session %s connected from %s", cl.id, r.RemoteAddr)

		ctx, cancel := context.WithCancel(s.base)
		defer cancel()
		defer context.AfterFunc(r.Context(), cancel)()

		// Writer goroutine.
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case b := <-cl.out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		var inflight sync.WaitGroup
		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				cancel()
				break
			}
			base, err := protocol.DecodeBase(msg)
			if err != nil {
				s.reply(ctx, cl, base, nil, fmt.Errorf("%w: %v", errBadMessage, err))
				continue
			}
			if base.ProtocolVersion != protocol.Version {
				s.reply(ctx, cl, base, nil, fmt.Errorf("%w: protocol_version %q", errBadMessage, base.ProtocolVersion))
				continue
			}
			if base.Type == protocol.TypeSubmit {
				// Conversion takes seconds; keep reading meanwhile.
				inflight.Add(1)
				go func() {
					defer inflight.Done()
					data, err := s.handleSubmit(ctx, msg)
					s.reply(ctx, cl, base, data, err)
				}()
				continue
			}
			data, err := s.dispatch(base.Type, msg)
			s.reply(ctx, cl, base, data, err)
		}

		// Cleanup.
		s.mu.Lock()
		delete(s.clients, cl)
		s.mu.Unlock()
		inflight.Wait()
		s.log.Printf("session %s disconnected", cl.id)
	}
}

var errBadMessage = errors.New("bad request")

func (s *Server) reply(ctx context.Context, cl *client, base protocol.BaseMessage, data any, err error) {
	res := protocol.ResultMsg{
		Type:            protocol.TypeResult,
		ProtocolVersion: protocol.Version,
		Ref:             base.Ref,
		For:             base.Type,
		OK:              err == nil,
		Data:            data,
	}
	if err != nil {
		res.Code = protocol.CodeFor(err)
		if errors.Is(err, errBadMessage) {
			res.Code = protocol.ErrProtoBadRequest
		}
		res.Message = err.Error()
		res.Data = nil
	}
	b, merr := json.Marshal(res)
	if merr != nil {
		s.log.Printf("marshal result for %s: %v", base.Type, merr)
		return
	}
	// Results are never dropped; wait for the writer instead.
	select {
	case cl.out <- b:
	case <-ctx.Done():
	}
}

func (s *Server) dispatch(typ string, msg []byte) (any, error) {
	switch typ {
	case protocol.TypeReserve:
		var req protocol.ReserveReq
		if err := decode(msg, &req); err != nil {
			return nil, err
		}
		if !s.tune.Grid.Enabled {
			return nil, errGridDisabled
		}
		if limit := s.tune.Submit.MaxImageSize; limit > 0 && (req.Width > limit || req.Height > limit) {
			return nil, fmt.Errorf("%w: image %dx%d (> %d)", submit.ErrTooLarge, req.Width, req.Height, limit)
		}
		return s.quilt.Allocator.ReservePlacement(quilt.Placement{
			Pos:         quilt.WorldPos{X: req.Pos[0], Y: req.Pos[1], Z: req.Pos[2]},
			PixelWidth:  req.Width,
			PixelHeight: req.Height,
			CellSize:    req.CellSize,
		})

	case protocol.TypeCommit:
		var req protocol.CommitReq
		if err := decode(msg, &req); err != nil {
			return nil, err
		}
		idx, err := s.quilt.Allocator.Commit(req.ReservationID, quilt.Identity{ID: req.Owner.ID, Name: req.Owner.Name})
		if err != nil {
			return nil, err
		}
		return map[string]int{"image_index": idx}, nil

	case protocol.TypeRelease:
		var req protocol.ReleaseReq
		if err := decode(msg, &req); err != nil {
			return nil, err
		}
		if !s.quilt.Allocator.Release(req.ReservationID) {
			return nil, &quilt.NotFoundError{What: "reservation", Key: req.ReservationID}
		}
		return map[string]bool{"released": true}, nil

	case protocol.TypeStats:
		var req protocol.StatsReq
		if err := decode(msg, &req); err != nil {
			return nil, err
		}
		if req.OwnerID == "" {
			return map[string]any{
				"owners": s.quilt.Ledger.StatsForAll(),
				"totals": s.quilt.Ledger.Totals(),
			}, nil
		}
		st, ok := s.quilt.Ledger.StatsFor(req.OwnerID)
		if !ok {
			return nil, &quilt.NotFoundError{What: "owner", Key: req.OwnerID}
		}
		return st, nil

	case protocol.TypeOccupant:
		var req protocol.OccupantReq
		if err := decode(msg, &req); err != nil {
			return nil, err
		}
		return s.quilt.Queries.OccupantAt(quilt.Cell{X: req.Cell[0], Y: req.Cell[1]}), nil

	case protocol.TypeImages:
		var req protocol.ImagesReq
		if err := decode(msg, &req); err != nil {
			return nil, err
		}
		idx, ok := s.quilt.Queries.OwnerIndexOf(req.OwnerID)
		if !ok {
			return nil, &quilt.NotFoundError{What: "owner", Key: req.OwnerID}
		}
		return s.quilt.Queries.ImagesOwnedBy(idx)

	case protocol.TypeBroken:
		return map[string][]quilt.Cell{"cells": s.quilt.Queries.BrokenCells()}, nil

	default:
		return nil, fmt.Errorf("%w: unknown type %q", errBadMessage, typ)
	}
}

func (s *Server) handleSubmit(ctx context.Context, msg []byte) (any, error) {
	var req protocol.SubmitReq
	if err := decode(msg, &req); err != nil {
		return nil, err
	}
	if s.submit == nil {
		return nil, fmt.Errorf("%w: submissions are not enabled", errBadMessage)
	}
	mode, err := convert.ParseMode(req.Mode)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errBadMessage, err)
	}
	return s.submit.Submit(ctx, submit.Submission{
		Owner:       quilt.Identity{ID: req.Owner.ID, Name: req.Owner.Name},
		Pos:         quilt.WorldPos{X: req.Pos[0], Y: req.Pos[1], Z: req.Pos[2]},
		PixelWidth:  req.Width,
		PixelHeight: req.Height,
		CellSize:    req.CellSize,
		Mode:        mode,
		ImagePath:   req.ImagePath,
	})
}

func decode(msg []byte, v any) error {
	if err := json.Unmarshal(msg, v); err != nil {
		return fmt.Errorf("%w: %v", errBadMessage, err)
	}
	return nil
}

func (s *Server) handshake(conn *websocket.Conn) *client {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected HELLO"), time.Now().Add(time.Second))
		return nil
	}

	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		return nil
	}
	if hello.ProtocolVersion != protocol.Version {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad protocol_version"), time.Now().Add(time.Second))
		return nil
	}
	if s.token != "" {
		got := ""
		if hello.Auth != nil {
			got = strings.TrimSpace(hello.Auth.Token)
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad token"), time.Now().Add(time.Second))
			return nil
		}
	}
	if hello.ClientName == "" {
		hello.ClientName = "plugin"
	}

	cl := &client{id: uuid.NewString(), out: make(chan []byte, 64)}
	welcome := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		SessionID:       cl.id,
		Grid: protocol.GridParams{
			Enabled:         s.tune.Grid.Enabled,
			CellSize:        s.quilt.Store.CellSize(),
			DefaultCellSize: s.tune.Grid.DefaultCellSize,
			MinCellSize:     s.tune.Grid.MinCellSize,
			UnitsPerPixel:   s.tune.Grid.UnitsPerPixel,
			MaxImageSize:    s.tune.Submit.MaxImageSize,
			ZOffset:         s.tune.Submit.ZOffset,
		},
	}
	if err := writeJSON(conn, welcome); err != nil {
		return nil
	}
	s.log.Printf("HELLO from %s", hello.ClientName)
	return cl
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}

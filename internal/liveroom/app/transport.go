package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/websocket"

	"github.com/redmarklive/redmark/internal/liveroom/code"
	"github.com/redmarklive/redmark/internal/liveroom/token"
	"github.com/redmarklive/redmark/internal/platform/id"
	"github.com/redmarklive/redmark/internal/platform/timeouts"
)

const (
	tokenCookieName = "rm_token"

	maxEventPayloadBytes   = 16 * 1024
	maxEventsPerSecond     = 40
	maxDecodeErrorsPerConn = 3
)

type identityContextKey struct{}

// tokenFromRequest extracts the bearer token from the query string or the
// session cookie. Query wins so non-browser clients do not need cookie jars.
func tokenFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("token")); raw != "" {
		return raw
	}
	cookie, err := r.Cookie(tokenCookieName)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(cookie.Value)
}

// identityFromQuery builds an identity from request parameters. Used only
// when no verifier is configured, for tests and offline paths.
func identityFromQuery(r *http.Request) token.Identity {
	userID := strings.TrimSpace(r.URL.Query().Get("user"))
	if userID == "" {
		userID = "participant"
	}
	return token.Identity{
		UserID: userID,
		Role:   token.ParseRole(r.URL.Query().Get("role")),
	}
}

func (s *Server) wsRoute() http.HandlerFunc {
	wsHandler := websocket.Handler(func(conn *websocket.Conn) {
		s.handleWSConn(conn)
	})

	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		identity := identityFromQuery(r)
		if s.verifier != nil {
			raw := tokenFromRequest(r)
			if raw == "" {
				log.Printf("liveroom: websocket unauthorized: missing token for remote=%s", r.RemoteAddr)
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}
			verified, err := s.verifier.Verify(raw)
			if err != nil {
				log.Printf("liveroom: websocket unauthorized: %v for remote=%s", err, r.RemoteAddr)
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}
			identity = verified
		}

		ctx := context.WithValue(r.Context(), identityContextKey{}, identity)
		wsHandler.ServeHTTP(w, r.WithContext(ctx))
	}
}

func (s *Server) handleWSConn(conn *websocket.Conn) {
	defer func() {
		_ = conn.Close()
	}()

	peer := newWSPeer(conn)

	request := conn.Request()
	if request == nil {
		return
	}
	identity, ok := request.Context().Value(identityContextKey{}).(token.Identity)
	if !ok {
		_ = peer.send(errorEvent(codeAuthRequired, "authentication required"))
		return
	}

	room, mapping, errEvent := s.resolveRoom(request)
	if room == nil {
		_ = peer.send(errEvent)
		return
	}

	connID, err := id.NewID()
	if err != nil {
		log.Printf("liveroom: generate connection id: %v", err)
		return
	}
	member := &roomMember{connID: connID, identity: identity, peer: peer}

	if !room.bind(member, mapping.ExpiresAt) {
		_ = peer.send(errorEvent(codeRoomNotFound, "room is closed"))
		return
	}
	defer room.unbind(connID)

	s.readEvents(conn, room, member)
}

// resolveRoom turns the code query parameter into a live room, resolving the
// code through the registry and hydrating the room from storage on first use.
func (s *Server) resolveRoom(request *http.Request) (*reviewRoom, *code.Mapping, outboundEvent) {
	roomCode := code.Normalize(request.URL.Query().Get("code"))
	if roomCode == "" {
		return nil, nil, errorEvent(codeInvalidPayload, "code is required")
	}

	ctx, cancel := context.WithTimeout(request.Context(), timeouts.StorageRequest)
	defer cancel()

	mapping, err := s.registry.Resolve(ctx, roomCode)
	if err != nil {
		log.Printf("liveroom: resolve code %s: %v", roomCode, err)
		return nil, nil, errorEvent(codeRegistryUnavailable, "room registry is unavailable")
	}
	if mapping == nil {
		return nil, nil, errorEvent(codeRoomNotFound, "room code is unknown or expired")
	}

	room, err := s.hub.ensure(request.Context(), roomCode, mapping.SubmissionID)
	if err != nil {
		if errors.Is(err, errSubmissionGone) {
			return nil, nil, errorEvent(codeSubmissionNotFound, "submission no longer exists")
		}
		log.Printf("liveroom: load room %s: %v", roomCode, err)
		return nil, nil, errorEvent(codeRegistryUnavailable, "room storage is unavailable")
	}
	return room, mapping, outboundEvent{}
}

// readEvents pumps inbound frames until the socket closes or a guard trips.
// Malformed frames and oversized payloads get an error event; repeated decode
// failures and rate-limit breaches drop the connection.
func (s *Server) readEvents(conn *websocket.Conn, room *reviewRoom, member *roomMember) {
	decoder := json.NewDecoder(conn)

	windowStart := time.Now()
	eventsInWindow := 0
	decodeErrors := 0

	for {
		var event inboundEvent
		if err := decoder.Decode(&event); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			decodeErrors++
			if !sendGuardError(member.peer, codeInvalidPayload, "invalid event payload") {
				return
			}
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0

		if len(event.Payload) > maxEventPayloadBytes {
			if !sendGuardError(member.peer, codeInvalidPayload, "payload too large") {
				return
			}
			continue
		}

		now := time.Now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			eventsInWindow = 0
		}
		eventsInWindow++
		if eventsInWindow > maxEventsPerSecond {
			_ = member.peer.send(errorEvent(codeInvalidPayload, "rate limit exceeded"))
			return
		}

		if !room.handle(member.connID, event) {
			return
		}
	}
}

func sendGuardError(peer *wsPeer, errCode string, message string) bool {
	return peer.send(errorEvent(errCode, message)) == nil
}

// internal/channel/server.go
package channel

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"focus-sync/internal/common/database"
	"focus-sync/internal/common/errors"
	"focus-sync/internal/common/logger"
	"focus-sync/internal/common/metrics"
	"focus-sync/internal/coordinator"
	"focus-sync/internal/models"
)

// ==========================
// CHANNEL SERVER
// ==========================

// presenceTTL is how long the server's liveness marker outlives its last
// heartbeat. It must comfortably exceed the poll interval below.
const (
	presenceTTL  = 5 * time.Second
	pollInterval = time.Second
)

// Server consumes envelopes addressed to this process, dispatches them to
// the coordinator and pushes replies. Handlers are idempotent: the peer
// may retry a request it never saw an answer for.
type Server struct {
	name  string
	redis *database.RedisClient
	coord *coordinator.Coordinator
	log   logger.Logger
}

// NewServer builds a server listening under the given process name.
func NewServer(name string, rdb *database.RedisClient, coord *coordinator.Coordinator, log logger.Logger) *Server {
	return &Server{name: name, redis: rdb, coord: coord, log: log}
}

// Run serves until the context is cancelled. Each iteration refreshes the
// presence marker, then blocks briefly for the next request.
func (s *Server) Run(ctx context.Context) {
	s.log.Info("channel server started", map[string]interface{}{
		"name": s.name,
	})
	for {
		if ctx.Err() != nil {
			return
		}
		s.heartbeat(ctx)

		result, err := s.redis.GetClient().BLPop(ctx, pollInterval, requestList(s.name)).Result()
		if err != nil {
			// redis.Nil is an empty poll; anything else gets a beat before
			// retrying so a dead Redis does not spin the loop.
			if ctx.Err() != nil {
				return
			}
			if err != redis.Nil {
				s.log.WithError(err).Warn("channel poll failed", nil)
				select {
				case <-ctx.Done():
					return
				case <-time.After(pollInterval):
				}
			}
			continue
		}

		s.handleRaw(ctx, []byte(result[1]))
	}
}

func (s *Server) heartbeat(ctx context.Context) {
	err := s.redis.GetClient().Set(ctx, presenceKey(s.name), "1", presenceTTL).Err()
	if err != nil && ctx.Err() == nil {
		s.log.WithError(err).Warn("presence heartbeat failed", nil)
	}
}

func (s *Server) handleRaw(ctx context.Context, raw []byte) {
	var env models.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		// No envelope ID means no reply address; drop and log.
		s.log.WithError(err).Warn("dropping unparseable frame", nil)
		metrics.ChannelRequests.WithLabelValues("unknown", "malformed").Inc()
		return
	}

	resp := s.Handle(&env)

	data, err := json.Marshal(resp)
	if err != nil {
		s.log.WithError(err).Error("reply does not serialize", map[string]interface{}{
			"requestId": env.ID,
		})
		return
	}

	pipe := s.redis.GetClient().TxPipeline()
	pipe.RPush(ctx, replyList(env.ID), data)
	pipe.Expire(ctx, replyList(env.ID), replyTTL)
	if _, err := pipe.Exec(ctx); err != nil && ctx.Err() == nil {
		s.log.WithError(err).Warn("reply delivery failed", map[string]interface{}{
			"requestId": env.ID,
		})
	}
}

// Handle validates and dispatches one envelope. It never returns nil; all
// failures become {success:false, error} replies.
func (s *Server) Handle(env *models.Envelope) *models.Response {
	if err := ValidateEnvelope(env); err != nil {
		metrics.ChannelRequests.WithLabelValues(string(env.Type), "invalid").Inc()
		return failure(env.ID, err)
	}

	payload, err := s.dispatch(env)
	if err != nil {
		metrics.ChannelRequests.WithLabelValues(string(env.Type), "error").Inc()
		s.log.WithError(err).Warn("request failed", map[string]interface{}{
			"requestId": env.ID,
			"type":      string(env.Type),
		})
		return failure(env.ID, err)
	}

	metrics.ChannelRequests.WithLabelValues(string(env.Type), "ok").Inc()
	return success(env.ID, payload)
}

func (s *Server) dispatch(env *models.Envelope) (interface{}, error) {
	switch env.Type {
	case models.MsgToggleFocus:
		var p models.TogglePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, errors.NewInvalidEnvelopeError(err.Error())
		}
		session, err := s.coord.Toggle(p.UserID, p.Timezone, p.Enable)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"session": session,
			"state":   s.coord.FocusState(p.UserID),
		}, nil

	case models.MsgGetFocusState:
		var p models.FocusStatePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, errors.NewInvalidEnvelopeError(err.Error())
		}
		return s.coord.FocusState(p.UserID), nil

	case models.MsgCreateSession:
		var p models.CreateSessionPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, errors.NewInvalidEnvelopeError(err.Error())
		}
		return s.coord.CreateSession(p.Session)

	case models.MsgUpdateSession:
		var p models.UpdateSessionPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, errors.NewInvalidEnvelopeError(err.Error())
		}
		updated, err := s.coord.UpdateDuration(p.SessionID, p.DurationMinutes)
		if err != nil {
			return nil, err
		}
		return map[string]bool{"updated": updated}, nil

	case models.MsgCompleteSession:
		var p models.CompleteSessionPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, errors.NewInvalidEnvelopeError(err.Error())
		}
		return s.coord.Complete(p.SessionID, p.FinalMinutes)

	case models.MsgDeleteSession:
		var p models.DeleteSessionPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, errors.NewInvalidEnvelopeError(err.Error())
		}
		return s.coord.Delete(p.SessionID, p.Reason)

	case models.MsgGetSessions:
		var p models.GetSessionsPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, errors.NewInvalidEnvelopeError(err.Error())
		}
		sessions, err := s.coord.Sessions(p.StartDate, p.EndDate)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"sessions": sessions}, nil

	default:
		return nil, errors.NewInvalidEnvelopeError("unknown message type: " + string(env.Type))
	}
}

func success(id string, payload interface{}) *models.Response {
	resp := &models.Response{ID: id, Success: true}
	if payload == nil {
		return resp
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return failure(id, errors.NewInvalidEnvelopeError("payload does not serialize"))
	}
	resp.Payload = data
	return resp
}

func failure(id string, err error) *models.Response {
	return &models.Response{ID: id, Success: false, Error: err.Error()}
}

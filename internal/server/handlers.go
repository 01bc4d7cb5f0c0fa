package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"slack-thread-exporter/internal/conversation"
	"slack-thread-exporter/internal/ratelimit"
	"slack-thread-exporter/internal/slack"
)

const (
	msgInvalidBody    = "Invalid body"
	msgInvalidJSON    = "Invalid JSON body"
	msgMissingParam   = "Missing required parameter. Required: token, channel_id, start_date, end_date"
	msgDateFormat     = "Date format must be YYYY-MM-DD"
	msgRateLimited    = "Slack rate limit exceeded, retry later"
	msgTimeout        = "Request timed out"
	msgCancelled      = "Request cancelled"
	msgInternalError  = "Internal server error"
	codeTruncated     = "truncated"
	defaultRetryAfter = time.Second
)

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
	// Partial carries the threads retrieved before a truncation.
	Partial []conversation.Thread `json:"partial,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	logger := s.loggerFrom(r.Context())

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: msgInvalidBody})
		return
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: msgInvalidBody})
		return
	}
	var req *conversation.Request
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: msgInvalidJSON})
		return
	}
	if req == nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: msgInvalidBody})
		return
	}

	logger = logger.With(zap.String("channel", req.ChannelID))
	logger.Info("fetching channel threads",
		zap.String("start_date", req.StartDate),
		zap.String("end_date", req.EndDate),
	)

	threads, err := s.current.Load().assembler.Assemble(r.Context(), *req)
	if err != nil {
		s.writeError(w, r, logger, threads, err)
		return
	}
	s.metrics.ObserveThreads(len(threads))
	writeJSON(w, http.StatusOK, threads)
}

// writeError maps engine errors onto HTTP responses.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, partial []conversation.Thread, err error) {
	var (
		trunc     *slack.TruncatedError
		invalid   *conversation.ValidationError
		exhausted *ratelimit.ExhaustedError
		remote    *slack.RemoteCallError
	)
	switch {
	case errors.As(err, &trunc):
		logger.Warn("retrieval truncated", zap.Error(err), zap.Int("partial_threads", len(partial)))
		if partial == nil {
			partial = []conversation.Thread{}
		}
		writeJSON(w, http.StatusBadGateway, errorBody{Error: err.Error(), Code: codeTruncated, Partial: partial})

	case errors.As(err, &invalid):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: validationMessage(invalid)})

	case errors.Is(err, ratelimit.ErrRateLimitExceeded):
		wait := defaultRetryAfter
		if errors.As(err, &exhausted) && exhausted.RetryAfter > 0 {
			wait = exhausted.RetryAfter
		}
		logger.Warn("slack rate limit exhausted", zap.Error(err))
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
		writeJSON(w, http.StatusTooManyRequests, errorBody{Error: msgRateLimited})

	case errors.Is(err, conversation.ErrTimeout):
		logger.Warn("retrieval timed out", zap.Error(err))
		writeJSON(w, http.StatusGatewayTimeout, errorBody{Error: msgTimeout})

	case errors.As(err, &remote):
		logger.Warn("slack api call failed", zap.String("method", remote.Method), zap.String("code", remote.Code))
		writeJSON(w, http.StatusBadGateway, errorBody{Error: remote.Error(), Code: remote.Code})

	case errors.Is(err, context.Canceled) && r.Context().Err() != nil:
		logger.Info("client went away", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: msgCancelled})

	default:
		logger.Error("retrieval failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: msgInternalError})
	}
}

func validationMessage(err *conversation.ValidationError) string {
	switch err.Reason {
	case conversation.ReasonRequired:
		return msgMissingParam
	case conversation.ReasonDateFormat:
		return msgDateFormat
	default:
		return err.Error()
	}
}

package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mindgoner/propagator/internal/logger"
	"github.com/mindgoner/propagator/internal/printer"
	"github.com/mindgoner/propagator/internal/recorder"
	"github.com/mindgoner/propagator/pkg/record"
)

// Forwarder fans captured records out to upstream URLs.
type Forwarder interface {
	Forward(ctx context.Context, rec *record.Record, urls []string) error
}

// Handler captures HTTP requests into the recorder
type Handler struct {
	recorder  *recorder.Recorder
	printer   printer.Printer
	forwarder Forwarder
	logger    logger.Logger
	config    *ServerConfig
	baseCtx   context.Context
	procWG    *sync.WaitGroup
}

// ServerConfig capture configuration
type ServerConfig struct {
	Path           string
	MaxBodyBytes   int64
	ForwardURLs    []string
	ForwardTimeout time.Duration
	Responses      []ImmediateResponseRule
}

// ImmediateResponseRule describes a runtime response rule
type ImmediateResponseRule struct {
	Name       string
	Methods    []string
	Path       string
	PathPrefix string
	Status     int
	Body       string
	Headers    map[string]string
}

var errRequestBodyTooLarge = errors.New("request body exceeds configured limit")

// NewHandler creates a new capture handler
func NewHandler(
	rec *recorder.Recorder,
	printer printer.Printer,
	forwarder Forwarder,
	logger logger.Logger,
	config *ServerConfig,
	baseCtx context.Context,
	procWG *sync.WaitGroup,
) *Handler {
	return &Handler{
		recorder:  rec,
		printer:   printer,
		forwarder: forwarder,
		logger:    logger,
		config:    config,
		baseCtx:   baseCtx,
		procWG:    procWG,
	}
}

// ServeHTTP implements the http.Handler interface
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.shouldHandlePath(r.URL.Path) {
		http.NotFound(w, r)
		return
	}

	bodyBytes, err := h.readRequestBody(r)
	if err != nil {
		h.handleBodyReadError(w, err)
		return
	}

	origin := recorder.Local
	if record.IsRemote(r) {
		origin = recorder.Remote
	}

	rec, err := h.recorder.Observe(r.Context(), r, bodyBytes)
	if err != nil {
		h.logger.Error("Failed to record request",
			"error", err,
			"method", r.Method,
			"path", r.URL.Path,
		)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	responseRule := h.sendImmediateResponse(w, r)

	h.procWG.Add(1)
	go func() {
		defer h.procWG.Done()
		ctx, cancel := context.WithCancel(h.baseCtx)
		defer cancel()
		h.processRecord(ctx, rec, origin, responseRule)
	}()
}

// sendImmediateResponse sends immediate response
func (h *Handler) sendImmediateResponse(w http.ResponseWriter, r *http.Request) *ImmediateResponseRule {
	responseRule := h.selectResponseRule(r)
	statusCode := http.StatusOK
	body := []byte("ok")
	defaultContentType := "text/plain"

	if responseRule != nil {
		statusCode = responseRule.Status
		body = []byte(responseRule.Body)
		hasContentType := false
		for key, value := range responseRule.Headers {
			if key == "" {
				continue
			}
			w.Header().Set(key, value)
			if strings.EqualFold(key, "Content-Type") {
				hasContentType = true
			}
		}
		if !hasContentType {
			w.Header().Set("Content-Type", defaultContentType)
		}
		h.logger.Debug("Immediate response applied",
			"rule", responseRule.Name,
			"status", responseRule.Status,
			"method", r.Method,
			"path", r.URL.Path,
		)
	} else {
		w.Header().Set("Content-Type", defaultContentType)
	}

	w.Header().Set("Server", "Propagator")
	w.WriteHeader(statusCode)
	if len(body) > 0 {
		w.Write(body)
	}

	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}

	return responseRule
}

func (h *Handler) selectResponseRule(r *http.Request) *ImmediateResponseRule {
	if len(h.config.Responses) == 0 {
		return nil
	}

	path := r.URL.Path
	method := strings.ToUpper(r.Method)

	for i := range h.config.Responses {
		rule := &h.config.Responses[i]
		if len(rule.Methods) > 0 {
			matched := false
			for _, allowed := range rule.Methods {
				if method == strings.ToUpper(allowed) {
					matched = true
					break
				}
			}
			if !matched {
				continue
			}
		}

		if rule.Path != "" && rule.Path != path {
			continue
		}

		if rule.PathPrefix != "" && !strings.HasPrefix(path, rule.PathPrefix) {
			continue
		}

		return rule
	}

	return nil
}

// processRecord prints and forwards a captured record. Replays from peers
// are printed but never forwarded.
func (h *Handler) processRecord(ctx context.Context, rec *record.Record, origin recorder.Origin, responseRule *ImmediateResponseRule) {
	status := http.StatusOK
	ruleName := ""
	if responseRule != nil {
		status = responseRule.Status
		ruleName = responseRule.Name
	}
	h.logger.Info("Request received",
		"id", rec.ID,
		"origin", origin.String(),
		"method", rec.Method,
		"path", rec.Path,
		"remote_addr", rec.IP,
		"user_agent", rec.UserAgent,
		"content_length", len(rec.Body),
		"response_rule", ruleName,
		"response_status", status,
	)

	group, groupCtx := errgroup.WithContext(ctx)

	if h.printer != nil {
		group.Go(func() error {
			if err := h.printer.PrintRecord(rec, origin.String()); err != nil {
				h.logger.Error("Failed to print request", "error", err, "id", rec.ID)
			}
			return nil
		})
	}

	if origin == recorder.Local && h.forwarder != nil && len(h.config.ForwardURLs) > 0 {
		group.Go(func() error {
			fctx := groupCtx
			if h.config.ForwardTimeout > 0 {
				var cancel context.CancelFunc
				fctx, cancel = context.WithTimeout(groupCtx, h.config.ForwardTimeout)
				defer cancel()
			}
			if err := h.forwarder.Forward(fctx, rec, h.config.ForwardURLs); err != nil {
				h.logger.Error("Failed to forward request", "error", err, "id", rec.ID)
			}
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		h.logger.Warn("Request processing finished with errors", "error", err, "id", rec.ID)
	}
}

func (h *Handler) readRequestBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()

	if h.config.MaxBodyBytes <= 0 {
		return io.ReadAll(r.Body)
	}

	limited := io.LimitReader(r.Body, h.config.MaxBodyBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > h.config.MaxBodyBytes {
		return nil, errRequestBodyTooLarge
	}
	return body, nil
}

func (h *Handler) handleBodyReadError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errRequestBodyTooLarge):
		h.logger.Warn("Request body exceeds configured limit",
			"limit_bytes", h.config.MaxBodyBytes,
		)
		http.Error(w, "Payload Too Large", http.StatusRequestEntityTooLarge)
	default:
		h.logger.Error("Failed to read request body", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// shouldHandlePath checks if the path should be handled
func (h *Handler) shouldHandlePath(path string) bool {
	if h.config.Path == "" || h.config.Path == "/" {
		return true
	}

	return strings.HasPrefix(path, h.config.Path)
}

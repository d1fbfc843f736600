package elemwatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hazyhaar/horosdom/dom"
	"github.com/hazyhaar/horosdom/kit"
)

// Router returns the HTTP API:
//
//	GET    /healthz
//	GET    /stats
//	GET    /rules
//	GET    /document
//	GET    /await?selector=&mode=&interval=&max=&timeout=&root=
//	POST   /nodes          {"parent": selector, "html": fragment}
//	DELETE /nodes?selector=
func (d *Daemon) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(kit.RequestContext)
	r.Use(kit.AccessLog(d.logger))
	r.Use(middleware.Recoverer)
	r.Use(kit.SecurityHeaders)
	r.Use(kit.MaxBody(1 << 20))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		kit.WriteJSON(w, http.StatusOK, map[string]string{
			"status":      "ok",
			"ready_state": d.doc.ReadyState().String(),
		})
	})
	r.Get("/stats", d.serve(d.statsEndpoint(), noRequest))
	r.Get("/rules", d.serve(d.rulesEndpoint(), noRequest))
	r.Get("/document", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := d.Render(w); err != nil {
			d.logger.Warn("http: render document", "error", err)
		}
	})
	r.Get("/await", d.serve(d.awaitEndpoint(), decodeAwaitQuery))
	r.Post("/nodes", d.serve(d.insertEndpoint(), decodeJSON[InsertRequest]))
	r.Delete("/nodes", d.serve(d.removeEndpoint(), func(r *http.Request) (any, error) {
		return &RemoveRequest{Selector: r.URL.Query().Get("selector")}, nil
	}))
	return r
}

// Serve runs the HTTP API on addr until ctx is cancelled.
func (d *Daemon) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           d.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	d.logger.Info("http: listening", "addr", addr)

	select {
	case err := <-errc:
		return fmt.Errorf("http: %w", err)
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	}
}

type requestDecoder func(*http.Request) (any, error)

func (d *Daemon) serve(ep kit.Endpoint, decode requestDecoder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := decode(r)
		if err != nil {
			kit.WriteError(w, http.StatusBadRequest, err)
			return
		}
		resp, err := ep(r.Context(), req)
		if err != nil {
			kit.WriteError(w, statusFor(err), err)
			return
		}
		kit.WriteJSON(w, http.StatusOK, resp)
	}
}

func noRequest(*http.Request) (any, error) { return nil, nil }

func decodeJSON[T any](r *http.Request) (any, error) {
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		return nil, fmt.Errorf("decode body: %w", err)
	}
	return &v, nil
}

func decodeAwaitQuery(r *http.Request) (any, error) {
	q := r.URL.Query()
	req := &AwaitRequest{
		Selector: q.Get("selector"),
		Mode:     q.Get("mode"),
		Root:     q.Get("root"),
	}
	for key, dst := range map[string]*int{
		"interval": &req.IntervalMs,
		"max":      &req.MaxIterations,
		"timeout":  &req.TimeoutMs,
	} {
		s := q.Get(key)
		if s == "" {
			continue
		}
		v, err := strconv.Atoi(s)
		if err != nil || v < 0 {
			return nil, fmt.Errorf("%s: want a non-negative integer, got %q", key, s)
		}
		*dst = v
	}
	return req, nil
}

func statusFor(err error) int {
	var se *dom.SelectorError
	var ce *CriteriaError
	switch {
	case errors.Is(err, errBadRequest), errors.As(err, &se), errors.As(err, &ce):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	case errors.Is(err, ErrStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

package oauth

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/attribute"

	"github.com/giantswarm/oidc-provider/instrumentation"
	"github.com/giantswarm/oidc-provider/security"
)

// Routes mounts every endpoint on a chi router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer,
		security.RequestIDMiddleware,
		h.securityHeaders,
		h.observe,
	)

	r.Route("/application/o", func(r chi.Router) {
		r.Get("/authorize/", h.ServeAuthorization)
		r.Post("/authorize/", h.ServeAuthorization)
		r.Post("/token/", h.ServeToken)
		r.Post("/introspect/", h.ServeIntrospection)
		r.Post("/revoke/", h.ServeRevocation)
		r.Post("/device/", h.ServeDeviceAuthorization)
		r.Get("/userinfo/", h.ServeUserInfo)
		r.Post("/userinfo/", h.ServeUserInfo)
		for _, p := range []string{"/token/", "/revoke/", "/userinfo/"} {
			r.Options(p, h.ServePreflightRequest)
		}

		r.Get("/{slug}/jwks/", h.ServeJWKS)
		r.Get("/{slug}/.well-known/openid-configuration", h.ServeDiscovery)
		r.Get("/{slug}/end-session/", h.ServeEndSession)
		r.Post("/{slug}/end-session/", h.ServeEndSession)
	})

	r.Get(PathDevice, h.ServeDeviceEntry)
	r.Post(PathDevice, h.ServeDeviceEntry)
	if h.cfg.Receiver != nil {
		r.Post(PathBackchannelLogout, h.ServeBackchannelLogout)
	}
	if h.cfg.Callback != nil {
		r.Get(PathLoginCallback, h.cfg.Callback.Callback)
	}
	if h.cfg.Instrumentation != nil {
		r.Handle(PathMetrics, h.cfg.Instrumentation.MetricsHandler())
	}
	r.Get(PathHealthz, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	return r
}

func (h *Handler) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		security.SetSecurityHeaders(w, h.server.Config.Issuer)
		next.ServeHTTP(w, r)
	})
}

// observe records a span and the HTTP metrics of every request, labelled
// with the matched route pattern.
func (h *Handler) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, span := instrumentation.StartSpan(r.Context(), h.tracer, "http.request",
			attribute.String(instrumentation.AttrHTTPMethod, r.Method))
		defer span.End()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		instrumentation.AddHTTPAttributes(span, r.Method, route, status)
		if m := h.metrics(); m != nil {
			m.RecordHTTPRequest(ctx, r.Method, route, status, float64(time.Since(start).Microseconds())/1000)
		}
		h.logger.Debug("HTTP request",
			"method", r.Method,
			"route", route,
			"status", status,
			"request_id", security.GetRequestID(ctx))
	})
}

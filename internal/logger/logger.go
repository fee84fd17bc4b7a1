package logger

import (
	"bytes"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/iurnickita/loyalty/internal/logger/config"
)

func NewZapLog(cfg config.Config) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	zapcfg := zap.NewProductionConfig()
	zapcfg.Level = lvl
	return zapcfg.Build()
}

// RequestLogMdlw logs every request and the response sent for it under the
// request id set by middleware.RequestID, when there is one. Bodies carry
// redemption codes and are only logged at debug level.
func RequestLogMdlw(zaplog *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqlog := zaplog
			if id := middleware.GetReqID(r.Context()); id != "" {
				reqlog = zaplog.With(zap.String("request_id", id))
			}
			debug := reqlog.Core().Enabled(zap.DebugLevel)

			reqlog.Info("got incoming HTTP request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("query", r.URL.RawQuery),
			)

			if debug && r.Body != nil {
				reqBody, err := io.ReadAll(r.Body)
				// a failed read, such as an oversized body, is left for the handler to see
				r.Body = struct {
					io.Reader
					io.Closer
				}{io.MultiReader(bytes.NewReader(reqBody), r.Body), r.Body}
				reqlog.Debug("request body", zap.ByteString("body", reqBody), zap.NamedError("read_error", err))
			}

			var respBody bytes.Buffer
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			if debug {
				ww.Tee(&respBody)
			}

			start := time.Now()
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			reqlog.Info("send HTTP response",
				zap.Int("code", status),
				zap.Int("length", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
			)
			if debug {
				reqlog.Debug("response body", zap.ByteString("body", respBody.Bytes()))
			}
		})
	}
}

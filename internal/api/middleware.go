package api

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"

	"github.com/sale-settlement/internal/logging"
	"github.com/sale-settlement/internal/metrics"
)

type contextKey string

const verifiedAddressKey contextKey = "verifiedAddress"

// VerifiedAddress returns the wallet address resolved by AuthMiddleware
func VerifiedAddress(ctx context.Context) string {
	addr, _ := ctx.Value(verifiedAddressKey).(string)
	return addr
}

// WithVerifiedAddress returns a context carrying addr as the caller's wallet
func WithVerifiedAddress(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, verifiedAddressKey, strings.ToLower(addr))
}

// LoggingMiddleware logs HTTP requests and counts them per route.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		log := logging.FromContext(r.Context()).WithFields(map[string]interface{}{
			"method": r.Method,
			"path":   r.URL.Path,
		})
		next.ServeHTTP(wrapped, r.WithContext(logging.WithLogger(r.Context(), log)))

		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tmpl, err := current.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(wrapped.statusCode)).Inc()

		log.WithFields(map[string]interface{}{
			"status":   wrapped.statusCode,
			"duration": time.Since(start).String(),
			"ip":       r.RemoteAddr,
		}).Info("HTTP request")
	})
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// RecoveryMiddleware recovers from panics and returns 500 error.
func RecoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				logging.FromContext(r.Context()).WithField("panic", fmt.Sprint(err)).Error("PANIC recovered")
				respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An internal server error occurred", nil)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// CORSMiddleware adds CORS headers to responses.
func CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Origin, X-Requested-With, Content-Type, Accept, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// AuthMiddleware verifies an HS256 bearer token and puts the caller's wallet
// address into the request context. The address comes from the
// verifiedAddress claim, or sub when that is absent.
func AuthMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			tokenString, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || strings.TrimSpace(tokenString) == "" {
				respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Authorization Token not found", nil)
				return
			}

			addr, err := parseToken(strings.TrimSpace(tokenString), secret)
			if err != nil {
				logging.FromContext(r.Context()).WithError(err).Debug("Rejected bearer token")
				respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Authorization Token not valid.", nil)
				return
			}

			ctx := WithVerifiedAddress(r.Context(), addr)
			ctx = logging.WithLogger(ctx, logging.FromContext(ctx).WithField("caller", VerifiedAddress(ctx)))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GatewayRole is the role claim carried by payment gateway tokens
const GatewayRole = "gateway"

// GatewayAuthMiddleware admits only HS256 bearer tokens signed with the
// gateway secret and carrying role=gateway. Buyer tokens are refused.
func GatewayAuthMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || strings.TrimSpace(tokenString) == "" || secret == "" {
				respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Authorization Token not found", nil)
				return
			}

			claims, err := verifyClaims(strings.TrimSpace(tokenString), secret)
			if err != nil {
				logging.FromContext(r.Context()).WithError(err).Debug("Rejected gateway token")
				respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Authorization Token not valid.", nil)
				return
			}
			if role, _ := claims["role"].(string); role != GatewayRole {
				respondError(w, http.StatusForbidden, "FORBIDDEN", "Gateway credentials required", nil)
				return
			}

			ctx := logging.WithLogger(r.Context(), logging.FromContext(r.Context()).WithField("caller", GatewayRole))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func verifyClaims(tokenString, secret string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	return claims, nil
}

func parseToken(tokenString, secret string) (string, error) {
	claims, err := verifyClaims(tokenString, secret)
	if err != nil {
		return "", err
	}

	if addr, ok := claims["verifiedAddress"].(string); ok && addr != "" {
		return addr, nil
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("token carries no wallet address")
	}
	return sub, nil
}

// CompressionMiddleware adds gzip compression to responses.
func CompressionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		defer gz.Close()

		gzw := &gzipResponseWriter{Writer: gz, ResponseWriter: w}
		next.ServeHTTP(gzw, r)
	})
}

// gzipResponseWriter wraps http.ResponseWriter with gzip compression.
type gzipResponseWriter struct {
	io.Writer
	http.ResponseWriter
}

func (w *gzipResponseWriter) Write(b []byte) (int, error) {
	return w.Writer.Write(b)
}

package main

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"pixelwar/pkg/game"
	"pixelwar/pkg/types"
)

func setupLogging() {
	logDir := "./logs"
	if _, err := os.Stat(logDir); os.IsNotExist(err) {
		os.Mkdir(logDir, 0755)
	}
	InfoLog = newLogger(os.Stdout, filepath.Join(logDir, "server.log"), logrus.InfoLevel)
	ErrorLog = newLogger(os.Stderr, filepath.Join(logDir, "error.log"), logrus.WarnLevel)
}

func newLogger(console io.Writer, path string, level logrus.Level) *logrus.Logger {
	l := logrus.New()
	l.SetLevel(level)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		l.SetOutput(console)
		l.Warnf("log file %s unavailable: %v", path, err)
		return l
	}
	l.SetOutput(io.MultiWriter(console, f))
	return l
}

func getLimiter(ip string) *rate.Limiter {
	ipLock.Lock()
	defer ipLock.Unlock()
	limiter, exists := ipLimiters[ip]
	if !exists {
		// 10 req/s with burst of 20 so polling clients are not throttled
		limiter = rate.NewLimiter(10, 20)
		ipLimiters[ip] = limiter
	}
	return limiter
}

// middlewareCORS adds headers to allow browser clients
func middlewareCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With, "+AccountHeader)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func middlewareSecurity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
		if !getLimiter(ip).Allow() {
			http.Error(w, "Rate Limit", http.StatusTooManyRequests)
			return
		}

		if r.Method == http.MethodGet || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		// Allow charset suffixes and lazy clients that send no type at all
		contentType := r.Header.Get("Content-Type")
		if contentType == "" || strings.Contains(contentType, "application/json") {
			next.ServeHTTP(w, r)
			return
		}

		http.Error(w, "Bad Type: "+contentType, http.StatusUnsupportedMediaType)
	})
}

// accountFrom resolves the caller identity supplied by the gateway.
func accountFrom(r *http.Request) (types.Account, bool) {
	id := strings.TrimSpace(r.Header.Get(AccountHeader))
	if id == "" || len(id) > MaxAccountLen {
		return "", false
	}
	return types.Account(id), true
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		ErrorLog.WithError(err).Warn("response encode failed")
	}
}

// statusFor maps game errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, game.ErrOutOfBounds):
		return http.StatusBadRequest
	case errors.Is(err, game.ErrInsufficientPayment):
		return http.StatusPaymentRequired
	case errors.Is(err, game.ErrRoundOver),
		errors.Is(err, game.ErrRoundStillActive),
		errors.Is(err, game.ErrAlreadyWithdrawn):
		return http.StatusConflict
	case errors.Is(err, game.ErrPriceOverflow):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		ErrorLog.WithError(err).Error("request failed")
		http.Error(w, "Internal Error", code)
		return
	}
	http.Error(w, err.Error(), code)
}

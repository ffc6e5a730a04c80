package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"gitlab.com/timkado/api/vapi-call-sync/internal/model"
	"gitlab.com/timkado/api/vapi-call-sync/internal/observer"
	"gitlab.com/timkado/api/vapi-call-sync/pkg/logger"
	"gitlab.com/timkado/api/vapi-call-sync/pkg/utils"
)

// fakeVapi is a local stand-in for the Vapi call API. Every bearer token
// gets its own generated call log so several organizations can be synced
// against one instance.
type fakeVapi struct {
	callsPerKey  int
	days         int
	recordingLen int
	failRate     float64
	baseURL      string
	limiter      *rate.Limiter

	mu    sync.Mutex
	calls map[string][]*model.RemoteCall // api key -> newest first
}

func main() {
	port := flag.Int("port", 9090, "Port to serve the fake API on")
	callsPerKey := flag.Int("calls", 250, "Number of calls generated per API key")
	days := flag.Int("days", 14, "Spread generated calls over this many days")
	recordingLen := flag.Int("recording-bytes", 64*1024, "Size of every generated recording")
	rps := flag.Float64("rate", 20, "Requests per second before answering 429")
	failRate := flag.Float64("fail-rate", 0, "Fraction of requests answered with 503")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Fake Vapi API\n")
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Serves generated call logs for exercising vapi-call-sync locally.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if err := logger.Initialize(*logLevel); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	observer.InitMetrics(true)
	gofakeit.Seed(time.Now().UnixNano())

	api := &fakeVapi{
		callsPerKey:  *callsPerKey,
		days:         *days,
		recordingLen: *recordingLen,
		failRate:     *failRate,
		baseURL:      fmt.Sprintf("http://localhost:%d", *port),
		limiter:      rate.NewLimiter(rate.Limit(*rps), int(*rps)+1),
		calls:        make(map[string][]*model.RemoteCall),
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", *port),
		Handler:           api.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Log.Info("Starting fake Vapi API",
			zap.String("addr", server.Addr),
			zap.Int("calls_per_key", *callsPerKey),
			zap.Int("days", *days),
			zap.Float64("rate_per_sec", *rps),
			zap.Float64("fail_rate", *failRate),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.Fatal("Fake Vapi API failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Log.Info("Received termination signal, shutting down...", zap.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.Error("Fake Vapi API shutdown error", zap.Error(err))
	}
	logger.Log.Info("Fake Vapi API shutdown complete")
}

func (f *fakeVapi) routes() http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/recordings/{id}.wav", f.recording)

	r.Group(func(r chi.Router) {
		r.Use(f.authorize)
		r.Use(f.throttle)
		r.Get("/call", f.listCalls)
		r.Delete("/call/{id}", f.deleteCall)
	})
	return r
}

type keyCtx struct{}

func (f *fakeVapi) authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		const prefix = "Bearer "
		auth := r.Header.Get("Authorization")
		if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix {
			utils.WriteJSONError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		ctx := context.WithValue(r.Context(), keyCtx{}, auth[len(prefix):])
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (f *fakeVapi) throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("x-ratelimit-limit", strconv.Itoa(f.limiter.Burst()))
		w.Header().Set("x-ratelimit-remaining", strconv.Itoa(int(f.limiter.Tokens())))
		w.Header().Set("x-ratelimit-reset", strconv.FormatInt(time.Now().Add(time.Second).Unix(), 10))

		if !f.limiter.Allow() {
			logger.Log.Debug("Throttling request", zap.String("path", r.URL.Path))
			utils.WriteJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		if f.failRate > 0 && gofakeit.Float64Range(0, 1) < f.failRate {
			utils.WriteJSONError(w, http.StatusServiceUnavailable, "injected failure")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// callsFor returns the key's call log, generating it on first use.
func (f *fakeVapi) callsFor(key string) []*model.RemoteCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	if calls, ok := f.calls[key]; ok {
		return calls
	}

	calls := make([]*model.RemoteCall, 0, f.callsPerKey)
	for i := 0; i < f.callsPerKey; i++ {
		created := time.Now().UTC().Add(-time.Duration(gofakeit.Number(1, f.days*24*60)) * time.Minute)
		id := gofakeit.UUID()
		override := &model.RemoteCall{
			ID:           id,
			Status:       gofakeit.RandomString([]string{model.CallStatusEnded, model.CallStatusEnded, model.CallStatusEnded, "in-progress"}),
			CreatedAt:    created.Format(time.RFC3339Nano),
			RecordingURL: fmt.Sprintf("%s/recordings/%s.wav", f.baseURL, id),
		}
		if override.Status == model.CallStatusEnded {
			duration := float64(gofakeit.Number(10, 900))
			ended := created.Add(time.Duration(duration) * time.Second).Format(time.RFC3339Nano)
			override.Duration = &duration
			override.EndedAt = &ended
		} else {
			override.RecordingURL = ""
		}
		calls = append(calls, model.NewRemoteCall(override))
	}
	sort.Slice(calls, func(i, j int) bool { return calls[i].CreatedAt > calls[j].CreatedAt })

	f.calls[key] = calls
	logger.Log.Info("Generated call log", zap.Int("calls", len(calls)), zap.String("key_suffix", suffix(key)))
	return calls
}

func (f *fakeVapi) listCalls(w http.ResponseWriter, r *http.Request) {
	key, _ := r.Context().Value(keyCtx{}).(string)
	q := r.URL.Query()

	limit, err := strconv.Atoi(q.Get("limit"))
	if err != nil || limit <= 0 {
		limit = 100
	}
	offset, _ := strconv.Atoi(q.Get("offset"))
	from, _ := utils.ParseTimestamp(q.Get("createdAtGt"))
	to, _ := utils.ParseTimestamp(q.Get("createdAtLt"))

	page := make([]*model.RemoteCall, 0, limit)
	skipped := 0
	for _, call := range f.callsFor(key) {
		created, err := utils.ParseTimestamp(call.CreatedAt)
		if err != nil {
			continue
		}
		if (!from.IsZero() && !created.After(from)) || (!to.IsZero() && !created.Before(to)) {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		page = append(page, call)
		if len(page) == limit {
			break
		}
	}

	logger.Log.Debug("Listed calls", zap.Int("offset", offset), zap.Int("returned", len(page)))
	utils.WriteJSONResponse(w, http.StatusOK, page)
}

func (f *fakeVapi) deleteCall(w http.ResponseWriter, r *http.Request) {
	key, _ := r.Context().Value(keyCtx{}).(string)
	id := chi.URLParam(r, "id")
	calls := f.callsFor(key)

	f.mu.Lock()
	defer f.mu.Unlock()
	for i, call := range calls {
		if call.ID == id {
			f.calls[key] = append(calls[:i:i], calls[i+1:]...)
			utils.WriteJSONResponse(w, http.StatusOK, call)
			return
		}
	}
	utils.WriteJSONError(w, http.StatusNotFound, "call not found")
}

func (f *fakeVapi) recording(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Length", strconv.Itoa(f.recordingLen))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(gofakeit.LetterN(uint(f.recordingLen))))
}

func suffix(key string) string {
	if len(key) <= 4 {
		return key
	}
	return key[len(key)-4:]
}

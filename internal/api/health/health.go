package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/davidleathers/guardian-core/internal/domain/activity"
	ld "github.com/davidleathers/guardian-core/internal/domain/lockdown"
	"github.com/davidleathers/guardian-core/internal/infrastructure/telemetry"
)

// Status is the outcome of one check
type Status string

const (
	StatusPass Status = "pass"
	StatusWarn Status = "warn"
	StatusFail Status = "fail"
)

// Result represents the result of a health check
type Result struct {
	Status       Status                 `json:"status"`
	Message      string                 `json:"message,omitempty"`
	Error        string                 `json:"error,omitempty"`
	ResponseTime time.Duration          `json:"response_time"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// Checker checks the health of one dependency
type Checker interface {
	Check(ctx context.Context) Result
}

// CheckFunc adapts a function to Checker
type CheckFunc func(ctx context.Context) Result

func (f CheckFunc) Check(ctx context.Context) Result { return f(ctx) }

// Response is the body of both probe endpoints
type Response struct {
	Status   Status                 `json:"status"`
	Version  string                 `json:"version"`
	Service  string                 `json:"service"`
	Checks   map[string]Result      `json:"checks,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Config configures the health service
type Config struct {
	Service string
	Version string
	// Timeout bounds each individual check
	Timeout time.Duration
}

// Service runs registered checkers for the readiness probe
type Service struct {
	cfg     Config
	clock   activity.Clock
	logger  *zap.Logger
	tracer  *telemetry.Tracer
	started time.Time

	mu       sync.RWMutex
	checkers map[string]Checker
}

// NewService creates a health service with no checkers
func NewService(cfg Config, clock activity.Clock, logger *zap.Logger) *Service {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if clock == nil {
		clock = activity.RealClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		cfg:      cfg,
		clock:    clock,
		logger:   logger,
		tracer:   telemetry.NewTracer("guardian/health"),
		started:  clock.Now(),
		checkers: make(map[string]Checker),
	}
}

// Register adds or replaces the checker under name
func (s *Service) Register(name string, c Checker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkers[name] = c
}

// Handler serves /healthz and /readyz
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.liveness)
	mux.HandleFunc("GET /readyz", s.readiness)
	return mux
}

func (s *Service) liveness(w http.ResponseWriter, r *http.Request) {
	_, span := s.tracer.Start(r.Context(), "health.liveness")
	defer span.End()

	s.write(w, http.StatusOK, Response{
		Status:   StatusPass,
		Version:  s.cfg.Version,
		Service:  s.cfg.Service,
		Metadata: s.metadata(),
	})
}

func (s *Service) readiness(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.tracer.Start(r.Context(), "health.readiness")
	defer span.End()

	checks := s.Run(ctx)
	status, code := Aggregate(checks)
	span.SetAttributes(
		attribute.String("health.status", string(status)),
		attribute.Int("health.checks_count", len(checks)),
	)
	if status == StatusFail {
		s.logger.Warn("readiness check failed", zap.Any("checks", checks))
	}
	s.write(w, code, Response{
		Status:   status,
		Version:  s.cfg.Version,
		Service:  s.cfg.Service,
		Checks:   checks,
		Metadata: s.metadata(),
	})
}

// Run executes every checker concurrently, each under its own timeout
func (s *Service) Run(ctx context.Context) map[string]Result {
	s.mu.RLock()
	checkers := make(map[string]Checker, len(s.checkers))
	for name, c := range s.checkers {
		checkers[name] = c
	}
	s.mu.RUnlock()

	results := make(map[string]Result, len(checkers))
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for name, c := range checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
			defer cancel()

			start := s.clock.Now()
			res := c.Check(cctx)
			res.ResponseTime = s.clock.Now().Sub(start)

			mu.Lock()
			results[name] = res
			mu.Unlock()
		}()
	}
	wg.Wait()
	return results
}

// Aggregate folds check results into an overall status and HTTP code. Any
// failure fails the probe; warnings keep it serving.
func Aggregate(checks map[string]Result) (Status, int) {
	status := StatusPass
	for _, res := range checks {
		switch res.Status {
		case StatusFail:
			return StatusFail, http.StatusServiceUnavailable
		case StatusWarn:
			status = StatusWarn
		}
	}
	return status, http.StatusOK
}

func (s *Service) metadata() map[string]interface{} {
	now := s.clock.Now()
	return map[string]interface{}{
		"uptime_seconds": now.Sub(s.started).Seconds(),
		"timestamp":      now.UTC(),
	}
}

func (s *Service) write(w http.ResponseWriter, code int, body Response) {
	w.Header().Set("Content-Type", "application/health+json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Debug("failed to write health response", zap.Error(err))
	}
}

// Pinger is satisfied by *pgxpool.Pool
type Pinger interface {
	Ping(ctx context.Context) error
}

// DatabaseChecker reports whether the activity database answers
func DatabaseChecker(db Pinger) Checker {
	return CheckFunc(func(ctx context.Context) Result {
		if err := db.Ping(ctx); err != nil {
			return Result{Status: StatusFail, Error: err.Error()}
		}
		return Result{Status: StatusPass, Message: "database is reachable"}
	})
}

// RedisChecker reports whether the shared attempt limiter is reachable
func RedisChecker(client redis.UniversalClient) Checker {
	return CheckFunc(func(ctx context.Context) Result {
		if err := client.Ping(ctx).Err(); err != nil {
			return Result{Status: StatusFail, Error: err.Error()}
		}
		return Result{Status: StatusPass, Message: "redis is reachable"}
	})
}

// StateSource is satisfied by the lockdown controller
type StateSource interface {
	State() ld.State
}

// SequenceSource is satisfied by the activity log
type SequenceSource interface {
	LastSequence() uint64
}

// LockdownChecker warns while the core is restricting commands. It never
// fails the probe: a locked core is still doing its job.
func LockdownChecker(states StateSource, log SequenceSource) Checker {
	return CheckFunc(func(ctx context.Context) Result {
		state := states.State()
		res := Result{
			Status: StatusPass,
			Metadata: map[string]interface{}{
				"state":         state.String(),
				"last_sequence": log.LastSequence(),
			},
		}
		if state != ld.StateNormal {
			res.Status = StatusWarn
			res.Message = "commands are restricted"
		}
		return res
	})
}

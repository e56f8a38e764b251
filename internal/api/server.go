package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	xerrors "OpenLP-Chain/internal/errors"
	"OpenLP-Chain/internal/observability/metrics"
	"OpenLP-Chain/internal/operation"
	"OpenLP-Chain/internal/plan"
)

// Planner 供预估接口构造计划而不提交。
type Planner interface {
	BuildPlan(ctx context.Context, req operation.Request) (*plan.Plan, error)
}

// Server 负责暴露 REST 接口，供外部提交与查询操作。
type Server struct {
	addr    string
	service *operation.Service
	planner Planner
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, service *operation.Service, planner Planner) *Server {
	return &Server{addr: addr, service: service, planner: planner}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/operations", s.instrument("operations", s.handleOperations))
	mux.HandleFunc("/api/v1/operations/", s.instrument("operation_detail", s.handleOperationDetail))
	mux.HandleFunc("/api/v1/operations/stats", s.instrument("operation_stats", s.handleStats))
	mux.HandleFunc("/api/v1/plans", s.instrument("plans", s.handlePlans))
	mux.Handle("/metrics", metrics.Handler())

	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleOperations(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleSubmitOperation(w, r)
	case http.MethodGet:
		s.handleListOperations(w, r)
	default:
		http.Error(w, "仅支持 GET/POST", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleSubmitOperation(w http.ResponseWriter, r *http.Request) {
	if s.service == nil {
		http.Error(w, "操作服务未初始化", http.StatusServiceUnavailable)
		return
	}
	var req operation.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	op, err := s.service.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(op)
}

func (s *Server) handleListOperations(w http.ResponseWriter, r *http.Request) {
	if s.service == nil {
		http.Error(w, "操作服务未初始化", http.StatusServiceUnavailable)
		return
	}
	opts := listOptionsFromQuery(r)
	ops, err := s.service.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(ops)
}

func (s *Server) handleOperationDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.service == nil {
		http.Error(w, "操作服务未初始化", http.StatusServiceUnavailable)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/operations/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "操作 ID 缺失", http.StatusBadRequest)
		return
	}
	op, err := s.service.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(op)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.service == nil {
		http.Error(w, "操作服务未初始化", http.StatusServiceUnavailable)
		return
	}
	opts := listOptionsFromQuery(r)
	stats, err := s.service.Stats(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(stats)
}

// handlePlans 构造计划并返回预估，不触达账本。
func (s *Server) handlePlans(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.planner == nil {
		http.Error(w, "计划构造器未初始化", http.StatusServiceUnavailable)
		return
	}
	var req operation.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	p, err := s.planner.BuildPlan(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(planView(p))
}

// planPreview 是预估接口的响应，不包含可签名的消息内容。
type planPreview struct {
	Kind     plan.Kind     `json:"kind"`
	Mode     plan.Mode     `json:"mode"`
	Steps    []stepPreview `json:"steps"`
	Estimate plan.Estimate `json:"estimate"`
}

type stepPreview struct {
	Label        string             `json:"label"`
	NeedsRepair  bool               `json:"needs_repair"`
	Precondition *plan.Precondition `json:"precondition,omitempty"`
}

func planView(p *plan.Plan) planPreview {
	view := planPreview{
		Kind:     p.Kind,
		Mode:     p.Mode,
		Estimate: p.Estimate,
	}
	for _, step := range p.Steps {
		view.Steps = append(view.Steps, stepPreview{
			Label:        step.Label,
			NeedsRepair:  step.NeedsRepair,
			Precondition: step.Precondition,
		})
	}
	return view
}

func listOptionsFromQuery(r *http.Request) []operation.ListOption {
	var opts []operation.ListOption
	query := r.URL.Query()
	if raw := query.Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			opts = append(opts, operation.WithLimit(parsed))
		}
	}
	if raw := query.Get("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			opts = append(opts, operation.WithOffset(parsed))
		}
	}
	if raw := query.Get("status"); raw != "" {
		statuses := make([]operation.Status, 0, 4)
		for _, s := range strings.Split(raw, ",") {
			statuses = append(statuses, operation.Status(strings.TrimSpace(s)))
		}
		opts = append(opts, operation.WithStatuses(statuses...))
	}
	if raw := query.Get("kind"); raw != "" {
		kinds := make([]operation.Kind, 0, 4)
		for _, k := range strings.Split(raw, ",") {
			kinds = append(kinds, operation.Kind(strings.TrimSpace(k)))
		}
		opts = append(opts, operation.WithKinds(kinds...))
	}
	if owner := query.Get("owner"); owner != "" {
		opts = append(opts, operation.WithOwner(owner))
	}
	if q := query.Get("q"); q != "" {
		opts = append(opts, operation.WithQuery(q))
	}
	return opts
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch xerrors.CodeOf(err) {
	case operation.CodeOperationNotFound, xerrors.CodeNotFound:
		status = http.StatusNotFound
	case operation.CodeOperationValidation, xerrors.CodeInvalidArgument, plan.CodePlanInvalidIntent, plan.CodePlanNoRoute:
		status = http.StatusBadRequest
	case operation.CodeOperationConflict, xerrors.CodeConflict, xerrors.CodeLockBusy:
		status = http.StatusConflict
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{
			"code":    string(xerrors.CodeOf(err)),
			"message": err.Error(),
		},
	})
}

// instrument 记录请求指标。
func (s *Server) instrument(name string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		handler(recorder, r)
		metrics.ObserveHTTPRequest(name, r.Method, recorder.status, time.Since(started))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"maskbrowser/internal/app"
	"maskbrowser/internal/proxy"
	"maskbrowser/internal/rpa"
	"maskbrowser/internal/shared/logger"
	"maskbrowser/internal/shared/settings"
	"maskbrowser/internal/shared/types"
	"maskbrowser/internal/tunnel"
)

// Controller 是 web 层操作核心所需的接口, 由 *app.AppServer 实现。
type Controller interface {
	ListProfiles() []*types.ProfileSpec
	Profile(id string) (types.ProfileSpec, bool)
	SaveProfile(p types.ProfileSpec) (types.ProfileSpec, error)
	DeleteProfile(id string) error
	Launch(ctx context.Context, id string) (app.SessionInfo, error)
	CloseProfile(id string) error
	Sessions() []app.SessionInfo
	SessionInfo(profileID string) (app.SessionInfo, bool)
	TestProxy(ctx context.Context, raw, scheme string) (tunnel.Result, error)
	RunTask(profileID, taskID string, priority int) (rpa.Job, error)
	Tasks() *rpa.Library
	Jobs() *rpa.Scheduler
	Settings() *settings.SettingsManager
}

var _ Controller = (*app.AppServer)(nil)

// launchTimeout 限制一次启动请求中隧道握手、出口探测和浏览器启动的总时长。
const launchTimeout = 90 * time.Second

type Handler struct {
	controller Controller
	hub        *Hub
}

func NewHandler(controller Controller, hub *Hub) *Handler {
	return &Handler{controller: controller, hub: hub}
}

// APIError 是所有错误响应的格式
type APIError struct {
	Error string `json:"error"`
}

func sendJSON(w http.ResponseWriter, data interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func sendError(w http.ResponseWriter, msg string, status int) {
	sendJSON(w, APIError{Error: msg}, status)
}

// statusFor 把核心错误映射为 HTTP 状态码。
func statusFor(err error) int {
	switch {
	case errors.Is(err, proxy.ErrFormat):
		return http.StatusBadRequest
	case errors.Is(err, app.ErrProfileNotFound),
		errors.Is(err, rpa.ErrTaskNotFound),
		errors.Is(err, rpa.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, app.ErrProfileRunning),
		errors.Is(err, app.ErrProfileNotRunning),
		errors.Is(err, app.ErrProfileDisabled):
		return http.StatusConflict
	case errors.Is(err, tunnel.ErrUpstreamUnreachable),
		errors.Is(err, tunnel.ErrAuthenticationFailed):
		return http.StatusBadGateway
	case errors.Is(err, rpa.ErrSchedulerClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func sendErr(w http.ResponseWriter, err error) {
	sendError(w, err.Error(), statusFor(err))
}

func decodeBody(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(io.LimitReader(r.Body, 4<<20)).Decode(v)
}

// --- 状态 ---

// StatusResponse 是 /api/status 的响应
type StatusResponse struct {
	Sessions  []app.SessionInfo  `json:"sessions"`
	Profiles  int                `json:"profiles"`
	Tasks     int                `json:"tasks"`
	Jobs      map[rpa.Status]int `json:"jobs"`
	WSClients int                `json:"wsClients"`
}

// HandleStatus 处理 GET /api/status 请求
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	jobs := make(map[rpa.Status]int)
	for _, j := range h.controller.Jobs().List() {
		jobs[j.Status]++
	}
	resp := StatusResponse{
		Sessions: h.controller.Sessions(),
		Profiles: len(h.controller.ListProfiles()),
		Tasks:    len(h.controller.Tasks().List()),
		Jobs:     jobs,
	}
	if h.hub != nil {
		resp.WSClients = h.hub.ClientCount()
	}
	sendJSON(w, resp, http.StatusOK)
}

// --- 配置档案 ---

func (h *Handler) HandleListProfiles(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, h.controller.ListProfiles(), http.StatusOK)
}

// HandleSaveProfile 处理 POST /api/profiles。带 id 时替换已有档案。
func (h *Handler) HandleSaveProfile(w http.ResponseWriter, r *http.Request) {
	var p types.ProfileSpec
	if err := decodeBody(r, &p); err != nil {
		sendError(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	saved, err := h.controller.SaveProfile(p)
	if err != nil {
		sendErr(w, err)
		return
	}
	sendJSON(w, saved, http.StatusOK)
}

func (h *Handler) HandleGetProfile(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	p, found := h.controller.Profile(id)
	if !found {
		sendError(w, "Profile not found", http.StatusNotFound)
		return
	}
	sendJSON(w, p, http.StatusOK)
}

func (h *Handler) HandleDeleteProfile(w http.ResponseWriter, r *http.Request) {
	if err := h.controller.DeleteProfile(mux.Vars(r)["id"]); err != nil {
		sendErr(w, err)
		return
	}
	h.notifyStatus()
	w.WriteHeader(http.StatusNoContent)
}

// HandleLaunchProfile 处理 POST /api/profiles/{id}/launch, 在会话创建后返回 (不等待注入就绪)。
func (h *Handler) HandleLaunchProfile(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ctx, cancel := context.WithTimeout(r.Context(), launchTimeout)
	defer cancel()

	logger.Info().Str("profile_id", id).Msg("[Handler] Received request to launch profile.")
	info, err := h.controller.Launch(ctx, id)
	if err != nil {
		sendErr(w, err)
		return
	}
	h.notifyStatus()
	sendJSON(w, info, http.StatusOK)
}

func (h *Handler) HandleCloseProfile(w http.ResponseWriter, r *http.Request) {
	if err := h.controller.CloseProfile(mux.Vars(r)["id"]); err != nil {
		sendErr(w, err)
		return
	}
	h.notifyStatus()
	w.WriteHeader(http.StatusNoContent)
}

// HandleGetIdentity 处理 GET /api/profiles/{id}/identity, 返回运行中会话的身份与注入状态。
func (h *Handler) HandleGetIdentity(w http.ResponseWriter, r *http.Request) {
	info, found := h.controller.SessionInfo(mux.Vars(r)["id"])
	if !found {
		sendError(w, "Profile session not running", http.StatusNotFound)
		return
	}
	sendJSON(w, info, http.StatusOK)
}

// --- 代理 ---

// ProxyRequest 是代理解析与测试请求的请求体
type ProxyRequest struct {
	Proxy  string `json:"proxy"`
	Scheme string `json:"scheme"`
}

// ParsedProxy 是解析结果, 不回显密码。
type ParsedProxy struct {
	Scheme   proxy.Scheme `json:"scheme"`
	Host     string       `json:"host"`
	Port     int          `json:"port"`
	Username string       `json:"username,omitempty"`
	HasAuth  bool         `json:"hasAuth"`
	URL      string       `json:"url"`
}

func (h *Handler) HandleParseProxy(w http.ResponseWriter, r *http.Request) {
	var req ProxyRequest
	if err := decodeBody(r, &req); err != nil {
		sendError(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	d, err := proxy.Normalize(req.Proxy, proxy.Scheme(req.Scheme))
	if err != nil {
		sendErr(w, err)
		return
	}
	sendJSON(w, ParsedProxy{
		Scheme:   d.Scheme,
		Host:     d.Host,
		Port:     d.Port,
		Username: d.Username,
		HasAuth:  d.HasAuth(),
		URL:      d.Redacted(),
	}, http.StatusOK)
}

// HandleTestProxy 处理 POST /api/proxy/test。连通性失败也返回 200, 结果中 success=false。
func (h *Handler) HandleTestProxy(w http.ResponseWriter, r *http.Request) {
	var req ProxyRequest
	if err := decodeBody(r, &req); err != nil {
		sendError(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	res, err := h.controller.TestProxy(r.Context(), req.Proxy, req.Scheme)
	if err != nil {
		sendErr(w, err)
		return
	}
	sendJSON(w, res, http.StatusOK)
}

// --- 任务定义 ---

func (h *Handler) HandleListTasks(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, h.controller.Tasks().List(), http.StatusOK)
}

// HandleSaveTask 处理 POST /api/tasks, 同 id 的任务被替换。
func (h *Handler) HandleSaveTask(w http.ResponseWriter, r *http.Request) {
	h.storeTask(w, r, false)
}

// HandleImportTask 处理 POST /api/tasks/import。与已有任务 id 冲突时分配新 id。
func (h *Handler) HandleImportTask(w http.ResponseWriter, r *http.Request) {
	h.storeTask(w, r, true)
}

func (h *Handler) storeTask(w http.ResponseWriter, r *http.Request, fresh bool) {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, 4<<20))
	if err != nil {
		sendError(w, "Failed to read request body", http.StatusInternalServerError)
		return
	}
	task, err := rpa.Import(body)
	if err != nil {
		sendError(w, err.Error(), http.StatusBadRequest)
		return
	}
	lib := h.controller.Tasks()
	if _, exists := lib.Get(task.ID); exists && fresh {
		task.ID = uuid.NewString()
	}
	if err := lib.Put(task); err != nil {
		sendErr(w, err)
		return
	}
	sendJSON(w, task, http.StatusOK)
}

func (h *Handler) HandleGetTask(w http.ResponseWriter, r *http.Request) {
	task, found := h.controller.Tasks().Get(mux.Vars(r)["id"])
	if !found {
		sendError(w, "Task not found", http.StatusNotFound)
		return
	}
	sendJSON(w, task, http.StatusOK)
}

func (h *Handler) HandleDeleteTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	lib := h.controller.Tasks()
	if _, found := lib.Get(id); !found {
		sendError(w, "Task not found", http.StatusNotFound)
		return
	}
	if err := lib.Delete(id); err != nil {
		sendErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleExportTask 处理 GET /api/tasks/{id}/export, 以附件形式返回外部格式。
func (h *Handler) HandleExportTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	task, found := h.controller.Tasks().Get(id)
	if !found {
		sendError(w, "Task not found", http.StatusNotFound)
		return
	}
	data, err := rpa.Export(task)
	if err != nil {
		sendErr(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="task-`+id+`.json"`)
	w.Write(data)
}

// --- 任务执行 ---

// RunRequest 是 POST /api/jobs 的请求体
type RunRequest struct {
	ProfileID string `json:"profileId"`
	TaskID    string `json:"taskId"`
	Priority  int    `json:"priority"`
}

func (h *Handler) HandleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if err := decodeBody(r, &req); err != nil {
		sendError(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.ProfileID == "" || req.TaskID == "" {
		sendError(w, "profileId and taskId are required", http.StatusBadRequest)
		return
	}
	job, err := h.controller.RunTask(req.ProfileID, req.TaskID, req.Priority)
	if err != nil {
		sendErr(w, err)
		return
	}
	sendJSON(w, job, http.StatusAccepted)
}

// HandleListJobs 处理 GET /api/jobs, 支持 ?status= 与 ?profileId= 过滤。
func (h *Handler) HandleListJobs(w http.ResponseWriter, r *http.Request) {
	status := rpa.Status(r.URL.Query().Get("status"))
	profileID := r.URL.Query().Get("profileId")
	out := make([]rpa.Job, 0)
	for _, j := range h.controller.Jobs().List() {
		if status != "" && j.Status != status {
			continue
		}
		if profileID != "" && j.ProfileID != profileID {
			continue
		}
		out = append(out, j)
	}
	sendJSON(w, out, http.StatusOK)
}

func (h *Handler) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	job, found := h.controller.Jobs().Get(mux.Vars(r)["id"])
	if !found {
		sendError(w, "Job not found", http.StatusNotFound)
		return
	}
	sendJSON(w, job, http.StatusOK)
}

func (h *Handler) HandleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.controller.Jobs().Cancel(id); err != nil {
		sendErr(w, err)
		return
	}
	job, _ := h.controller.Jobs().Get(id)
	sendJSON(w, job, http.StatusOK)
}

// HandlePurgeJobs 处理 DELETE /api/jobs, 删除所有终态任务。
func (h *Handler) HandlePurgeJobs(w http.ResponseWriter, r *http.Request) {
	n := h.controller.Jobs().Purge()
	sendJSON(w, map[string]int{"purged": n}, http.StatusOK)
}

// --- 统一配置 API ---

// HandleGetSettings 处理 GET /api/settings 请求
func (h *Handler) HandleGetSettings(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, h.controller.Settings().Get(), http.StatusOK)
}

// HandleGetModuleSettings 处理 GET /api/settings/{module} 请求
func (h *Handler) HandleGetModuleSettings(w http.ResponseWriter, r *http.Request) {
	module := h.controller.Settings().Module(mux.Vars(r)["module"])
	if module == nil {
		sendError(w, "unknown settings module", http.StatusNotFound)
		return
	}
	sendJSON(w, module, http.StatusOK)
}

// HandleUpdateSettings 处理 POST /api/settings/{module} 请求
func (h *Handler) HandleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	moduleKey := mux.Vars(r)["module"]
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		sendError(w, "Failed to read request body", http.StatusInternalServerError)
		return
	}

	if err := h.controller.Settings().Update(moduleKey, body); err != nil {
		switch {
		case strings.Contains(err.Error(), "unknown settings module"):
			sendError(w, err.Error(), http.StatusNotFound)
		case strings.Contains(err.Error(), "failed to parse JSON"):
			sendError(w, err.Error(), http.StatusBadRequest)
		default:
			sendError(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}
	logger.Info().Str("module", moduleKey).Msg("[Handler] Settings updated.")
	sendJSON(w, map[string]string{"message": "Settings updated successfully"}, http.StatusOK)
}

func (h *Handler) notifyStatus() {
	if h.hub != nil {
		h.hub.BroadcastStatusUpdate()
	}
}

package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/forge/internal/middleware"
	"github.com/hitoshi/forge/internal/model"
	"github.com/hitoshi/forge/internal/pipeline"
)

// maxRequestBodyBytes はリクエストボディの上限サイズ。
const maxRequestBodyBytes = 64 << 10

// streamEndMarker はイベントストリームの終端を示すデータ。
const streamEndMarker = "[DONE]"

// ResearchServiceInterface はリサーチハンドラーが必要とするサービスインターフェース。
type ResearchServiceInterface interface {
	// Start は入力を検証し、リサーチ実行を開始する。
	Start(ctx context.Context, userID string, req pipeline.Request) (*pipeline.Run, error)
	// GetResearch はプロジェクトのリサーチ行を返す。
	GetResearch(ctx context.Context, userID, projectID string) (*model.ProjectResearch, error)
	// UpdateSelection はストーリーとキーワードの選択を置き換える。
	UpdateSelection(ctx context.Context, userID, projectID string, storyIDs, keywords []string) (*model.ProjectResearch, error)
}

// ResearchHandler はリサーチパイプラインのHTTPハンドラー。
type ResearchHandler struct {
	service ResearchServiceInterface
}

// NewResearchHandler はResearchHandlerを生成する。
func NewResearchHandler(service ResearchServiceInterface) *ResearchHandler {
	return &ResearchHandler{service: service}
}

// pipelineRequest はパイプライン開始リクエストのボディ。
type pipelineRequest struct {
	ProjectID         string   `json:"projectId"`
	Headline          string   `json:"headline"`
	PrimaryKeyword    string   `json:"primaryKeyword"`
	SecondaryKeywords []string `json:"secondaryKeywords"`
	Topic             string   `json:"topic"`
	AdditionalDetails string   `json:"additionalDetails"`
}

// selectionRequest は選択更新リクエストのボディ。
type selectionRequest struct {
	SelectedStoryIDs []string `json:"selectedStoryIds"`
	SelectedKeywords []string `json:"selectedKeywords"`
}

// researchResponse はリサーチ行のAPIレスポンス。
type researchResponse struct {
	ID                string                `json:"id"`
	ProjectID         string                `json:"project_id"`
	Status            string                `json:"status"`
	Stories           []model.ResearchStory `json:"stories"`
	SuggestedKeywords []string              `json:"suggested_keywords"`
	SelectedStoryIDs  []string              `json:"selected_story_ids"`
	SelectedKeywords  []string              `json:"selected_keywords"`
	OrchestratorLog   []model.LogEntry      `json:"orchestrator_log"`
	LoopsCompleted    int                   `json:"loops_completed"`
	ErrorMessage      string                `json:"error_message,omitempty"`
	StartedAt         time.Time             `json:"started_at"`
	UpdatedAt         time.Time             `json:"updated_at"`
}

// RunPipeline はリサーチ実行を開始し、進捗をServer-Sent Eventsで返す。
// POST /api/research/pipeline
//
// ストリーム開始前の失敗はJSONのエラーレスポンスで返す。開始後はすべてイベントで伝える。
// クライアントが切断しても実行は継続し、結果は保存される。
func (h *ResearchHandler) RunPipeline(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	var req pipelineRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError())
		return
	}

	if !supportsFlush(w) {
		writeAPIErrorResponse(w, http.StatusInternalServerError, &model.APIError{
			Code:     model.ErrCodeStreamNotSupported,
			Message:  "ストリーミング応答に対応していません。",
			Category: "system",
			Action:   "しばらく待ってから再度お試しください。",
		})
		return
	}

	run, err := h.service.Start(r.Context(), userID, pipeline.Request{
		ProjectID:         req.ProjectID,
		Headline:          req.Headline,
		PrimaryKeyword:    req.PrimaryKeyword,
		SecondaryKeywords: req.SecondaryKeywords,
		Topic:             req.Topic,
		AdditionalDetails: req.AdditionalDetails,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	streamEvents(w, r, run)
}

// streamEvents はRunのイベントをdata行として書き出し、終端マーカーで閉じる。
func streamEvents(w http.ResponseWriter, r *http.Request, run *pipeline.Run) {
	rc := http.NewResponseController(w)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	rc.Flush()

	for {
		select {
		case ev, ok := <-run.Events():
			if !ok {
				fmt.Fprintf(w, "data: %s\n\n", streamEndMarker)
				rc.Flush()
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				slog.Error("イベントのエンコードに失敗しました", slog.String("error", err.Error()))
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				detach(run, err)
				return
			}
			if err := rc.Flush(); err != nil {
				detach(run, err)
				return
			}
		case <-r.Context().Done():
			detach(run, r.Context().Err())
			return
		}
	}
}

func detach(run *pipeline.Run, cause error) {
	slog.Info("クライアントが切断しました。リサーチはバックグラウンドで継続します",
		slog.String("research_id", run.ResearchID),
		slog.String("cause", cause.Error()),
	)
	run.Detach()
}

// supportsFlush はラップされたResponseWriterを含めてhttp.Flusherを実装しているかを返す。
func supportsFlush(w http.ResponseWriter) bool {
	for {
		switch t := w.(type) {
		case http.Flusher:
			return true
		case interface{ Unwrap() http.ResponseWriter }:
			w = t.Unwrap()
		default:
			return false
		}
	}
}

// GetResearch はプロジェクトのリサーチ結果を返す。
// GET /api/projects/{projectId}/research
func (h *ResearchHandler) GetResearch(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	research, err := h.service.GetResearch(r.Context(), userID, chi.URLParam(r, "projectId"))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toResearchResponse(research))
}

// UpdateSelection はストーリーとキーワードの選択を更新する。
// PUT /api/projects/{projectId}/research/selection
func (h *ResearchHandler) UpdateSelection(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	var req selectionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError())
		return
	}
	if req.SelectedStoryIDs == nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewMissingFieldError("selectedStoryIds"))
		return
	}

	research, err := h.service.UpdateSelection(r.Context(), userID, chi.URLParam(r, "projectId"), req.SelectedStoryIDs, req.SelectedKeywords)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toResearchResponse(research))
}

// toResearchResponse はリサーチ行をAPIレスポンスに変換する。
func toResearchResponse(r *model.ProjectResearch) researchResponse {
	return researchResponse{
		ID:                r.ID,
		ProjectID:         r.ProjectID,
		Status:            string(r.Status),
		Stories:           r.Stories,
		SuggestedKeywords: r.SuggestedKeywords,
		SelectedStoryIDs:  r.SelectedStoryIDs,
		SelectedKeywords:  r.SelectedKeywords,
		OrchestratorLog:   r.OrchestratorLog,
		LoopsCompleted:    r.LoopsCompleted,
		ErrorMessage:      r.ErrorMessage,
		StartedAt:         r.StartedAt,
		UpdatedAt:         r.UpdatedAt,
	}
}

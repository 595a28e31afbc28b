package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/Brownie44l1/retina-api/internal/ctxlog"
	"github.com/Brownie44l1/retina-api/internal/gradcam"
	"github.com/Brownie44l1/retina-api/internal/imaging"
	"github.com/Brownie44l1/retina-api/internal/model"
	"github.com/Brownie44l1/retina-api/internal/report"
	"github.com/Brownie44l1/retina-api/internal/service"
)

type Handler struct {
	models         *model.Server
	analyzer       *service.Analyzer
	maxUploadBytes int64
}

func NewHandler(models *model.Server, analyzer *service.Analyzer, maxUploadBytes int64) *Handler {
	if maxUploadBytes <= 0 {
		maxUploadBytes = 16 << 20
	}
	return &Handler{
		models:         models,
		analyzer:       analyzer,
		maxUploadBytes: maxUploadBytes,
	}
}

// Routes registers every endpoint on a new mux.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", h.Root)
	mux.HandleFunc("/health", h.Health)
	mux.HandleFunc("/predict", h.Predict)
	mux.HandleFunc("/report", h.Report)
	return mux
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, err, message string) {
	respondJSON(w, status, errorResponse{Success: false, Error: err, Message: message})
}

// statusFor maps analysis errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, imaging.ErrDecode):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrModelUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		respondError(w, http.StatusNotFound, "Not found", "Unknown endpoint "+r.URL.Path)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"message": "VisionXaid Backend API",
		"status":  "running",
		"endpoints": map[string]string{
			"/":        "This info page",
			"/health":  "Health check",
			"/predict": "POST - Make prediction on image",
			"/report":  "POST - Generate PDF report",
		},
	})
}

type healthResponse struct {
	Status         string  `json:"status"`
	Message        string  `json:"message"`
	ModelLoaded    bool    `json:"model_loaded"`
	ModelPath      *string `json:"model_path"`
	LastConvLayer  *string `json:"last_conv_layer"`
	GradCAMEnabled bool    `json:"gradcam_enabled"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	st := h.models.Status()
	resp := healthResponse{
		Status:         "degraded",
		Message:        "VisionXaid backend is running",
		ModelLoaded:    st.Loaded,
		GradCAMEnabled: h.analyzer.GradCAMEnabled(),
	}
	if st.Loaded {
		resp.Status = "healthy"
		resp.ModelPath = &st.Path
		resp.LastConvLayer = &st.Layer
	}
	respondJSON(w, http.StatusOK, resp)
}

type predictResponse struct {
	Success       bool               `json:"success"`
	Prediction    string             `json:"prediction"`
	TopConfidence float32            `json:"top_confidence"`
	Probs         map[string]float32 `json:"probs"`
	Heatmap       *string            `json:"heatmap"`
	Filename      string             `json:"filename"`
}

func (h *Handler) Predict(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "Method not allowed", "Use POST with a multipart 'file' field")
		return
	}
	logger := ctxlog.FromContext(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := r.ParseMultipartForm(h.maxUploadBytes); err != nil {
		respondError(w, http.StatusBadRequest, err.Error(), "Failed to parse form")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error(), "No image file provided. Use 'file' as the form field name")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error(), "Failed to read upload")
		return
	}
	logger = logger.With("filename", header.Filename)
	logger.Info("Received prediction request.", "size", len(data))
	ctx := ctxlog.WithLogger(r.Context(), logger)

	res, err := h.analyzer.Analyze(ctx, data)
	if err != nil {
		status := statusFor(err)
		logger.Error("Prediction failed.", "status", status, "error", err)
		var stageErr *gradcam.StageError
		switch {
		case status == http.StatusBadRequest:
			respondError(w, status, err.Error(), "Invalid image format")
		case status == http.StatusServiceUnavailable:
			respondError(w, status, "Model not loaded", "Server is still initializing or model failed to load")
		case errors.As(err, &stageErr):
			respondError(w, status, err.Error(), "Failed to generate Grad-CAM heatmap")
		default:
			respondError(w, status, err.Error(), "Failed to process image")
		}
		return
	}

	resp := predictResponse{
		Success:       true,
		Prediction:    res.Prediction.Label,
		TopConfidence: res.Prediction.Confidence,
		Probs:         res.Prediction.Probs,
		Filename:      header.Filename,
	}
	if res.Heatmap != nil {
		b64 := imaging.Base64(res.Heatmap)
		resp.Heatmap = &b64
	}
	respondJSON(w, http.StatusOK, resp)
}

type reportRequest struct {
	OriginalImage string   `json:"original_image"`
	Heatmap       *string  `json:"heatmap"`
	Filename      string   `json:"filename"`
	Prediction    string   `json:"prediction"`
	TopConfidence *float64 `json:"top_confidence"`
}

func (h *Handler) Report(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "Method not allowed", "Use POST with a JSON body")
		return
	}
	logger := ctxlog.FromContext(r.Context())

	var req reportRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 2*h.maxUploadBytes)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error(), "Invalid JSON")
		return
	}
	if req.OriginalImage == "" || req.Prediction == "" || req.TopConfidence == nil {
		respondError(w, http.StatusBadRequest, "missing field", "original_image, prediction and top_confidence are required")
		return
	}
	original, err := imaging.DecodeBase64(req.OriginalImage)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error(), "Invalid original_image")
		return
	}

	rr := report.Request{
		Original:   original,
		Filename:   req.Filename,
		Prediction: req.Prediction,
		Confidence: *req.TopConfidence,
	}
	if req.Heatmap != nil {
		rr.Heatmap = *req.Heatmap
	}
	pdf, err := report.Generate(rr)
	if err != nil {
		logger.Error("Report generation failed.", "error", err)
		respondError(w, http.StatusInternalServerError, err.Error(), "Failed to generate report")
		return
	}
	logger.Info("Report generated.", "prediction", req.Prediction, "bytes", len(pdf))

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", `attachment; filename="`+report.Filename(req.Filename)+`"`)
	w.WriteHeader(http.StatusOK)
	w.Write(pdf)
}

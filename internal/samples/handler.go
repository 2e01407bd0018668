package samples

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/nox/internal/observe"
	"github.com/MrWong99/nox/internal/web"
)

// multipartOverhead is allowed on top of the file limit for form fields and
// boundaries.
const multipartOverhead = 1 << 20

// Handler serves the sample routes and the static files.
type Handler struct {
	store *Store
}

// NewHandler wraps store.
func NewHandler(store *Store) *Handler { return &Handler{store: store} }

// Register adds the routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/voice-samples", h.upload)
	mux.HandleFunc("GET /api/voice-samples", h.list)
	mux.HandleFunc("DELETE /api/voice-samples", h.remove)
	mux.Handle("GET "+URLPrefix, http.StripPrefix(URLPrefix, http.FileServer(http.Dir(h.store.Dir()))))
}

// uploadResponse is the success body of POST /api/voice-samples.
type uploadResponse struct {
	Success    bool      `json:"success"`
	Filename   string    `json:"filename"`
	Path       string    `json:"path"`
	Size       int64     `json:"size"`
	Format     string    `json:"format"`
	UploadedAt time.Time `json:"uploaded_at"`
}

func (h *Handler) tooLarge() string {
	return fmt.Sprintf("文件太大，最大支持 %dMB", h.store.MaxSize()>>20)
}

func (h *Handler) upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.store.MaxSize()+multipartOverhead)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			web.WriteError(w, http.StatusBadRequest, h.tooLarge())
			return
		}
		web.WriteErrorDetails(w, http.StatusBadRequest, "没有选择文件", err)
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, hdr, err := r.FormFile("file")
	if err != nil {
		web.WriteError(w, http.StatusBadRequest, "没有选择文件")
		return
	}
	defer file.Close()

	sample, err := h.store.Save(hdr.Filename, r.FormValue("name"), hdr.Size, file)
	switch {
	case errors.Is(err, ErrTooLarge):
		web.WriteError(w, http.StatusBadRequest, h.tooLarge())
		return
	case errors.Is(err, ErrUnsupportedFormat):
		web.WriteError(w, http.StatusBadRequest, "不支持的文件格式，支持: "+strings.Join(AllowedFormats, ", "))
		return
	case err != nil:
		observe.Logger(r.Context()).Error("samples: upload failed", "file", hdr.Filename, "err", err)
		web.WriteErrorDetails(w, http.StatusInternalServerError, "上传文件失败", err)
		return
	}

	observe.Logger(r.Context()).Info("samples: uploaded", "file", sample.Filename, "size", sample.Size)
	web.WriteJSON(w, http.StatusOK, uploadResponse{
		Success:    true,
		Filename:   sample.Filename,
		Path:       sample.Path,
		Size:       sample.Size,
		Format:     sample.Format,
		UploadedAt: sample.CreatedAt,
	})
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	list, err := h.store.List()
	if err != nil {
		web.WriteErrorDetails(w, http.StatusInternalServerError, "获取文件列表失败", err)
		return
	}
	web.WriteJSON(w, http.StatusOK, map[string]any{
		"samples":         list,
		"total":           len(list),
		"max_file_size":   h.store.MaxSize(),
		"allowed_formats": AllowedFormats,
	})
}

func (h *Handler) remove(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("filename")
	if name == "" {
		web.WriteError(w, http.StatusBadRequest, "缺少文件名")
		return
	}
	switch err := h.store.Delete(name); {
	case errors.Is(err, ErrInvalidName):
		web.WriteError(w, http.StatusBadRequest, "非法文件名")
	case errors.Is(err, ErrNotFound):
		web.WriteError(w, http.StatusNotFound, "文件不存在")
	case err != nil:
		web.WriteErrorDetails(w, http.StatusInternalServerError, "删除文件失败", err)
	default:
		observe.Logger(r.Context()).Info("samples: deleted", "file", name)
		web.WriteJSON(w, http.StatusOK, map[string]any{
			"success":  true,
			"message":  "文件删除成功",
			"filename": name,
		})
	}
}

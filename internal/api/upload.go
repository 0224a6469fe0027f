package api

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"csvai/internal/csvload"
	"csvai/internal/logger"
	"csvai/internal/models"
	"csvai/internal/service/assistant"
)

const maxUploadBytes = 10 << 20 // 10 MB

// isText accepts text/plain and everything detected below it (text/csv,
// text/tab-separated-values, ...).
func isText(mt *mimetype.MIME) bool {
	for m := mt; m != nil; m = m.Parent() {
		if m.Is("text/plain") {
			return true
		}
	}
	return false
}

func (h *Handler) uploadFile(c *gin.Context) {
	ctx := logger.WithAction(c.Request.Context(), "upload")
	id := sessionID(c)
	session, err := h.assistant.GetSession(ctx, id)
	if err != nil {
		h.fail(c, err)
		return
	}
	if err := c.Request.ParseMultipartForm(maxUploadBytes); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid multipart form"})
		return
	}
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}
	if file.Size > maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
		return
	}
	filename := filepath.Base(file.Filename)
	if !strings.EqualFold(filepath.Ext(filename), ".csv") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "only .csv files are accepted"})
		return
	}
	f, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "open file failed"})
		return
	}
	data, err := io.ReadAll(io.LimitReader(f, maxUploadBytes+1))
	_ = f.Close()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "read file failed"})
		return
	}
	mt := mimetype.Detect(data)
	if !isText(mt) {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unsupported file type %s", mt.String())})
		return
	}
	tbl, err := csvload.Load(data)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	destDir := filepath.Join(h.fileBase, strconv.FormatInt(session.ID, 10))
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		logger.Extract(ctx).Error("create upload directory", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create directory failed"})
		return
	}
	destPath := filepath.Join(destDir, uuid.NewString()+".csv")
	if err := os.WriteFile(destPath, data, 0o600); err != nil {
		logger.Extract(ctx).Error("write upload", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "save file failed"})
		return
	}
	upload := &models.Upload{
		SessionID:  session.ID,
		FileName:   filename,
		StoredPath: destPath,
		MimeType:   mt.String(),
		Size:       int64(len(data)),
		Encoding:   tbl.Encoding,
		Rows:       len(tbl.Rows),
	}
	replaced, err := h.assistant.RecordUpload(ctx, upload, h.fileTTL)
	if err != nil {
		assistant.RemoveFiles(ctx, []string{destPath})
		h.fail(c, err)
		return
	}
	assistant.RemoveFiles(ctx, replaced)

	conv, err := h.workers.Load(ctx, session.ID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"upload":       upload,
		"conversation": conv,
	})
}

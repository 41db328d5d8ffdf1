package receipt

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/zombor/receipt-copilot/internal/preprocess"
	"github.com/zombor/receipt-copilot/internal/scanning"
)

const (
	// uploads above MaxFileSize are still read so Validate can name them
	maxUploadBody = MaxFileSize + 1<<20
	maxBatchBody  = 20 * maxUploadBody
	maxBatchFiles = 20
	formMemory    = 32 << 20
)

type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// writeError writes the JSON error envelope
func writeError(w http.ResponseWriter, status int, code, message string) {
	var body apiError
	body.Error.Code = code
	body.Error.Message = message
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	setCORSHeaders(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// writeServiceError maps service errors to statuses and error codes
func writeServiceError(w http.ResponseWriter, err error) {
	var inputErr *preprocess.InputError
	switch {
	case errors.As(err, &inputErr):
		writeError(w, http.StatusUnprocessableEntity, "UNREADABLE_IMAGE", inputErr.Error())
	case errors.Is(err, ErrFileTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE", err.Error())
	case errors.Is(err, ErrUnsupportedType):
		writeError(w, http.StatusUnsupportedMediaType, "UNSUPPORTED_TYPE", err.Error())
	case errors.Is(err, scanning.ErrEngineUnavailable):
		writeError(w, http.StatusServiceUnavailable, "OCR_UNAVAILABLE", "OCR engine is unavailable")
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Receipt not found")
	case errors.Is(err, ErrInvalidUpdate):
		writeError(w, http.StatusBadRequest, "INVALID_UPDATE", err.Error())
	default:
		slog.Error("Request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "Internal server error")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "receipt-copilot",
		"version": s.version,
	})
}

// upload is one file read from a multipart form
type upload struct {
	filename    string
	contentType string
	data        []byte
}

func readUpload(header *multipart.FileHeader) (upload, error) {
	f, err := header.Open()
	if err != nil {
		return upload{}, fmt.Errorf("opening %s: %w", header.Filename, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return upload{}, fmt.Errorf("reading %s: %w", header.Filename, err)
	}

	contentType := strings.ToLower(strings.TrimSpace(header.Header.Get("Content-Type")))
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = preprocess.ContentTypeFromName(header.Filename)
	}
	return upload{filename: header.Filename, contentType: contentType, data: data}, nil
}

func hintsFromForm(r *http.Request) Hints {
	return Hints{
		Vendor:    r.FormValue("vendor"),
		Date:      r.FormValue("date"),
		Amount:    r.FormValue("amount"),
		Currency:  r.FormValue("currency"),
		Category:  r.FormValue("category"),
		GSTIN:     r.FormValue("gstin"),
		TaxAmount: r.FormValue("tax_amount"),
	}
}

// formFile reads the "file" field of a single-upload form
func formFile(w http.ResponseWriter, r *http.Request) (upload, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBody)
	if err := r.ParseMultipartForm(formMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE", "File is too large. Maximum size is 10MB.")
			return upload{}, false
		}
		slog.Error("Error parsing multipart form", "error", err)
		writeError(w, http.StatusBadRequest, "INVALID_FORM", "Error parsing form")
		return upload{}, false
	}

	_, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "MISSING_FILE", "No file uploaded")
		return upload{}, false
	}

	up, err := readUpload(header)
	if err != nil {
		slog.Error("Error reading file data", "error", err, "filename", header.Filename)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "Error reading file")
		return upload{}, false
	}
	return up, true
}

// handleUploadReceipt stores and analyzes one receipt
func (s *Server) handleUploadReceipt(w http.ResponseWriter, r *http.Request) {
	up, ok := formFile(w, r)
	if !ok {
		return
	}

	receipt, err := s.service.ProcessReceipt(r.Context(), up.filename, up.data, up.contentType, hintsFromForm(r))
	if err != nil {
		slog.Error("Error processing receipt", "filename", up.filename, "error", err)
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, receipt)
}

// handleAnalyzeReceipt analyzes one receipt without storing it
func (s *Server) handleAnalyzeReceipt(w http.ResponseWriter, r *http.Request) {
	up, ok := formFile(w, r)
	if !ok {
		return
	}
	if err := s.service.storage.Validate(len(up.data), up.contentType); err != nil {
		writeServiceError(w, err)
		return
	}

	analysis, err := s.service.Analyze(r.Context(), preprocess.Bytes{
		Data:        up.data,
		ContentType: up.contentType,
		Name:        up.filename,
	}, hintsFromForm(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, analysis)
}

// handleBatch analyzes the "files" of a multipart form and returns the
// results as JSON, CSV or XLSX in upload order
func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	format := strings.ToLower(r.URL.Query().Get("format"))
	switch format {
	case "", "json", "csv", "xlsx":
	default:
		writeError(w, http.StatusBadRequest, "INVALID_FORMAT", "format must be json, csv or xlsx")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBatchBody)
	if err := r.ParseMultipartForm(formMemory); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_FORM", "Error parsing form")
		return
	}
	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		writeError(w, http.StatusBadRequest, "MISSING_FILE", "No files uploaded")
		return
	}
	if len(headers) > maxBatchFiles {
		writeError(w, http.StatusBadRequest, "TOO_MANY_FILES", fmt.Sprintf("At most %d files per batch", maxBatchFiles))
		return
	}

	results := make([]BatchResult, len(headers))
	var (
		items []BatchItem
		slots []int
	)
	for i, header := range headers {
		results[i] = BatchResult{Filename: header.Filename}
		up, err := readUpload(header)
		if err == nil {
			err = s.service.storage.Validate(len(up.data), up.contentType)
		}
		if err != nil {
			results[i].Err, results[i].Error = err, err.Error()
			continue
		}
		items = append(items, BatchItem{
			Filename: up.filename,
			Input:    preprocess.Bytes{Data: up.data, ContentType: up.contentType, Name: up.filename},
		})
		slots = append(slots, i)
	}
	for j, res := range s.service.AnalyzeBatch(r.Context(), items) {
		results[slots[j]] = res
	}

	switch format {
	case "csv":
		var buf bytes.Buffer
		if err := WriteCSV(&buf, results); err != nil {
			writeServiceError(w, err)
			return
		}
		writeAttachment(w, "text/csv", "receipts.csv", buf.Bytes())
	case "xlsx":
		var buf bytes.Buffer
		if err := WriteXLSX(&buf, results); err != nil {
			writeServiceError(w, err)
			return
		}
		writeAttachment(w, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", "receipts.xlsx", buf.Bytes())
	default:
		writeJSON(w, http.StatusOK, map[string]any{"results": results})
	}
}

func writeAttachment(w http.ResponseWriter, contentType, filename string, data []byte) {
	setCORSHeaders(w)
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Write(data)
}

// handleListReceipts returns a page of receipts
func (s *Server) handleListReceipts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ListFilter{
		Query:  q.Get("q"),
		GSTIN:  q.Get("gstin"),
		Status: Status(q.Get("status")),
	}
	var err error
	if v := q.Get("page"); v != "" {
		if filter.Page, err = strconv.Atoi(v); err != nil || filter.Page < 1 {
			writeError(w, http.StatusBadRequest, "INVALID_QUERY", "page must be a positive integer")
			return
		}
	}
	if v := q.Get("size"); v != "" {
		if filter.Size, err = strconv.Atoi(v); err != nil || filter.Size < 1 || filter.Size > maxPageSize {
			writeError(w, http.StatusBadRequest, "INVALID_QUERY", fmt.Sprintf("size must be between 1 and %d", maxPageSize))
			return
		}
	}

	page, err := s.service.ListReceipts(filter)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// handleGetReceipt returns a single receipt
func (s *Server) handleGetReceipt(w http.ResponseWriter, r *http.Request) {
	receipt, err := s.service.GetReceipt(r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

// handleUpdateReceipt applies corrections to a receipt
func (s *Server) handleUpdateReceipt(w http.ResponseWriter, r *http.Request) {
	var update Update
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&update); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "Invalid request body")
		return
	}

	receipt, err := s.service.UpdateReceipt(r.PathValue("id"), update)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

// handleGetReceiptFile returns the file for a receipt
func (s *Server) handleGetReceiptFile(w http.ResponseWriter, r *http.Request) {
	data, contentType, err := s.service.GetReceiptFile(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			writeServiceError(w, err)
			return
		}
		writeError(w, http.StatusNotFound, "NOT_FOUND", "File not found")
		return
	}

	setCORSHeaders(w)
	w.Header().Set("Content-Type", contentType)
	w.Write(data)
}

// handleDeleteReceipt deletes a receipt
func (s *Server) handleDeleteReceipt(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteReceipt(r.PathValue("id")); err != nil {
		writeServiceError(w, err)
		return
	}
	setCORSHeaders(w)
	w.WriteHeader(http.StatusNoContent)
}

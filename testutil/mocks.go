package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

// APIError is an error the mock returns in Google's JSON error envelope.
type APIError struct {
	Code   int
	Reason string
}

// DriveFile is a file created through the mock Drive API.
type DriveFile struct {
	ID       string
	Name     string
	Parents  []string
	MimeType string
	Data     []byte
	Public   bool
}

// MockGoogleServer fakes the subset of the Sheets v4 and Drive v3 REST APIs
// the service talks to. Rows are kept in memory so tests can assert on them.
type MockGoogleServer struct {
	*httptest.Server

	mu           sync.Mutex
	Title        string
	Header       []string
	HeaderWrites int
	Rows         [][]string
	Files        map[string]*DriveFile
	Deleted      []string
	Folders      map[string]bool
	nextID       int

	// Failure injection; nil means success.
	AppendErr     *APIError
	HeaderErr     *APIError
	GetErr        *APIError
	UploadErr     *APIError
	PermissionErr *APIError
	DeleteErr     *APIError
}

// NewMockGoogleServer creates a new mock Google API server.
func NewMockGoogleServer(t *testing.T) *MockGoogleServer {
	t.Helper()
	m := &MockGoogleServer{
		Title:   "LINE Bot Messages",
		Files:   make(map[string]*DriveFile),
		Folders: make(map[string]bool),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(m.serve))
	t.Cleanup(m.Close)
	return m
}

// SheetsService returns a Sheets client pointed at the mock.
func (m *MockGoogleServer) SheetsService(t *testing.T) *sheets.Service {
	t.Helper()
	svc, err := sheets.NewService(context.Background(), option.WithEndpoint(m.URL+"/"), option.WithoutAuthentication())
	if err != nil {
		t.Fatalf("sheets service: %v", err)
	}
	return svc
}

// DriveService returns a Drive client pointed at the mock.
func (m *MockGoogleServer) DriveService(t *testing.T) *drive.Service {
	t.Helper()
	svc, err := drive.NewService(context.Background(), option.WithEndpoint(m.URL+"/"), option.WithoutAuthentication())
	if err != nil {
		t.Fatalf("drive service: %v", err)
	}
	return svc
}

// RowCount returns the number of appended rows.
func (m *MockGoogleServer) RowCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Rows)
}

// Snapshot returns copies of the header and appended rows.
func (m *MockGoogleServer) Snapshot() (header []string, rows [][]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	header = append([]string(nil), m.Header...)
	for _, r := range m.Rows {
		rows = append(rows, append([]string(nil), r...))
	}
	return header, rows
}

// File returns the created file with id, or nil.
func (m *MockGoogleServer) File(id string) *DriveFile {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Files[id]
}

// AddFolder registers an accessible Drive folder id.
func (m *MockGoogleServer) AddFolder(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Folders[id] = true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test mock response
}

func writeAPIError(w http.ResponseWriter, e *APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Code)
	_ = json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck // test mock response
		"error": map[string]any{
			"code":    e.Code,
			"message": e.Reason,
			"errors":  []map[string]string{{"domain": "global", "reason": e.Reason, "message": e.Reason}},
		},
	})
}

func (m *MockGoogleServer) serve(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	path := r.URL.Path
	switch {
	case strings.HasPrefix(path, "/v4/spreadsheets/"):
		m.serveSheets(w, r, strings.TrimPrefix(path, "/v4/spreadsheets/"))
	case path == "/upload/drive/v3/files" && r.Method == http.MethodPost:
		m.serveUpload(w, r)
	case strings.HasPrefix(path, "/files/"):
		m.serveFile(w, r, strings.TrimPrefix(path, "/files/"))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (m *MockGoogleServer) serveSheets(w http.ResponseWriter, r *http.Request, rest string) {
	id, valuesPath, hasValues := strings.Cut(rest, "/values/")
	switch {
	case !hasValues && r.Method == http.MethodGet:
		if m.GetErr != nil {
			writeAPIError(w, m.GetErr)
			return
		}
		writeJSON(w, map[string]any{"spreadsheetId": id, "properties": map[string]string{"title": m.Title}})
	case hasValues && strings.HasSuffix(valuesPath, ":append") && r.Method == http.MethodPost:
		if m.AppendErr != nil {
			writeAPIError(w, m.AppendErr)
			return
		}
		if r.URL.Query().Get("valueInputOption") != "RAW" {
			http.Error(w, "valueInputOption must be RAW", http.StatusBadRequest)
			return
		}
		row, ok := decodeSingleRow(w, r)
		if !ok {
			return
		}
		m.Rows = append(m.Rows, row)
		rowNum := len(m.Rows) + 1
		updated := fmt.Sprintf("Sheet1!A%d:E%d", rowNum, rowNum)
		resp := map[string]any{
			"spreadsheetId": id,
			"updates": map[string]any{
				"spreadsheetId":  id,
				"updatedRange":   updated,
				"updatedRows":    1,
				"updatedColumns": len(row),
				"updatedCells":   len(row),
			},
		}
		if r.URL.Query().Get("includeValuesInResponse") == "true" {
			resp["updates"].(map[string]any)["updatedData"] = map[string]any{
				"range": updated, "majorDimension": "ROWS", "values": [][]string{row},
			}
		}
		writeJSON(w, resp)
	case hasValues && r.Method == http.MethodPut:
		if m.HeaderErr != nil {
			writeAPIError(w, m.HeaderErr)
			return
		}
		row, ok := decodeSingleRow(w, r)
		if !ok {
			return
		}
		m.Header = row
		m.HeaderWrites++
		writeJSON(w, map[string]any{"spreadsheetId": id, "updatedRange": valuesPath, "updatedRows": 1, "updatedCells": len(row)})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func decodeSingleRow(w http.ResponseWriter, r *http.Request) ([]string, bool) {
	var body struct {
		Values [][]any `json:"values"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.Values) != 1 {
		http.Error(w, "expected exactly one row", http.StatusBadRequest)
		return nil, false
	}
	row := make([]string, 0, len(body.Values[0]))
	for _, v := range body.Values[0] {
		row = append(row, fmt.Sprint(v))
	}
	return row, true
}

func (m *MockGoogleServer) serveUpload(w http.ResponseWriter, r *http.Request) {
	if m.UploadErr != nil {
		writeAPIError(w, m.UploadErr)
		return
	}
	mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") {
		http.Error(w, "expected multipart upload", http.StatusBadRequest)
		return
	}
	mr := multipart.NewReader(r.Body, params["boundary"])
	f := &DriveFile{}
	metaPart, err := mr.NextPart()
	if err != nil {
		http.Error(w, "missing metadata part", http.StatusBadRequest)
		return
	}
	var meta struct {
		Name    string   `json:"name"`
		Parents []string `json:"parents"`
	}
	if err := json.NewDecoder(metaPart).Decode(&meta); err != nil {
		http.Error(w, "bad metadata", http.StatusBadRequest)
		return
	}
	mediaPart, err := mr.NextPart()
	if err != nil {
		http.Error(w, "missing media part", http.StatusBadRequest)
		return
	}
	f.Data, _ = io.ReadAll(mediaPart)
	f.MimeType = mediaPart.Header.Get("Content-Type")
	f.Name, f.Parents = meta.Name, meta.Parents
	m.nextID++
	f.ID = fmt.Sprintf("file%03d", m.nextID)
	m.Files[f.ID] = f
	writeJSON(w, map[string]any{"id": f.ID, "name": f.Name, "webViewLink": "https://drive.google.com/file/d/" + f.ID + "/view?usp=drivesdk"})
}

func (m *MockGoogleServer) serveFile(w http.ResponseWriter, r *http.Request, rest string) {
	id, sub, _ := strings.Cut(rest, "/")
	switch {
	case sub == "permissions" && r.Method == http.MethodPost:
		if m.PermissionErr != nil {
			writeAPIError(w, m.PermissionErr)
			return
		}
		f, ok := m.Files[id]
		if !ok {
			writeAPIError(w, &APIError{Code: http.StatusNotFound, Reason: "notFound"})
			return
		}
		var perm struct {
			Type string `json:"type"`
			Role string `json:"role"`
		}
		_ = json.NewDecoder(r.Body).Decode(&perm)
		f.Public = perm.Type == "anyone" && perm.Role == "reader"
		writeJSON(w, map[string]any{"id": "anyoneWithLink", "type": perm.Type, "role": perm.Role})
	case sub == "" && r.Method == http.MethodGet:
		if !m.Folders[id] {
			writeAPIError(w, &APIError{Code: http.StatusNotFound, Reason: "notFound"})
			return
		}
		writeJSON(w, map[string]any{"id": id, "name": "folder", "mimeType": "application/vnd.google-apps.folder"})
	case sub == "" && r.Method == http.MethodDelete:
		if m.DeleteErr != nil {
			writeAPIError(w, m.DeleteErr)
			return
		}
		delete(m.Files, id)
		m.Deleted = append(m.Deleted, id)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

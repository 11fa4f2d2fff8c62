package transport

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
)

// Client is a thin HTTP client over a Server's routes, used by pmctl so
// the CLI never touches dumpstore/session/metaindex directly — it's just
// another caller of the same API surface a remote user would hit.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient returns a Client targeting baseURL (e.g. "http://localhost:8080").
// apiKey may be empty if the server has auth disabled.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{baseURL: baseURL, apiKey: apiKey, http: &http.Client{}}
}

// UploadDump posts a dump file to the upload contract endpoint and returns
// the opaque dump id.
func (c *Client) UploadDump(path, userID, description string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", err
	}
	w.WriteField("userId", userID)
	if description != "" {
		w.WriteField("description", description)
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequest(http.MethodPost, c.baseURL+"/api/dumps/upload", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, http.StatusCreated); err != nil {
		return "", err
	}
	var out struct {
		DumpID string `json:"dumpId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	return out.DumpID, nil
}

// SessionInfo mirrors the transport package's session response payload.
type SessionInfo struct {
	ID             string `json:"id"`
	UserID         string `json:"userId"`
	CurrentDumpID  string `json:"currentDumpId,omitempty"`
	LastAccessedAt string `json:"lastAccessedAt"`
	DebuggerKind   string `json:"debuggerKind"`
}

func (c *Client) CreateSession(userID string) (*SessionInfo, error) {
	body, _ := json.Marshal(map[string]string{"userId": userID})
	resp, err := c.post("/api/sessions", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, http.StatusCreated); err != nil {
		return nil, err
	}
	var s SessionInfo
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *Client) GetSession(userID, sessionID string) (*SessionInfo, error) {
	resp, err := c.get("/api/sessions/" + sessionID + "?userId=" + userID)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, http.StatusOK); err != nil {
		return nil, err
	}
	var s SessionInfo
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *Client) CloseSession(sessionID string) error {
	resp, err := c.delete("/api/sessions/" + sessionID)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkStatus(resp, http.StatusNoContent)
}

func (c *Client) OpenDump(userID, sessionID, dumpID, executableOverride string) (*SessionInfo, error) {
	body, _ := json.Marshal(map[string]string{
		"userId": userID, "dumpId": dumpID, "executableOverride": executableOverride,
	})
	resp, err := c.post("/api/sessions/"+sessionID+"/dump", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, http.StatusOK); err != nil {
		return nil, err
	}
	var s SessionInfo
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *Client) Execute(userID, sessionID, command string) (string, error) {
	body, _ := json.Marshal(map[string]string{"userId": userID, "command": command})
	resp, err := c.post("/api/sessions/"+sessionID+"/execute", body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, http.StatusOK); err != nil {
		return "", err
	}
	var out struct {
		Output string `json:"output"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.Output, nil
}

func (c *Client) TranscriptTail(sessionID string, n int) ([]json.RawMessage, error) {
	resp, err := c.get(fmt.Sprintf("/api/sessions/%s/transcript?n=%d", sessionID, n))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, http.StatusOK); err != nil {
		return nil, err
	}
	var entries []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (c *Client) ListDumps(userID string) ([]json.RawMessage, error) {
	resp, err := c.get("/api/admin/dumps?userId=" + userID)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, http.StatusOK); err != nil {
		return nil, err
	}
	var rows []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// CompareResult mirrors comparator.Result's JSON shape.
type CompareResult struct {
	A, B         json.RawMessage `json:"A"`
	ThreadCountA int             `json:"ThreadCountA"`
	ThreadCountB int             `json:"ThreadCountB"`
	Modules      struct {
		OnlyInA []string `json:"OnlyInA"`
		OnlyInB []string `json:"OnlyInB"`
	} `json:"Modules"`
}

func (c *Client) Compare(userA, dumpA, userB, dumpB string) (*CompareResult, error) {
	body, _ := json.Marshal(map[string]string{"userA": userA, "dumpA": dumpA, "userB": userB, "dumpB": dumpB})
	resp, err := c.post("/api/compare", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, http.StatusOK); err != nil {
		return nil, err
	}
	var out CompareResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListSessions(userID string) ([]json.RawMessage, error) {
	resp, err := c.get("/api/admin/sessions?userId=" + userID)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, http.StatusOK); err != nil {
		return nil, err
	}
	var rows []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// HTTP helpers

func (c *Client) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func (c *Client) get(path string) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	c.authorize(req)
	return c.http.Do(req)
}

func (c *Client) post(path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)
	return c.http.Do(req)
}

func (c *Client) delete(path string) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodDelete, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	c.authorize(req)
	return c.http.Do(req)
}

func checkStatus(resp *http.Response, expected int) error {
	if resp.StatusCode == expected {
		return nil
	}
	body, _ := io.ReadAll(resp.Body)
	var errResp struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, errResp.Error)
	}
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
}

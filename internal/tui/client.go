package tui

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/fentz26/baton/internal/models"
	"github.com/fentz26/baton/internal/routing"
)

// DefaultClientTimeout is the default timeout for API requests.
const DefaultClientTimeout = 10 * time.Second

// APIError is a non-2xx response from the daemon.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("API error %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Client wraps HTTP calls to the Baton operator API
type Client struct {
	baseURL    string
	actor      string
	httpClient *http.Client
}

// NewClient creates a new API client with timeout. Changes made through the
// client are recorded under an operator@host actor.
func NewClient(baseURL string) *Client {
	hostname, _ := os.Hostname()
	return &Client{
		baseURL: baseURL,
		actor:   fmt.Sprintf("operator@%s", hostname),
		httpClient: &http.Client{
			Timeout: DefaultClientTimeout,
		},
	}
}

// Actor returns the identity recorded in the audit trail.
func (c *Client) Actor() string { return c.actor }

// ListTasks fetches tasks, optionally filtered by status.
func (c *Client) ListTasks(status string) ([]models.Task, error) {
	path := "/tasks"
	if status != "" {
		path += "?status=" + url.QueryEscape(status)
	}
	var tasks []models.Task
	if err := c.get(path, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// GetTask fetches a single task
func (c *Client) GetTask(id string) (*models.Task, error) {
	var task models.Task
	if err := c.get("/tasks/"+url.PathEscape(id), &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// Stats fetches queue counters.
func (c *Client) Stats() (*models.QueueStats, error) {
	var stats models.QueueStats
	if err := c.get("/tasks/stats", &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// BundleTask hands a pending task to the operator.
func (c *Client) BundleTask(id string) (*models.Task, error) {
	var task models.Task
	if err := c.post("/tasks/"+url.PathEscape(id)+"/bundle", map[string]string{"actor": c.actor}, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// CompleteTask submits the result for a bundled task.
func (c *Client) CompleteTask(id, result string) (*models.Task, error) {
	body := map[string]string{"result": result, "actor": c.actor}
	var task models.Task
	if err := c.post("/tasks/"+url.PathEscape(id)+"/complete", body, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// RequeueTask re-enqueues a failed or expired task.
func (c *Client) RequeueTask(id string) (*models.Task, error) {
	var task models.Task
	if err := c.post("/tasks/"+url.PathEscape(id)+"/requeue", map[string]string{"actor": c.actor}, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// ListRoutes fetches every declared slot.
func (c *Client) ListRoutes() ([]models.CredentialRoute, error) {
	var routes []models.CredentialRoute
	if err := c.get("/routes", &routes); err != nil {
		return nil, err
	}
	return routes, nil
}

// ProbeRoute probes one slot.
func (c *Client) ProbeRoute(slot int) (*routing.ProbeResult, error) {
	var res routing.ProbeResult
	if err := c.post("/routes/"+strconv.Itoa(slot)+"/probe", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ProbeAll probes every slot, or only quarantined ones.
func (c *Client) ProbeAll(onlyQuarantined bool) ([]routing.ProbeResult, error) {
	path := "/routes/probe"
	if onlyQuarantined {
		path += "?quarantined=true"
	}
	var results []routing.ProbeResult
	if err := c.post(path, nil, &results); err != nil {
		return nil, err
	}
	return results, nil
}

// QuarantineRoute takes a slot out of rotation.
func (c *Client) QuarantineRoute(slot int, reason string) (*models.CredentialRoute, error) {
	return c.changeRoute(slot, "quarantine", "", reason)
}

// ReactivateRoute puts a slot back into rotation.
func (c *Client) ReactivateRoute(slot int, reason string) (*models.CredentialRoute, error) {
	return c.changeRoute(slot, "reactivate", "", reason)
}

// OverrideRoute rebinds a slot to another credential.
func (c *Client) OverrideRoute(slot int, credential, reason string) (*models.CredentialRoute, error) {
	return c.changeRoute(slot, "override", credential, reason)
}

func (c *Client) changeRoute(slot int, action, credential, reason string) (*models.CredentialRoute, error) {
	body := map[string]string{"actor": c.actor, "reason": reason}
	if credential != "" {
		body["credential"] = credential
	}
	var route models.CredentialRoute
	if err := c.post("/routes/"+strconv.Itoa(slot)+"/"+action, body, &route); err != nil {
		return nil, err
	}
	return &route, nil
}

// ListLocks fetches current lock holders.
func (c *Client) ListLocks() ([]models.LockRecord, error) {
	var locks []models.LockRecord
	if err := c.get("/locks", &locks); err != nil {
		return nil, err
	}
	return locks, nil
}

// ReclaimLocks deletes expired locks and returns how many were removed.
func (c *Client) ReclaimLocks() (int, error) {
	var reclaimed []models.LockRecord
	if err := c.post("/locks/reclaim", nil, &reclaimed); err != nil {
		return 0, err
	}
	return len(reclaimed), nil
}

// CheckHealth checks if the daemon is healthy
func (c *Client) CheckHealth() (bool, error) {
	resp, err := c.httpClient.Get(c.baseURL + "/health")
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	var health struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return false, err
	}

	return resp.StatusCode == http.StatusOK && health.OK, nil
}

func (c *Client) get(path string, out any) error {
	resp, err := c.httpClient.Get(c.baseURL + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func (c *Client) post(path string, data, out any) error {
	var body io.Reader = http.NoBody
	if data != nil {
		jsonData, err := json.Marshal(data)
		if err != nil {
			return err
		}
		body = bytes.NewReader(jsonData)
	}

	resp, err := c.httpClient.Post(c.baseURL+path, "application/json", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func decodeResponse(resp *http.Response, out any) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode, Message: string(bytes.TrimSpace(body))}
		var e struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			apiErr.Message = e.Error
			apiErr.Code = e.Code
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}

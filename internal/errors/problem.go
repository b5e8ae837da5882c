package errors

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/render"
)

// ProblemDetails implements RFC 7807 Problem Details for HTTP APIs
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`

	Extensions map[string]interface{} `json:"-"`
}

// NewProblemDetails creates a new RFC 7807 compliant error
func NewProblemDetails(status int, problemType, title, detail, instance string) *ProblemDetails {
	return &ProblemDetails{
		Type:       problemType,
		Title:      title,
		Status:     status,
		Detail:     detail,
		Instance:   instance,
		Extensions: make(map[string]interface{}),
	}
}

// WithExtension adds an extension field to the problem details
func (pd *ProblemDetails) WithExtension(key string, value interface{}) *ProblemDetails {
	pd.Extensions[key] = value
	return pd
}

// Render implements the render.Renderer interface
func (pd *ProblemDetails) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, pd.Status)
	return nil
}

// MarshalJSON flattens extensions into the top-level object
func (pd *ProblemDetails) MarshalJSON() ([]byte, error) {
	data := make(map[string]interface{}, len(pd.Extensions)+5)
	for k, v := range pd.Extensions {
		data[k] = v
	}

	data["type"] = pd.Type
	data["title"] = pd.Title
	data["status"] = pd.Status
	if pd.Detail != "" {
		data["detail"] = pd.Detail
	}
	if pd.Instance != "" {
		data["instance"] = pd.Instance
	}
	return json.Marshal(data)
}

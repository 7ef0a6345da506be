package recommender

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/c360studio/finops/cache"
	"github.com/c360studio/finops/registry"
	"github.com/c360studio/finops/warehouse"
)

// Request asks for recommendations over one resource slice. Dates use
// cache.DateLayout and are optional.
type Request struct {
	Cloud        string `json:"cloud"`
	Schema       string `json:"schema"`
	ResourceType string `json:"resource_type"`
	StartDate    string `json:"start_date,omitempty"`
	EndDate      string `json:"end_date,omitempty"`
	ResourceID   string `json:"resource_id,omitempty"`
	ProjectID    string `json:"project_id,omitempty"`
}

// Validate reports every problem with the request. The error wraps
// ErrInvalidRequest.
func (r Request) Validate() error {
	var errs []error
	fields := []struct {
		name, value string
		required    bool
	}{
		{"cloud", r.Cloud, true},
		{"schema", r.Schema, true},
		{"resource_type", r.ResourceType, true},
		{"resource_id", r.ResourceID, false},
		{"project_id", r.ProjectID, false},
	}
	for _, f := range fields {
		if f.required && strings.TrimSpace(f.value) == "" {
			errs = append(errs, fmt.Errorf("%s is required", f.name))
		}
		// '|' delimits the fingerprint tuple.
		if strings.Contains(f.value, "|") {
			errs = append(errs, fmt.Errorf("%s must not contain '|'", f.name))
		}
	}

	start, end, err := r.dates()
	if err != nil {
		errs = append(errs, err)
	} else if !start.IsZero() && !end.IsZero() && end.Before(start) {
		errs = append(errs, fmt.Errorf("end_date %s is before start_date %s", r.EndDate, r.StartDate))
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidRequest, errors.Join(errs...))
}

func (r Request) dates() (start, end time.Time, err error) {
	parse := func(name, v string) (time.Time, error) {
		if v == "" {
			return time.Time{}, nil
		}
		t, err := time.Parse(cache.DateLayout, strings.TrimSpace(v))
		if err != nil {
			return time.Time{}, fmt.Errorf("%s must be YYYY-MM-DD, got %q", name, v)
		}
		return t, nil
	}
	if start, err = parse("start_date", r.StartDate); err != nil {
		return
	}
	end, err = parse("end_date", r.EndDate)
	return
}

// Key returns the cache key for a validated request.
func (r Request) Key() cache.Key {
	start, end, _ := r.dates()
	return cache.Key{
		Cloud:        r.Cloud,
		Schema:       r.Schema,
		ResourceType: r.ResourceType,
		StartDate:    start,
		EndDate:      end,
		ResourceID:   r.ResourceID,
	}
}

// View is the utilization view read for the request.
func (r Request) View() string {
	return strings.ToLower(strings.TrimSpace(r.Cloud)) + "_" +
		strings.ToLower(strings.TrimSpace(r.ResourceType)) + "_utilization"
}

func (r Request) window() warehouse.Window {
	start, end, _ := r.dates()
	return warehouse.Window{Start: start, End: end, ResourceID: strings.TrimSpace(r.ResourceID)}
}

func (r Request) metadata() map[string]string {
	md := map[string]string{
		"cloud":  r.Cloud,
		"schema": r.Schema,
	}
	if r.ProjectID != "" {
		md[registry.MetadataProjectID] = r.ProjectID
	}
	if r.ResourceID != "" {
		md["resource_id"] = r.ResourceID
	}
	return md
}

// Status is the outcome of a run that did not fail.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusCached    Status = "cached"
	StatusCancelled Status = "cancelled"
	// StatusEmpty means the warehouse had no rows for the window.
	StatusEmpty Status = "empty"
)

// Result is returned by Run. A cancelled task is a Result, not an error.
type Result struct {
	Status          Status          `json:"status"`
	Cancelled       bool            `json:"cancelled"`
	TaskID          string          `json:"task_id,omitempty"`
	Fingerprint     string          `json:"fingerprint"`
	Recommendations json.RawMessage `json:"recommendations"`
}

var emptySet = json.RawMessage(`[]`)

package pipeline

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/Anansitrading/HYPERCOG/internal/extractor"
)

// MaxTaskLength is the longest accepted task, in characters
const MaxTaskLength = 10000

// ErrTimeout is returned when the whole call outlives its deadline
var ErrTimeout = errors.New("enrichment timed out")

// Request is one enrichment call
type Request struct {
	Task           string         `json:"task" validate:"notblank,max=10000"`
	Context        RequestContext `json:"context"`
	TimeoutSeconds float64        `json:"timeout_seconds,omitempty" validate:"gte=0,lte=86400"`
}

// RequestContext is the caller's side of the context
type RequestContext struct {
	SessionID      string         `json:"session_id,omitempty"`
	SessionContext string         `json:"session_context" validate:"notblank"`
	AttachedFiles  []AttachedFile `json:"attached_files,omitempty" validate:"dive"`
	WorkspacePath  string         `json:"workspace_path,omitempty"`
	UserIntent     string         `json:"user_intent,omitempty"`
}

// AttachedFile names a file to read into the context
type AttachedFile struct {
	Path string `json:"path" validate:"notblank"`
}

// Timeout returns the per-call deadline, zero when unset
func (r Request) Timeout() time.Duration {
	return time.Duration(r.TimeoutSeconds * float64(time.Second))
}

func (r Request) extraction() extractor.Request {
	files := make([]string, 0, len(r.Context.AttachedFiles))
	for _, f := range r.Context.AttachedFiles {
		files = append(files, f.Path)
	}
	return extractor.Request{
		SessionID:      r.Context.SessionID,
		Task:           r.Task,
		SessionContext: r.Context.SessionContext,
		AttachedFiles:  files,
		WorkspacePath:  r.Context.WorkspacePath,
		UserIntent:     r.Context.UserIntent,
	}
}

// ValidationError lists every rejected field of a Request
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	names := make([]string, 0, len(e.Fields))
	for n := range e.Fields {
		names = append(names, n)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, n := range names {
		parts = append(parts, n+": "+e.Fields[n])
	}
	return "invalid request: " + strings.Join(parts, "; ")
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func requestValidator() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
		_ = v.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
			return strings.TrimSpace(fl.Field().String()) != ""
		})
		validate = v
	})
	return validate
}

// Validate checks r and returns a *ValidationError naming each bad field
func (r Request) Validate() error {
	err := requestValidator().Struct(r)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate request: %w", err)
	}
	out := &ValidationError{Fields: make(map[string]string, len(verrs))}
	for _, fe := range verrs {
		// drop the top-level struct name
		name := fe.Namespace()
		if i := strings.Index(name, "."); i >= 0 {
			name = name[i+1:]
		}
		out.Fields[name] = describe(fe)
	}
	return out
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "notblank", "required":
		return "is required"
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	case "gte":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "lte":
		return fmt.Sprintf("must be at most %s", fe.Param())
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}

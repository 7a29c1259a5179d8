package orchestrator

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/tutu-network/devpilot/internal/domain"
)

// SubmitRequest is the body of a create-task call.
type SubmitRequest struct {
	Type        domain.TaskType `json:"type" validate:"required,tasktype"`
	Repo        string          `json:"repo" validate:"omitempty,repo"`
	Description string          `json:"description" validate:"max=8000"`
	Options     Options         `json:"options"`
}

// Options holds type-specific parameters.
type Options struct {
	IssueNumber int           `json:"issueNumber,omitempty" validate:"gte=0"`
	Paths       []string      `json:"paths,omitempty" validate:"max=50,dive,required,relpath"`
	Plan        *ScaffoldPlan `json:"plan,omitempty"`
	PlanTaskID  string        `json:"planTaskId,omitempty" validate:"omitempty,max=64"`
}

// ScaffoldPlan is the repository layout produced by a scaffold-plan task and
// consumed by scaffold-create.
type ScaffoldPlan struct {
	Name        string              `json:"name" validate:"required,max=100,reponame"`
	Description string              `json:"description" validate:"max=350"`
	Private     bool                `json:"private"`
	Files       []domain.FileChange `json:"files" validate:"required,min=1,max=200,dive"`
}

var (
	repoPattern     = regexp.MustCompile(`^[A-Za-z0-9_.\-]+/[A-Za-z0-9_.\-]+$`)
	repoNamePattern = regexp.MustCompile(`^[A-Za-z0-9_.\-]+$`)
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("repo", func(fl validator.FieldLevel) bool {
		return repoPattern.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("reponame", func(fl validator.FieldLevel) bool {
		return repoNamePattern.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("tasktype", func(fl validator.FieldLevel) bool {
		return domain.TaskType(fl.Field().String()).Valid()
	})
	_ = v.RegisterValidation("relpath", func(fl validator.FieldLevel) bool {
		return isRelativePath(fl.Field().String())
	})
	return v
}

func isRelativePath(p string) bool {
	if p == "" || strings.HasPrefix(p, "/") || strings.Contains(p, "\\") {
		return false
	}
	clean := path.Clean(p)
	return clean != "." && clean != ".." && !strings.HasPrefix(clean, "../")
}

// Validate checks struct tags and the rules that depend on the task type.
// Every error wraps domain.ErrInvalidRequest.
func (r *SubmitRequest) Validate() error {
	r.Repo = strings.TrimSpace(r.Repo)
	r.Description = strings.TrimSpace(r.Description)

	if err := validateStruct(r); err != nil {
		return err
	}

	switch r.Type {
	case domain.TaskIssueSolver:
		if r.Repo == "" {
			return invalid("repo is required for %s", r.Type)
		}
		if r.Options.IssueNumber <= 0 {
			return invalid("options.issueNumber is required for %s", r.Type)
		}
	case domain.TaskCodeWriter, domain.TaskCodeReview, domain.TaskAudit:
		if r.Repo == "" {
			return invalid("repo is required for %s", r.Type)
		}
		if r.Type == domain.TaskCodeWriter && r.Description == "" {
			return invalid("description is required for %s", r.Type)
		}
	case domain.TaskCustom, domain.TaskScaffoldPlan:
		if r.Description == "" {
			return invalid("description is required for %s", r.Type)
		}
	case domain.TaskScaffoldCreate:
		if r.Options.Plan == nil && r.Options.PlanTaskID == "" {
			return invalid("options.plan or options.planTaskId is required for %s", r.Type)
		}
		if r.Options.Plan != nil {
			if err := r.Options.Plan.Validate(); err != nil {
				return err
			}
		}
	}
	return nil
}

// Validate checks a scaffold plan on its own, as it may come from an agent.
func (p *ScaffoldPlan) Validate() error {
	if err := validateStruct(p); err != nil {
		return err
	}
	seen := make(map[string]bool, len(p.Files))
	for _, f := range p.Files {
		if !isRelativePath(f.Path) {
			return invalid("plan file path %q must be relative", f.Path)
		}
		if seen[f.Path] {
			return invalid("plan file path %q is duplicated", f.Path)
		}
		seen[f.Path] = true
	}
	return nil
}

func validateStruct(s any) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, e := range verrs {
		msgs = append(msgs, fmt.Sprintf("field '%s' failed rule '%s'", e.Namespace(), e.Tag()))
	}
	return fmt.Errorf("%w: %s", domain.ErrInvalidRequest, strings.Join(msgs, "; "))
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", domain.ErrInvalidRequest, fmt.Sprintf(format, args...))
}

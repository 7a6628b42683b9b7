package model

// Request payloads accepted by the task API. Status and priority arrive as
// strings so that validation can report them instead of failing JSON decoding.

type CreateTaskRequest struct {
	Title       string `json:"title" validate:"required,min=1,max=255,notblank"`
	Description string `json:"description" validate:"max=5000"`
	Status      string `json:"status" validate:"omitempty,status"`
	Priority    string `json:"priority" validate:"omitempty,priority"`
}

type UpdateTaskRequest struct {
	Title       string `json:"title" validate:"required,min=1,max=255,notblank"`
	Description string `json:"description" validate:"max=5000"`
	Status      string `json:"status" validate:"required,status"`
	Priority    string `json:"priority" validate:"required,priority"`
	Version     *int64 `json:"version" validate:"required,gte=0"`
}

// PatchTaskRequest leaves nil fields untouched.
type PatchTaskRequest struct {
	Title       *string `json:"title" validate:"omitempty,min=1,max=255,notblank"`
	Description *string `json:"description" validate:"omitempty,max=5000"`
	Status      *string `json:"status" validate:"omitempty,status"`
	Priority    *string `json:"priority" validate:"omitempty,priority"`
}

func (r PatchTaskRequest) Empty() bool {
	return r.Title == nil && r.Description == nil && r.Status == nil && r.Priority == nil
}

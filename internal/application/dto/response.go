package dto

import (
	"fmt"
	"time"

	"github.com/turtacn/keystore/internal/domain/repository"
	"github.com/turtacn/keystore/pkg/errors"
)

// APIResponse 通用 API 响应结构
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *ErrorDTO   `json:"error,omitempty"`
	TraceID   string      `json:"trace_id,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// ErrorDTO 错误信息 DTO
type ErrorDTO struct {
	Code        string            `json:"code"`
	Message     string            `json:"message"`
	Description string            `json:"description,omitempty"`
	Details     map[string]string `json:"details,omitempty"`
}

// PaginationResponse 分页响应元数据
type PaginationResponse struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
}

// KeyPageResponse is one page of keys, each rendered whole or projected.
type KeyPageResponse struct {
	Items      []interface{}      `json:"items"`
	Pagination PaginationResponse `json:"pagination"`
}

// NewPagination builds pagination metadata from a repository page.
func NewPagination(p *repository.Page) PaginationResponse {
	return PaginationResponse{
		Page:       p.Page,
		PageSize:   p.Size,
		Total:      p.Total,
		TotalPages: p.TotalPages(),
	}
}

// SuccessResponse 创建成功响应
func SuccessResponse(data interface{}, traceID string) *APIResponse {
	return &APIResponse{
		Success:   true,
		Data:      data,
		TraceID:   traceID,
		Timestamp: time.Now().Unix(),
	}
}

// ErrorResponse 创建错误响应
// The cause chain of an AppError stays out of the message; errors outside
// the taxonomy are reported as internal errors without leaking their text.
func ErrorResponse(err error, traceID string) *APIResponse {
	var errorDTO *ErrorDTO

	if appErr, ok := errors.As(err); ok {
		errorDTO = &ErrorDTO{
			Code:        string(appErr.Code()),
			Message:     appErr.Message(),
			Description: appErr.Description(),
			Details:     stringDetails(appErr.Metadata()),
		}
	} else {
		errorDTO = &ErrorDTO{
			Code:        string(errors.CodeInternal),
			Message:     "Internal server error",
			Description: "internal server error",
		}
	}

	return &APIResponse{
		Success:   false,
		Error:     errorDTO,
		TraceID:   traceID,
		Timestamp: time.Now().Unix(),
	}
}

func stringDetails(metadata map[string]interface{}) map[string]string {
	if len(metadata) == 0 {
		return nil
	}
	details := make(map[string]string, len(metadata))
	for k, v := range metadata {
		details[k] = fmt.Sprint(v)
	}
	return details
}
